package handshake

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Lawtro37/NAT-bridge/internal/config"
)

// tcpPipe returns a connected pair of real loopback TCP sockets. Unlike
// net.Pipe, these have OS-level send buffers, so two goroutines that both
// write before reading (as both handshake sides legitimately do) don't
// deadlock the way they would over a fully synchronous net.Pipe.
func tcpPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		serverCh <- c
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-serverCh
	require.NotNil(t, server)
	return client, server
}

func baseCfg(mode config.Role) config.Config {
	cfg := config.Defaults()
	cfg.Mode = mode
	cfg.BridgeID = "alpha123"
	cfg.Protocol = config.ProtocolTCP
	return cfg
}

func TestHandshakeNoAuthSucceeds(t *testing.T) {
	c1, c2 := tcpPipe(t)
	exposerCfg := baseCfg(config.RoleExposer)
	accessorCfg := baseCfg(config.RoleAccessor)

	type res struct {
		out *Outcome
		err error
	}
	exposerDone := make(chan res, 1)
	accessorDone := make(chan res, 1)

	go func() {
		out, err := RunExposer(c1, "peerA", exposerCfg, nil, 2*time.Second)
		exposerDone <- res{out, err}
	}()
	go func() {
		out, err := RunAccessor(c2, "peerB", accessorCfg, nil, 2*time.Second, nil)
		accessorDone <- res{out, err}
	}()

	er := <-exposerDone
	ar := <-accessorDone
	require.NoError(t, er.err)
	require.NoError(t, ar.err)
	require.Equal(t, config.ProtocolTCP, er.out.Protocol)
	require.Equal(t, config.ProtocolTCP, ar.out.Protocol)
}

func TestHandshakeAuthSucceeds(t *testing.T) {
	c1, c2 := tcpPipe(t)
	exposerCfg := baseCfg(config.RoleExposer)
	exposerCfg.Secret = "s3cret"
	accessorCfg := baseCfg(config.RoleAccessor)
	accessorCfg.Secret = "s3cret"

	type res struct {
		out *Outcome
		err error
	}
	exposerDone := make(chan res, 1)
	accessorDone := make(chan res, 1)
	go func() {
		out, err := RunExposer(c1, "peerA", exposerCfg, nil, 2*time.Second)
		exposerDone <- res{out, err}
	}()
	go func() {
		out, err := RunAccessor(c2, "peerB", accessorCfg, nil, 2*time.Second, nil)
		accessorDone <- res{out, err}
	}()

	er := <-exposerDone
	ar := <-accessorDone
	require.NoError(t, er.err)
	require.NoError(t, ar.err)
}

func TestHandshakeAuthFailureRejectsWithoutForwarder(t *testing.T) {
	c1, c2 := tcpPipe(t)
	exposerCfg := baseCfg(config.RoleExposer)
	exposerCfg.Secret = "s3cret"
	accessorCfg := baseCfg(config.RoleAccessor)
	accessorCfg.Secret = "wrong"

	type res struct {
		out *Outcome
		err error
	}
	exposerDone := make(chan res, 1)
	accessorDone := make(chan res, 1)
	go func() {
		out, err := RunExposer(c1, "peerA", exposerCfg, nil, 2*time.Second)
		exposerDone <- res{out, err}
	}()
	go func() {
		out, err := RunAccessor(c2, "peerB", accessorCfg, nil, 2*time.Second, nil)
		accessorDone <- res{out, err}
	}()

	er := <-exposerDone
	require.Error(t, er.err)
	require.Nil(t, er.out)
	var rejErr *RejectError
	require.ErrorAs(t, er.err, &rejErr)
	require.Equal(t, "auth failed", rejErr.Reason)
	require.False(t, rejErr.Block)
}

func TestHandshakeHostConflictBlocks(t *testing.T) {
	c1, c2 := tcpPipe(t)
	cfg := baseCfg(config.RoleExposer)

	type res struct {
		out *Outcome
		err error
	}
	done1 := make(chan res, 1)
	done2 := make(chan res, 1)
	go func() {
		out, err := RunExposer(c1, "peerA", cfg, nil, 2*time.Second)
		done1 <- res{out, err}
	}()
	go func() {
		out, err := RunExposer(c2, "peerB", cfg, nil, 2*time.Second)
		done2 <- res{out, err}
	}()

	r1 := <-done1
	r2 := <-done2
	// Both sides write HELLO:exposer before reading, so each normally
	// observes the other's line and rejects with block=true; at least one
	// such blocking rejection is required.
	blocked := 0
	for _, r := range []res{r1, r2} {
		var rejErr *RejectError
		if r.err != nil && errors.As(r.err, &rejErr) && rejErr.Block {
			blocked++
		}
	}
	require.GreaterOrEqual(t, blocked, 1)
}

func TestHandshakeTimeout(t *testing.T) {
	c1, _ := net.Pipe()
	cfg := baseCfg(config.RoleExposer)
	_, err := RunExposer(c1, "peerA", cfg, nil, 30*time.Millisecond)
	require.Error(t, err)
}
