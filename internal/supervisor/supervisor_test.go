package supervisor

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Lawtro37/NAT-bridge/internal/config"
	"github.com/Lawtro37/NAT-bridge/internal/logx"
	"github.com/Lawtro37/NAT-bridge/internal/metrics"
	"github.com/Lawtro37/NAT-bridge/internal/transport"
)

func echoServer(t *testing.T) (port int, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(conn, conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, func() { ln.Close() }
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testLogger() *logx.Logger { return logx.New(logx.Options{}) }

func TestRunRejectsStartupProbeFailure(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = config.RoleExposer
	cfg.BridgeID = "probe-fail"
	cfg.ExposedPort = freePort(t) // nothing listening

	// a nil adapter is fine: the probe fails before the adapter is touched
	s := New(cfg, testLogger(), metrics.New(nil), nil)
	err := s.Run(context.Background())
	require.Error(t, err)
}

func TestEndToEndTCPLoopbackEcho(t *testing.T) {
	exposedPort, closeSrv := echoServer(t)
	defer closeSrv()
	listenPort := freePort(t)

	exposerAdapter, err := transport.NewLoopbackAdapter(0)
	require.NoError(t, err)
	defer exposerAdapter.Close()
	accessorAdapter, err := transport.NewLoopbackAdapter(0)
	require.NoError(t, err)
	defer accessorAdapter.Close()

	exposerCfg := config.Defaults()
	exposerCfg.Mode = config.RoleExposer
	exposerCfg.BridgeID = "alpha123"
	exposerCfg.ExposedPort = exposedPort
	exposerCfg.MaxStreams = 2

	accessorCfg := config.Defaults()
	accessorCfg.Mode = config.RoleAccessor
	accessorCfg.BridgeID = "alpha123"
	accessorCfg.ListenPort = listenPort
	accessorCfg.MaxStreams = 2

	expSup := New(exposerCfg, testLogger(), metrics.New(nil), exposerAdapter)
	accSup := New(accessorCfg, testLogger(), metrics.New(nil), accessorAdapter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go expSup.Run(ctx)
	go accSup.Run(ctx)

	// Simulate the overlay delivering one peer connection to both sides.
	require.NoError(t, accessorAdapter.Dial(exposerAdapter.Addr().String()))

	var conn net.Conn
	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(listenPort)))
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 2*time.Second, 20*time.Millisecond)
	defer conn.Close()

	_, err = conn.Write([]byte("hello\n"))
	require.NoError(t, err)
	buf := make([]byte, 6)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(buf))
}

func TestStreamBudgetRefusesOverCapacityConnection(t *testing.T) {
	exposedPort, closeSrv := echoServer(t)
	defer closeSrv()
	listenPort := freePort(t)

	exposerAdapter, err := transport.NewLoopbackAdapter(0)
	require.NoError(t, err)
	defer exposerAdapter.Close()
	accessorAdapter, err := transport.NewLoopbackAdapter(0)
	require.NoError(t, err)
	defer accessorAdapter.Close()

	exposerCfg := config.Defaults()
	exposerCfg.Mode = config.RoleExposer
	exposerCfg.BridgeID = "budget1"
	exposerCfg.ExposedPort = exposedPort
	exposerCfg.MaxStreams = 1

	accessorCfg := config.Defaults()
	accessorCfg.Mode = config.RoleAccessor
	accessorCfg.BridgeID = "budget1"
	accessorCfg.ListenPort = listenPort
	accessorCfg.MaxStreams = 1

	expSup := New(exposerCfg, testLogger(), metrics.New(nil), exposerAdapter)
	accSup := New(accessorCfg, testLogger(), metrics.New(nil), accessorAdapter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go expSup.Run(ctx)
	go accSup.Run(ctx)
	require.NoError(t, accessorAdapter.Dial(exposerAdapter.Addr().String()))

	var first net.Conn
	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(listenPort)))
		if err != nil {
			return false
		}
		first = c
		return true
	}, 2*time.Second, 20*time.Millisecond)
	defer first.Close()

	_, err = first.Write([]byte("x"))
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = io.ReadFull(first, buf)
	require.NoError(t, err)

	// The accessor's own admission gate also enforces maxStreams=1, so the
	// second local connection is refused at the local accept with no
	// substream ever opened.
	second, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(listenPort)))
	require.NoError(t, err)
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(time.Second))
	_, err = second.Read(buf)
	require.Error(t, err)
}
