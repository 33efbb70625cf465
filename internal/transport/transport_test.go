package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoopbackAdapterDialDelivers(t *testing.T) {
	exposer, err := NewLoopbackAdapter(0)
	require.NoError(t, err)
	defer exposer.Close()

	accessor, err := NewLoopbackAdapter(0)
	require.NoError(t, err)
	defer accessor.Close()

	require.NoError(t, accessor.Dial(exposer.Addr().String()))

	select {
	case conn := <-exposer.Connections():
		require.NotEmpty(t, conn.RemoteAddr)
		conn.Channel.Close()
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound connection")
	}
}

func TestLoopbackAdapterClose(t *testing.T) {
	a, err := NewLoopbackAdapter(0)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	select {
	case <-a.Closed():
	case <-time.After(time.Second):
		t.Fatal("expected Closed() to fire after Close()")
	}
}
