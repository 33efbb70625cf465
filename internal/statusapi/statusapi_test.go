package statusapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Lawtro37/NAT-bridge/internal/config"
	"github.com/Lawtro37/NAT-bridge/internal/metrics"
)

func freePort(t *testing.T) int {
	t.Helper()
	return 19000 + (len(t.Name()) % 500)
}

func TestStatusEndpoint(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = config.RoleExposer
	cfg.BridgeID = "alpha123"
	m := metrics.New(nil)
	m.TCPStreamOpened()

	port := freePort(t)
	srv, err := Start(port, cfg, m)
	require.NoError(t, err)
	defer srv.Close()
	time.Sleep(20 * time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/status", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "alpha123", body["bridgeId"])
	require.EqualValues(t, 1, body["tcpStreams"])
}

func TestStatusEndpoint404(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = config.RoleExposer
	cfg.BridgeID = "alpha123"
	m := metrics.New(nil)

	port := freePort(t) + 1
	srv, err := Start(port, cfg, m)
	require.NoError(t, err)
	defer srv.Close()
	time.Sleep(20 * time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/nope", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusDisabledWhenPortZero(t *testing.T) {
	cfg := config.Defaults()
	m := metrics.New(nil)
	srv, err := Start(0, cfg, m)
	require.NoError(t, err)
	require.Nil(t, srv)
}
