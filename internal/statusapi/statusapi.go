// Copyright 2026 The NAT-bridge Authors
// This file is part of the NAT-bridge library.
//
// The NAT-bridge library is free software: you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// The NAT-bridge library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the GNU Lesser
// General Public License for more details.

// Package statusapi serves the read-only HTTP status endpoint: GET
// /status returns the process snapshot as JSON, every other path is a
// 404. /metrics additionally serves the Prometheus collectors registered
// in internal/metrics.
package statusapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Lawtro37/NAT-bridge/internal/config"
	"github.com/Lawtro37/NAT-bridge/internal/metrics"
)

type response struct {
	UptimeSec       int64           `json:"uptimeSec"`
	Mode            config.Role     `json:"mode"`
	BridgeID        string          `json:"bridgeId"`
	Protocol        config.Protocol `json:"protocol"`
	ListenPort      int             `json:"listenPort"`
	RemotePort      int             `json:"remotePort"`
	P2PConnections  uint64          `json:"p2pConnections"`
	TCPStreams      int64           `json:"tcpStreams"`
	UDPStreams      int64           `json:"udpStreams"`
	BytesUp         uint64          `json:"bytesUp"`
	BytesDown       uint64          `json:"bytesDown"`
	ConnectedToHost bool            `json:"connectedToHost"`
	MaxStreams      int             `json:"maxStreams"`
	Kbps            int             `json:"kbps"`
}

// Server is the status/metrics HTTP server. A port of 0 disables it
// entirely.
type Server struct {
	httpSrv *http.Server
	ln      net.Listener
}

// Start binds the status server to loopback:port. If port == 0, Start
// returns (nil, nil): the endpoint is disabled.
func Start(port int, cfg config.Config, m *metrics.Metrics) (*Server, error) {
	if port == 0 {
		return nil, nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		snap := m.Snapshot()
		resp := response{
			UptimeSec:       snap.UptimeSec,
			Mode:            cfg.Mode,
			BridgeID:        cfg.BridgeID,
			Protocol:        cfg.Protocol,
			ListenPort:      cfg.ListenPort,
			RemotePort:      cfg.ExposedPort,
			P2PConnections:  snap.P2PConnections,
			TCPStreams:      snap.TCPStreams,
			UDPStreams:      snap.UDPStreams,
			BytesUp:         snap.BytesUp,
			BytesDown:       snap.BytesDown,
			ConnectedToHost: snap.ConnectedToHost,
			MaxStreams:      cfg.MaxStreams,
			Kbps:            cfg.Kbps,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.Handle("/metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		return nil, err
	}

	s := &Server{httpSrv: &http.Server{Handler: mux}, ln: ln}
	go func() { _ = s.httpSrv.Serve(ln) }()
	return s, nil
}

// Close shuts the status server down within the bounded drain window.
func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}
