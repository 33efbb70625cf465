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

// Package supervisor owns per-process lifecycle state: the stream
// budget, the rejected-peer cache, overlay join/rejoin, and bounded
// graceful shutdown. It wires the transport, handshake, and forwarder
// packages together into one running bridge.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Lawtro37/NAT-bridge/internal/config"
	"github.com/Lawtro37/NAT-bridge/internal/forwarder"
	"github.com/Lawtro37/NAT-bridge/internal/handshake"
	"github.com/Lawtro37/NAT-bridge/internal/logx"
	"github.com/Lawtro37/NAT-bridge/internal/metrics"
	"github.com/Lawtro37/NAT-bridge/internal/topic"
	"github.com/Lawtro37/NAT-bridge/internal/transport"
	"github.com/Lawtro37/NAT-bridge/internal/ttlcache"
)

const rejectedPeerTTL = 10 * time.Second
const rejoinDelay = 5 * time.Second

// Supervisor runs one bridge process end to end: join the overlay, handle
// every inbound peer link, and install the matching forwarder once a link
// reaches Ready.
type Supervisor struct {
	cfg     config.Config
	log     *logx.Logger
	metrics *metrics.Metrics
	adapter transport.Adapter

	rejected *ttlcache.Cache
	sem      *semaphore.Weighted

	mu          sync.Mutex
	accSession  bool // accessor has already installed a forwarder ("connected to host")
	links       map[*linkHandle]struct{}
	rejoinTimer *time.Timer
}

// linkHandle is one peer link's teardown contract, tracked so graceful
// shutdown can close every open session within its drain window.
type linkHandle struct {
	closeFn func()
}

// New constructs a Supervisor for cfg, logging via log and recording
// activity on m. adapter is the overlay contract the transport package
// defines.
func New(cfg config.Config, log *logx.Logger, m *metrics.Metrics, adapter transport.Adapter) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		adapter:  adapter,
		rejected: ttlcache.New(rejectedPeerTTL),
		sem:      semaphore.NewWeighted(int64(cfg.MaxStreams)),
		links:    make(map[*linkHandle]struct{}),
	}
}

// admission adapts the Supervisor's semaphore to forwarder.Admission.
type admission struct{ sem *semaphore.Weighted }

func (a admission) TryAdmit() (func(), bool) {
	if !a.sem.TryAcquire(1) {
		return nil, false
	}
	return func() { a.sem.Release(1) }, true
}

// Run joins the overlay and services peer connections until ctx is
// canceled, then performs the bounded graceful shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.cfg.Mode == config.RoleExposer && (s.cfg.Protocol == config.ProtocolTCP || s.cfg.Protocol == config.ProtocolBoth) {
		if err := s.probeExposedPort(); err != nil {
			return fmt.Errorf("startup probe: %w", err)
		}
	}

	t := topic.Derive(s.cfg.BridgeID)
	if err := s.adapter.Join(t, s.cfg.Mode == config.RoleExposer); err != nil {
		return fmt.Errorf("join overlay: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return s.shutdown()

		case conn, ok := <-s.adapter.Connections():
			if !ok {
				return s.shutdown()
			}
			go s.handleLink(conn)

		case err, ok := <-s.adapter.Closed():
			if !ok {
				return s.shutdown()
			}
			s.log.Warn("overlay connection dropped", errField(err)...)
			s.metrics.SetConnectedToHost(false)
			s.scheduleRejoin(t)
		}
	}
}

// probeExposedPort performs the one-shot loopback dial required of an
// exposer before it ever joins the overlay.
func (s *Supervisor) probeExposedPort() error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.cfg.ExposedPort))
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return fmt.Errorf("nothing listening on exposedPort %d: %w", s.cfg.ExposedPort, err)
	}
	return conn.Close()
}

// scheduleRejoin arranges exactly one Join, rejoinDelay after the first
// close in a burst, regardless of how many close events arrive meanwhile.
func (s *Supervisor) scheduleRejoin(t [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejoinTimer != nil {
		return
	}
	s.rejoinTimer = time.AfterFunc(rejoinDelay, func() {
		s.mu.Lock()
		s.rejoinTimer = nil
		s.mu.Unlock()
		s.log.Wait("rejoining overlay")
		if err := s.adapter.Join(t, s.cfg.Mode == config.RoleExposer); err != nil {
			s.log.Error("rejoin failed", errField(err)...)
		}
	})
}

func (s *Supervisor) isConnectedToHost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accSession
}

// handleLink runs the handshake FSM for one inbound peer channel and, on
// success, installs the forwarder matching the negotiated protocol and
// role.
func (s *Supervisor) handleLink(conn transport.Connection) {
	linkID := uuid.New().String()
	timeout := time.Duration(s.cfg.HandshakeTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var out *handshake.Outcome
	var err error
	switch s.cfg.Mode {
	case config.RoleExposer:
		out, err = handshake.RunExposer(conn.Channel, conn.RemoteAddr, s.cfg, s.rejected, timeout)
	case config.RoleAccessor:
		out, err = handshake.RunAccessor(conn.Channel, conn.RemoteAddr, s.cfg, s.rejected, timeout, s.isConnectedToHost)
	}
	if err != nil {
		_ = conn.Channel.Close()
		s.log.Warn(err.Error(), zap.String("link_id", linkID))
		return
	}
	s.log.Success("link ready", zap.String("link_id", linkID), zap.String("peer", conn.RemoteAddr))

	s.metrics.IncP2PConnections()
	handle := &linkHandle{closeFn: func() { out.Session.CloseSession(nil) }}
	s.mu.Lock()
	s.links[handle] = struct{}{}
	s.mu.Unlock()

	switch s.cfg.Mode {
	case config.RoleExposer:
		s.installExposerForwarder(out)
	case config.RoleAccessor:
		s.mu.Lock()
		s.accSession = true
		s.mu.Unlock()
		s.metrics.SetConnectedToHost(true)
		s.installAccessorForwarder(out)
	}
}

func (s *Supervisor) installExposerForwarder(out *handshake.Outcome) {
	admit := admission{sem: s.sem}
	switch out.Protocol {
	case config.ProtocolTCP:
		f := &forwarder.TCPExposer{
			ExposedPort:    s.cfg.ExposedPort,
			ConnectRetries: s.cfg.TCPConnectRetries,
			RetryDelay:     time.Duration(s.cfg.TCPRetryDelayMs) * time.Millisecond,
			Kbps:           s.cfg.Kbps,
			Admission:      admit,
			Metrics:        s.metrics,
			OnError:        func(err error) { s.log.Warn(err.Error()) },
		}
		out.Session.OnOpen(f.HandleOpen)
	case config.ProtocolUDP:
		f := &forwarder.UDPExposer{ExposedPort: s.cfg.ExposedPort, Admission: admit, Metrics: s.metrics}
		out.Session.OnOpen(f.HandleOpen)
	}
}

func (s *Supervisor) installAccessorForwarder(out *handshake.Outcome) {
	admit := admission{sem: s.sem}
	switch out.Protocol {
	case config.ProtocolTCP:
		f := &forwarder.TCPAccessor{
			ListenPort: s.cfg.ListenPort,
			Kbps:       s.cfg.Kbps,
			Admission:  admit,
			Metrics:    s.metrics,
			Session:    out.Session,
			OnError:    func(err error) { s.log.Warn(err.Error()) },
		}
		if err := f.Start(); err != nil {
			s.log.Error("accessor listener failed", errField(err)...)
		}
	case config.ProtocolUDP:
		f := &forwarder.UDPAccessor{ListenPort: s.cfg.ListenPort, Session: out.Session, Admission: admit, Metrics: s.metrics}
		if err := f.Start(); err != nil {
			s.log.Error("accessor UDP bind failed", errField(err)...)
		}
	}
}

// shutdown performs the bounded drain: end every link within 1s, destroy
// the swarm within 3s total, then return so the caller can exit 0.
func (s *Supervisor) shutdown() error {
	s.log.Wait("shutting down")

	s.mu.Lock()
	links := make([]*linkHandle, 0, len(s.links))
	for h := range s.links {
		links = append(links, h)
	}
	s.mu.Unlock()

	g, _ := errgroup.WithContext(context.Background())
	for _, h := range links {
		h := h
		g.Go(func() error {
			done := make(chan struct{})
			go func() { h.closeFn(); close(done) }()
			select {
			case <-done:
			case <-time.After(1 * time.Second):
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() { g.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
	}

	_ = s.adapter.Close()
	s.log.Success("shutdown complete")
	return nil
}
