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

// Package metrics tracks the process-wide counters and exposes them both
// as Prometheus collectors (for an operational /metrics scrape target)
// and as a plain snapshot struct (for the bespoke /status JSON endpoint).
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every counter the bridge tracks. Counters are monotonic
// except the gauges (connectedToHost, tcpStreams and udpStreams).
type Metrics struct {
	p2pConnections uint64
	tcpStreams     int64
	udpStreams     int64
	bytesUp        uint64
	bytesDown      uint64
	startTs        time.Time

	mu               sync.RWMutex
	connectedToHost  bool

	p2pConnTotal  prometheus.Counter
	tcpStreamsGG  prometheus.Gauge
	udpStreamsGG  prometheus.Gauge
	bytesUpTotal  prometheus.Counter
	bytesDnTotal  prometheus.Counter
}

// New creates a Metrics instance and registers its collectors with reg.
// reg may be nil, in which case Prometheus collection is skipped (tests).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		startTs: time.Now(),
		p2pConnTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "natbridge_p2p_connections_total",
			Help: "Total peer channels established since process start.",
		}),
		tcpStreamsGG: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "natbridge_tcp_streams",
			Help: "Currently active TCP substreams.",
		}),
		udpStreamsGG: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "natbridge_udp_streams",
			Help: "Currently active UDP substreams.",
		}),
		bytesUpTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "natbridge_bytes_up_total",
			Help: "Bytes forwarded accessor->exposer.",
		}),
		bytesDnTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "natbridge_bytes_down_total",
			Help: "Bytes forwarded exposer->accessor.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.p2pConnTotal, m.tcpStreamsGG, m.udpStreamsGG, m.bytesUpTotal, m.bytesDnTotal)
	}
	return m
}

func (m *Metrics) IncP2PConnections() {
	atomic.AddUint64(&m.p2pConnections, 1)
	m.p2pConnTotal.Inc()
}

func (m *Metrics) TCPStreamOpened() {
	atomic.AddInt64(&m.tcpStreams, 1)
	m.tcpStreamsGG.Inc()
}

func (m *Metrics) TCPStreamClosed() {
	atomic.AddInt64(&m.tcpStreams, -1)
	m.tcpStreamsGG.Dec()
}

func (m *Metrics) UDPStreamOpened() {
	atomic.AddInt64(&m.udpStreams, 1)
	m.udpStreamsGG.Inc()
}

func (m *Metrics) UDPStreamClosed() {
	atomic.AddInt64(&m.udpStreams, -1)
	m.udpStreamsGG.Dec()
}

func (m *Metrics) AddBytesUp(n int)   { atomic.AddUint64(&m.bytesUp, uint64(n)); m.bytesUpTotal.Add(float64(n)) }
func (m *Metrics) AddBytesDown(n int) { atomic.AddUint64(&m.bytesDown, uint64(n)); m.bytesDnTotal.Add(float64(n)) }

func (m *Metrics) SetConnectedToHost(v bool) {
	m.mu.Lock()
	m.connectedToHost = v
	m.mu.Unlock()
}

func (m *Metrics) ConnectedToHost() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectedToHost
}

// Snapshot is the read-only view served at /status.
type Snapshot struct {
	UptimeSec       int64
	P2PConnections  uint64
	TCPStreams      int64
	UDPStreams      int64
	BytesUp         uint64
	BytesDown       uint64
	ConnectedToHost bool
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		UptimeSec:       int64(time.Since(m.startTs).Seconds()),
		P2PConnections:  atomic.LoadUint64(&m.p2pConnections),
		TCPStreams:      atomic.LoadInt64(&m.tcpStreams),
		UDPStreams:      atomic.LoadInt64(&m.udpStreams),
		BytesUp:         atomic.LoadUint64(&m.bytesUp),
		BytesDown:       atomic.LoadUint64(&m.bytesDown),
		ConnectedToHost: m.ConnectedToHost(),
	}
}
