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

// Package transport is the thin contract around the peer-discovery /
// encrypted-transport overlay. A real overlay library is out of scope
// here; this package only defines the adapter interface the rest of the
// core programs against, plus a loopback-based stand-in used by tests and
// by any caller that hasn't wired a real overlay client yet.
package transport

import (
	"io"
	"net"
	"sync"
)

// Connection is one established bidirectional authenticated byte-channel
// to a remote peer, plus the metadata the handshake FSM needs to build a
// peer-key.
type Connection struct {
	Channel    io.ReadWriteCloser
	RemoteAddr string
}

// Adapter is the contract every overlay client must satisfy.
type Adapter interface {
	// Join enters the overlay for topic. announce=true advertises this
	// node (exposer); announce=false performs lookup only (accessor).
	Join(topic [32]byte, announce bool) error

	// Connections returns the channel of inbound peer connections. It is
	// valid only between a successful Join and the next Close/close event.
	Connections() <-chan Connection

	// Closed fires once when the overlay connection drops; the caller
	// must re-Join after its own backoff (5s, owned by the supervisor,
	// not this package).
	Closed() <-chan error

	// Close leaves the overlay and releases adapter resources.
	Close() error
}

// LoopbackAdapter is a minimal Adapter backed by a plain TCP listener on
// loopback, for local testing and for single-host integration tests where
// no real discovery overlay is available. It ignores the topic value,
// since a real rendezvous isn't being performed.
type LoopbackAdapter struct {
	ln        net.Listener
	conns     chan Connection
	closed    chan error
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewLoopbackAdapter binds a TCP listener on an ephemeral 127.0.0.1 port
// (port is ignored; see Addr), accepting unlimited inbound peer
// connections.
func NewLoopbackAdapter(port int) (*LoopbackAdapter, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	_ = port // real overlays don't take a fixed local port; kept for API symmetry
	a := &LoopbackAdapter{
		ln:      ln,
		conns:   make(chan Connection, 16),
		closed:  make(chan error, 1),
		closeCh: make(chan struct{}),
	}
	go a.acceptLoop()
	return a, nil
}

// Addr returns the bound address, useful so a paired LoopbackAdapter can
// dial it directly in tests.
func (a *LoopbackAdapter) Addr() net.Addr { return a.ln.Addr() }

// Dial connects out to another LoopbackAdapter's Addr, simulating the
// overlay delivering a peer connection to both sides.
func (a *LoopbackAdapter) Dial(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	select {
	case a.conns <- Connection{Channel: conn, RemoteAddr: conn.RemoteAddr().String()}:
	case <-a.closeCh:
		conn.Close()
	}
	return nil
}

func (a *LoopbackAdapter) acceptLoop() {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			select {
			case a.closed <- err:
			default:
			}
			return
		}
		select {
		case a.conns <- Connection{Channel: conn, RemoteAddr: conn.RemoteAddr().String()}:
		case <-a.closeCh:
			conn.Close()
			return
		}
	}
}

func (a *LoopbackAdapter) Join(_ [32]byte, _ bool) error { return nil }

func (a *LoopbackAdapter) Connections() <-chan Connection { return a.conns }

func (a *LoopbackAdapter) Closed() <-chan error { return a.closed }

func (a *LoopbackAdapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closeCh)
		err = a.ln.Close()
	})
	return err
}
