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

// Package forwarder implements the four forwarder variants: TCP
// exposer/accessor and UDP exposer/accessor, plus the shared
// admission-control contract every variant uses before allocating a
// substream.
package forwarder

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/Lawtro37/NAT-bridge/internal/metrics"
	"github.com/Lawtro37/NAT-bridge/internal/mux"
	"github.com/Lawtro37/NAT-bridge/internal/throttle"
)

// errAdmissionDenied is returned by forwarder Start methods that fail the
// stream budget check before any substream or socket is allocated.
var errAdmissionDenied = errors.New("forwarder: stream budget exhausted")

// Admission is the stream-budget gate shared by every forwarder variant:
// the running total of TCP and UDP streams must never exceed the
// configured maximum, checked before allocating any resource.
type Admission interface {
	// TryAdmit reserves one stream slot. ok is false if the budget is
	// exhausted; the caller must not allocate any resource in that case.
	TryAdmit() (release func(), ok bool)
}

// TCPExposer dials the local exposed service for every inbound substream.
type TCPExposer struct {
	ExposedPort       int
	ConnectRetries    int
	RetryDelay        time.Duration
	Kbps              int
	Admission         Admission
	Metrics           *metrics.Metrics
	OnError           func(err error)
	OnBenignDisconnect func(reason string)
}

// HandleOpen is the mux OnOpen callback: dial the local service with
// retry, wire the two pipe directions, and account bytes/streams.
func (f *TCPExposer) HandleOpen(st *mux.Stream, id uint32) {
	release, ok := f.Admission.TryAdmit()
	if !ok {
		st.Close()
		return
	}

	conn, err := f.dialWithRetry()
	if err != nil {
		release()
		if f.OnError != nil {
			f.OnError(fmt.Errorf("dial exposed port %d: %w", f.ExposedPort, err))
		}
		st.Close()
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	f.Metrics.TCPStreamOpened()
	pipeBidirectional(st, conn, f.Kbps, f.Metrics, func() {
		f.Metrics.TCPStreamClosed()
		release()
	})
}

func (f *TCPExposer) dialWithRetry() (net.Conn, error) {
	var lastErr error
	attempts := f.ConnectRetries
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(f.ExposedPort)))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if i < attempts-1 && f.RetryDelay > 0 {
			time.Sleep(f.RetryDelay)
		}
	}
	return nil, lastErr
}

// TCPAccessor listens on the local loopback port and opens one substream
// per accepted connection.
type TCPAccessor struct {
	ListenPort int
	Kbps       int
	Admission  Admission
	Metrics    *metrics.Metrics
	Session    *mux.Session
	OnError    func(err error)

	ln net.Listener
}

// Start binds the listener and begins accepting connections in a
// background goroutine. Close stops accepting and releases the listener.
func (f *TCPAccessor) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(f.ListenPort)))
	if err != nil {
		return err
	}
	f.ln = ln
	go f.acceptLoop()
	return nil
}

func (f *TCPAccessor) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handleConn(conn)
	}
}

func (f *TCPAccessor) handleConn(conn net.Conn) {
	release, ok := f.Admission.TryAdmit()
	if !ok {
		conn.Close()
		return
	}

	st, err := f.Session.Open()
	if err != nil {
		release()
		conn.Close()
		if f.OnError != nil {
			f.OnError(fmt.Errorf("open substream: %w", err))
		}
		return
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	f.Metrics.TCPStreamOpened()
	pipeBidirectionalAccessor(conn, st, f.Kbps, f.Metrics, func() {
		f.Metrics.TCPStreamClosed()
		release()
	})
}

// Close stops accepting new connections.
func (f *TCPAccessor) Close() error {
	if f.ln == nil {
		return nil
	}
	return f.ln.Close()
}

// pipeBidirectional wires an exposer-side TCP socket to a substream: the
// substream->socket direction (accessor's upload arriving at the exposer,
// "bytesUp") is unthrottled, socket->substream (exposer->accessor,
// "bytesDown") goes through the throttle transform.
func pipeBidirectional(st *mux.Stream, sock net.Conn, kbps int, m *metrics.Metrics, onDone func()) {
	th := throttle.New(st, kbps, m.AddBytesDown)
	runPipePair(sock, st, th, m.AddBytesUp, onDone)
}

// pipeBidirectionalAccessor wires an accessor-side TCP socket to a
// substream: local->substream (accessor->exposer, "bytesUp") goes through
// the throttle transform, substream->local (exposer->accessor,
// "bytesDown") is unthrottled.
func pipeBidirectionalAccessor(sock net.Conn, st *mux.Stream, kbps int, m *metrics.Metrics, onDone func()) {
	th := throttle.New(st, kbps, m.AddBytesUp)
	runPipePair(sock, st, th, m.AddBytesDown, onDone)
}

// runPipePair starts the two unidirectional copy loops and calls onDone
// exactly once both have finished (either side closing ends the other).
// throttledB already accounts its own bytes via its onSent callback;
// onUnthrottled accounts the other, unthrottled direction (b->a).
func runPipePair(a, b net.Conn, throttledB interface{ Write([]byte) (int, error) }, onUnthrottled func(n int), onDone func()) {
	done := make(chan struct{}, 2)
	go func() {
		copyLoop(throttledB, a, nil)
		b.Close()
		done <- struct{}{}
	}()
	go func() {
		copyLoop(a, b, onUnthrottled)
		a.Close()
		done <- struct{}{}
	}()
	go func() {
		<-done
		<-done
		onDone()
	}()
}

func copyLoop(dst interface{ Write([]byte) (int, error) }, src interface {
	Read([]byte) (int, error)
}, onSent func(n int)) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
			if onSent != nil {
				onSent(n)
			}
		}
		if err != nil {
			return
		}
	}
}
