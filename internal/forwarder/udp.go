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

package forwarder

import (
	"net"
	"strconv"

	"github.com/Lawtro37/NAT-bridge/internal/metrics"
	"github.com/Lawtro37/NAT-bridge/internal/mux"
)

const udpReadBuf = 64 * 1024

// UDPExposer opens one loopback UDP socket per substream. Datagram
// boundaries are preserved end-to-end because the mux treats each
// Stream.Write as one discrete message (see internal/mux), so this
// forwarder deliberately does not add its own length prefix — a prefix
// is only needed if the underlying mux coalesces writes, which ours
// does not.
type UDPExposer struct {
	ExposedPort int
	Admission   Admission
	Metrics     *metrics.Metrics
}

// HandleOpen is the mux OnOpen callback for a new UDP flow.
func (f *UDPExposer) HandleOpen(st *mux.Stream, id uint32) {
	release, ok := f.Admission.TryAdmit()
	if !ok {
		st.Close()
		return
	}

	sock, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(f.ExposedPort)))
	if err != nil {
		release()
		st.Close()
		return
	}
	f.Metrics.UDPStreamOpened()

	done := make(chan struct{}, 2)
	go func() {
		buf := make([]byte, udpReadBuf)
		for {
			n, err := sock.Read(buf)
			if n > 0 {
				if _, werr := st.Write(buf[:n]); werr != nil {
					break
				}
				f.Metrics.AddBytesDown(n)
			}
			if err != nil {
				break
			}
		}
		st.Close()
		done <- struct{}{}
	}()
	go func() {
		for {
			msg, err := st.ReadMessage()
			if err != nil {
				break
			}
			if _, werr := sock.Write(msg); werr != nil {
				break
			}
			f.Metrics.AddBytesUp(len(msg))
		}
		sock.Close()
		done <- struct{}{}
	}()
	go func() {
		<-done
		<-done
		f.Metrics.UDPStreamClosed()
		release()
	}()
}

// UDPAccessor binds one local UDP socket and ties it to one substream
// opened at handshake completion.
type UDPAccessor struct {
	ListenPort int
	Session    *mux.Session
	Admission  Admission
	Metrics    *metrics.Metrics

	conn    *net.UDPConn
	release func()
}

// Start opens the tunnel-side substream and binds the local UDP socket,
// then runs the two relay loops until either side closes.
func (f *UDPAccessor) Start() error {
	release, ok := f.Admission.TryAdmit()
	if !ok {
		return errAdmissionDenied
	}

	st, err := f.Session.Open()
	if err != nil {
		release()
		return err
	}

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: f.ListenPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		release()
		st.Close()
		return err
	}
	f.conn = conn
	f.release = release
	f.Metrics.UDPStreamOpened()

	go f.relayLocalToSubstream(conn, st)
	go f.relaySubstreamToLocal(conn, st)
	return nil
}

func (f *UDPAccessor) relayLocalToSubstream(conn *net.UDPConn, st *mux.Stream) {
	buf := make([]byte, udpReadBuf)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if n > 0 {
			if _, werr := st.Write(buf[:n]); werr != nil {
				break
			}
			f.Metrics.AddBytesUp(n)
		}
		if err != nil {
			break
		}
	}
	st.Close()
}

// relaySubstreamToLocal forwards tunnel datagrams back out the listen
// socket. The reference behavior sends every reply to (127.0.0.1,
// listenPort) — its own listening port — rather than to the last local
// peer that actually sent a datagram. That is almost certainly a bug in
// the original, but it is kept here rather than silently changed, so the
// destination is exposed via ReplyAddr instead of hardcoded.
func (f *UDPAccessor) relaySubstreamToLocal(conn *net.UDPConn, st *mux.Stream) {
	dst := f.ReplyAddr()
	for {
		msg, err := st.ReadMessage()
		if err != nil {
			break
		}
		if _, werr := conn.WriteToUDP(msg, dst); werr != nil {
			break
		}
		f.Metrics.AddBytesDown(len(msg))
	}
	conn.Close()
	f.Metrics.UDPStreamClosed()
}

// ReplyAddr returns the address substream->local datagrams are sent to.
// Matches the reference implementation's observed (likely buggy) behavior
// of replying to its own listen port rather than to the original sender.
func (f *UDPAccessor) ReplyAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: f.ListenPort}
}

// Close tears down the local UDP socket and releases the admitted stream.
func (f *UDPAccessor) Close() error {
	if f.release != nil {
		f.release()
		f.release = nil
	}
	if f.conn == nil {
		return nil
	}
	return f.conn.Close()
}
