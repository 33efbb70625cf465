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

// Package mux multiplexes many logical substreams over one underlying
// peer byte-channel. Each substream carries a length-prefixed frame per
// write so one write on a Stream becomes exactly one ReadMessage result on
// the peer's matching Stream, which the UDP forwarders rely on to
// preserve datagram boundaries. The TCP pipes use Read, which treats the
// substream as a plain byte stream.
package mux

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"
)

const (
	frameHeaderLen = 1 + 4 + 4 // type(1) + streamID(4) + length(4)
	maxFrameBody   = 1 << 20   // 1 MiB, generous for TCP chunks and datagrams alike
)

type frameType byte

const (
	frameOpen  frameType = 1
	frameData  frameType = 2
	frameClose frameType = 3
)

var (
	ErrSessionClosed = errors.New("mux: session closed")
	ErrFrameTooLarge = errors.New("mux: frame exceeds maximum size")
)

// Session multiplexes substreams over one io.ReadWriteCloser. All writes to
// the underlying conn go through Session's write lock, so handshake writes
// (which happen before the Session exists) and mux writes never interleave:
// there is never more than one concurrent writer on the raw channel.
type Session struct {
	conn io.ReadWriteCloser

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[uint32]*Stream
	nextID  uint32
	idStep  uint32 // 2, so initiator/non-initiator IDs never collide by parity
	closed  bool

	onOpen func(s *Stream, id uint32)

	readErr chan error
}

// NewSession wraps conn and starts the background frame-reader loop.
// isInitiator controls substream ID parity so both peers never pick the
// same outbound ID (even IDs for the initiator, odd for the other side).
func NewSession(conn io.ReadWriteCloser, isInitiator bool) *Session {
	s := &Session{
		conn:    conn,
		streams: make(map[uint32]*Stream),
		readErr: make(chan error, 1),
	}
	if isInitiator {
		s.nextID, s.idStep = 0, 2
	} else {
		s.nextID, s.idStep = 1, 2
	}
	go s.readLoop()
	return s
}

// OnOpen registers the callback invoked for every inbound substream. Must
// be set before the peer can legally open one (i.e. immediately after
// NewSession, before any data can arrive).
func (s *Session) OnOpen(cb func(stream *Stream, id uint32)) {
	s.mu.Lock()
	s.onOpen = cb
	s.mu.Unlock()
}

// Open allocates a new outbound substream and announces it to the peer.
func (s *Session) Open() (*Stream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	id := s.nextID
	s.nextID += s.idStep
	st := newStream(s, id)
	s.streams[id] = st
	s.mu.Unlock()

	if err := s.writeFrame(frameOpen, id, nil); err != nil {
		s.mu.Lock()
		delete(s.streams, id)
		s.mu.Unlock()
		return nil, err
	}
	return st, nil
}

// Close closes one substream in both directions; the peer observes EOF.
func (s *Session) Close(st *Stream) error {
	s.mu.Lock()
	_, ok := s.streams[st.id]
	delete(s.streams, st.id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	st.closeLocal(nil)
	return s.writeFrame(frameClose, st.id, nil)
}

// CloseSession tears down every substream with reason err — channel close
// closes all substreams with an expected disconnect reason — and closes
// the underlying connection.
func (s *Session) CloseSession(reason error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.streams = nil
	s.mu.Unlock()

	for _, st := range streams {
		st.closeLocal(reason)
	}
	return s.conn.Close()
}

func (s *Session) writeFrame(t frameType, id uint32, payload []byte) error {
	if len(payload) > maxFrameBody {
		return ErrFrameTooLarge
	}
	hdr := make([]byte, frameHeaderLen)
	hdr[0] = byte(t)
	binary.BigEndian.PutUint32(hdr[1:5], id)
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(payload)))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(hdr); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := s.conn.Write(payload)
	return err
}

func (s *Session) readLoop() {
	hdr := make([]byte, frameHeaderLen)
	for {
		if _, err := io.ReadFull(s.conn, hdr); err != nil {
			s.CloseSession(err)
			s.readErr <- err
			return
		}
		t := frameType(hdr[0])
		id := binary.BigEndian.Uint32(hdr[1:5])
		n := binary.BigEndian.Uint32(hdr[5:9])
		if n > maxFrameBody {
			s.CloseSession(ErrFrameTooLarge)
			s.readErr <- ErrFrameTooLarge
			return
		}
		var payload []byte
		if n > 0 {
			payload = make([]byte, n)
			if _, err := io.ReadFull(s.conn, payload); err != nil {
				s.CloseSession(err)
				s.readErr <- err
				return
			}
		}
		s.dispatch(t, id, payload)
	}
}

func (s *Session) dispatch(t frameType, id uint32, payload []byte) {
	switch t {
	case frameOpen:
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		st := newStream(s, id)
		s.streams[id] = st
		cb := s.onOpen
		s.mu.Unlock()
		if cb != nil {
			cb(st, id)
		}
	case frameData:
		s.mu.Lock()
		st, ok := s.streams[id]
		s.mu.Unlock()
		if ok {
			st.deliver(payload)
		}
	case frameClose:
		s.mu.Lock()
		st, ok := s.streams[id]
		delete(s.streams, id)
		s.mu.Unlock()
		if ok {
			st.closeLocal(nil)
		}
	}
}

// Stream is one logical, bidirectional, ordered byte substream. Reads
// deliver exactly the byte slices the peer wrote — the mux preserves
// write boundaries end-to-end, which the UDP forwarders depend on to
// treat "one write = one datagram".
type Stream struct {
	sess *Session
	id   uint32

	mu       sync.Mutex
	buf      [][]byte
	closed   bool
	closeErr error
	notify   chan struct{}
}

func newStream(sess *Session, id uint32) *Stream {
	return &Stream{sess: sess, id: id, notify: make(chan struct{}, 1)}
}

// ID returns the substream's small integer identifier.
func (s *Stream) ID() uint32 { return s.id }

func (s *Stream) deliver(payload []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, payload)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Stream) closeLocal(reason error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = reason
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Write sends one framed chunk of data; the peer's ReadMessage observes
// it as exactly this byte slice (Read may return it in smaller pieces).
func (s *Stream) Write(p []byte) (int, error) {
	if len(p) > maxFrameBody {
		return 0, ErrFrameTooLarge
	}
	if err := s.sess.writeFrame(frameData, s.id, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ReadMessage blocks until one frame (as written by the peer's Write) is
// available, or the stream is closed. It preserves message boundaries,
// unlike io.Reader.Read.
func (s *Stream) ReadMessage() ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			msg := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return msg, nil
		}
		if s.closed {
			err := s.closeErr
			s.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return nil, err
		}
		s.mu.Unlock()
		<-s.notify
	}
}

// Read implements io.Reader by flattening the message queue into a plain
// byte stream, for use by the TCP pipes which don't care about message
// boundaries (only UDP forwarding does; it uses ReadMessage instead).
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	for len(s.buf) == 0 && !s.closed {
		s.mu.Unlock()
		<-s.notify
		s.mu.Lock()
	}
	if len(s.buf) == 0 && s.closed {
		err := s.closeErr
		s.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}
	n := copy(p, s.buf[0])
	if n < len(s.buf[0]) {
		s.buf[0] = s.buf[0][n:]
	} else {
		s.buf = s.buf[1:]
	}
	s.mu.Unlock()
	return n, nil
}

// Close closes this substream via its owning Session.
func (s *Stream) Close() error {
	return s.sess.Close(s)
}

var _ io.ReadWriteCloser = (*Stream)(nil)
