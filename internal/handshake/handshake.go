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

// Package handshake drives the per-link state machine: role
// advertisement, conflict detection, optional HMAC challenge and
// response, and protocol negotiation. It produces either a ready mux
// Session or a RejectError.
package handshake

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Lawtro37/NAT-bridge/internal/config"
	"github.com/Lawtro37/NAT-bridge/internal/frame"
	"github.com/Lawtro37/NAT-bridge/internal/mux"
	"github.com/Lawtro37/NAT-bridge/internal/ttlcache"
)

const (
	helloExposer  = "HELLO:exposer"
	helloAccessor = "HELLO:accessor"
	ok            = "OK"
	nonceBytes    = 16
)

// RejectError is returned whenever the FSM rejects a link; the caller
// (the supervisor) then destroys the link's channel.
// Block indicates a host-host conflict and means the peer key must be
// memoized in the rejected-peer cache for 10s.
type RejectError struct {
	Reason string
	Block  bool
}

func (e *RejectError) Error() string { return fmt.Sprintf("handshake rejected: %s", e.Reason) }

func reject(reason string, block bool) error { return &RejectError{Reason: reason, Block: block} }

// Outcome is what a successful handshake hands to the forwarder layer.
type Outcome struct {
	Session  *mux.Session
	Protocol config.Protocol
}

// negotiate is the single JSON line shape used by both directions; fields
// are optional depending on whether auth is configured.
type negotiate struct {
	Protocol   string `json:"protocol"`
	ClientChal string `json:"clientChal,omitempty"`
	HostAuth   string `json:"hostAuth,omitempty"`
}

// RunExposer executes the exposer-side FSM over conn. peerKey identifies
// the remote for the rejected-peer cache. rejected may be nil to skip the
// cache check (e.g. in unit tests of a single link). The whole exchange
// is bounded by timeout; on expiry conn is closed and a timeout error is
// returned.
func RunExposer(conn io.ReadWriteCloser, peerKey string, cfg config.Config, rejected *ttlcache.Cache, timeout time.Duration) (*Outcome, error) {
	if rejected != nil && rejected.Contains(peerKey) {
		return nil, reject("peer previously rejected", false)
	}
	return withTimeout(conn, timeout, func() (*Outcome, error) {
		return runExposer(conn, cfg)
	}, rejected, peerKey)
}

// RunAccessor executes the accessor-side FSM. alreadyConnected resolves
// the second-peer question explicitly: once connectedToHost is true, a
// new peer is rejected right after HELLO:exposer with reason "already
// connected" instead of being silently half-completed.
func RunAccessor(conn io.ReadWriteCloser, peerKey string, cfg config.Config, rejected *ttlcache.Cache, timeout time.Duration, alreadyConnected func() bool) (*Outcome, error) {
	if rejected != nil && rejected.Contains(peerKey) {
		return nil, reject("peer previously rejected", false)
	}
	return withTimeout(conn, timeout, func() (*Outcome, error) {
		return runAccessor(conn, cfg, alreadyConnected)
	}, rejected, peerKey)
}

func withTimeout(conn io.ReadWriteCloser, timeout time.Duration, fn func() (*Outcome, error), rejected *ttlcache.Cache, peerKey string) (*Outcome, error) {
	type result struct {
		out *Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := fn()
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		if rejectErr := new(RejectError); errors.As(r.err, &rejectErr) && rejectErr.Block && rejected != nil {
			rejected.Insert(peerKey)
		}
		return r.out, r.err
	case <-time.After(timeout):
		conn.Close()
		return nil, fmt.Errorf("handshake timed out after %s", timeout)
	}
}

func runExposer(conn io.ReadWriteCloser, cfg config.Config) (*Outcome, error) {
	c := frame.New(conn)
	if err := c.WriteLine(helloExposer); err != nil {
		return nil, err
	}
	line, err := c.ReadLine()
	if err != nil {
		return nil, err
	}

	switch {
	case line == helloExposer:
		return nil, reject("host-host conflict", true)
	case line == helloAccessor:
		// fallthrough to auth/negotiate below
	default:
		return nil, reject("unexpected line after HELLO:exposer", false)
	}

	if cfg.Secret != "" {
		nonce := make([]byte, nonceBytes)
		if _, err := rand.Read(nonce); err != nil {
			return nil, err
		}
		if err := c.WriteLine("CHAL:" + hex.EncodeToString(nonce)); err != nil {
			return nil, err
		}
		authLine, err := c.ReadLine()
		if err != nil {
			return nil, err
		}
		got, hasPrefix := strings.CutPrefix(authLine, "AUTH:")
		if !hasPrefix || !hmacMatches(cfg.Secret, nonce, got) {
			return nil, reject("auth failed", false)
		}
		if err := c.WriteLine(ok); err != nil {
			return nil, err
		}
	} else {
		if err := c.WriteLine(ok); err != nil {
			return nil, err
		}
	}

	var neg negotiate
	if err := c.ReadJSON(&neg); err != nil {
		return nil, reject("malformed negotiation", false)
	}
	proto, perr := negotiateProtocol(cfg.Protocol, neg.Protocol)
	if perr != nil {
		return nil, perr
	}

	reply := negotiate{Protocol: string(proto)}
	if cfg.Secret != "" && neg.ClientChal != "" {
		chalBytes, err := hex.DecodeString(neg.ClientChal)
		if err != nil {
			return nil, reject("malformed client challenge", false)
		}
		reply.HostAuth = hmacHex(cfg.Secret, chalBytes)
	}
	if err := c.WriteJSON(reply); err != nil {
		return nil, err
	}

	return &Outcome{Session: mux.NewSession(conn, true), Protocol: proto}, nil
}

func runAccessor(conn io.ReadWriteCloser, cfg config.Config, alreadyConnected func() bool) (*Outcome, error) {
	c := frame.New(conn)
	if err := c.WriteLine(helloAccessor); err != nil {
		return nil, err
	}
	line, err := c.ReadLine()
	if err != nil {
		return nil, err
	}

	switch {
	case line == helloAccessor:
		return nil, reject("client-client conflict", false)
	case line == helloExposer:
		if alreadyConnected != nil && alreadyConnected() {
			return nil, reject("already connected", false)
		}
	default:
		return nil, reject("unexpected line after HELLO:accessor", false)
	}

	nextLine, err := c.ReadLine()
	if err != nil {
		return nil, err
	}
	var nonce []byte
	if strings.HasPrefix(nextLine, "CHAL:") {
		if cfg.Secret == "" {
			return nil, reject("auth not configured", false)
		}
		hexNonce := strings.TrimPrefix(nextLine, "CHAL:")
		nonce, err = hex.DecodeString(hexNonce)
		if err != nil {
			return nil, reject("malformed challenge", false)
		}
		if err := c.WriteLine("AUTH:" + hmacHex(cfg.Secret, nonce)); err != nil {
			return nil, err
		}
		okLine, err := c.ReadLine()
		if err != nil {
			return nil, err
		}
		if okLine != ok {
			return nil, reject("auth failed", false)
		}
	} else if nextLine != ok {
		return nil, reject("unexpected line awaiting challenge or OK", false)
	}

	req := negotiate{Protocol: string(cfg.Protocol)}
	var clientChal []byte
	if cfg.Secret != "" {
		clientChal = make([]byte, nonceBytes)
		if _, err := rand.Read(clientChal); err != nil {
			return nil, err
		}
		req.ClientChal = hex.EncodeToString(clientChal)
	}
	if err := c.WriteJSON(req); err != nil {
		return nil, err
	}

	var reply negotiate
	if err := c.ReadJSON(&reply); err != nil {
		return nil, reject("malformed negotiation reply", false)
	}
	if reply.Protocol != string(cfg.Protocol) {
		return nil, reject(fmt.Sprintf("protocol mismatch: want %s got %s", cfg.Protocol, reply.Protocol), false)
	}
	if cfg.Secret != "" {
		if !hmacMatches(cfg.Secret, clientChal, reply.HostAuth) {
			return nil, reject("auth failed", false)
		}
	}

	return &Outcome{Session: mux.NewSession(conn, false), Protocol: cfg.Protocol}, nil
}

func negotiateProtocol(configured config.Protocol, requested string) (config.Protocol, error) {
	switch requested {
	case string(config.ProtocolTCP), string(config.ProtocolUDP):
	default:
		return "", reject(fmt.Sprintf("invalid protocol %q", requested), false)
	}
	if configured == config.ProtocolBoth {
		return config.Protocol(requested), nil
	}
	if string(configured) != requested {
		return "", reject(fmt.Sprintf("protocol mismatch: configured %s, peer requested %s", configured, requested), false)
	}
	return configured, nil
}

func hmacHex(secret string, nonce []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(nonce)
	return hex.EncodeToString(mac.Sum(nil))
}

func hmacMatches(secret string, nonce []byte, candidateHex string) bool {
	want := hmacHex(secret, nonce)
	return subtle.ConstantTimeCompare([]byte(want), []byte(candidateHex)) == 1
}
