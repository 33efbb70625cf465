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

// Package config holds the immutable, validated configuration shared by
// every component of the bridge.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Role is the process's role on the bridge.
type Role string

const (
	RoleExposer  Role = "exposer"
	RoleAccessor Role = "accessor"
)

// Protocol selects which transports are forwarded.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolBoth Protocol = "both"
)

// Config is the fully validated, immutable configuration for one process.
// Config is never mutated after Validate succeeds; every component receives
// a read-only reference.
type Config struct {
	Mode     Role     `json:"mode"`
	BridgeID string   `json:"bridgeId"`
	Protocol Protocol `json:"protocol"`

	ExposedPort int `json:"exposedPort"`
	ListenPort  int `json:"listenPort"`

	Secret string `json:"secret"`

	MaxStreams int `json:"maxStreams"`
	Kbps       int `json:"kbps"`

	TCPConnectRetries int `json:"tcpRetries"`
	TCPRetryDelayMs   int `json:"tcpRetryDelayMs"`

	HandshakeTimeoutMs int `json:"-"`

	Verbose          bool `json:"verbose"`
	JSON             bool `json:"-"`
	Warnings         bool `json:"-"`
	ExpectedWarnings bool `json:"-"`

	StatusPort int `json:"status"`
}

// Defaults mirrors the CLI surface's documented default flag values.
func Defaults() Config {
	return Config{
		Protocol:           ProtocolTCP,
		ExposedPort:        8080,
		ListenPort:         5000,
		MaxStreams:         256,
		Kbps:               0,
		TCPConnectRetries:  5,
		TCPRetryDelayMs:    500,
		HandshakeTimeoutMs: 10_000,
		StatusPort:         0,
		ExpectedWarnings:   true,
	}
}

// LoadFile reads and validates a JSON configuration file.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the invariants required of every config, regardless
// of whether it arrived via CLI flags or a JSON file.
func (c Config) Validate() error {
	switch c.Mode {
	case RoleExposer, RoleAccessor:
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", RoleExposer, RoleAccessor, c.Mode)
	}
	if c.BridgeID == "" {
		return fmt.Errorf("bridgeId must not be empty")
	}
	switch c.Protocol {
	case ProtocolTCP, ProtocolUDP, ProtocolBoth:
	default:
		return fmt.Errorf("protocol must be one of tcp, udp, both, got %q", c.Protocol)
	}
	if c.Protocol == ProtocolBoth && c.Mode == RoleAccessor {
		return fmt.Errorf("protocol=both is not valid for an accessor")
	}
	if c.ExposedPort < 1 || c.ExposedPort > 65535 {
		return fmt.Errorf("exposedPort out of range: %d", c.ExposedPort)
	}
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("listenPort out of range: %d", c.ListenPort)
	}
	if c.MaxStreams < 1 {
		return fmt.Errorf("maxStreams must be >= 1, got %d", c.MaxStreams)
	}
	if c.Kbps < 0 {
		return fmt.Errorf("kbps must be >= 0, got %d", c.Kbps)
	}
	if c.TCPConnectRetries < 0 {
		return fmt.Errorf("tcpRetries must be >= 0, got %d", c.TCPConnectRetries)
	}
	if c.TCPRetryDelayMs < 0 {
		return fmt.Errorf("tcpRetryDelayMs must be >= 0, got %d", c.TCPRetryDelayMs)
	}
	if c.StatusPort < 0 || c.StatusPort > 65535 {
		return fmt.Errorf("status port out of range: %d", c.StatusPort)
	}
	return nil
}
