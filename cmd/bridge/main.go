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

// Command bridge is the CLI entry point: it parses either a positional
// {exposer|accessor|config} invocation or flags into a config.Config,
// then runs the supervisor until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/Lawtro37/NAT-bridge/internal/config"
	"github.com/Lawtro37/NAT-bridge/internal/logx"
	"github.com/Lawtro37/NAT-bridge/internal/metrics"
	"github.com/Lawtro37/NAT-bridge/internal/statusapi"
	"github.com/Lawtro37/NAT-bridge/internal/supervisor"
	"github.com/Lawtro37/NAT-bridge/internal/transport"
)

func main() {
	app := &cli.App{
		Name:      "bridge",
		Usage:     "peer-to-peer TCP/UDP tunnel",
		ArgsUsage: "{exposer|accessor|config} <bridgeId-or-config-path>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "expose", Value: 8080, Usage: "exposer's loopback port to forward to"},
			&cli.IntFlag{Name: "listen", Value: 5000, Usage: "accessor's loopback port to accept from"},
			&cli.StringFlag{Name: "protocol", Value: "tcp", Usage: "tcp, udp, or both"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}},
			&cli.BoolFlag{Name: "warnings", Aliases: []string{"w"}, Usage: "log benign disconnect diagnostics"},
			&cli.BoolFlag{Name: "json", Usage: "emit single-line JSON log records"},
			&cli.StringFlag{Name: "secret", Usage: "shared authentication string"},
			&cli.IntFlag{Name: "status", Value: 0, Usage: "status HTTP port, 0 disables"},
			&cli.IntFlag{Name: "max-streams", Value: 256},
			&cli.IntFlag{Name: "kbps", Value: 0, Usage: "KiB/s throttle on data this side sends into the tunnel, 0 disables"},
			&cli.IntFlag{Name: "tcp-retries", Value: 5},
			&cli.IntFlag{Name: "tcp-retry-delay", Value: 500, Usage: "milliseconds between dial retries"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return cli.Exit(err, 1)
	}

	log := logx.New(logx.Options{JSON: cfg.JSON, Verbose: cfg.Verbose, Warnings: cfg.Warnings})
	defer log.Sync()

	m := metrics.New(prometheus.DefaultRegisterer)

	if cfg.StatusPort != 0 {
		srv, err := statusapi.Start(cfg.StatusPort, cfg, m)
		if err != nil {
			return cli.Exit(fmt.Errorf("start status endpoint: %w", err), 1)
		}
		if srv != nil {
			defer srv.Close()
		}
	}

	adapter, err := transport.NewLoopbackAdapter(0)
	if err != nil {
		return cli.Exit(fmt.Errorf("start overlay adapter: %w", err), 1)
	}
	defer adapter.Close()

	sup := supervisor.New(cfg, log, m, adapter)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil {
		return cli.Exit(err, 1)
	}
	return nil
}

// buildConfig resolves the positional {exposer|accessor|config} argument
// and flags into a validated config.Config.
func buildConfig(c *cli.Context) (config.Config, error) {
	if c.Args().Len() < 2 {
		return config.Config{}, fmt.Errorf("usage: bridge {exposer|accessor|config} <bridgeId-or-config-path>")
	}
	mode := c.Args().Get(0)
	arg := c.Args().Get(1)

	if mode == "config" {
		cfg, err := config.LoadFile(arg)
		if err != nil {
			return config.Config{}, err
		}
		return cfg, nil
	}

	cfg := config.Defaults()
	switch mode {
	case "exposer":
		cfg.Mode = config.RoleExposer
	case "accessor":
		cfg.Mode = config.RoleAccessor
	default:
		return config.Config{}, fmt.Errorf("mode must be exposer, accessor, or config, got %q", mode)
	}
	cfg.BridgeID = arg
	cfg.ExposedPort = c.Int("expose")
	cfg.ListenPort = c.Int("listen")
	cfg.Protocol = config.Protocol(c.String("protocol"))
	cfg.Verbose = c.Bool("verbose")
	cfg.Warnings = c.Bool("warnings")
	cfg.JSON = c.Bool("json")
	cfg.Secret = c.String("secret")
	cfg.StatusPort = c.Int("status")
	cfg.MaxStreams = c.Int("max-streams")
	cfg.Kbps = c.Int("kbps")
	cfg.TCPConnectRetries = c.Int("tcp-retries")
	cfg.TCPRetryDelayMs = c.Int("tcp-retry-delay")
	cfg.HandshakeTimeoutMs = 10_000

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
