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

// Package logx is the bridge's logging front end: TTY-colored
// "[LEVEL] msg" lines, or single-line JSON objects when --json is set.
// Both modes are built on top of zap so every call site just writes
// structured fields.
package logx

import (
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// benignDisconnects are diagnostics safe to suppress unless --warnings
// is set.
var benignDisconnects = map[string]bool{
	"reset by peer":                           true,
	"channel destroyed":                       true,
	"readable stream closed before ending":    true,
	"ECONNRESET":                               true,
}

// Options configures the logger constructed by New.
type Options struct {
	JSON     bool
	Verbose  bool
	Warnings bool
}

// Logger wraps a zap.Logger with the benign-disconnect filter.
type Logger struct {
	z        *zap.Logger
	warnings bool
}

// New builds a Logger per Options. TTY mode uses colorable stdout so ANSI
// codes render correctly on Windows consoles too, matching the
// color/go-colorable/go-isatty trio the teacher wires for its console UI.
func New(opts Options) *Logger {
	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	var core zapcore.Core
	if opts.JSON {
		enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			MessageKey:     "msg",
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
		})
		core = zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), level)
	} else {
		var out io.Writer = os.Stdout
		if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			out = colorable.NewColorable(f)
		}
		enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
			MessageKey:     "msg",
			LevelKey:       "level",
			EncodeLevel:    ttyLevelEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
		})
		core = zapcore.NewCore(enc, zapcore.AddSync(out), level)
	}

	return &Logger{z: zap.New(core), warnings: opts.Warnings}
}

// ttyLevelEncoder renders the "[INFO] [WARN] [ERROR] [SUCCESS] [VERBOSE]
// [WAIT]" prefixes. zap's Debug level renders as [VERBOSE]. zap has no
// native SUCCESS/WAIT levels, so the Success and Wait helpers below log at
// Info and prepend their own tag to the message.
func ttyLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch l {
	case zapcore.DebugLevel:
		enc.AppendString(color.CyanString("[VERBOSE]"))
	case zapcore.WarnLevel:
		enc.AppendString(color.YellowString("[WARN]"))
	case zapcore.ErrorLevel:
		enc.AppendString(color.RedString("[ERROR]"))
	default:
		enc.AppendString("[INFO]")
	}
}

func (l *Logger) Info(msg string, fields ...zap.Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }

// Success logs at info level with a "[SUCCESS]" tag, used for handshake
// completion and graceful shutdown messages.
func (l *Logger) Success(msg string, fields ...zap.Field) {
	l.z.Info(color.GreenString("[SUCCESS] ")+msg, fields...)
}

// Wait logs at info level with a "[WAIT]" tag, used for retry/backoff
// messages (TCP dial retry, rejoin delay).
func (l *Logger) Wait(msg string, fields ...zap.Field) {
	l.z.Info(color.MagentaString("[WAIT] ")+msg, fields...)
}

// Warn logs benign-disconnect diagnostics only when --warnings is set;
// every other warning is always logged.
func (l *Logger) Warn(msg string, fields ...zap.Field) {
	if benignDisconnects[msg] && !l.warnings {
		return
	}
	l.z.Warn(msg, fields...)
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.z.Sync() }
