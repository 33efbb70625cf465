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

// Package throttle implements the per-substream token-bucket transform
// applied to the throttled direction of each forwarder pipe. It is built
// on golang.org/x/time/rate, whose Limiter already is a token bucket with
// capacity/refill-rate/partial-admit-and-wait semantics: when enough
// tokens are available the write goes through immediately, otherwise Wait
// blocks for exactly the deficit's refill time before admitting it, which
// is the reservation-based equivalent of "delay by ceil(deficit/rate*1000)ms
// and retry".
package throttle

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// Throttle paces writes to at most kbps*1024 bytes/second, with a burst
// capacity of the same size. kbps == 0 disables pacing entirely (an
// identity transform) but still accounts bytes via onSent.
type Throttle struct {
	limiter *rate.Limiter
	dst     io.Writer
	onSent  func(n int)
}

// New wraps dst so every Write is paced at kbps kilobytes/second before
// being forwarded. onSent, if non-nil, is called with the number of bytes
// actually written (metrics.AddBytesDown or AddBytesUp, by direction).
func New(dst io.Writer, kbps int, onSent func(n int)) *Throttle {
	t := &Throttle{dst: dst, onSent: onSent}
	if kbps > 0 {
		capacity := kbps * 1024
		t.limiter = rate.NewLimiter(rate.Limit(capacity), capacity)
	}
	return t
}

// Write paces and forwards p to the destination writer, honoring the
// configured rate limit. A single call may block while tokens refill.
func (t *Throttle) Write(p []byte) (int, error) {
	if t.limiter != nil {
		if err := waitN(t.limiter, len(p)); err != nil {
			return 0, err
		}
	}
	n, err := t.dst.Write(p)
	if n > 0 && t.onSent != nil {
		t.onSent(n)
	}
	return n, err
}

// waitN blocks until n tokens are available. A chunk larger than the
// bucket's burst is split so rate.Limiter never rejects it outright (its
// WaitN refuses n > burst).
func waitN(l *rate.Limiter, n int) error {
	burst := l.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := l.WaitN(context.Background(), chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
