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

// Package topic derives the rendezvous topic from a bridge id.
package topic

import "crypto/sha256"

// Size is the byte length of a derived topic.
const Size = sha256.Size

const prefix = "NAT-bridge:"

// Derive returns SHA-256("NAT-bridge:" || bridgeId), the 32-byte topic key
// used for peer discovery. Deterministic: the same bridgeId always yields
// the same topic.
func Derive(bridgeID string) [Size]byte {
	return sha256.Sum256(append([]byte(prefix), bridgeID...))
}

// DeriveHex returns the hex-encoded topic, convenient for logging.
func DeriveHex(bridgeID string) string {
	t := Derive(bridgeID)
	const hextable = "0123456789abcdef"
	out := make([]byte, 0, len(t)*2)
	for _, b := range t {
		out = append(out, hextable[b>>4], hextable[b&0x0f])
	}
	return string(out)
}
