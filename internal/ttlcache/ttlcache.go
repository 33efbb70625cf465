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

// Package ttlcache implements the rejected-peer cache: a peer-key ->
// deadline map with lazy expiry. Built on hashicorp/golang-lru so a bound
// on cache size exists even if a pathological number of distinct peer
// keys churn through rejection, matching how the teacher and neo-go both
// use golang-lru for peer-adjacent bookkeeping.
package ttlcache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// Cache is a bounded, TTL-expiring set of string keys.
type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache
	ttl time.Duration
	now func() time.Time
}

const maxEntries = 4096

// New builds a Cache with the given entry TTL. maxEntries bounds the
// number of distinct peer keys tracked at once; the least recently used
// entries are evicted first if that bound is hit (defense against
// reconnect-storm cache growth).
func New(ttl time.Duration) *Cache {
	c, err := lru.New(maxEntries)
	if err != nil {
		// lru.New only errors on capacity <= 0; maxEntries is a constant.
		panic(err)
	}
	return &Cache{lru: c, ttl: ttl, now: time.Now}
}

// Insert marks key as rejected until now()+ttl.
func (c *Cache) Insert(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, c.now().Add(c.ttl))
}

// Contains reports whether key is currently within its rejection window.
// Expired entries are evicted lazily on lookup rather than via a
// per-entry timer.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(key)
	if !ok {
		return false
	}
	deadline := v.(time.Time)
	if c.now().After(deadline) {
		c.lru.Remove(key)
		return false
	}
	return true
}

// Len returns the number of entries currently tracked, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
