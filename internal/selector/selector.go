// Copyright 2025 James Ross
// Package selector implements the round-robin container/queue selector
// shared by every upload attached to one resource bundle.
package selector

import "sync/atomic"

// Selector atomically cycles a start index modulo a list size. A single
// instance is meant to be shared by every upload drawing from the same
// resource bundle; when the bundle is replaced, callers must replace the
// selector too so uploads don't resume from a stale cursor.
type Selector struct {
	counter uint64
}

// New returns a fresh selector starting at index 0.
func New() *Selector { return &Selector{} }

// NextStartIndex performs an atomic fetch-and-increment and returns the
// result modulo size. size must be > 0; callers with an empty list should
// not call this (there is nothing to index into).
func (s *Selector) NextStartIndex(size int) int {
	v := atomic.AddUint64(&s.counter, 1) - 1
	return int(v % uint64(size))
}
