// Copyright (C) 2025 Arbor Labs (dev@arborlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transport

import "context"

// Semaphore implements a counting semaphore for bounded concurrency.
//
// Streams beyond the cap queue on Acquire and are admitted as
// in-flight slots free up.
//
// Thread Safety: safe for concurrent use.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore creates a semaphore with the given capacity.
// A capacity below one is raised to one.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{ch: make(chan struct{}, capacity)}
}

// Acquire takes a slot, blocking until one is available or the context
// is cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot. Must pair with a successful Acquire.
func (s *Semaphore) Release() {
	<-s.ch
}

// InFlight returns the number of currently held slots.
func (s *Semaphore) InFlight() int {
	return len(s.ch)
}
