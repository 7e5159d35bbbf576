// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package shutdown tracks in-flight work so a server can drain cleanly.
// Once a shutdown begins new work is refused, everything in flight is
// interrupted, and the caller waits a bounded time for the drain.
package shutdown

import (
	"errors"
	"sync"
	"time"
)

// ErrShutdown is returned by Begin once a shutdown has started.
var ErrShutdown = errors.New("shutdown in progress")

// Waiter tracks in-flight units of work and their interrupt functions.
type Waiter struct {
	mu       sync.Mutex
	draining bool
	nextID   uint64
	inflight map[uint64]func()
	wg       sync.WaitGroup
}

// NewWaiter creates a ready Waiter.
func NewWaiter() *Waiter {
	return &Waiter{
		inflight: make(map[uint64]func()),
	}
}

// Begin registers a unit of in-flight work. interrupt is invoked if a
// shutdown starts while the work is still running. The returned end function
// must be called exactly once when the work finishes.
func (w *Waiter) Begin(interrupt func()) (func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.draining {
		return nil, ErrShutdown
	}

	id := w.nextID
	w.nextID++
	w.inflight[id] = interrupt
	w.wg.Add(1)

	var once sync.Once
	end := func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.inflight, id)
			w.mu.Unlock()
			w.wg.Done()
		})
	}
	return end, nil
}

// Draining reports whether a shutdown has started.
func (w *Waiter) Draining() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.draining
}

// Shutdown refuses new work, interrupts everything in flight, and waits up
// to wait for the drain to finish. It reports whether the drain completed in
// time.
func (w *Waiter) Shutdown(wait time.Duration) bool {
	w.mu.Lock()
	w.draining = true
	interrupts := make([]func(), 0, len(w.inflight))
	for _, f := range w.inflight {
		interrupts = append(interrupts, f)
	}
	w.mu.Unlock()

	for _, interrupt := range interrupts {
		interrupt()
	}

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return true
	case <-time.After(wait):
		return false
	}
}
