// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package watchdog interrupts work that exceeds a deadline. Each protected
// task owns a one-shot timer; completing the task and firing the timer race
// on an atomic state so a finished task is never spuriously interrupted.
package watchdog

import (
	"sync/atomic"
	"time"
)

// task states
const (
	stateArmed int32 = iota
	stateFired
	stateDone
)

// Watchdog hands out protection for individual units of work, typically one
// HTTP request.
type Watchdog struct {
	timeout time.Duration
}

// New creates a Watchdog enforcing the given timeout on each protected task.
func New(timeout time.Duration) *Watchdog {
	return &Watchdog{timeout: timeout}
}

// Timeout returns the deadline applied to each protected task.
func (w *Watchdog) Timeout() time.Duration {
	return w.timeout
}

// Protect arms a timer that invokes interrupt if Done is not called within
// the watchdog timeout. interrupt is called at most once, from the timer
// goroutine.
func (w *Watchdog) Protect(interrupt func()) *Task {
	t := &Task{state: stateArmed}
	t.timer = time.AfterFunc(w.timeout, func() {
		if atomic.CompareAndSwapInt32(&t.state, stateArmed, stateFired) {
			interrupt()
		}
	})
	return t
}

// Task is a single protected unit of work.
type Task struct {
	state int32
	timer *time.Timer
}

// Done disarms the watchdog for this task. It returns false if the interrupt
// already fired, in which case the caller has been canceled and should treat
// the work as interrupted.
func (t *Task) Done() bool {
	t.timer.Stop()
	return atomic.CompareAndSwapInt32(&t.state, stateArmed, stateDone)
}
