// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package pusher drives the feed pipeline on time: the full listing runs on
// a cron schedule, the incremental poll runs on a fixed period, and both
// funnel the adaptor's identifiers into the blocking sender.
package pusher

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/cronexpr"
	"github.com/hashicorp/feedbridge/helper"
	"github.com/hashicorp/go-hclog"
	"oss.indeed.com/go/libtime"
)

// Schedule is a five-field cron pattern (minute, hour, day-of-month, month,
// day-of-week) matched against wall clock minutes. The pattern can be
// replaced while the schedule is in use.
type Schedule struct {
	mu      sync.RWMutex
	pattern string
	expr    *cronexpr.Expression
}

// NewSchedule parses pattern into a Schedule.
func NewSchedule(pattern string) (*Schedule, error) {
	expr, err := parseCron(pattern)
	if err != nil {
		return nil, err
	}
	return &Schedule{pattern: pattern, expr: expr}, nil
}

// Update replaces the pattern. A parse failure leaves the previous pattern
// in effect.
func (s *Schedule) Update(pattern string) error {
	expr, err := parseCron(pattern)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pattern = pattern
	s.expr = expr
	s.mu.Unlock()
	return nil
}

// Pattern returns the pattern currently in effect.
func (s *Schedule) Pattern() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pattern
}

// Matches reports whether the minute containing t is selected by the
// pattern. When both day-of-month and day-of-week are restricted the minute
// matches if either field matches, following crontab convention.
func (s *Schedule) Matches(t time.Time) bool {
	s.mu.RLock()
	expr, pattern := s.expr, s.pattern
	s.mu.RUnlock()

	minute := t.Truncate(time.Minute)
	next, err := cronNext(expr, minute.Add(-time.Second), pattern)
	if err != nil {
		return false
	}
	return next.Equal(minute)
}

// parseCron validates and compiles a five-field pattern.
func parseCron(pattern string) (*cronexpr.Expression, error) {
	if fields := strings.Fields(pattern); len(fields) != 5 {
		return nil, fmt.Errorf("cron pattern %q must have 5 fields, has %d", pattern, len(fields))
	}
	expr, err := cronexpr.Parse(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cron pattern %q: %w", pattern, err)
	}
	return expr, nil
}

// cronNext returns the first time selected by e after fromTime. The library
// panics on some inputs it fails to reject at parse time, so evaluation is
// guarded.
func cronNext(e *cronexpr.Expression, fromTime time.Time, pattern string) (t time.Time, err error) {
	defer func() {
		if recover() != nil {
			t = time.Time{}
			err = fmt.Errorf("failed evaluating cron pattern %q", pattern)
		}
	}()

	return e.Next(fromTime), nil
}

// CronRunner evaluates a Schedule once per minute and fires a callback for
// each matching minute. The callback runs on its own goroutine so a slow
// run never stalls evaluation; overlap protection is the callback's job.
type CronRunner struct {
	log      hclog.Logger
	schedule *Schedule
	fire     func()
	clock    libtime.Clock

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewCronRunner creates a runner evaluating schedule against clock. Start
// must be called before any minute is evaluated.
func NewCronRunner(logger hclog.Logger, schedule *Schedule, clock libtime.Clock, fire func()) *CronRunner {
	return &CronRunner{
		log:      logger.Named("pusher.cron"),
		schedule: schedule,
		fire:     fire,
		clock:    clock,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the evaluation loop.
func (r *CronRunner) Start() {
	r.startOnce.Do(func() {
		go r.run()
	})
}

// Stop halts evaluation. Callbacks already fired keep running.
func (r *CronRunner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	<-r.doneCh
}

func (r *CronRunner) run() {
	defer close(r.doneCh)

	for {
		now := r.clock.Now()
		wait := now.Truncate(time.Minute).Add(time.Minute).Sub(now)
		timer, stop := helper.NewSafeTimer(wait)

		select {
		case <-r.stopCh:
			stop()
			return
		case <-timer.C:
			stop()
			r.evaluate(r.clock.Now())
		}
	}
}

// evaluate fires the callback when minute matches the schedule. It reports
// whether it fired.
func (r *CronRunner) evaluate(minute time.Time) bool {
	if !r.schedule.Matches(minute) {
		return false
	}
	r.log.Debug("schedule matched", "pattern", r.schedule.Pattern(),
		"minute", minute.Truncate(time.Minute))
	go r.fire()
	return true
}
