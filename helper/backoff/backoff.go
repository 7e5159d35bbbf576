// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package backoff implements the retry policies used around feed pushes and
// repository listings. A policy decides whether a failed attempt should be
// retried and blocks the caller until the next attempt may begin.
package backoff

import (
	"context"
	"time"

	"github.com/hashicorp/feedbridge/helper"
)

// Policy spaces out retries of a failing operation.
type Policy interface {
	// Retry blocks until the next attempt should begin and returns true, or
	// returns false promptly if no further attempt should be made. attempt
	// is the number of attempts that have already failed, starting at 1.
	// A canceled context always returns false.
	Retry(ctx context.Context, err error, attempt int) bool
}

const (
	// DefaultMaxAttempts is the total number of attempts made before a
	// failing operation is given up on.
	DefaultMaxAttempts = 12

	// DefaultInterval is the base sleep between attempts. The n-th retry
	// sleeps n times this value.
	DefaultInterval = 5 * time.Second
)

// NewLinear creates a Policy allowing up to maxAttempts attempts, sleeping
// attempt*interval between them.
func NewLinear(maxAttempts int, interval time.Duration) Policy {
	return &linear{
		maxAttempts: maxAttempts,
		interval:    interval,
	}
}

// Default returns the standard push retry policy.
func Default() Policy {
	return NewLinear(DefaultMaxAttempts, DefaultInterval)
}

type linear struct {
	maxAttempts int
	interval    time.Duration
}

func (l *linear) Retry(ctx context.Context, _ error, attempt int) bool {
	if attempt >= l.maxAttempts {
		return false
	}

	timer, stop := helper.NewSafeTimer(time.Duration(attempt) * l.interval)
	defer stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// NoRetry returns a Policy that never retries. It is used on drain paths
// where blocking for minutes is not acceptable.
func NoRetry() Policy {
	return noRetry{}
}

type noRetry struct{}

func (noRetry) Retry(context.Context, error, int) bool { return false }
