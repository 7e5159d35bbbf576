// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/feedbridge/ci"
	"github.com/shoenig/test/must"
)

func TestLinear_Retry(t *testing.T) {
	ci.Parallel(t)

	p := NewLinear(3, time.Millisecond)
	err := errors.New("boom")

	must.True(t, p.Retry(context.Background(), err, 1))
	must.True(t, p.Retry(context.Background(), err, 2))
	must.False(t, p.Retry(context.Background(), err, 3))
	must.False(t, p.Retry(context.Background(), err, 4))
}

func TestLinear_Retry_canceled(t *testing.T) {
	ci.Parallel(t)

	p := NewLinear(12, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	must.False(t, p.Retry(ctx, errors.New("boom"), 1))
	must.Less(t, time.Second, time.Since(start))
}

func TestLinear_Retry_cancelMidSleep(t *testing.T) {
	ci.Parallel(t)

	p := NewLinear(12, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	must.False(t, p.Retry(ctx, errors.New("boom"), 1))
}

func TestNoRetry(t *testing.T) {
	ci.Parallel(t)

	p := NoRetry()
	must.False(t, p.Retry(context.Background(), errors.New("boom"), 1))
}
