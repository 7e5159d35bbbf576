// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pusher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/feedbridge/adaptor"
	"github.com/hashicorp/feedbridge/ci"
	"github.com/hashicorp/feedbridge/helper/backoff"
	"github.com/hashicorp/feedbridge/helper/testlog"
	"github.com/hashicorp/feedbridge/journal"
	"github.com/hashicorp/feedbridge/testutil"
	"github.com/shoenig/test/must"
	"oss.indeed.com/go/libtime"
)

// funcPoller turns a function into an adaptor.PollingAdaptor.
type funcPoller func(ctx context.Context, pusher adaptor.DocIdPusher) error

func (f funcPoller) GetModifiedDocIds(ctx context.Context, pusher adaptor.DocIdPusher) error {
	return f(ctx, pusher)
}

func TestIncrementalPusher_Poll(t *testing.T) {
	ci.Parallel(t)

	jrnl := journal.NewJournal(libtime.SystemClock())
	sink := new(recordingPusher)
	poller := funcPoller(func(ctx context.Context, pusher adaptor.DocIdPusher) error {
		_, err := pusher.PushDocIds(ctx, []adaptor.DocId{"changed"})
		return err
	})

	p := NewIncrementalPusher(testlog.HCLogger(t), poller, sink, jrnl, time.Hour, backoff.NoRetry())
	must.NoError(t, p.Poll(context.Background()))

	must.Eq(t, []adaptor.DocId{"changed"}, sink.pushed())
	stats := jrnl.Snapshot()
	must.Eq(t, 1, stats.IncrementalPush.Successes)
}

func TestIncrementalPusher_pollFailure(t *testing.T) {
	ci.Parallel(t)

	jrnl := journal.NewJournal(libtime.SystemClock())
	sink := new(recordingPusher)
	boom := errors.New("lister broken")
	poller := funcPoller(func(context.Context, adaptor.DocIdPusher) error {
		return boom
	})

	p := NewIncrementalPusher(testlog.HCLogger(t), poller, sink, jrnl, time.Hour, backoff.NoRetry())
	must.ErrorIs(t, p.Poll(context.Background()), boom)

	stats := jrnl.Snapshot()
	must.Eq(t, 1, stats.IncrementalPush.Failures)
}

func TestIncrementalPusher_singleFlight(t *testing.T) {
	ci.Parallel(t)

	jrnl := journal.NewJournal(libtime.SystemClock())
	sink := new(recordingPusher)

	release := make(chan struct{})
	entered := make(chan struct{})
	poller := funcPoller(func(context.Context, adaptor.DocIdPusher) error {
		close(entered)
		<-release
		return nil
	})

	p := NewIncrementalPusher(testlog.HCLogger(t), poller, sink, jrnl, time.Hour, backoff.NoRetry())

	errCh := make(chan error, 1)
	go func() { errCh <- p.Poll(context.Background()) }()
	<-entered

	// an overlapping poll is skipped, not queued
	must.ErrorIs(t, p.Poll(context.Background()), journal.ErrPushInProgress)

	close(release)
	must.NoError(t, <-errCh)
}

func TestIncrementalPusher_loop(t *testing.T) {
	ci.Parallel(t)

	jrnl := journal.NewJournal(libtime.SystemClock())
	sink := new(recordingPusher)

	tick := 0
	poller := funcPoller(func(ctx context.Context, pusher adaptor.DocIdPusher) error {
		tick++
		_, err := pusher.PushDocIds(ctx, []adaptor.DocId{adaptor.DocId(fmt.Sprintf("doc-%d", tick))})
		return err
	})

	p := NewIncrementalPusher(testlog.HCLogger(t), poller, sink, jrnl, 10*time.Millisecond, backoff.NoRetry())
	p.Start()
	defer p.Stop()

	testutil.WaitForResult(func() (bool, error) {
		stats := jrnl.Snapshot()
		if stats.IncrementalPush.Successes < 2 {
			return false, fmt.Errorf("got %d successful polls", stats.IncrementalPush.Successes)
		}
		return true, nil
	}, func(err error) {
		must.NoError(t, err)
	})

	p.Stop()

	// ids arrive in tick order
	ids := sink.pushed()
	must.GreaterEq(t, 2, len(ids))
	must.Eq(t, "doc-1", ids[0])
	must.Eq(t, "doc-2", ids[1])
}

func TestIncrementalPusher_stopInterruptsPoll(t *testing.T) {
	ci.Parallel(t)

	jrnl := journal.NewJournal(libtime.SystemClock())
	sink := new(recordingPusher)

	entered := make(chan struct{})
	var enterOnce sync.Once
	poller := funcPoller(func(ctx context.Context, _ adaptor.DocIdPusher) error {
		enterOnce.Do(func() { close(entered) })
		<-ctx.Done()
		return ctx.Err()
	})

	p := NewIncrementalPusher(testlog.HCLogger(t), poller, sink, jrnl, time.Millisecond, backoff.NoRetry())
	p.Start()
	<-entered

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		must.Unreachable(t, must.Sprint("stop did not interrupt the running poll"))
	}

	stats := jrnl.Snapshot()
	must.Eq(t, 1, stats.IncrementalPush.Interruptions)
}
