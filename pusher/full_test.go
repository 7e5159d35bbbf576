// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pusher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/feedbridge/adaptor"
	"github.com/hashicorp/feedbridge/ci"
	"github.com/hashicorp/feedbridge/helper/backoff"
	"github.com/hashicorp/feedbridge/helper/testlog"
	"github.com/hashicorp/feedbridge/journal"
	"github.com/shoenig/test/must"
	"oss.indeed.com/go/libtime"
)

// recordingPusher implements adaptor.DocIdPusher, remembering every id.
type recordingPusher struct {
	mu  sync.Mutex
	ids []adaptor.DocId
}

func (p *recordingPusher) PushDocIds(_ context.Context, ids []adaptor.DocId) (adaptor.DocId, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, ids...)
	return "", nil
}

func (p *recordingPusher) PushRecords(_ context.Context, records []*adaptor.Record) (*adaptor.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range records {
		p.ids = append(p.ids, r.DocId)
	}
	return nil, nil
}

func (p *recordingPusher) PushNamedResources(context.Context, map[adaptor.DocId]*adaptor.Acl) (adaptor.DocId, error) {
	return "", nil
}

func (p *recordingPusher) PushGroupDefinitions(context.Context, adaptor.GroupDefinitions, bool, bool) (*adaptor.Principal, error) {
	return nil, nil
}

func (p *recordingPusher) pushed() []adaptor.DocId {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]adaptor.DocId, len(p.ids))
	copy(out, p.ids)
	return out
}

// funcAdaptor turns a function into an adaptor.Adaptor for driver tests.
type funcAdaptor struct {
	getDocIds func(ctx context.Context, pusher adaptor.DocIdPusher) error
}

func (a *funcAdaptor) GetDocIds(ctx context.Context, pusher adaptor.DocIdPusher) error {
	return a.getDocIds(ctx, pusher)
}

func (a *funcAdaptor) GetDocContent(context.Context, adaptor.Request, adaptor.Response) error {
	return errors.New("not implemented")
}

func TestFullPusher_success(t *testing.T) {
	ci.Parallel(t)

	jrnl := journal.NewJournal(libtime.SystemClock())
	sink := new(recordingPusher)
	a := &funcAdaptor{
		getDocIds: func(ctx context.Context, pusher adaptor.DocIdPusher) error {
			_, err := pusher.PushDocIds(ctx, []adaptor.DocId{"a", "b"})
			return err
		},
	}

	p := NewFullPusher(testlog.HCLogger(t), a, sink, jrnl, backoff.NoRetry())
	must.NoError(t, p.Run(context.Background()))

	must.Eq(t, []adaptor.DocId{"a", "b"}, sink.pushed())
	stats := jrnl.Snapshot()
	must.Eq(t, 1, stats.FullPush.Successes)
	must.False(t, stats.FullPush.Running)
}

func TestFullPusher_retryThenSuccess(t *testing.T) {
	ci.Parallel(t)

	jrnl := journal.NewJournal(libtime.SystemClock())
	sink := new(recordingPusher)

	calls := 0
	a := &funcAdaptor{
		getDocIds: func(ctx context.Context, pusher adaptor.DocIdPusher) error {
			calls++
			if calls == 1 {
				return errors.New("repository offline")
			}
			_, err := pusher.PushDocIds(ctx, []adaptor.DocId{"a"})
			return err
		},
	}

	p := NewFullPusher(testlog.HCLogger(t), a, sink, jrnl, backoff.NewLinear(3, time.Millisecond))
	must.NoError(t, p.Run(context.Background()))

	must.Eq(t, 2, calls)
	stats := jrnl.Snapshot()
	must.Eq(t, 1, stats.FullPush.Successes)
	must.Eq(t, 0, stats.FullPush.Failures)
}

func TestFullPusher_exhaustedRetries(t *testing.T) {
	ci.Parallel(t)

	jrnl := journal.NewJournal(libtime.SystemClock())
	sink := new(recordingPusher)

	calls := 0
	boom := errors.New("repository offline")
	a := &funcAdaptor{
		getDocIds: func(context.Context, adaptor.DocIdPusher) error {
			calls++
			return boom
		},
	}

	p := NewFullPusher(testlog.HCLogger(t), a, sink, jrnl, backoff.NewLinear(3, time.Millisecond))
	err := p.Run(context.Background())
	must.ErrorIs(t, err, boom)

	must.Eq(t, 3, calls)
	stats := jrnl.Snapshot()
	must.Eq(t, 1, stats.FullPush.Failures)
	must.False(t, stats.FullPush.Running)
}

func TestFullPusher_atMostOne(t *testing.T) {
	ci.Parallel(t)

	jrnl := journal.NewJournal(libtime.SystemClock())
	sink := new(recordingPusher)

	release := make(chan struct{})
	entered := make(chan struct{})
	var enteredOnce sync.Once
	a := &funcAdaptor{
		getDocIds: func(context.Context, adaptor.DocIdPusher) error {
			enteredOnce.Do(func() { close(entered) })
			<-release
			return nil
		},
	}

	p := NewFullPusher(testlog.HCLogger(t), a, sink, jrnl, backoff.NoRetry())

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(context.Background()) }()
	<-entered

	// second run while the first is still enumerating
	must.ErrorIs(t, p.Run(context.Background()), journal.ErrPushInProgress)

	close(release)
	must.NoError(t, <-errCh)

	// once finished, a new run may begin
	must.NoError(t, p.Run(context.Background()))
}

func TestFullPusher_interruption(t *testing.T) {
	ci.Parallel(t)

	jrnl := journal.NewJournal(libtime.SystemClock())
	sink := new(recordingPusher)

	a := &funcAdaptor{
		getDocIds: func(ctx context.Context, _ adaptor.DocIdPusher) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := NewFullPusher(testlog.HCLogger(t), a, sink, jrnl, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	cancel()
	must.ErrorIs(t, <-errCh, context.Canceled)

	stats := jrnl.Snapshot()
	must.Eq(t, 1, stats.FullPush.Interruptions)
	must.False(t, stats.FullPush.Running)
}

func TestFullPusher_panicRecordsFailure(t *testing.T) {
	ci.Parallel(t)

	jrnl := journal.NewJournal(libtime.SystemClock())
	sink := new(recordingPusher)

	a := &funcAdaptor{
		getDocIds: func(context.Context, adaptor.DocIdPusher) error {
			panic("adaptor bug")
		},
	}

	p := NewFullPusher(testlog.HCLogger(t), a, sink, jrnl, backoff.NoRetry())

	func() {
		defer func() {
			must.NotNil(t, recover(), must.Sprint("panic should propagate"))
		}()
		_ = p.Run(context.Background())
	}()

	stats := jrnl.Snapshot()
	must.Eq(t, 1, stats.FullPush.Failures)
	must.False(t, stats.FullPush.Running, must.Sprint("panic must release the run"))
}
