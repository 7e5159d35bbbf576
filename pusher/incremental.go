// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pusher

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/feedbridge/adaptor"
	"github.com/hashicorp/feedbridge/helper/backoff"
	"github.com/hashicorp/feedbridge/journal"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

// DefaultPollPeriod is how often the adaptor's change lister runs unless
// configured otherwise.
const DefaultPollPeriod = 15 * time.Minute

// IncrementalPusher polls the adaptor's change lister on a fixed period.
// Polling is single flight: a tick arriving while the previous poll is still
// running is skipped rather than queued.
type IncrementalPusher struct {
	log     hclog.Logger
	poller  adaptor.PollingAdaptor
	pusher  adaptor.DocIdPusher
	journal *journal.Journal
	period  time.Duration
	policy  backoff.Policy

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
	runCtx    context.Context
	cancel    context.CancelFunc
}

// NewIncrementalPusher wires an IncrementalPusher. period <= 0 selects
// DefaultPollPeriod; a nil policy selects the default policy.
func NewIncrementalPusher(logger hclog.Logger, poller adaptor.PollingAdaptor, pusher adaptor.DocIdPusher, jrnl *journal.Journal, period time.Duration, policy backoff.Policy) *IncrementalPusher {
	if period <= 0 {
		period = DefaultPollPeriod
	}
	if policy == nil {
		policy = backoff.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &IncrementalPusher{
		log:     logger.Named("pusher.incremental"),
		poller:  poller,
		pusher:  pusher,
		journal: jrnl,
		period:  period,
		policy:  policy,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		runCtx:  ctx,
		cancel:  cancel,
	}
}

// Start launches the polling loop.
func (p *IncrementalPusher) Start() {
	p.startOnce.Do(func() {
		go p.run()
	})
}

// Stop interrupts any running poll and waits for the loop to exit.
func (p *IncrementalPusher) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.cancel()
	})
	<-p.doneCh
}

func (p *IncrementalPusher) run() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			// a stop and a tick can be ready together; never start a
			// poll once stopped
			select {
			case <-p.stopCh:
				return
			default:
			}
			p.Poll(p.runCtx)
		}
	}
}

// Poll runs one incremental push. When a previous poll is still running the
// call returns journal.ErrPushInProgress and does nothing, which the ticker
// treats as a skipped tick.
func (p *IncrementalPusher) Poll(ctx context.Context) (err error) {
	if err := p.journal.StartIncrementalPush(); err != nil {
		p.log.Debug("skipping incremental poll, previous poll still running")
		return err
	}
	defer metrics.MeasureSince([]string{"feedbridge", "pusher", "incremental"}, time.Now())

	status := journal.Failure
	defer func() {
		p.journal.EndIncrementalPush(status)
	}()

	p.log.Debug("polling for modified doc ids")
	for attempt := 1; ; attempt++ {
		err = p.poller.GetModifiedDocIds(ctx, p.pusher)
		if err == nil {
			status = journal.Success
			return nil
		}

		if ctx.Err() != nil {
			status = journal.Interruption
			p.log.Warn("incremental poll interrupted", "error", err)
			return err
		}

		p.log.Error("incremental poll failed", "attempt", attempt, "error", err)
		metrics.IncrCounter([]string{"feedbridge", "pusher", "incremental_error"}, 1)
		if !p.policy.Retry(ctx, err, attempt) {
			if ctx.Err() != nil {
				status = journal.Interruption
				return ctx.Err()
			}
			return err
		}
	}
}
