// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pusher

import (
	"context"
	"time"

	"github.com/hashicorp/feedbridge/adaptor"
	"github.com/hashicorp/feedbridge/helper/backoff"
	"github.com/hashicorp/feedbridge/journal"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

// FullPusher runs complete enumerations of the repository. At most one full
// push runs at a time; overlapping calls fail with journal.ErrPushInProgress.
type FullPusher struct {
	log     hclog.Logger
	adaptor adaptor.Adaptor
	pusher  adaptor.DocIdPusher
	journal *journal.Journal
	policy  backoff.Policy
}

// NewFullPusher wires a FullPusher. policy spaces out repeated enumeration
// attempts; nil means the default policy.
func NewFullPusher(logger hclog.Logger, a adaptor.Adaptor, pusher adaptor.DocIdPusher, jrnl *journal.Journal, policy backoff.Policy) *FullPusher {
	if policy == nil {
		policy = backoff.Default()
	}
	return &FullPusher{
		log:     logger.Named("pusher.full"),
		adaptor: a,
		pusher:  pusher,
		journal: jrnl,
		policy:  policy,
	}
}

// Run performs one full push: it invokes the adaptor's enumeration with the
// sender as the callback, retrying failed enumerations under the policy.
// The journal records how the run ended; a panic out of the adaptor is
// recorded as a failure and propagated.
func (p *FullPusher) Run(ctx context.Context) (err error) {
	if err := p.journal.StartFullPush(); err != nil {
		p.log.Warn("full push requested while one is already running")
		return err
	}
	defer metrics.MeasureSince([]string{"feedbridge", "pusher", "full"}, time.Now())

	status := journal.Failure
	defer func() {
		p.journal.EndFullPush(status)
	}()

	p.log.Info("beginning full push of doc ids")
	for attempt := 1; ; attempt++ {
		err = p.adaptor.GetDocIds(ctx, p.pusher)
		if err == nil {
			status = journal.Success
			p.log.Info("completed full push of doc ids")
			return nil
		}

		if ctx.Err() != nil {
			status = journal.Interruption
			p.log.Warn("full push interrupted", "error", err)
			return err
		}

		p.log.Error("full push failed", "attempt", attempt, "error", err)
		metrics.IncrCounter([]string{"feedbridge", "pusher", "full_error"}, 1)
		if !p.policy.Retry(ctx, err, attempt) {
			if ctx.Err() != nil {
				status = journal.Interruption
				return ctx.Err()
			}
			return err
		}
	}
}
