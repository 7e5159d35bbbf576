// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/feedbridge/adaptor"
	"github.com/hashicorp/feedbridge/helper/backoff"
	"github.com/hashicorp/feedbridge/journal"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	version "github.com/hashicorp/go-version"
)

var (
	// minGroupsVersion is the first appliance release that accepts group
	// feeds at all.
	minGroupsVersion = version.Must(version.NewVersion("7.2.0"))

	// minReplaceGroupsVersion is the first appliance release that accepts
	// full (replacing) group feeds. Older appliances only merge.
	minReplaceGroupsVersion = version.Must(version.NewVersion("7.4.0"))
)

// GroupPusherConfig tunes a GroupPusher.
type GroupPusherConfig struct {
	// Source is the groupsource name. Full pushes rotate between the
	// Source-FULL1 and Source-FULL2 aliases; incremental pushes feed Source
	// directly.
	Source string

	// GsaVersion is the appliance software version, deciding which group
	// operations are available.
	GsaVersion *version.Version

	// MaxBatchSize caps groups per upload. Zero means DefaultMaxBatchSize.
	MaxBatchSize int

	// Policy spaces out retries of failing uploads. Nil means the default
	// policy.
	Policy backoff.Policy
}

// GroupPusher delivers group definitions. A full push replaces everything
// previously fed by writing the new definitions to the unused alias and then
// wiping the previously used one with an empty full feed; only after the
// wipe does the pusher swap which alias is considered active. The active
// alias is tracked in process only, so after a restart one cycle may leave
// stale definitions behind, which the next full push clears.
type GroupPusher struct {
	log      hclog.Logger
	encoder  *Encoder
	uploader Uploader
	journal  *journal.Journal
	archiver Archiver

	source     string
	gsaVersion *version.Version
	maxBatch   int
	policy     backoff.Policy

	// mu serializes pushes; lastAlias is the FULLn alias holding the
	// definitions the appliance currently trusts.
	mu        sync.Mutex
	lastAlias int
}

// NewGroupPusher wires a GroupPusher.
func NewGroupPusher(logger hclog.Logger, encoder *Encoder, uploader Uploader, jrnl *journal.Journal, archiver Archiver, config GroupPusherConfig) (*GroupPusher, error) {
	if !ValidSourceName(config.Source) {
		return nil, fmt.Errorf("invalid group source name %q", config.Source)
	}
	if config.GsaVersion == nil {
		return nil, fmt.Errorf("group pusher requires the appliance version")
	}
	maxBatch := config.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatchSize
	}
	policy := config.Policy
	if policy == nil {
		policy = backoff.Default()
	}
	if archiver == nil {
		archiver = NopArchiver()
	}
	return &GroupPusher{
		log:        logger.Named("feed.groups"),
		encoder:    encoder,
		uploader:   uploader,
		journal:    jrnl,
		archiver:   archiver,
		source:     config.Source,
		gsaVersion: config.GsaVersion,
		maxBatch:   maxBatch,
		policy:     policy,
		// start as if FULL2 were active so the first full push writes FULL1
		lastAlias: 2,
	}, nil
}

// Push delivers defs. When full is set the push replaces every group
// previously fed from this source; otherwise it amends the named groups
// only. On failure the first group of the undelivered batch is returned,
// except when only the final wipe of the stale alias failed, in which case
// all definitions were delivered and the marker is nil.
func (p *GroupPusher) Push(ctx context.Context, defs adaptor.GroupDefinitions, caseSensitive, full bool) (*adaptor.Principal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.gsaVersion.LessThan(minGroupsVersion) {
		p.journal.RecordGroupPushFailure()
		failed := firstGroup(defs)
		return failed, fmt.Errorf("appliance version %s does not accept group feeds (needs %s)",
			p.gsaVersion, minGroupsVersion)
	}
	if full && p.gsaVersion.LessThan(minReplaceGroupsVersion) {
		p.log.Warn("appliance version cannot replace groups, demoting full push to incremental",
			"version", p.gsaVersion, "needs", minReplaceGroupsVersion)
		full = false
	}

	groups := defs.SortedGroups()
	if !full && len(groups) == 0 {
		return nil, nil
	}

	target := p.source
	if full {
		target = p.alias(3 - p.lastAlias)
	}

	// batches always go in as incremental feeds; a multi-batch full feed
	// would wipe its own earlier batches
	for start := 0; start < len(groups); start += p.maxBatch {
		end := start + p.maxBatch
		if end > len(groups) {
			end = len(groups)
		}
		batch := groups[start:end]

		if err := ctx.Err(); err != nil {
			p.journal.RecordGroupPushFailure()
			return &batch[0], err
		}

		sub := make(adaptor.GroupDefinitions, len(batch))
		for _, g := range batch {
			sub[g] = defs[g]
		}
		payload, err := p.encoder.EncodeGroups(sub, caseSensitive)
		if err != nil {
			p.journal.RecordGroupPushFailure()
			return &batch[0], err
		}

		if err := p.sendWithRetry(ctx, func() error {
			return p.uploader.SendGroups(ctx, target, false, payload)
		}); err != nil {
			p.journal.RecordGroupPushFailure()
			// keep the rejected payload for debugging
			p.archiver.Archive(ArchiveGroups, payload)
			return &batch[0], err
		}

		p.archiver.Archive(ArchiveGroups, payload)
		p.log.Debug("pushed group batch", "source", target,
			"groups", len(batch), "progress", end, "total", len(groups))
	}

	if full {
		if err := p.wipeStaleAlias(ctx, caseSensitive); err != nil {
			p.journal.RecordGroupPushFailure()
			return nil, err
		}
		p.lastAlias = 3 - p.lastAlias
	}

	p.journal.RecordGroupPushSuccess(len(groups))
	metrics.IncrCounter([]string{"feedbridge", "feed", "groups_pushed"}, float32(len(groups)))
	return nil, nil
}

// wipeStaleAlias clears the previously active alias with an empty full
// feed.
func (p *GroupPusher) wipeStaleAlias(ctx context.Context, caseSensitive bool) error {
	stale := p.alias(p.lastAlias)
	payload, err := p.encoder.EncodeGroups(nil, caseSensitive)
	if err != nil {
		return err
	}
	if err := p.sendWithRetry(ctx, func() error {
		return p.uploader.SendGroups(ctx, stale, true, payload)
	}); err != nil {
		return fmt.Errorf("failed to wipe stale group source %s: %w", stale, err)
	}
	p.log.Debug("wiped stale group source", "source", stale)
	return nil
}

func (p *GroupPusher) alias(n int) string {
	return fmt.Sprintf("%s-FULL%d", p.source, n)
}

func (p *GroupPusher) sendWithRetry(ctx context.Context, send func() error) error {
	for attempt := 1; ; attempt++ {
		err := send()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrFeedsUnauthorized) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		p.log.Warn("group upload failed", "attempt", attempt, "error", err)
		if !p.policy.Retry(ctx, err, attempt) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
	}
}

func firstGroup(defs adaptor.GroupDefinitions) *adaptor.Principal {
	groups := defs.SortedGroups()
	if len(groups) == 0 {
		return nil
	}
	return &groups[0]
}
