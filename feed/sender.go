// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package feed

import (
	"context"
	"errors"
	"sort"

	"github.com/hashicorp/feedbridge/adaptor"
	"github.com/hashicorp/feedbridge/helper/backoff"
	"github.com/hashicorp/feedbridge/journal"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

// DefaultMaxBatchSize caps how many items one feed upload carries unless
// configured otherwise.
const DefaultMaxBatchSize = 5000

// Uploader is the part of the Transport the Sender depends on.
type Uploader interface {
	SendRecords(ctx context.Context, source string, payload []byte) error
	SendGroups(ctx context.Context, groupSource string, full bool, payload []byte) error
}

// SenderConfig tunes a Sender.
type SenderConfig struct {
	// MaxBatchSize caps the items per upload. Zero means
	// DefaultMaxBatchSize.
	MaxBatchSize int

	// MarkAllDocsPublic short-circuits every ACL-bearing push: named
	// resources and group definitions report success without touching the
	// appliance, and the serve path omits ACL headers.
	MarkAllDocsPublic bool

	// Policy spaces out retries of failing uploads. Nil means the default
	// policy.
	Policy backoff.Policy
}

// Sender is the blocking push pipeline: it batches items, encodes each
// batch, uploads it under the retry policy, and reports the first
// undelivered item on failure. It implements adaptor.DocIdPusher.
type Sender struct {
	log      hclog.Logger
	encoder  *Encoder
	uploader Uploader
	journal  *journal.Journal
	archiver Archiver
	groups   *GroupPusher

	maxBatch   int
	markPublic bool
	policy     backoff.Policy
}

// NewSender wires a Sender. groups carries the double-buffered group push
// protocol; it may be nil only when group pushes are never used.
func NewSender(logger hclog.Logger, encoder *Encoder, uploader Uploader, jrnl *journal.Journal, archiver Archiver, groups *GroupPusher, config SenderConfig) *Sender {
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
	return &Sender{
		log:        logger.Named("feed.sender"),
		encoder:    encoder,
		uploader:   uploader,
		journal:    jrnl,
		archiver:   archiver,
		groups:     groups,
		maxBatch:   maxBatch,
		markPublic: config.MarkAllDocsPublic,
		policy:     policy,
	}
}

// PushDocIds feeds plain identifiers with default record attributes.
func (s *Sender) PushDocIds(ctx context.Context, ids []adaptor.DocId) (adaptor.DocId, error) {
	records := make([]*adaptor.Record, len(ids))
	for i, id := range ids {
		records[i] = &adaptor.Record{DocId: id}
	}
	failed, err := s.PushRecords(ctx, records)
	if failed != nil {
		return failed.DocId, err
	}
	return "", err
}

// PushRecords feeds records in batches, returning the first undelivered
// record on failure.
func (s *Sender) PushRecords(ctx context.Context, records []*adaptor.Record) (*adaptor.Record, error) {
	items := make([]adaptor.Item, len(records))
	for i, r := range records {
		items[i] = r
	}
	failed, err := s.PushItems(ctx, items, s.policy)
	if failed != nil {
		return failed.(*adaptor.Record), err
	}
	return nil, err
}

// PushNamedResources feeds ACL anchors in ascending DocId order, returning
// the first undelivered DocId on failure.
func (s *Sender) PushNamedResources(ctx context.Context, resources map[adaptor.DocId]*adaptor.Acl) (adaptor.DocId, error) {
	if s.markPublic {
		s.log.Debug("skipping named resource push, all docs marked public",
			"resources", len(resources))
		return "", nil
	}

	ids := make([]adaptor.DocId, 0, len(resources))
	for id := range resources {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	items := make([]adaptor.Item, len(ids))
	for i, id := range ids {
		items[i] = &adaptor.NamedResource{DocId: id, Acl: resources[id]}
	}

	failed, err := s.PushItems(ctx, items, s.policy)
	if failed != nil {
		return failed.ItemDocId(), err
	}
	return "", err
}

// PushGroupDefinitions delegates to the group push protocol.
func (s *Sender) PushGroupDefinitions(ctx context.Context, defs adaptor.GroupDefinitions, caseSensitive, full bool) (*adaptor.Principal, error) {
	if s.markPublic {
		s.log.Debug("skipping group push, all docs marked public", "groups", len(defs))
		return nil, nil
	}
	if s.groups == nil {
		return nil, errors.New("group pushes are not configured")
	}
	return s.groups.Push(ctx, defs, caseSensitive, full)
}

// PushItems delivers items in batches of at most the configured size under
// the given retry policy. On failure it returns the first item that was not
// delivered; on context cancellation it additionally returns ctx.Err() so
// callers can distinguish interruption from exhaustion.
func (s *Sender) PushItems(ctx context.Context, items []adaptor.Item, policy backoff.Policy) (adaptor.Item, error) {
	if len(items) == 0 {
		return nil, nil
	}

	for start := 0; start < len(items); start += s.maxBatch {
		end := start + s.maxBatch
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]

		if err := ctx.Err(); err != nil {
			return batch[0], err
		}

		payload, err := s.encoder.EncodeRecords(batch)
		if err != nil {
			// encoding failures are permanent, retrying cannot help
			return batch[0], err
		}

		if err := s.sendWithRetry(ctx, policy, func() error {
			return s.uploader.SendRecords(ctx, s.encoder.Name(), payload)
		}); err != nil {
			// a rejected feed is exactly the artifact an operator needs
			s.archiver.Archive(ArchiveRecords, payload)
			return batch[0], err
		}

		s.journal.RecordDocIdPush(batch)
		s.archiver.Archive(ArchiveRecords, payload)
		metrics.IncrCounter([]string{"feedbridge", "feed", "items_pushed"}, float32(len(batch)))
		s.log.Debug("pushed feed batch", "items", len(batch),
			"progress", end, "total", len(items))
	}
	return nil, nil
}

// sendWithRetry runs send under the retry policy. Fatal errors bypass the
// policy entirely.
func (s *Sender) sendWithRetry(ctx context.Context, policy backoff.Policy, send func() error) error {
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

		s.log.Warn("feed upload failed", "attempt", attempt, "error", err)
		if !policy.Retry(ctx, err, attempt) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
	}
}
