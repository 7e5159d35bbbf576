// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package feed

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/feedbridge/adaptor"
	"github.com/hashicorp/feedbridge/helper"
	"github.com/hashicorp/feedbridge/helper/backoff"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

const (
	// DefaultQueueCapacity bounds the async backlog unless configured
	// otherwise.
	DefaultQueueCapacity = 10000

	// DefaultMaxLatency is how long the worker holds a partial batch before
	// pushing it.
	DefaultMaxLatency = 5 * time.Second
)

// ItemPusher is the part of the Sender the AsyncSender depends on.
type ItemPusher interface {
	PushItems(ctx context.Context, items []adaptor.Item, policy backoff.Policy) (adaptor.Item, error)
}

// AsyncSenderConfig tunes an AsyncSender.
type AsyncSenderConfig struct {
	// QueueCapacity bounds the backlog. When full, new items are dropped
	// rather than blocking the adaptor. Zero means DefaultQueueCapacity.
	QueueCapacity int

	// MaxBatchSize caps how many items one push carries. Zero means
	// DefaultMaxBatchSize.
	MaxBatchSize int

	// MaxLatency caps how long the first queued item waits before its batch
	// is pushed. Zero means DefaultMaxLatency.
	MaxLatency time.Duration
}

// AsyncSender accepts feed items without blocking and pushes them in
// batches from a single background worker. Items are batched until the
// batch is full or the oldest item has waited MaxLatency.
type AsyncSender struct {
	log    hclog.Logger
	pusher ItemPusher

	queue      chan adaptor.Item
	maxBatch   int
	maxLatency time.Duration

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopped  atomic.Bool
	cancel   context.CancelFunc
	runCtx   context.Context

	dropped atomic.Int64
}

// NewAsyncSender wires an AsyncSender; call Start to begin pushing.
func NewAsyncSender(logger hclog.Logger, pusher ItemPusher, config AsyncSenderConfig) *AsyncSender {
	capacity := config.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	maxBatch := config.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatchSize
	}
	maxLatency := config.MaxLatency
	if maxLatency <= 0 {
		maxLatency = DefaultMaxLatency
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncSender{
		log:        logger.Named("feed.async"),
		pusher:     pusher,
		queue:      make(chan adaptor.Item, capacity),
		maxBatch:   maxBatch,
		maxLatency: maxLatency,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		runCtx:     ctx,
		cancel:     cancel,
	}
}

// Start launches the background worker. Repeated calls are ignored.
func (a *AsyncSender) Start() {
	if a.started.CompareAndSwap(false, true) {
		go a.run()
	}
}

// PushItem queues one item without blocking. It reports false when the item
// was dropped, either because the queue is full or because the sender is
// stopped.
func (a *AsyncSender) PushItem(item adaptor.Item) bool {
	if a.stopped.Load() {
		return false
	}
	select {
	case a.queue <- item:
		return true
	default:
		a.dropped.Add(1)
		metrics.IncrCounter([]string{"feedbridge", "feed", "async_dropped"}, 1)
		a.log.Warn("dropping feed item, queue is full", "doc_id", item.ItemDocId())
		return false
	}
}

// Dropped returns how many items have been dropped since construction.
func (a *AsyncSender) Dropped() int64 {
	return a.dropped.Load()
}

// Stop interrupts any in-flight push, drains the queue with one final
// no-retry pass, and waits for the worker to exit.
func (a *AsyncSender) Stop() {
	a.stopOnce.Do(func() {
		a.stopped.Store(true)
		close(a.stopCh)
		a.cancel()
	})
	if a.started.Load() {
		<-a.doneCh
	}
}

func (a *AsyncSender) run() {
	defer close(a.doneCh)

	for {
		select {
		case <-a.stopCh:
			a.drain()
			return
		case first := <-a.queue:
			batch, stopping := a.collect(first)
			if stopping {
				a.push(context.Background(), batch, backoff.NoRetry())
				a.drain()
				return
			}
			a.push(a.runCtx, batch, nil)
		}
	}
}

// collect accumulates a batch starting with first, up to the batch size or
// the latency bound, whichever comes first.
func (a *AsyncSender) collect(first adaptor.Item) ([]adaptor.Item, bool) {
	batch := []adaptor.Item{first}

	timer, stop := helper.NewSafeTimer(a.maxLatency)
	defer stop()

	for len(batch) < a.maxBatch {
		select {
		case item := <-a.queue:
			batch = append(batch, item)
		case <-timer.C:
			return batch, false
		case <-a.stopCh:
			return batch, true
		}
	}
	return batch, false
}

// drain pushes whatever is still queued, one attempt per batch.
func (a *AsyncSender) drain() {
	var rest []adaptor.Item
	for {
		select {
		case item := <-a.queue:
			rest = append(rest, item)
		default:
			if len(rest) > 0 {
				a.log.Debug("draining async queue", "items", len(rest))
				a.push(context.Background(), rest, backoff.NoRetry())
			}
			return
		}
	}
}

func (a *AsyncSender) push(ctx context.Context, items []adaptor.Item, policy backoff.Policy) {
	if policy == nil {
		policy = backoff.Default()
	}
	if _, err := a.pusher.PushItems(ctx, items, policy); err != nil {
		a.log.Error("async push failed", "items", len(items), "error", err)
	}
}
