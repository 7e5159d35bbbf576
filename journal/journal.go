// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package journal keeps the operational history of the bridge: what was
// pushed, what was served, and how each push run ended. It backs the ops
// endpoints and the telemetry gauges.
package journal

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/feedbridge/adaptor"
	"github.com/hashicorp/feedbridge/helper"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-set/v3"
	"oss.indeed.com/go/libtime"
)

// ErrPushInProgress is returned when a push run starts while another run of
// the same kind is still going.
var ErrPushInProgress = errors.New("push already in progress")

// CompletionStatus describes how a push run ended.
type CompletionStatus int8

const (
	Success CompletionStatus = iota
	Interruption
	Failure
)

func (s CompletionStatus) String() string {
	switch s {
	case Success:
		return "success"
	case Interruption:
		return "interruption"
	case Failure:
		return "failure"
	default:
		return "invalid"
	}
}

// window sizes tracked for request processing statistics
const (
	secondPeriods   = 60
	minutePeriods   = 60
	halfHourPeriods = 48
	halfHour        = 30 * time.Minute
)

// Journal tracks push and serve activity. All methods are safe for
// concurrent use.
type Journal struct {
	clock libtime.Clock

	l sync.RWMutex

	whenStarted time.Time

	pushedItems     int64
	uniquePushedIds *set.Set[adaptor.DocId]

	gsaRequests        int64
	nonGsaRequests     int64
	uniqueRequestedIds *set.Set[adaptor.DocId]

	fullPush        runStats
	incrementalPush runStats

	groupPushes       int64
	groupPushFailures int64
	groupsPushed      int64

	windows []*window
}

// NewJournal creates a Journal using clock for window bookkeeping.
func NewJournal(clock libtime.Clock) *Journal {
	return &Journal{
		clock:              clock,
		whenStarted:        clock.Now(),
		uniquePushedIds:    set.New[adaptor.DocId](128),
		uniqueRequestedIds: set.New[adaptor.DocId](128),
		windows: []*window{
			newWindow(time.Second, secondPeriods),
			newWindow(time.Minute, minutePeriods),
			newWindow(halfHour, halfHourPeriods),
		},
	}
}

// RecordDocIdPush notes that items were delivered to the appliance.
func (j *Journal) RecordDocIdPush(items []adaptor.Item) {
	j.l.Lock()
	defer j.l.Unlock()

	j.pushedItems += int64(len(items))
	for _, item := range items {
		j.uniquePushedIds.Insert(item.ItemDocId())
	}
}

// RecordContentRequest notes the arrival of a document request. fromGsa
// marks requests recognized as coming from the appliance.
func (j *Journal) RecordContentRequest(id adaptor.DocId, fromGsa bool) {
	j.l.Lock()
	defer j.l.Unlock()

	if fromGsa {
		j.gsaRequests++
	} else {
		j.nonGsaRequests++
	}
	j.uniqueRequestedIds.Insert(id)
}

// RecordRequestProcessed notes the outcome of one content request: how long
// the adaptor took, how many body bytes were written, and whether it failed.
func (j *Journal) RecordRequestProcessed(fromGsa bool, dur time.Duration, bytes int64, failed bool) {
	j.l.Lock()
	defer j.l.Unlock()

	now := j.clock.Now()
	for _, w := range j.windows {
		w.record(now, func(s *WindowStat) {
			s.Requests++
			if fromGsa {
				s.GsaRequests++
			}
			if failed {
				s.Failures++
			}
			s.TotalDuration += dur
			if dur > s.MaxDuration {
				s.MaxDuration = dur
			}
			s.Bytes += bytes
		})
	}
}

// StartFullPush marks the beginning of a full push run. It fails with
// ErrPushInProgress if a full push is already running; overlapping full
// pushes are a caller bug.
func (j *Journal) StartFullPush() error {
	j.l.Lock()
	defer j.l.Unlock()
	return j.fullPush.start(j.clock.Now())
}

// EndFullPush marks the end of the running full push run.
func (j *Journal) EndFullPush(status CompletionStatus) {
	j.l.Lock()
	defer j.l.Unlock()
	j.fullPush.end(j.clock.Now(), status)
}

// StartIncrementalPush marks the beginning of an incremental push run. It
// fails with ErrPushInProgress when the previous run has not finished, which
// pollers treat as a skipped tick.
func (j *Journal) StartIncrementalPush() error {
	j.l.Lock()
	defer j.l.Unlock()
	return j.incrementalPush.start(j.clock.Now())
}

// EndIncrementalPush marks the end of the running incremental push run.
func (j *Journal) EndIncrementalPush(status CompletionStatus) {
	j.l.Lock()
	defer j.l.Unlock()
	j.incrementalPush.end(j.clock.Now(), status)
}

// RecordGroupPushSuccess notes a delivered group feed of the given size.
func (j *Journal) RecordGroupPushSuccess(groups int) {
	j.l.Lock()
	defer j.l.Unlock()
	j.groupPushes++
	j.groupsPushed += int64(groups)
}

// RecordGroupPushFailure notes a group feed that could not be delivered.
func (j *Journal) RecordGroupPushFailure() {
	j.l.Lock()
	defer j.l.Unlock()
	j.groupPushes++
	j.groupPushFailures++
}

// Snapshot returns a copy of all statistics.
func (j *Journal) Snapshot() *Stats {
	j.l.Lock()
	defer j.l.Unlock()

	now := j.clock.Now()
	stats := &Stats{
		WhenStarted:           j.whenStarted,
		PushedItems:           j.pushedItems,
		UniquePushedDocIds:    j.uniquePushedIds.Size(),
		GsaContentRequests:    j.gsaRequests,
		NonGsaContentRequests: j.nonGsaRequests,
		UniqueRequestedDocIds: j.uniqueRequestedIds.Size(),
		FullPush:              j.fullPush.snapshot(),
		IncrementalPush:       j.incrementalPush.snapshot(),
		GroupPushes:           j.groupPushes,
		GroupPushFailures:     j.groupPushFailures,
		GroupsPushed:          j.groupsPushed,
	}
	for _, w := range j.windows {
		stats.Windows = append(stats.Windows, w.snapshot(now))
	}
	return stats
}

// EmitStats is used to export metrics about the journal while enabled.
func (j *Journal) EmitStats(period time.Duration, stopCh <-chan struct{}) {
	timer, stop := helper.NewSafeTimer(period)
	defer stop()

	for {
		timer.Reset(period)

		select {
		case <-timer.C:
			stats := j.Snapshot()
			metrics.SetGauge([]string{"feedbridge", "journal", "pushed_items"}, float32(stats.PushedItems))
			metrics.SetGauge([]string{"feedbridge", "journal", "unique_doc_ids"}, float32(stats.UniquePushedDocIds))
			metrics.SetGauge([]string{"feedbridge", "journal", "gsa_content_requests"}, float32(stats.GsaContentRequests))
			metrics.SetGauge([]string{"feedbridge", "journal", "other_content_requests"}, float32(stats.NonGsaContentRequests))
			metrics.SetGauge([]string{"feedbridge", "journal", "full_push", "running"}, boolGauge(stats.FullPush.Running))
			metrics.SetGauge([]string{"feedbridge", "journal", "full_push", "successes"}, float32(stats.FullPush.Successes))
			metrics.SetGauge([]string{"feedbridge", "journal", "full_push", "failures"}, float32(stats.FullPush.Failures))
			metrics.SetGauge([]string{"feedbridge", "journal", "incremental_push", "running"}, boolGauge(stats.IncrementalPush.Running))
			metrics.SetGauge([]string{"feedbridge", "journal", "incremental_push", "successes"}, float32(stats.IncrementalPush.Successes))
			metrics.SetGauge([]string{"feedbridge", "journal", "incremental_push", "failures"}, float32(stats.IncrementalPush.Failures))
			metrics.SetGauge([]string{"feedbridge", "journal", "group_pushes"}, float32(stats.GroupPushes))
			metrics.SetGauge([]string{"feedbridge", "journal", "group_push_failures"}, float32(stats.GroupPushFailures))
		case <-stopCh:
			return
		}
	}
}

func boolGauge(b bool) float32 {
	if b {
		return 1
	}
	return 0
}

// runStats tracks one kind of push run.
type runStats struct {
	running          bool
	started          int64
	successes        int64
	interruptions    int64
	failures         int64
	currentStart     time.Time
	lastSuccessStart time.Time
	lastSuccessEnd   time.Time
}

func (r *runStats) start(now time.Time) error {
	if r.running {
		return ErrPushInProgress
	}
	r.running = true
	r.started++
	r.currentStart = now
	return nil
}

func (r *runStats) end(now time.Time, status CompletionStatus) {
	if !r.running {
		return
	}
	r.running = false
	switch status {
	case Success:
		r.successes++
		r.lastSuccessStart = r.currentStart
		r.lastSuccessEnd = now
	case Interruption:
		r.interruptions++
	case Failure:
		r.failures++
	}
	r.currentStart = time.Time{}
}

func (r *runStats) snapshot() PushStats {
	return PushStats{
		Running:          r.running,
		Started:          r.started,
		Successes:        r.successes,
		Interruptions:    r.interruptions,
		Failures:         r.failures,
		CurrentStart:     r.currentStart,
		LastSuccessStart: r.lastSuccessStart,
		LastSuccessEnd:   r.lastSuccessEnd,
	}
}

// Stats is a point-in-time copy of the journal.
type Stats struct {
	WhenStarted time.Time

	PushedItems        int64
	UniquePushedDocIds int

	GsaContentRequests    int64
	NonGsaContentRequests int64
	UniqueRequestedDocIds int

	FullPush        PushStats
	IncrementalPush PushStats

	GroupPushes       int64
	GroupPushFailures int64
	GroupsPushed      int64

	Windows []WindowSnapshot
}

// PushStats is a point-in-time copy of one push run kind.
type PushStats struct {
	Running          bool
	Started          int64
	Successes        int64
	Interruptions    int64
	Failures         int64
	CurrentStart     time.Time
	LastSuccessStart time.Time
	LastSuccessEnd   time.Time
}

// WindowStat is the request activity of a single time slot.
type WindowStat struct {
	Requests      int64
	GsaRequests   int64
	Failures      int64
	TotalDuration time.Duration
	MaxDuration   time.Duration
	Bytes         int64
}

// WindowSnapshot is a point-in-time copy of one circular window, slots
// ordered oldest first.
type WindowSnapshot struct {
	Period time.Duration
	Slots  []WindowStat
}

// window is a circular buffer of per-period statistics. Slots advance lazily
// whenever the window is touched; a gap longer than the whole window resets
// every slot at once.
type window struct {
	period  time.Duration
	slots   []WindowStat
	head    int
	current time.Time
}

func newWindow(period time.Duration, count int) *window {
	return &window{
		period: period,
		slots:  make([]WindowStat, count),
	}
}

func (w *window) advance(now time.Time) {
	cur := now.Truncate(w.period)
	if w.current.IsZero() {
		w.current = cur
		return
	}

	steps := int(cur.Sub(w.current) / w.period)
	if steps <= 0 {
		return
	}
	if steps >= len(w.slots) {
		for i := range w.slots {
			w.slots[i] = WindowStat{}
		}
		w.head = 0
		w.current = cur
		return
	}
	for i := 0; i < steps; i++ {
		w.head = (w.head + 1) % len(w.slots)
		w.slots[w.head] = WindowStat{}
	}
	w.current = cur
}

func (w *window) record(now time.Time, f func(*WindowStat)) {
	w.advance(now)
	f(&w.slots[w.head])
}

func (w *window) snapshot(now time.Time) WindowSnapshot {
	w.advance(now)
	out := WindowSnapshot{
		Period: w.period,
		Slots:  make([]WindowStat, 0, len(w.slots)),
	}
	for i := 1; i <= len(w.slots); i++ {
		out.Slots = append(out.Slots, w.slots[(w.head+i)%len(w.slots)])
	}
	return out
}
