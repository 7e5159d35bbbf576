// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package feed

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/feedbridge/adaptor"
	"github.com/hashicorp/feedbridge/ci"
	"github.com/hashicorp/feedbridge/helper/backoff"
	"github.com/hashicorp/feedbridge/helper/testlog"
	"github.com/hashicorp/feedbridge/journal"
	"github.com/shoenig/test/must"
	"oss.indeed.com/go/libtime"
)

type recordCall struct {
	source  string
	payload string
}

type groupCall struct {
	source  string
	full    bool
	payload string
}

// fakeUploader records uploads and fails the calls its scripts say to.
type fakeUploader struct {
	mu       sync.Mutex
	records  []recordCall
	groups   []groupCall
	onRecord func(call int) error
	onGroup  func(call int) error
}

func (f *fakeUploader) SendRecords(_ context.Context, source string, payload []byte) error {
	f.mu.Lock()
	n := len(f.records)
	f.records = append(f.records, recordCall{source: source, payload: string(payload)})
	script := f.onRecord
	f.mu.Unlock()
	if script != nil {
		return script(n)
	}
	return nil
}

func (f *fakeUploader) SendGroups(_ context.Context, groupSource string, full bool, payload []byte) error {
	f.mu.Lock()
	n := len(f.groups)
	f.groups = append(f.groups, groupCall{source: groupSource, full: full, payload: string(payload)})
	script := f.onGroup
	f.mu.Unlock()
	if script != nil {
		return script(n)
	}
	return nil
}

func (f *fakeUploader) recordCalls() []recordCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordCall(nil), f.records...)
}

func (f *fakeUploader) groupCalls() []groupCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]groupCall(nil), f.groups...)
}

// countingPolicy allows a fixed number of retries and counts consultations.
type countingPolicy struct {
	calls int
	allow int
}

func (p *countingPolicy) Retry(context.Context, error, int) bool {
	p.calls++
	return p.calls <= p.allow
}

func testSenderEncoder(t *testing.T) *Encoder {
	t.Helper()
	base, err := url.Parse("http://connector.example.com:5678/doc/")
	must.NoError(t, err)
	enc, err := NewEncoder("test_source", base)
	must.NoError(t, err)
	return enc
}

func newTestSender(t *testing.T, uploader Uploader, config SenderConfig) (*Sender, *journal.Journal) {
	t.Helper()
	j := journal.NewJournal(libtime.SystemClock())
	s := NewSender(testlog.HCLogger(t), testSenderEncoder(t), uploader, j, nil, nil, config)
	return s, j
}

func recordIds(n int) []*adaptor.Record {
	records := make([]*adaptor.Record, n)
	for i := range records {
		records[i] = &adaptor.Record{DocId: adaptor.DocId("doc" + string(rune('1'+i)))}
	}
	return records
}

func TestSender_batches(t *testing.T) {
	ci.Parallel(t)

	uploader := &fakeUploader{}
	s, j := newTestSender(t, uploader, SenderConfig{MaxBatchSize: 2, Policy: backoff.NoRetry()})

	failed, err := s.PushRecords(context.Background(), recordIds(5))
	must.NoError(t, err)
	must.Nil(t, failed)

	calls := uploader.recordCalls()
	must.Len(t, 3, calls)
	must.Eq(t, 2, strings.Count(calls[0].payload, "<record "))
	must.Eq(t, 2, strings.Count(calls[1].payload, "<record "))
	must.Eq(t, 1, strings.Count(calls[2].payload, "<record "))

	// order is preserved across batches
	must.StrContains(t, calls[0].payload, "/doc/doc1")
	must.StrContains(t, calls[0].payload, "/doc/doc2")
	must.StrContains(t, calls[1].payload, "/doc/doc3")
	must.StrContains(t, calls[2].payload, "/doc/doc5")
	for _, call := range calls {
		must.Eq(t, "test_source", call.source)
	}

	stats := j.Snapshot()
	must.Eq(t, 5, stats.PushedItems)
	must.Eq(t, 5, stats.UniquePushedDocIds)
}

func TestSender_firstFailureMarker(t *testing.T) {
	ci.Parallel(t)

	uploader := &fakeUploader{
		onRecord: func(call int) error {
			if call == 1 {
				return &TransportError{StatusCode: 500}
			}
			return nil
		},
	}
	s, j := newTestSender(t, uploader, SenderConfig{MaxBatchSize: 2, Policy: backoff.NoRetry()})

	records := recordIds(5)
	failed, err := s.PushRecords(context.Background(), records)
	must.Error(t, err)

	// the second batch starts at records[2]
	must.Eq(t, records[2].DocId, failed.DocId)

	// only the first batch was recorded as pushed
	must.Eq(t, 2, j.Snapshot().PushedItems)
}

func TestSender_unauthorizedBypassesRetry(t *testing.T) {
	ci.Parallel(t)

	uploader := &fakeUploader{
		onRecord: func(int) error { return ErrFeedsUnauthorized },
	}
	policy := &countingPolicy{allow: 10}
	j := journal.NewJournal(libtime.SystemClock())
	s := NewSender(testlog.HCLogger(t), testSenderEncoder(t), uploader, j, nil, nil, SenderConfig{Policy: policy})

	_, err := s.PushRecords(context.Background(), recordIds(1))
	must.ErrorIs(t, err, ErrFeedsUnauthorized)
	must.Eq(t, 0, policy.calls)
	must.Len(t, 1, uploader.recordCalls())
}

func TestSender_retryThenSuccess(t *testing.T) {
	ci.Parallel(t)

	uploader := &fakeUploader{
		onRecord: func(call int) error {
			if call == 0 {
				return &TransportError{StatusCode: 503}
			}
			return nil
		},
	}
	policy := &countingPolicy{allow: 3}
	s, _ := newTestSender(t, uploader, SenderConfig{Policy: policy})

	failed, err := s.PushRecords(context.Background(), recordIds(2))
	must.NoError(t, err)
	must.Nil(t, failed)
	must.Len(t, 2, uploader.recordCalls())
	must.Eq(t, 1, policy.calls)
}

func TestSender_cancelBetweenBatches(t *testing.T) {
	ci.Parallel(t)

	ctx, cancel := context.WithCancel(context.Background())
	uploader := &fakeUploader{
		onRecord: func(call int) error {
			if call == 0 {
				cancel()
			}
			return nil
		},
	}
	s, _ := newTestSender(t, uploader, SenderConfig{MaxBatchSize: 2, Policy: backoff.NoRetry()})

	records := recordIds(4)
	failed, err := s.PushRecords(ctx, records)
	must.ErrorIs(t, err, context.Canceled)
	must.Eq(t, records[2].DocId, failed.DocId)
	must.Len(t, 1, uploader.recordCalls())
}

func TestSender_pushDocIds(t *testing.T) {
	ci.Parallel(t)

	uploader := &fakeUploader{}
	s, j := newTestSender(t, uploader, SenderConfig{})

	failed, err := s.PushDocIds(context.Background(), []adaptor.DocId{"a", "b", "a"})
	must.NoError(t, err)
	must.Eq(t, adaptor.DocId(""), failed)

	stats := j.Snapshot()
	must.Eq(t, 3, stats.PushedItems)
	must.Eq(t, 2, stats.UniquePushedDocIds)
}

func TestSender_pushNamedResources(t *testing.T) {
	ci.Parallel(t)

	uploader := &fakeUploader{}
	s, _ := newTestSender(t, uploader, SenderConfig{})

	resources := map[adaptor.DocId]*adaptor.Acl{
		"zebra": {PermitUsers: []adaptor.Principal{adaptor.NewUserPrincipal("u")}},
		"apple": {PermitUsers: []adaptor.Principal{adaptor.NewUserPrincipal("u")}},
		"mango": {PermitUsers: []adaptor.Principal{adaptor.NewUserPrincipal("u")}},
	}
	failed, err := s.PushNamedResources(context.Background(), resources)
	must.NoError(t, err)
	must.Eq(t, adaptor.DocId(""), failed)

	calls := uploader.recordCalls()
	must.Len(t, 1, calls)
	must.Eq(t, 3, strings.Count(calls[0].payload, "<acl "))

	// ascending DocId order
	apple := strings.Index(calls[0].payload, "/doc/apple")
	mango := strings.Index(calls[0].payload, "/doc/mango")
	zebra := strings.Index(calls[0].payload, "/doc/zebra")
	must.True(t, apple < mango && mango < zebra)
}

func TestSender_markPublicSkipsAcls(t *testing.T) {
	ci.Parallel(t)

	uploader := &fakeUploader{}
	s, _ := newTestSender(t, uploader, SenderConfig{MarkAllDocsPublic: true})

	failed, err := s.PushNamedResources(context.Background(), map[adaptor.DocId]*adaptor.Acl{
		"doc": {PermitUsers: []adaptor.Principal{adaptor.NewUserPrincipal("u")}},
	})
	must.NoError(t, err)
	must.Eq(t, adaptor.DocId(""), failed)

	marker, err := s.PushGroupDefinitions(context.Background(), adaptor.GroupDefinitions{
		adaptor.NewGroupPrincipal("g"): {adaptor.NewUserPrincipal("u")},
	}, true, true)
	must.NoError(t, err)
	must.Nil(t, marker)

	must.Len(t, 0, uploader.recordCalls())
	must.Len(t, 0, uploader.groupCalls())
}

func TestSender_groupsNotConfigured(t *testing.T) {
	ci.Parallel(t)

	s, _ := newTestSender(t, &fakeUploader{}, SenderConfig{})

	_, err := s.PushGroupDefinitions(context.Background(), adaptor.GroupDefinitions{
		adaptor.NewGroupPrincipal("g"): {adaptor.NewUserPrincipal("u")},
	}, true, false)
	must.ErrorContains(t, err, "group pushes are not configured")
}

func TestSender_emptyPush(t *testing.T) {
	ci.Parallel(t)

	uploader := &fakeUploader{}
	s, _ := newTestSender(t, uploader, SenderConfig{})

	failed, err := s.PushRecords(context.Background(), nil)
	must.NoError(t, err)
	must.Nil(t, failed)
	must.Len(t, 0, uploader.recordCalls())
}

type archiveCall struct {
	kind    string
	payload string
}

// memArchiver records Archive calls in memory.
type memArchiver struct {
	mu    sync.Mutex
	calls []archiveCall
}

func (a *memArchiver) Archive(kind string, payload []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, archiveCall{kind: kind, payload: string(payload)})
}

func (a *memArchiver) archived() []archiveCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]archiveCall(nil), a.calls...)
}

func TestSender_archivesSuccessAndFinalFailure(t *testing.T) {
	ci.Parallel(t)

	uploader := &fakeUploader{
		onRecord: func(call int) error {
			if call == 1 {
				return &TransportError{StatusCode: 500}
			}
			return nil
		},
	}
	arch := &memArchiver{}
	j := journal.NewJournal(libtime.SystemClock())
	s := NewSender(testlog.HCLogger(t), testSenderEncoder(t), uploader, j, arch, nil,
		SenderConfig{MaxBatchSize: 2, Policy: backoff.NoRetry()})

	records := recordIds(4)
	failed, err := s.PushRecords(context.Background(), records)
	must.Error(t, err)
	must.Eq(t, records[2].DocId, failed.DocId)

	// both the delivered and the rejected payload are kept
	uploads := uploader.recordCalls()
	must.Len(t, 2, uploads)
	calls := arch.archived()
	must.Len(t, 2, calls)
	must.Eq(t, ArchiveRecords, calls[0].kind)
	must.Eq(t, uploads[0].payload, calls[0].payload)
	must.Eq(t, ArchiveRecords, calls[1].kind)
	must.Eq(t, uploads[1].payload, calls[1].payload)
}
