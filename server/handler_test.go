// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/feedbridge/adaptor"
	"github.com/hashicorp/feedbridge/ci"
	"github.com/hashicorp/feedbridge/helper/shutdown"
	"github.com/hashicorp/feedbridge/helper/testlog"
	"github.com/hashicorp/feedbridge/helper/watchdog"
	"github.com/hashicorp/feedbridge/journal"
	"github.com/shoenig/test/must"
	"oss.indeed.com/go/libtime"
)

const (
	trustedAddr   = "127.0.0.1:19900"
	untrustedAddr = "192.0.2.9:50000"
)

// fakeAdaptor answers content and authorization out of maps.
type fakeAdaptor struct {
	mu        sync.Mutex
	content   map[adaptor.DocId]string
	decisions map[adaptor.DocId]adaptor.AuthzStatus
	authzErr  error
	getDoc    func(ctx context.Context, req adaptor.Request, resp adaptor.Response) error

	authzCalls int
	served     []adaptor.DocId
}

func (f *fakeAdaptor) GetDocIds(ctx context.Context, pusher adaptor.DocIdPusher) error {
	return errors.New("not a lister")
}

func (f *fakeAdaptor) GetDocContent(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
	f.mu.Lock()
	f.served = append(f.served, req.DocId())
	override := f.getDoc
	body, ok := f.content[req.DocId()]
	f.mu.Unlock()

	if override != nil {
		return override(ctx, req, resp)
	}
	if !ok {
		return resp.RespondNotFound()
	}
	if err := resp.SetContentType("text/plain"); err != nil {
		return err
	}
	w, err := resp.OutputStream()
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, body)
	return err
}

func (f *fakeAdaptor) IsUserAuthorized(ctx context.Context, identity adaptor.Identity, ids []adaptor.DocId) (map[adaptor.DocId]adaptor.AuthzStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.authzCalls++
	if f.authzErr != nil {
		return nil, f.authzErr
	}
	out := make(map[adaptor.DocId]adaptor.AuthzStatus, len(ids))
	for _, id := range ids {
		if status, ok := f.decisions[id]; ok {
			out[id] = status
		}
	}
	return out, nil
}

func (f *fakeAdaptor) authzCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authzCalls
}

func (f *fakeAdaptor) servedIds() []adaptor.DocId {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]adaptor.DocId(nil), f.served...)
}

// contentOnlyAdaptor implements just the minimal adaptor surface, with no
// authorization capability.
type contentOnlyAdaptor struct {
	body string
}

func (c *contentOnlyAdaptor) GetDocIds(ctx context.Context, pusher adaptor.DocIdPusher) error {
	return errors.New("not a lister")
}

func (c *contentOnlyAdaptor) GetDocContent(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
	w, err := resp.OutputStream()
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, c.body)
	return err
}

type fakeAuthn struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeAuthn) BeginAuthn(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	http.Redirect(w, r, "https://idp.example.com/saml", http.StatusFound)
}

func (f *fakeAuthn) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type handlerFixture struct {
	handler  *DocHandler
	journal  *journal.Journal
	waiter   *shutdown.Waiter
	sessions *SessionStore
}

func newHandlerFixture(t *testing.T, a adaptor.Adaptor, mutate func(*DocHandlerConfig)) *handlerFixture {
	t.Helper()

	logger := testlog.HCLogger(t)
	j := journal.NewJournal(libtime.SystemClock())
	waiter := shutdown.NewWaiter()
	sessions := NewSessionStore()

	config := DocHandlerConfig{
		Adaptor:  a,
		Trust:    noDNS(NewTrustDecider(logger, false, []string{"127.0.0.1"}), nil),
		Sessions: sessions,
		Journal:  j,
		Watchdog: watchdog.New(time.Minute),
		Waiter:   waiter,
	}
	if mutate != nil {
		mutate(&config)
	}

	h, err := NewDocHandler(logger, config)
	must.NoError(t, err)

	return &handlerFixture{
		handler:  h,
		journal:  j,
		waiter:   waiter,
		sessions: sessions,
	}
}

func doRequest(h http.Handler, method, path, remote string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, nil)
	r.RemoteAddr = remote
	if mutate != nil {
		mutate(r)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestNewDocHandler_validation(t *testing.T) {
	ci.Parallel(t)

	logger := testlog.HCLogger(t)

	_, err := NewDocHandler(logger, DocHandlerConfig{})
	must.ErrorContains(t, err, "requires an adaptor")

	valid := DocHandlerConfig{
		Adaptor:  &contentOnlyAdaptor{},
		Trust:    NewTrustDecider(logger, true, nil),
		Journal:  journal.NewJournal(libtime.SystemClock()),
		Watchdog: watchdog.New(time.Minute),
		Waiter:   shutdown.NewWaiter(),
	}

	bad := valid
	bad.PathPrefix = "doc/"
	_, err = NewDocHandler(logger, bad)
	must.ErrorContains(t, err, "slash")

	h, err := NewDocHandler(logger, valid)
	must.NoError(t, err)
	must.Eq(t, DefaultDocIdPath, h.Pattern())
}

func TestDocHandler_methodNotAllowed(t *testing.T) {
	ci.Parallel(t)

	fix := newHandlerFixture(t, &fakeAdaptor{content: map[adaptor.DocId]string{"a": "x"}}, nil)

	for _, method := range []string{"POST", "PUT", "DELETE", "PATCH"} {
		rec := doRequest(fix.handler, method, "/doc/a", trustedAddr, nil)
		must.Eq(t, http.StatusMethodNotAllowed, rec.Code, must.Sprintf("method %s", method))
	}
}

func TestDocHandler_authzGate(t *testing.T) {
	ci.Parallel(t)

	f := &fakeAdaptor{
		content: map[adaptor.DocId]string{
			"docA": "A content",
			"docB": "B content",
			"docC": "C content",
			"docD": "D content",
		},
		decisions: map[adaptor.DocId]adaptor.AuthzStatus{
			"docA": adaptor.Permit,
			"docB": adaptor.Deny,
			"docC": adaptor.Indeterminate,
			// docD deliberately missing
		},
	}
	fix := newHandlerFixture(t, f, nil)

	rec := doRequest(fix.handler, "GET", "/doc/docA", untrustedAddr, nil)
	must.Eq(t, http.StatusOK, rec.Code)
	must.Eq(t, "A content", rec.Body.String())

	rec = doRequest(fix.handler, "GET", "/doc/docB", untrustedAddr, nil)
	must.Eq(t, http.StatusForbidden, rec.Code)

	// indeterminate conceals the document
	rec = doRequest(fix.handler, "GET", "/doc/docC", untrustedAddr, nil)
	must.Eq(t, http.StatusNotFound, rec.Code)

	// a missing decision counts as a denial
	rec = doRequest(fix.handler, "GET", "/doc/docD", untrustedAddr, nil)
	must.Eq(t, http.StatusForbidden, rec.Code)
}

func TestDocHandler_trustedSkipsGate(t *testing.T) {
	ci.Parallel(t)

	f := &fakeAdaptor{
		content:   map[adaptor.DocId]string{"docA": "A content"},
		decisions: map[adaptor.DocId]adaptor.AuthzStatus{"docA": adaptor.Deny},
	}
	fix := newHandlerFixture(t, f, nil)

	rec := doRequest(fix.handler, "GET", "/doc/docA", trustedAddr, nil)
	must.Eq(t, http.StatusOK, rec.Code)
	must.Eq(t, "A content", rec.Body.String())
	must.Eq(t, "public", rec.Header().Get("X-Gsa-Serve-Security"))
	must.Eq(t, 0, f.authzCallCount())
}

func TestDocHandler_secMgrProbe(t *testing.T) {
	ci.Parallel(t)

	f := &fakeAdaptor{
		content:   map[adaptor.DocId]string{"docA": "A content"},
		decisions: map[adaptor.DocId]adaptor.AuthzStatus{"docA": adaptor.Permit},
	}
	fix := newHandlerFixture(t, f, nil)

	rec := doRequest(fix.handler, "GET", "/doc/docA", untrustedAddr, func(r *http.Request) {
		r.Header.Set("User-Agent", "SecMgr")
	})
	must.Eq(t, http.StatusForbidden, rec.Code)
	must.Eq(t, 0, f.authzCallCount())
}

func TestDocHandler_authnDelegation(t *testing.T) {
	ci.Parallel(t)

	f := &fakeAdaptor{
		content:   map[adaptor.DocId]string{"docA": "A content"},
		decisions: map[adaptor.DocId]adaptor.AuthzStatus{"docA": adaptor.Deny},
	}
	authn := &fakeAuthn{}
	fix := newHandlerFixture(t, f, func(c *DocHandlerConfig) {
		c.Authenticator = authn
	})

	// denied with no identity begins the authentication exchange
	rec := doRequest(fix.handler, "GET", "/doc/docA", untrustedAddr, nil)
	must.Eq(t, http.StatusFound, rec.Code)
	must.StrContains(t, rec.Header().Get("Location"), "idp.example.com")
	must.Eq(t, 1, authn.callCount())

	// an authenticated identity that is still denied gets a plain refusal
	seed := httptest.NewRecorder()
	sess, err := fix.sessions.Create(seed, httptest.NewRequest("GET", "/doc/docA", nil))
	must.NoError(t, err)
	sess.SetIdentity(&adaptor.Identity{User: adaptor.NewUserPrincipal("alice")})
	cookie := seed.Result().Cookies()[0]

	rec = doRequest(fix.handler, "GET", "/doc/docA", untrustedAddr, func(r *http.Request) {
		r.AddCookie(cookie)
	})
	must.Eq(t, http.StatusForbidden, rec.Code)
	must.Eq(t, 1, authn.callCount())
}

func TestDocHandler_adaptorCannotAuthorize(t *testing.T) {
	ci.Parallel(t)

	fix := newHandlerFixture(t, &contentOnlyAdaptor{body: "open sesame"}, nil)

	// every untrusted request is denied
	rec := doRequest(fix.handler, "GET", "/doc/a", untrustedAddr, nil)
	must.Eq(t, http.StatusForbidden, rec.Code)

	// unless the operator marked everything public
	fix = newHandlerFixture(t, &contentOnlyAdaptor{body: "open sesame"}, func(c *DocHandlerConfig) {
		c.MarkAllDocsPublic = true
	})
	rec = doRequest(fix.handler, "GET", "/doc/a", untrustedAddr, nil)
	must.Eq(t, http.StatusOK, rec.Code)
	must.Eq(t, "open sesame", rec.Body.String())
}

func TestDocHandler_authzError(t *testing.T) {
	ci.Parallel(t)

	f := &fakeAdaptor{
		content:  map[adaptor.DocId]string{"docA": "A content"},
		authzErr: errors.New("directory unreachable"),
	}
	fix := newHandlerFixture(t, f, nil)

	rec := doRequest(fix.handler, "GET", "/doc/docA", untrustedAddr, nil)
	must.Eq(t, http.StatusForbidden, rec.Code)
}

func TestDocHandler_adaptorNotFound(t *testing.T) {
	ci.Parallel(t)

	fix := newHandlerFixture(t, &fakeAdaptor{}, nil)

	rec := doRequest(fix.handler, "GET", "/doc/missing", trustedAddr, nil)
	must.Eq(t, http.StatusNotFound, rec.Code)
}

func TestDocHandler_adaptorErrorBeforeCommit(t *testing.T) {
	ci.Parallel(t)

	f := &fakeAdaptor{
		getDoc: func(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
			return errors.New("repository offline")
		},
	}
	fix := newHandlerFixture(t, f, nil)

	rec := doRequest(fix.handler, "GET", "/doc/a", trustedAddr, nil)
	must.Eq(t, http.StatusInternalServerError, rec.Code)

	// the failure lands in the journal's request windows
	stats := fix.journal.Snapshot()
	var failures int64
	for _, slot := range stats.Windows[0].Slots {
		failures += slot.Failures
	}
	must.Eq(t, 1, failures)
}

func TestDocHandler_adaptorErrorAfterCommit(t *testing.T) {
	ci.Parallel(t)

	f := &fakeAdaptor{
		getDoc: func(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
			w, err := resp.OutputStream()
			if err != nil {
				return err
			}
			if _, err := io.WriteString(w, "partial"); err != nil {
				return err
			}
			return errors.New("repository died mid-read")
		},
	}
	fix := newHandlerFixture(t, f, nil)

	srv := httptest.NewServer(fix.handler)
	defer srv.Close()

	// the connection dies rather than passing off a truncated document
	resp, err := http.Get(srv.URL + "/doc/a")
	if err == nil {
		defer resp.Body.Close()
		_, err = io.ReadAll(resp.Body)
	}
	must.Error(t, err)
}

func TestDocHandler_head(t *testing.T) {
	ci.Parallel(t)

	fix := newHandlerFixture(t, &fakeAdaptor{content: map[adaptor.DocId]string{"a": "body"}}, nil)

	rec := doRequest(fix.handler, "HEAD", "/doc/a", trustedAddr, nil)
	must.Eq(t, http.StatusOK, rec.Code)
	must.Eq(t, 0, rec.Body.Len())
	must.Eq(t, "text/plain", rec.Header().Get("Content-Type"))
}

func TestDocHandler_notModified(t *testing.T) {
	ci.Parallel(t)

	modified := time.Date(2024, time.June, 3, 10, 0, 0, 0, time.UTC)
	f := &fakeAdaptor{
		getDoc: func(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
			if !req.HasChangedSinceLastAccess(modified) {
				return resp.RespondNotModified()
			}
			w, err := resp.OutputStream()
			if err != nil {
				return err
			}
			_, err = io.WriteString(w, "fresh")
			return err
		},
	}
	fix := newHandlerFixture(t, f, nil)

	rec := doRequest(fix.handler, "GET", "/doc/a", trustedAddr, func(r *http.Request) {
		r.Header.Set("If-Modified-Since", modified.Format(http.TimeFormat))
	})
	must.Eq(t, http.StatusNotModified, rec.Code)

	rec = doRequest(fix.handler, "GET", "/doc/a", trustedAddr, func(r *http.Request) {
		r.Header.Set("If-Modified-Since", modified.Add(-time.Hour).Format(http.TimeFormat))
	})
	must.Eq(t, http.StatusOK, rec.Code)
	must.Eq(t, "fresh", rec.Body.String())
}

func TestDocHandler_docIdRoundTrip(t *testing.T) {
	ci.Parallel(t)

	ids := []adaptor.DocId{
		"plain",
		"a/./b",
		"a/../b",
		"a/.../b c",
		"foo%bar",
		"ünïcode",
	}

	content := make(map[adaptor.DocId]string, len(ids))
	for _, id := range ids {
		content[id] = "doc " + string(id)
	}
	f := &fakeAdaptor{content: content}
	fix := newHandlerFixture(t, f, nil)

	for _, id := range ids {
		rec := doRequest(fix.handler, "GET", "/doc/"+adaptor.EncodePath(id), trustedAddr, nil)
		must.Eq(t, http.StatusOK, rec.Code, must.Sprintf("doc id %q", id))
		must.Eq(t, "doc "+string(id), rec.Body.String())
	}

	must.Eq(t, ids, f.servedIds())
}

func TestDocHandler_transformLimit(t *testing.T) {
	ci.Parallel(t)

	payload := strings.Repeat("ab", 100) // 200 bytes
	f := &fakeAdaptor{content: map[adaptor.DocId]string{"big": payload}}

	// bypass serves the document unchanged
	fix := newHandlerFixture(t, f, func(c *DocHandlerConfig) {
		c.Transforms = NewPipeline(testlog.HCLogger(t),
			PipelineConfig{MaxDocumentBytes: 100}, upperTransform{})
	})
	rec := doRequest(fix.handler, "GET", "/doc/big", trustedAddr, nil)
	must.Eq(t, http.StatusOK, rec.Code)
	must.Eq(t, payload, rec.Body.String())

	// a required transform turns the oversized document into a failure
	fix = newHandlerFixture(t, f, func(c *DocHandlerConfig) {
		c.Transforms = NewPipeline(testlog.HCLogger(t),
			PipelineConfig{MaxDocumentBytes: 100, Required: true}, upperTransform{})
	})
	rec = doRequest(fix.handler, "GET", "/doc/big", trustedAddr, nil)
	must.Eq(t, http.StatusInternalServerError, rec.Code)
}

func TestDocHandler_shutdownGate(t *testing.T) {
	ci.Parallel(t)

	fix := newHandlerFixture(t, &fakeAdaptor{content: map[adaptor.DocId]string{"a": "x"}}, nil)

	must.True(t, fix.waiter.Shutdown(time.Second))

	rec := doRequest(fix.handler, "GET", "/doc/a", trustedAddr, nil)
	must.Eq(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDocHandler_shutdownDrainsInFlight(t *testing.T) {
	ci.Parallel(t)

	entered := make(chan struct{})
	f := &fakeAdaptor{
		getDoc: func(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		},
	}
	fix := newHandlerFixture(t, f, nil)

	codeCh := make(chan int, 1)
	go func() {
		rec := doRequest(fix.handler, "GET", "/doc/a", trustedAddr, nil)
		codeCh <- rec.Code
	}()

	<-entered
	must.True(t, fix.waiter.Shutdown(5*time.Second))

	// the interrupted request failed before committing anything
	must.Eq(t, http.StatusInternalServerError, <-codeCh)
}

func TestDocHandler_workerBound(t *testing.T) {
	ci.Parallel(t)

	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	f := &fakeAdaptor{
		getDoc: func(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
			entered <- struct{}{}
			<-release
			w, err := resp.OutputStream()
			if err != nil {
				return err
			}
			_, err = io.WriteString(w, "ok")
			return err
		},
	}
	fix := newHandlerFixture(t, f, func(c *DocHandlerConfig) {
		c.MaxWorkers = 1
	})

	codes := make(chan int, 2)
	for i := 0; i < 2; i++ {
		go func() {
			rec := doRequest(fix.handler, "GET", "/doc/a", trustedAddr, nil)
			codes <- rec.Code
		}()
	}

	// exactly one request makes it into the adaptor
	<-entered
	select {
	case <-entered:
		t.Fatal("second request entered the adaptor past the worker bound")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	must.Eq(t, http.StatusOK, <-codes)
	must.Eq(t, http.StatusOK, <-codes)
	<-entered
}

func TestDocHandler_journalCounters(t *testing.T) {
	ci.Parallel(t)

	f := &fakeAdaptor{
		content:   map[adaptor.DocId]string{"a": "x"},
		decisions: map[adaptor.DocId]adaptor.AuthzStatus{"a": adaptor.Deny},
	}
	fix := newHandlerFixture(t, f, nil)

	doRequest(fix.handler, "GET", "/doc/a", trustedAddr, nil)
	doRequest(fix.handler, "GET", "/doc/a", untrustedAddr, nil)

	stats := fix.journal.Snapshot()
	must.Eq(t, 1, stats.GsaContentRequests)
	must.Eq(t, 1, stats.NonGsaContentRequests)
	must.Eq(t, 1, stats.UniqueRequestedDocIds)
}
