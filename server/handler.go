// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/feedbridge/adaptor"
	"github.com/hashicorp/feedbridge/helper/shutdown"
	"github.com/hashicorp/feedbridge/helper/watchdog"
	"github.com/hashicorp/feedbridge/journal"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultDocIdPath is the URL path documents are served under when the
	// configuration does not say.
	DefaultDocIdPath = "/doc/"

	// DefaultMaxWorkers bounds concurrently served document requests when
	// the configuration does not say.
	DefaultMaxWorkers = 16
)

// DocHandlerConfig wires a DocHandler to the rest of the agent.
type DocHandlerConfig struct {
	// PathPrefix is the URL path documents live under. Must end in "/";
	// empty means DefaultDocIdPath.
	PathPrefix string

	// Adaptor produces document content. An adaptor that also implements
	// adaptor.AuthzAuthority decides end-user access.
	Adaptor adaptor.Adaptor

	// Trust classifies requests as appliance or end user.
	Trust *TrustDecider

	// Sessions carries authenticated identities between requests. Nil means
	// a fresh empty store.
	Sessions *SessionStore

	// Authenticator, when set, is delegated to for denied requests with no
	// identity. Nil means such requests are simply refused.
	Authenticator Authenticator

	// Journal records request statistics.
	Journal *journal.Journal

	// Watchdog bounds how long one request may run.
	Watchdog *watchdog.Watchdog

	// Waiter gates requests during shutdown.
	Waiter *shutdown.Waiter

	// Transforms optionally rewrites document bytes before serving.
	Transforms *Pipeline

	// MaxWorkers bounds concurrently served requests. Zero means
	// DefaultMaxWorkers.
	MaxWorkers int64

	// MarkAllDocsPublic serves every document without authorization and
	// without ACL headers.
	MarkAllDocsPublic bool

	// UseCompression gzips bodies for clients that accept it.
	UseCompression bool
}

// DocHandler serves document content out of the adaptor. One handler serves
// every document; the identifier is recovered from the URL path.
type DocHandler struct {
	log        hclog.Logger
	prefix     string
	adaptor    adaptor.Adaptor
	authz      adaptor.AuthzAuthority
	trust      *TrustDecider
	sessions   *SessionStore
	authn      Authenticator
	journal    *journal.Journal
	dog        *watchdog.Watchdog
	waiter     *shutdown.Waiter
	transforms *Pipeline
	workers    *semaphore.Weighted
	markPublic bool
	compress   bool
}

// NewDocHandler validates the wiring and builds the handler.
func NewDocHandler(logger hclog.Logger, config DocHandlerConfig) (*DocHandler, error) {
	switch {
	case config.Adaptor == nil:
		return nil, errors.New("doc handler requires an adaptor")
	case config.Trust == nil:
		return nil, errors.New("doc handler requires a trust decider")
	case config.Journal == nil:
		return nil, errors.New("doc handler requires a journal")
	case config.Watchdog == nil:
		return nil, errors.New("doc handler requires a watchdog")
	case config.Waiter == nil:
		return nil, errors.New("doc handler requires a shutdown waiter")
	}

	prefix := config.PathPrefix
	if prefix == "" {
		prefix = DefaultDocIdPath
	}
	if !strings.HasPrefix(prefix, "/") || !strings.HasSuffix(prefix, "/") {
		return nil, errors.New("doc id path must begin and end with a slash")
	}

	sessions := config.Sessions
	if sessions == nil {
		sessions = NewSessionStore()
	}

	maxWorkers := config.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}

	authz, _ := config.Adaptor.(adaptor.AuthzAuthority)

	return &DocHandler{
		log:        logger.Named("doc_handler"),
		prefix:     prefix,
		adaptor:    config.Adaptor,
		authz:      authz,
		trust:      config.Trust,
		sessions:   sessions,
		authn:      config.Authenticator,
		journal:    config.Journal,
		dog:        config.Watchdog,
		waiter:     config.Waiter,
		transforms: config.Transforms,
		workers:    semaphore.NewWeighted(maxWorkers),
		markPublic: config.MarkAllDocsPublic,
		compress:   config.UseCompression,
	}, nil
}

// Pattern is the mux pattern the handler should be mounted at.
func (h *DocHandler) Pattern() string {
	return h.prefix
}

func (h *DocHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// EscapedPath keeps the percent-escapes the identifier encoding relies
	// on; r.URL.Path has already collapsed them.
	path := r.URL.EscapedPath()
	if !strings.HasPrefix(path, h.prefix) {
		respondNotFound(w)
		return
	}
	id := adaptor.DecodePath(strings.TrimPrefix(path, h.prefix))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	end, err := h.waiter.Begin(cancel)
	if err != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer end()

	if err := h.workers.Acquire(ctx, 1); err != nil {
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}
	defer h.workers.Release(1)

	task := h.dog.Protect(cancel)
	defer func() {
		if !task.Done() {
			h.log.Warn("request exceeded the serving deadline",
				"doc_id", id, "timeout", h.dog.Timeout())
		}
	}()

	h.serveDoc(ctx, w, r, id)
}

func (h *DocHandler) serveDoc(ctx context.Context, w http.ResponseWriter, r *http.Request, id adaptor.DocId) {
	start := time.Now()
	defer metrics.MeasureSince([]string{"feedbridge", "server", "get_doc_content"}, start)

	trusted := h.trust.IsTrusted(r)
	h.journal.RecordContentRequest(id, trusted)

	failed := true
	var bytes int64
	defer func() {
		h.journal.RecordRequestProcessed(trusted, time.Since(start), bytes, failed)
	}()

	if !trusted && !h.authorize(ctx, w, r, id) {
		// the gate produced a complete response; refusals are not failures
		failed = false
		return
	}

	req := newDocRequest(r, id, trusted)
	resp := newDocResponse(h.log, w, r, docResponseConfig{
		trusted:    trusted,
		markPublic: h.markPublic,
		compress:   h.compress,
		transforms: h.transforms,
		inheritURL: func(parent adaptor.DocId) string { return h.docURL(r, parent) },
	})

	err := h.adaptor.GetDocContent(ctx, req, resp)
	if err == nil {
		err = resp.finish()
		if err == nil {
			bytes = resp.bytesWritten()
			failed = false
			return
		}
	}

	bytes = resp.bytesWritten()
	if resp.committed() {
		// too late for a clean failure; kill the connection rather than
		// pass off a truncated document as complete
		h.log.Error("adaptor failed after the response was committed, dropping the connection",
			"doc_id", id, "error", err)
		metrics.IncrCounter([]string{"feedbridge", "server", "aborted_responses"}, 1)
		panic(http.ErrAbortHandler)
	}

	h.log.Error("adaptor failed to produce document content", "doc_id", id, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// authorize runs the authorization gate for requests that are not fully
// trusted. It reports whether serving should proceed; when it reports false
// the response has already been produced.
func (h *DocHandler) authorize(ctx context.Context, w http.ResponseWriter, r *http.Request, id adaptor.DocId) bool {
	// SecMgr probes the document URL to decide access before serving a
	// result. That flow is unsupported; refuse it outright so the appliance
	// falls back to its own authorization.
	if r.UserAgent() == "SecMgr" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}

	if h.markPublic {
		return true
	}

	var identity adaptor.Identity
	if sess := h.sessions.Lookup(r); sess != nil {
		if stored := sess.Identity(); stored != nil {
			identity = *stored
		}
	}
	authenticated := identity.User.Name != ""

	status := adaptor.Deny
	if h.authz == nil {
		h.log.Debug("adaptor cannot authorize users, denying", "doc_id", id)
	} else if decisions, err := h.authz.IsUserAuthorized(ctx, identity, []adaptor.DocId{id}); err != nil {
		h.log.Error("authorization check failed, denying", "doc_id", id, "error", err)
	} else if decision, ok := decisions[id]; ok {
		status = decision
	} else {
		h.log.Warn("authorizer returned no decision, denying", "doc_id", id)
	}

	switch status {
	case adaptor.Permit:
		return true
	case adaptor.Indeterminate:
		// conceal the document's existence
		respondNotFound(w)
		return false
	}

	if !authenticated && h.authn != nil {
		h.authn.BeginAuthn(w, r)
		return false
	}
	http.Error(w, "forbidden", http.StatusForbidden)
	return false
}

// docURL reconstructs the absolute URL a document is served under, as seen
// by the client that made this request.
func (h *DocHandler) docURL(r *http.Request, id adaptor.DocId) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + h.prefix + adaptor.EncodePath(id)
}

// respondNotFound writes the one 404 body every code path shares, so a
// concealed document is indistinguishable from a missing one.
func respondNotFound(w http.ResponseWriter) {
	http.Error(w, "not found", http.StatusNotFound)
}
