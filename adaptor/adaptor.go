// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package adaptor defines the contract between a repository connector and
// the feedbridge framework. An adaptor teaches the framework two things:
// which documents exist (GetDocIds) and what a given document contains
// (GetDocContent). Everything else, feeds, scheduling, retries, serving,
// and access enforcement, is the framework's job.
package adaptor

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Adaptor is the minimal interface a repository connector implements.
//
// Implementations may additionally implement PollingAdaptor, AuthzAuthority,
// and Initializer; the framework discovers those capabilities by type
// assertion. An adaptor that implements io.Closer is closed during agent
// shutdown.
type Adaptor interface {
	// GetDocIds pushes the complete list of document identifiers to the
	// pusher. It is invoked on the full listing schedule and must push
	// every identifier the repository wants indexed; stale identifiers
	// not refreshed by any feed eventually fall out of the index.
	//
	// Interruption is delivered through ctx; implementations should return
	// ctx.Err() promptly when canceled.
	GetDocIds(ctx context.Context, pusher DocIdPusher) error

	// GetDocContent writes the document named by req to resp. Errors
	// surfaced before the response is committed become HTTP 500s; errors
	// after commitment abort the connection.
	GetDocContent(ctx context.Context, req Request, resp Response) error
}

// PollingAdaptor is implemented by adaptors that can enumerate recent
// changes cheaply. When present, the framework polls GetModifiedDocIds on
// the incremental poll period.
type PollingAdaptor interface {
	GetModifiedDocIds(ctx context.Context, pusher DocIdPusher) error
}

// AuthzAuthority is implemented by adaptors that can decide per-user access
// at serve time. When absent, all non-appliance requests for secured
// documents are denied.
type AuthzAuthority interface {
	// IsUserAuthorized resolves an access decision for each identifier.
	// Identifiers missing from the returned map are treated as denied.
	IsUserAuthorized(ctx context.Context, identity Identity, ids []DocId) (map[DocId]AuthzStatus, error)
}

// Initializer is implemented by adaptors that need framework capabilities
// or configuration before the first push.
type Initializer interface {
	Init(ctx context.Context, fw Context) error
}

// AuthzStatus is a per-document access decision.
type AuthzStatus int8

const (
	// Deny refuses access.
	Deny AuthzStatus = iota

	// Permit grants access.
	Permit

	// Indeterminate means the authority cannot decide; the framework
	// conceals the document's existence.
	Indeterminate
)

func (s AuthzStatus) String() string {
	switch s {
	case Permit:
		return "permit"
	case Deny:
		return "deny"
	case Indeterminate:
		return "indeterminate"
	default:
		return "invalid"
	}
}

// Identity is an authenticated end user as seen by the authorization gate.
type Identity struct {
	User   Principal
	Groups []Principal
}

// DocIdPusher sends identifiers, records, named resources, and group
// definitions toward the appliance. Pushes block until delivery succeeds,
// retries are exhausted, or ctx is canceled.
//
// On failure each method returns the first item that was not delivered
// along with the error, letting callers resume from that point.
type DocIdPusher interface {
	// PushDocIds feeds plain identifiers with default record attributes.
	// Returns the empty DocId on success.
	PushDocIds(ctx context.Context, ids []DocId) (DocId, error)

	// PushRecords feeds records. Returns nil on success.
	PushRecords(ctx context.Context, records []*Record) (*Record, error)

	// PushNamedResources feeds ACL anchors. Resources are pushed in
	// ascending DocId order. Returns the empty DocId on success.
	PushNamedResources(ctx context.Context, resources map[DocId]*Acl) (DocId, error)

	// PushGroupDefinitions replaces or amends group membership on the
	// appliance. When full is true the push replaces every group previously
	// fed from this source; otherwise it only updates the groups named in
	// defs. caseSensitive marks how the appliance should match the fed
	// principals. Returns nil on success.
	PushGroupDefinitions(ctx context.Context, defs GroupDefinitions, caseSensitive, full bool) (*Principal, error)
}

// AsyncPusher accepts individual feed items without blocking. Items are
// batched in the background; when the backlog is full, items are dropped in
// favor of keeping the adaptor responsive.
type AsyncPusher interface {
	// PushItem queues one item. It reports false when the item was dropped
	// because the queue was full.
	PushItem(item Item) bool
}

// Context is the set of framework capabilities handed to an adaptor during
// Init.
type Context interface {
	// DocIdPusher returns the blocking pusher.
	DocIdPusher() DocIdPusher

	// AsyncPusher returns the non-blocking, lossy pusher.
	AsyncPusher() AsyncPusher

	// RegisterHandler mounts an extra HTTP handler on the document server,
	// for repository-specific endpoints. The pattern must not collide with
	// the framework's own paths.
	RegisterHandler(pattern string, handler http.Handler)

	// ConfigValue returns the adaptor-specific configuration value for key,
	// or the empty string when unset.
	ConfigValue(key string) string
}

// Request describes one content retrieval to GetDocContent.
type Request interface {
	// DocId names the requested document.
	DocId() DocId

	// LastAccessTime is the time the requester last retrieved the document,
	// from If-Modified-Since. The zero time means the requester sent none.
	LastAccessTime() time.Time

	// HasChangedSinceLastAccess compares the document's modification time
	// against LastAccessTime; true when the document must be resent.
	HasChangedSinceLastAccess(lastModified time.Time) bool

	// CanRespondWithNoContent reports whether the requester understands a
	// no-content reply for unchanged documents.
	CanRespondWithNoContent() bool
}

// ErrResponseCommitted is returned by Response mutators once the response
// has been committed by a Respond call or OutputStream.
var ErrResponseCommitted = errResponseCommitted{}

type errResponseCommitted struct{}

func (errResponseCommitted) Error() string {
	return "response already committed"
}

// Response collects the outcome of GetDocContent. Exactly one of the
// Respond methods or OutputStream commits the response; mutators must be
// called before that point and return ErrResponseCommitted afterwards.
type Response interface {
	// RespondNotModified tells the requester its cached copy is current.
	RespondNotModified() error

	// RespondNotFound reports the document does not exist or must appear
	// not to exist.
	RespondNotFound() error

	// RespondNoContent tells a requester that advertised
	// CanRespondWithNoContent the document is unchanged.
	RespondNoContent() error

	// OutputStream commits the response and returns the writer for the
	// document body.
	OutputStream() (io.Writer, error)

	// SetContentType sets the body's MIME type.
	SetContentType(contentType string) error

	// SetLastModified stamps the document's modification time.
	SetLastModified(t time.Time) error

	// AddMetadata records one external metadata pair for indexing.
	AddMetadata(key, value string) error

	// SetAcl attaches the document's ACL.
	SetAcl(acl *Acl) error

	// SetSecure marks the document as requiring secure serving.
	SetSecure(secure bool) error

	// AddAnchor adds a link the appliance should treat as appearing in the
	// document. text may be empty.
	AddAnchor(link *url.URL, text string) error

	// SetNoIndex excludes the document body from the index.
	SetNoIndex(noIndex bool) error

	// SetNoFollow excludes the document's links from crawling.
	SetNoFollow(noFollow bool) error

	// SetNoArchive forbids the appliance from serving a cached copy.
	SetNoArchive(noArchive bool) error
}
