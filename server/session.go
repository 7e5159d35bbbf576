// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/feedbridge/adaptor"
	"github.com/hashicorp/go-uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// sessionCookie names the cookie that ties a browser to its session.
	sessionCookie = "feedbridge_session"

	// sessionTTL is how long an idle session survives. Touching a session
	// through Lookup refreshes it.
	sessionTTL = 30 * time.Minute

	// sessionLimit caps live sessions; the least recently used session is
	// evicted beyond this.
	sessionLimit = 10000
)

// Authenticator begins an authentication exchange for a request that
// reached the authorization gate without an identity. Implementations
// typically redirect the client to an identity provider and attach the
// outcome to the request's session once the provider answers.
type Authenticator interface {
	BeginAuthn(w http.ResponseWriter, r *http.Request)
}

// Session is the per-client state surviving across document requests. Its
// only tenant today is the authenticated identity.
type Session struct {
	mu       sync.Mutex
	identity *adaptor.Identity
}

// Identity returns the authenticated identity, or nil before authentication
// completes.
func (s *Session) Identity() *adaptor.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// SetIdentity records the outcome of an authentication exchange.
func (s *Session) SetIdentity(identity *adaptor.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = identity
}

// SessionStore maps session cookies to sessions. Sessions expire after
// sessionTTL idle time.
type SessionStore struct {
	cache *expirable.LRU[string, *Session]
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		cache: expirable.NewLRU[string, *Session](sessionLimit, nil, sessionTTL),
	}
}

// Lookup returns the session named by the request's cookie, or nil when the
// request carries no cookie or the session expired.
func (ss *SessionStore) Lookup(r *http.Request) *Session {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil
	}
	sess, ok := ss.cache.Get(cookie.Value)
	if !ok {
		return nil
	}
	return sess
}

// Create makes a fresh session and sets its cookie on the response. Callers
// use this when starting an authentication exchange so the outcome has a
// place to land.
func (ss *SessionStore) Create(w http.ResponseWriter, r *http.Request) (*Session, error) {
	token, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}

	sess := &Session{}
	ss.cache.Add(token, sess)

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	return sess, nil
}
