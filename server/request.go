// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"net/http"
	"time"

	"github.com/hashicorp/feedbridge/adaptor"
)

// docRequest adapts one HTTP exchange onto adaptor.Request.
type docRequest struct {
	id           adaptor.DocId
	lastAccess   time.Time
	canNoContent bool
}

// newDocRequest derives the adaptor's view of the exchange. If-Modified-Since
// is parsed leniently across the three date formats HTTP clients send;
// an unparseable value reads as "never retrieved". Only the appliance is
// assumed to understand a no-content reply, and only on a conditional
// retrieval.
func newDocRequest(r *http.Request, id adaptor.DocId, trusted bool) *docRequest {
	var lastAccess time.Time
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil {
			lastAccess = t
		}
	}
	return &docRequest{
		id:           id,
		lastAccess:   lastAccess,
		canNoContent: trusted && !lastAccess.IsZero(),
	}
}

func (q *docRequest) DocId() adaptor.DocId {
	return q.id
}

func (q *docRequest) LastAccessTime() time.Time {
	return q.lastAccess
}

// HasChangedSinceLastAccess compares at second precision, the resolution of
// HTTP dates, so a cached copy is not resent over sub-second skew.
func (q *docRequest) HasChangedSinceLastAccess(lastModified time.Time) bool {
	if q.lastAccess.IsZero() || lastModified.IsZero() {
		return true
	}
	return lastModified.Truncate(time.Second).After(q.lastAccess)
}

func (q *docRequest) CanRespondWithNoContent() bool {
	return q.canNoContent
}
