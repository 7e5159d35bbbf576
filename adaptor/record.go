// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package adaptor

import (
	"errors"
	"net/url"
	"time"
)

// Item is a single unit of a feed push: either a *Record describing a
// document or a *NamedResource anchoring an ACL chain. The interface is
// sealed; no other feed item kinds exist.
type Item interface {
	feedItem()

	// ItemDocId returns the identifier the item is keyed by in the feed.
	ItemDocId() DocId
}

// Record describes one document to the appliance: its identifier plus the
// crawl-control attributes carried in a metadata-and-url feed.
type Record struct {
	// DocId identifies the document. Required.
	DocId DocId

	// LastModified is when the document last changed, informing the
	// appliance's recrawl decisions. The zero time means unknown.
	LastModified time.Time

	// ResultLink overrides the URL shown to users in search results. When
	// nil, results link to the document server URL derived from DocId.
	ResultLink *url.URL

	// Delete marks the document for removal from the index.
	Delete bool

	// CrawlImmediately asks the appliance to move the document to the front
	// of its crawl queue.
	CrawlImmediately bool

	// CrawlOnce asks the appliance to never recrawl the document after the
	// first retrieval.
	CrawlOnce bool

	// Lock protects the document from being evicted when the index reaches
	// its license limit.
	Lock bool

	// NoFollow excludes links inside the document from crawling.
	NoFollow bool

	// Metadata carries external metadata to index along with the document.
	// May be nil.
	Metadata *Metadata
}

func (r *Record) feedItem() {}

func (r *Record) ItemDocId() DocId { return r.DocId }

// Validate returns an error if the record cannot appear in a feed.
func (r *Record) Validate() error {
	if r.DocId == "" {
		return errors.New("record requires a doc id")
	}
	return nil
}

// Copy returns a deep copy of the record.
func (r *Record) Copy() *Record {
	if r == nil {
		return nil
	}
	nr := *r
	if r.ResultLink != nil {
		u := *r.ResultLink
		nr.ResultLink = &u
	}
	nr.Metadata = r.Metadata.Clone()
	return &nr
}

// Equal reports whether two records carry the same identifier and
// attributes.
func (r *Record) Equal(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	switch {
	case r.DocId != o.DocId:
		return false
	case !r.LastModified.Equal(o.LastModified):
		return false
	case (r.ResultLink == nil) != (o.ResultLink == nil):
		return false
	case r.ResultLink != nil && r.ResultLink.String() != o.ResultLink.String():
		return false
	case r.Delete != o.Delete:
		return false
	case r.CrawlImmediately != o.CrawlImmediately:
		return false
	case r.CrawlOnce != o.CrawlOnce:
		return false
	case r.Lock != o.Lock:
		return false
	case r.NoFollow != o.NoFollow:
		return false
	case !r.Metadata.Equal(o.Metadata):
		return false
	}
	return true
}

// NamedResource is a feed item that exists only to anchor an ACL that other
// documents inherit from. It never serves content and never appears in
// search results.
type NamedResource struct {
	DocId DocId
	Acl   *Acl
}

func (n *NamedResource) feedItem() {}

func (n *NamedResource) ItemDocId() DocId { return n.DocId }

// Validate returns an error if the named resource cannot appear in a feed.
func (n *NamedResource) Validate() error {
	if n.DocId == "" {
		return errors.New("named resource requires a doc id")
	}
	if n.Acl == nil {
		return errors.New("named resource requires an acl")
	}
	return nil
}

// Copy returns a deep copy of the named resource.
func (n *NamedResource) Copy() *NamedResource {
	if n == nil {
		return nil
	}
	return &NamedResource{
		DocId: n.DocId,
		Acl:   n.Acl.Copy(),
	}
}
