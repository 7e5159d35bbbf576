// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package adaptor

import (
	"net/url"
	"testing"
	"time"

	"github.com/hashicorp/feedbridge/ci"
	"github.com/shoenig/test/must"
)

func TestRecord_Validate(t *testing.T) {
	ci.Parallel(t)

	r := &Record{}
	must.Error(t, r.Validate())

	r.DocId = "doc1"
	must.NoError(t, r.Validate())
}

func TestRecord_Equal(t *testing.T) {
	ci.Parallel(t)

	link, err := url.Parse("https://example.com/doc1")
	must.NoError(t, err)

	now := time.Now()

	base := func() *Record {
		md := NewMetadata()
		must.NoError(t, md.Add("author", "kernighan"))
		return &Record{
			DocId:        "doc1",
			LastModified: now,
			ResultLink:   link,
			Lock:         true,
			Metadata:     md,
		}
	}

	must.True(t, base().Equal(base()))
	must.True(t, base().Equal(base().Copy()))

	{
		r := base()
		r.DocId = "doc2"
		must.False(t, base().Equal(r))
	}
	{
		r := base()
		r.Delete = true
		must.False(t, base().Equal(r))
	}
	{
		r := base()
		r.LastModified = now.Add(time.Second)
		must.False(t, base().Equal(r))
	}
	{
		r := base()
		r.ResultLink = nil
		must.False(t, base().Equal(r))
	}
	{
		r := base()
		must.NoError(t, r.Metadata.Add("author", "ritchie"))
		must.False(t, base().Equal(r))
	}

	var nilRecord *Record
	must.False(t, base().Equal(nilRecord))
	must.True(t, nilRecord.Equal(nil))
}

func TestRecord_Copy(t *testing.T) {
	ci.Parallel(t)

	link, err := url.Parse("https://example.com/doc1")
	must.NoError(t, err)

	md := NewMetadata()
	must.NoError(t, md.Add("k", "v"))

	orig := &Record{DocId: "doc1", ResultLink: link, Metadata: md}
	dup := orig.Copy()

	// mutating the copy leaves the original alone
	dup.ResultLink.Host = "other.example.com"
	must.NoError(t, dup.Metadata.Add("k", "v2"))

	must.Eq(t, "example.com", orig.ResultLink.Host)
	must.Eq(t, []string{"v"}, orig.Metadata.Values("k"))
}

func TestNamedResource_Validate(t *testing.T) {
	ci.Parallel(t)

	n := &NamedResource{}
	must.Error(t, n.Validate())

	n.DocId = "acl-root"
	must.Error(t, n.Validate())

	n.Acl = &Acl{PermitUsers: []Principal{NewUserPrincipal("alice")}}
	must.NoError(t, n.Validate())
}

func TestItem_sealed(t *testing.T) {
	ci.Parallel(t)

	var items []Item
	items = append(items,
		&Record{DocId: "a"},
		&NamedResource{DocId: "b", Acl: &Acl{}},
	)
	must.Eq(t, DocId("a"), items[0].ItemDocId())
	must.Eq(t, DocId("b"), items[1].ItemDocId())
}
