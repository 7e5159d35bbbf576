// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package cmdstream

import (
	"bytes"
	"testing"

	"github.com/hashicorp/feedbridge/ci"
	"github.com/hashicorp/feedbridge/helper/testlog"
	"github.com/shoenig/test/must"
)

func TestEncoder_writesHeaderAndRecords(t *testing.T) {
	ci.Parallel(t)

	var buf bytes.Buffer
	e, err := NewEncoder(&buf, "\n")
	must.NoError(t, err)

	must.NoError(t, e.Encode(&Command{Kind: KindUser, Argument: "alice"}))
	must.NoError(t, e.Encode(&Command{Kind: KindGroup, Argument: "eng"}))
	must.NoError(t, e.Encode(&Command{Kind: KindID, Argument: "doc1"}))
	must.NoError(t, e.Encode(&Command{Kind: KindCrawlOnce}))
	must.NoError(t, e.Flush())

	exp := "GSA Adaptor Data Version 1 [\n]" +
		"user=alice\n" +
		"group=eng\n" +
		"id=doc1\n" +
		"crawl-once\n"
	must.Eq(t, exp, buf.String())
}

func TestEncoder_contentEndsStream(t *testing.T) {
	ci.Parallel(t)

	var buf bytes.Buffer
	e, err := NewEncoder(&buf, "\n")
	must.NoError(t, err)

	must.NoError(t, e.Encode(&Command{Kind: KindID, Argument: "doc1"}))
	must.NoError(t, e.Encode(&Command{Kind: KindContent, Content: []byte("raw\nbytes")}))
	must.ErrorContains(t, e.Encode(&Command{Kind: KindID, Argument: "doc2"}), "closed")
	must.NoError(t, e.Flush())

	exp := "GSA Adaptor Data Version 1 [\n]" +
		"id=doc1\n" +
		"content\n" +
		"raw\nbytes"
	must.Eq(t, exp, buf.String())
}

func TestEncoder_rejectsDelimiterInArgument(t *testing.T) {
	ci.Parallel(t)

	var buf bytes.Buffer
	e, err := NewEncoder(&buf, "\n")
	must.NoError(t, err)

	err = e.Encode(&Command{Kind: KindID, Argument: "two\nlines"})
	must.ErrorContains(t, err, "contains the delimiter")
}

func TestEncoder_rejectsArgumentArity(t *testing.T) {
	ci.Parallel(t)

	var buf bytes.Buffer
	e, err := NewEncoder(&buf, "\n")
	must.NoError(t, err)

	err = e.Encode(&Command{Kind: KindLock, Argument: "nope"})
	must.ErrorContains(t, err, `command "lock" takes no argument`)
}

func TestEncoder_invalidDelimiter(t *testing.T) {
	ci.Parallel(t)

	cases := []string{"", "a", "7", ":", "/", "-", "_", " ", "=", "+", "[", "]", "\nx"}
	for _, delim := range cases {
		var buf bytes.Buffer
		_, err := NewEncoder(&buf, delim)
		must.Error(t, err, must.Sprintf("delimiter %q must be rejected", delim))
	}
}

func TestEncoder_roundTrip(t *testing.T) {
	ci.Parallel(t)

	in := []*Command{
		{Kind: KindUser, Argument: "bob"},
		{Kind: KindPassword, Argument: "hunter2"},
		{Kind: KindGroup, Argument: "eng"},
		{Kind: KindGroup, Argument: "sales"},
		{Kind: KindID, Argument: "doc one"},
		{Kind: KindAuthzStatus, Argument: "PERMIT"},
	}

	var buf bytes.Buffer
	e, err := NewEncoder(&buf, "\x00")
	must.NoError(t, err)
	for _, cmd := range in {
		must.NoError(t, e.Encode(cmd))
	}
	must.NoError(t, e.Flush())

	d, err := NewDecoder(testlog.HCLogger(t), &buf)
	must.NoError(t, err)
	must.Eq(t, in, drain(t, d))
}
