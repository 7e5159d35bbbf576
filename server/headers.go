// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"strings"

	"github.com/hashicorp/feedbridge/adaptor"
)

// Reserved keys the appliance pulls ACLs out of the external-metadata
// header with.
const (
	aclUsersKey       = "google:aclusers"
	aclGroupsKey      = "google:aclgroups"
	aclDenyUsersKey   = "google:acldenyusers"
	aclDenyGroupsKey  = "google:acldenygroups"
	aclInheritFromKey = "google:aclinheritfrom"
	aclInheritTypeKey = "google:aclinheritancetype"
)

const upperhex = "0123456789ABCDEF"

// percentEncode escapes s for the X-Gsa-* header families: UTF-8 bytes with
// everything outside the unreserved set percent-encoded. The unreserved set
// is A-Za-z0-9 plus "-", "_", ".", "~".
func percentEncode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&0xf])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '_', c == '.', c == '~':
		return true
	}
	return false
}

// encodePair renders one key=value entry of a header, both sides
// percent-encoded so the "=" and "," separators stay unambiguous.
func encodePair(key, value string) string {
	return percentEncode(key) + "=" + percentEncode(value)
}

// formMetadataHeader renders the document's metadata as the first
// X-Gsa-External-Metadata header value: comma-separated key=value pairs,
// ordered by key then value.
func formMetadataHeader(md *adaptor.Metadata) string {
	entries := md.Entries()
	pairs := make([]string, 0, len(entries))
	for _, e := range entries {
		pairs = append(pairs, encodePair(e.Key, e.Value))
	}
	return strings.Join(pairs, ",")
}

// formAclHeader renders the document's ACL as the second
// X-Gsa-External-Metadata header value using the reserved google:acl* keys.
// inheritURL maps the inherit-from identifier to the absolute URL the
// appliance knows the parent document by.
func formAclHeader(acl *adaptor.Acl, inheritURL func(adaptor.DocId) string) string {
	if acl.IsEmpty() {
		return ""
	}

	// sort principal lists so the header is deterministic
	acl = acl.Copy()
	acl.Normalize()

	var pairs []string
	for _, p := range acl.PermitUsers {
		pairs = append(pairs, encodePair(aclUsersKey, p.Name))
	}
	for _, p := range acl.PermitGroups {
		pairs = append(pairs, encodePair(aclGroupsKey, p.Name))
	}
	for _, p := range acl.DenyUsers {
		pairs = append(pairs, encodePair(aclDenyUsersKey, p.Name))
	}
	for _, p := range acl.DenyGroups {
		pairs = append(pairs, encodePair(aclDenyGroupsKey, p.Name))
	}

	if acl.InheritFrom != "" {
		inherit := inheritURL(acl.InheritFrom)
		if acl.InheritFromFragment != "" {
			inherit += "#" + acl.InheritFromFragment
		}
		pairs = append(pairs,
			encodePair(aclInheritFromKey, inherit),
			encodePair(aclInheritTypeKey, acl.InheritanceType.String()))
	}

	return strings.Join(pairs, ",")
}

// formAnchorHeader renders extra outbound links as the
// X-Gsa-External-Anchor header value: text=url entries, or a bare url when
// the anchor has no text.
func formAnchorHeader(anchors []anchor) string {
	pairs := make([]string, 0, len(anchors))
	for _, a := range anchors {
		if a.text == "" {
			pairs = append(pairs, percentEncode(a.link.String()))
			continue
		}
		pairs = append(pairs, encodePair(a.text, a.link.String()))
	}
	return strings.Join(pairs, ",")
}

// robotsTag renders the X-Robots-Tag directives the adaptor asked for, or
// the empty string when it asked for none.
func robotsTag(noIndex, noFollow, noArchive bool) string {
	var tags []string
	if noIndex {
		tags = append(tags, "noindex")
	}
	if noFollow {
		tags = append(tags, "nofollow")
	}
	if noArchive {
		tags = append(tags, "noarchive")
	}
	return strings.Join(tags, ",")
}
