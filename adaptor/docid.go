// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package adaptor

import (
	"net/url"
	"strings"
)

// DocId is the unique identifier of a document within the repository. It is
// an opaque UTF-8 string chosen by the adaptor; the framework never parses
// meaning out of it beyond mapping it onto URL paths.
type DocId string

func (d DocId) String() string {
	return string(d)
}

// EncodePath maps a DocId onto a URL path suffix such that DecodePath
// recovers the identifier exactly, even for identifiers whose path segments
// would otherwise be rewritten by URL normalization ("." and "..").
//
// Every path segment consisting only of dots gains two extra dots, then each
// segment is percent-encoded. The segment separator "/" is preserved.
func EncodePath(d DocId) string {
	segments := strings.Split(string(d), "/")
	for i, seg := range segments {
		if isAllDots(seg) {
			seg += ".."
		}
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

// DecodePath recovers the DocId from a URL path suffix produced by
// EncodePath. Percent-escapes that do not decode are left intact rather than
// failing, matching how lenient servers treat hand-typed URLs.
func DecodePath(path string) DocId {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if unescaped, err := url.PathUnescape(seg); err == nil {
			seg = unescaped
		}
		// strip the two dots added by EncodePath; segments of one or two
		// dots cannot have been produced by the encoder
		if isAllDots(seg) && len(seg) > 2 {
			seg = seg[:len(seg)-2]
		}
		segments[i] = seg
	}
	return DocId(strings.Join(segments, "/"))
}

func isAllDots(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] != '.' {
			return false
		}
	}
	return true
}
