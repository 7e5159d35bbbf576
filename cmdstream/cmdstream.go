// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package cmdstream implements the wire format spoken by external adaptor
// processes over their standard streams.
//
// A stream begins with the header
//
//	GSA Adaptor Data Version 1 [<delimiter>]
//
// where the bytes between the brackets are the record delimiter: any
// non-empty sequence avoiding the characters the grammar reserves (letters,
// digits, and ":/-_ =+[]"). A newline is the usual choice. The header is
// followed by records separated by the delimiter, each a bare command name
// or a name=argument pair. The content command is terminal: every byte
// after its delimiter belongs to the document body.
package cmdstream

import (
	"errors"
	"fmt"
	"strings"
)

const (
	headerPrefix  = "GSA Adaptor Data Version"
	streamVersion = "1"
)

// Kind identifies one command in an adaptor data stream.
type Kind int8

const (
	// KindID names a document identifier.
	KindID Kind = iota

	// KindLastModified carries a modification time in seconds since the
	// epoch.
	KindLastModified

	// KindResultLink carries a URL to present in place of the served one.
	KindResultLink

	// KindCrawlImmediately asks the appliance to crawl the preceding
	// identifier ahead of its queue.
	KindCrawlImmediately

	// KindCrawlOnce asks the appliance to never recrawl the preceding
	// identifier.
	KindCrawlOnce

	// KindLock protects the preceding identifier from index eviction.
	KindLock

	// KindDelete removes the preceding identifier from the index.
	KindDelete

	// KindUpToDate reports the requested document is unchanged.
	KindUpToDate

	// KindNotFound reports the requested document does not exist.
	KindNotFound

	// KindMimeType carries the document's content type.
	KindMimeType

	// KindMetaName opens a metadata pair; KindMetaValue must follow.
	KindMetaName

	// KindMetaValue closes the metadata pair opened by KindMetaName.
	KindMetaValue

	// KindContent carries the document body and ends the stream.
	KindContent

	// KindAuthzStatus carries an access decision: PERMIT, DENY, or
	// INDETERMINATE.
	KindAuthzStatus

	// KindUser names the end user an authorization query is about.
	KindUser

	// KindPassword carries the end user's credential, when one is known.
	KindPassword

	// KindGroup names one group the end user belongs to.
	KindGroup

	// KindRepositoryUnavailable reports the backing repository cannot be
	// reached; the argument describes why.
	KindRepositoryUnavailable
)

type commandSpec struct {
	name     string
	needsArg bool
}

var kindSpecs = map[Kind]commandSpec{
	KindID:                    {"id", true},
	KindLastModified:          {"last-modified", true},
	KindResultLink:            {"result-link", true},
	KindCrawlImmediately:      {"crawl-immediately", false},
	KindCrawlOnce:             {"crawl-once", false},
	KindLock:                  {"lock", false},
	KindDelete:                {"delete", false},
	KindUpToDate:              {"up-to-date", false},
	KindNotFound:              {"not-found", false},
	KindMimeType:              {"mime-type", true},
	KindMetaName:              {"meta-name", true},
	KindMetaValue:             {"meta-value", true},
	KindContent:               {"content", false},
	KindAuthzStatus:           {"authz-status", true},
	KindUser:                  {"user", true},
	KindPassword:              {"password", true},
	KindGroup:                 {"group", true},
	KindRepositoryUnavailable: {"repository-unavailable", true},
}

var kindsByName = make(map[string]Kind, len(kindSpecs))

func init() {
	for kind, spec := range kindSpecs {
		kindsByName[spec.name] = kind
	}
}

// String returns the command's wire name.
func (k Kind) String() string {
	if spec, ok := kindSpecs[k]; ok {
		return spec.name
	}
	return "invalid"
}

// Command is one decoded record. Argument is set for commands that take
// one; Content is set only for KindContent.
type Command struct {
	Kind     Kind
	Argument string
	Content  []byte
}

// reserved holds the one-byte punctuation the grammar claims for itself; a
// delimiter containing any of it could not be told apart from record text.
const reserved = ":/-_ =+[]"

func validateDelimiter(delim string) error {
	if delim == "" {
		return errors.New("delimiter must not be empty")
	}
	for i := 0; i < len(delim); i++ {
		c := delim[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
			return fmt.Errorf("delimiter contains reserved byte %q", c)
		case strings.IndexByte(reserved, c) >= 0:
			return fmt.Errorf("delimiter contains reserved byte %q", c)
		}
	}
	return nil
}
