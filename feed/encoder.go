// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package feed turns document identifiers and group definitions into
// appliance feeds and delivers them: XML encoding, the upload transport,
// batching, asynchronous queueing, and the double-buffered group protocol.
package feed

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/feedbridge/adaptor"
)

// feed type tokens used in the header and upload parameters
const (
	feedTypeMetadataAndURL = "metadata-and-url"
	feedTypeFull           = "full"
	feedTypeIncremental    = "incremental"
)

const (
	gsafeedDoctype   = `<!DOCTYPE gsafeed PUBLIC "-//Google//DTD GSA Feeds//EN" "">` + "\n"
	xmlgroupsDoctype = `<!DOCTYPE xmlgroups PUBLIC "-//Google//DTD GSA Feeds//EN" "">` + "\n"
)

// validSourceName bounds feed source names to what the appliance accepts.
var validSourceName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// ValidSourceName reports whether name can be used as a datasource or
// groupsource name.
func ValidSourceName(name string) bool {
	return validSourceName.MatchString(name)
}

// Encoder renders feed XML. The zero value is not usable; construct with
// NewEncoder.
type Encoder struct {
	name    string
	baseURL *url.URL
}

// NewEncoder creates an Encoder for the named datasource. baseURL is the
// document server prefix each DocId is appended to and must end in "/".
func NewEncoder(name string, baseURL *url.URL) (*Encoder, error) {
	if !ValidSourceName(name) {
		return nil, fmt.Errorf("invalid feed source name %q", name)
	}
	if baseURL == nil {
		return nil, fmt.Errorf("encoder requires a base url")
	}
	if !strings.HasSuffix(baseURL.Path, "/") {
		return nil, fmt.Errorf("base url %q must end in /", baseURL)
	}
	return &Encoder{name: name, baseURL: baseURL}, nil
}

// Name returns the datasource name feeds are encoded under.
func (e *Encoder) Name() string { return e.name }

// DocURL returns the document server URL for id.
func (e *Encoder) DocURL(id adaptor.DocId) string {
	return e.baseURL.String() + adaptor.EncodePath(id)
}

// EncodeRecords renders a metadata-and-url feed carrying the given items.
// Records come first, then named resources, each kind in input order.
func (e *Encoder) EncodeRecords(items []adaptor.Item) ([]byte, error) {
	group := xmlGroup{}
	for _, item := range items {
		switch v := item.(type) {
		case *adaptor.Record:
			if err := v.Validate(); err != nil {
				return nil, err
			}
			group.Records = append(group.Records, e.recordElement(v))
		case *adaptor.NamedResource:
			if err := v.Validate(); err != nil {
				return nil, err
			}
			group.Acls = append(group.Acls, e.aclElement(v.DocId, v.Acl))
		default:
			return nil, fmt.Errorf("unsupported feed item type %T", item)
		}
	}

	doc := xmlFeed{
		Header: xmlHeader{
			Datasource: e.name,
			FeedType:   feedTypeMetadataAndURL,
		},
		Group: group,
	}
	return marshalFeed(gsafeedDoctype, doc)
}

// EncodeGroups renders an xmlgroups feed of the given definitions. Groups
// and members are emitted in principal order so identical definitions
// produce identical bytes.
func (e *Encoder) EncodeGroups(defs adaptor.GroupDefinitions, caseSensitive bool) ([]byte, error) {
	if err := defs.Validate(); err != nil {
		return nil, err
	}

	sensitivity := "EVERYTHING_CASE_SENSITIVE"
	if !caseSensitive {
		sensitivity = "EVERYTHING_CASE_INSENSITIVE"
	}

	doc := xmlGroups{}
	for _, group := range defs.SortedGroups() {
		membership := xmlMembership{
			Principal: groupPrincipalElement(group, sensitivity),
		}
		members := append([]adaptor.Principal(nil), defs[group]...)
		adaptor.SortPrincipals(members)
		for _, m := range members {
			membership.Members.Principals = append(membership.Members.Principals,
				groupPrincipalElement(m, sensitivity))
		}
		doc.Memberships = append(doc.Memberships, membership)
	}
	return marshalFeed(xmlgroupsDoctype, doc)
}

func (e *Encoder) recordElement(r *adaptor.Record) xmlRecord {
	rec := xmlRecord{
		URL:              e.DocURL(r.DocId),
		Action:           "add",
		Lock:             boolAttr(r.Lock),
		CrawlImmediately: boolAttr(r.CrawlImmediately),
		CrawlOnce:        boolAttr(r.CrawlOnce),
		NoFollow:         boolAttr(r.NoFollow),
	}
	if r.Delete {
		rec.Action = "delete"
	}
	if r.ResultLink != nil {
		rec.DisplayURL = r.ResultLink.String()
	}
	if !r.LastModified.IsZero() {
		rec.LastModified = r.LastModified.Format(time.RFC1123Z)
	}
	if !r.Metadata.IsEmpty() {
		md := &xmlMetadata{}
		for _, entry := range r.Metadata.Entries() {
			md.Metas = append(md.Metas, xmlMeta{Name: entry.Key, Content: entry.Value})
		}
		rec.Metadata = md
	}
	return rec
}

func (e *Encoder) aclElement(id adaptor.DocId, acl *adaptor.Acl) xmlAcl {
	el := xmlAcl{
		URL:             e.DocURL(id),
		InheritanceType: acl.InheritanceType.String(),
	}
	if acl.InheritFrom != "" {
		inherit := e.DocURL(acl.InheritFrom)
		if acl.InheritFromFragment != "" {
			inherit += "#" + acl.InheritFromFragment
		}
		el.InheritFrom = inherit
	}

	sensitivity := "everything-case-sensitive"
	if acl.EverythingCaseInsensitive {
		sensitivity = "everything-case-insensitive"
	}

	appendPrincipals := func(ps []adaptor.Principal, access string) {
		sorted := append([]adaptor.Principal(nil), ps...)
		adaptor.SortPrincipals(sorted)
		for _, p := range sorted {
			el.Principals = append(el.Principals, xmlPrincipal{
				Scope:           p.Kind.String(),
				Access:          access,
				Namespace:       p.Namespace,
				CaseSensitivity: sensitivity,
				Name:            p.Name,
			})
		}
	}
	appendPrincipals(acl.PermitUsers, "permit")
	appendPrincipals(acl.PermitGroups, "permit")
	appendPrincipals(acl.DenyUsers, "deny")
	appendPrincipals(acl.DenyGroups, "deny")
	return el
}

func groupPrincipalElement(p adaptor.Principal, sensitivity string) xmlGroupPrincipal {
	scope := "USER"
	if p.IsGroup() {
		scope = "GROUP"
	}
	return xmlGroupPrincipal{
		Scope:           scope,
		Namespace:       p.Namespace,
		CaseSensitivity: sensitivity,
		Name:            p.Name,
	}
}

func marshalFeed(doctype string, doc any) ([]byte, error) {
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode feed: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(doctype)
	buf.Write(body)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func boolAttr(b bool) string {
	if b {
		return "true"
	}
	return ""
}

// wire layout of a metadata-and-url feed

type xmlFeed struct {
	XMLName xml.Name  `xml:"gsafeed"`
	Header  xmlHeader `xml:"header"`
	Group   xmlGroup  `xml:"group"`
}

type xmlHeader struct {
	Datasource string `xml:"datasource"`
	FeedType   string `xml:"feedtype"`
}

type xmlGroup struct {
	Records []xmlRecord `xml:"record"`
	Acls    []xmlAcl    `xml:"acl"`
}

type xmlRecord struct {
	URL              string       `xml:"url,attr"`
	DisplayURL       string       `xml:"displayurl,attr,omitempty"`
	Action           string       `xml:"action,attr"`
	LastModified     string       `xml:"last-modified,attr,omitempty"`
	Lock             string       `xml:"lock,attr,omitempty"`
	CrawlImmediately string       `xml:"crawl-immediately,attr,omitempty"`
	CrawlOnce        string       `xml:"crawl-once,attr,omitempty"`
	NoFollow         string       `xml:"no-follow,attr,omitempty"`
	Metadata         *xmlMetadata `xml:"metadata,omitempty"`
}

type xmlMetadata struct {
	Metas []xmlMeta `xml:"meta"`
}

type xmlMeta struct {
	Name    string `xml:"name,attr"`
	Content string `xml:"content,attr"`
}

type xmlAcl struct {
	URL             string         `xml:"url,attr"`
	InheritanceType string         `xml:"inheritance-type,attr"`
	InheritFrom     string         `xml:"inherit-from,attr,omitempty"`
	Principals      []xmlPrincipal `xml:"principal"`
}

type xmlPrincipal struct {
	Scope           string `xml:"scope,attr"`
	Access          string `xml:"access,attr"`
	Namespace       string `xml:"namespace,attr"`
	CaseSensitivity string `xml:"case-sensitivity-type,attr"`
	Name            string `xml:",chardata"`
}

// wire layout of an xmlgroups feed

type xmlGroups struct {
	XMLName     xml.Name        `xml:"xmlgroups"`
	Memberships []xmlMembership `xml:"membership"`
}

type xmlMembership struct {
	Principal xmlGroupPrincipal `xml:"principal"`
	Members   xmlMembers        `xml:"members"`
}

type xmlMembers struct {
	Principals []xmlGroupPrincipal `xml:"principal"`
}

type xmlGroupPrincipal struct {
	Scope           string `xml:"scope,attr"`
	Namespace       string `xml:"namespace,attr"`
	CaseSensitivity string `xml:"case-sensitivity-type,attr"`
	Name            string `xml:",chardata"`
}
