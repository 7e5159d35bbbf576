// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/feedbridge/adaptor"
	"github.com/hashicorp/go-hclog"
)

// responseState tracks how far one document exchange has progressed. The
// response starts in setup, where the adaptor may stamp metadata, and moves
// exactly once into one of the terminal states.
type responseState int8

const (
	stateSetup responseState = iota
	stateNotModified
	stateNotFound
	stateNoContent
	stateHead
	stateNoTransform
	stateTransform
)

// anchor is one extra outbound link the appliance should treat as appearing
// in the document.
type anchor struct {
	text string
	link *url.URL
}

// docResponseConfig carries the serving policy from the handler into one
// exchange.
type docResponseConfig struct {
	trusted    bool
	markPublic bool
	compress   bool
	transforms *Pipeline
	inheritURL func(adaptor.DocId) string
}

// docResponse implements adaptor.Response over one HTTP exchange.
//
// Metadata mutators only work in the setup state; once a Respond call or
// OutputStream commits the response they fail with ErrResponseCommitted.
// Headers reach the wire when the response commits, except in the transform
// state where they wait for the buffered document to pass the pipeline.
type docResponse struct {
	log hclog.Logger
	w   http.ResponseWriter

	head        bool
	acceptsGzip bool

	trusted    bool
	markPublic bool
	compress   bool
	transforms *Pipeline
	inheritURL func(adaptor.DocId) string

	state responseState

	contentType  string
	lastModified time.Time
	metadata     *adaptor.Metadata
	acl          *adaptor.Acl
	secure       bool
	noIndex      bool
	noFollow     bool
	noArchive    bool
	anchors      []anchor

	wroteHeader bool
	dst         io.Writer
	gz          *gzip.Writer
	buf         *bytes.Buffer
	bypassed    bool
	written     int64
}

var _ adaptor.Response = (*docResponse)(nil)

func newDocResponse(logger hclog.Logger, w http.ResponseWriter, r *http.Request, config docResponseConfig) *docResponse {
	inheritURL := config.inheritURL
	if inheritURL == nil {
		inheritURL = func(id adaptor.DocId) string { return adaptor.EncodePath(id) }
	}
	return &docResponse{
		log:         logger,
		w:           w,
		head:        r.Method == http.MethodHead,
		acceptsGzip: acceptsGzip(r),
		trusted:     config.trusted,
		markPublic:  config.markPublic,
		compress:    config.compress,
		transforms:  config.transforms,
		inheritURL:  inheritURL,
		state:       stateSetup,
	}
}

// acceptsGzip reports whether the client listed gzip in Accept-Encoding.
func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		enc, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.TrimSpace(enc) == "gzip" {
			return true
		}
	}
	return false
}

func (d *docResponse) mutable() error {
	if d.state != stateSetup {
		return adaptor.ErrResponseCommitted
	}
	return nil
}

func (d *docResponse) SetContentType(contentType string) error {
	if err := d.mutable(); err != nil {
		return err
	}
	d.contentType = contentType
	return nil
}

func (d *docResponse) SetLastModified(t time.Time) error {
	if err := d.mutable(); err != nil {
		return err
	}
	d.lastModified = t
	return nil
}

func (d *docResponse) AddMetadata(key, value string) error {
	if err := d.mutable(); err != nil {
		return err
	}
	if d.metadata == nil {
		d.metadata = adaptor.NewMetadata()
	}
	return d.metadata.Add(key, value)
}

func (d *docResponse) SetAcl(acl *adaptor.Acl) error {
	if err := d.mutable(); err != nil {
		return err
	}
	d.acl = acl.Copy()
	return nil
}

func (d *docResponse) SetSecure(secure bool) error {
	if err := d.mutable(); err != nil {
		return err
	}
	d.secure = secure
	return nil
}

func (d *docResponse) AddAnchor(link *url.URL, text string) error {
	if err := d.mutable(); err != nil {
		return err
	}
	if link == nil {
		return errors.New("anchor requires a link")
	}
	d.anchors = append(d.anchors, anchor{text: text, link: link})
	return nil
}

func (d *docResponse) SetNoIndex(noIndex bool) error {
	if err := d.mutable(); err != nil {
		return err
	}
	d.noIndex = noIndex
	return nil
}

func (d *docResponse) SetNoFollow(noFollow bool) error {
	if err := d.mutable(); err != nil {
		return err
	}
	d.noFollow = noFollow
	return nil
}

func (d *docResponse) SetNoArchive(noArchive bool) error {
	if err := d.mutable(); err != nil {
		return err
	}
	d.noArchive = noArchive
	return nil
}

func (d *docResponse) RespondNotModified() error {
	if err := d.mutable(); err != nil {
		return err
	}
	d.state = stateNotModified
	d.wroteHeader = true
	d.w.WriteHeader(http.StatusNotModified)
	return nil
}

func (d *docResponse) RespondNotFound() error {
	if err := d.mutable(); err != nil {
		return err
	}
	d.state = stateNotFound
	d.wroteHeader = true
	respondNotFound(d.w)
	return nil
}

func (d *docResponse) RespondNoContent() error {
	if err := d.mutable(); err != nil {
		return err
	}
	d.state = stateNoContent
	d.wroteHeader = true
	d.w.WriteHeader(http.StatusNoContent)
	return nil
}

// OutputStream commits the response and hands the adaptor the body writer.
// Repeated calls return the same stream; calls after a Respond method fail
// with ErrResponseCommitted.
func (d *docResponse) OutputStream() (io.Writer, error) {
	switch d.state {
	case stateSetup:
	case stateHead, stateNoTransform, stateTransform:
		return bodyWriter{d}, nil
	default:
		return nil, adaptor.ErrResponseCommitted
	}

	switch {
	case d.head:
		d.state = stateHead
		d.sendHeaders(http.StatusOK)
	case d.transforms.Active():
		// headers wait until the buffered document has passed the pipeline
		d.state = stateTransform
		d.buf = new(bytes.Buffer)
	default:
		d.state = stateNoTransform
		d.sendHeaders(http.StatusOK)
	}
	return bodyWriter{d}, nil
}

// bodyWriter is the writer handed to the adaptor. Indirection keeps the
// destination swappable when a transform buffer overflows mid-stream.
type bodyWriter struct {
	d *docResponse
}

func (b bodyWriter) Write(p []byte) (int, error) {
	return b.d.writeBody(p)
}

func (d *docResponse) writeBody(p []byte) (int, error) {
	switch d.state {
	case stateHead:
		// headers only; swallow the body so HEAD-unaware adaptors work
		return len(p), nil
	case stateTransform:
		if !d.bypassed {
			return d.bufferForTransform(p)
		}
	case stateNoTransform:
	default:
		return 0, adaptor.ErrResponseCommitted
	}

	n, err := d.dst.Write(p)
	d.written += int64(n)
	return n, err
}

// bufferForTransform accumulates document bytes for the pipeline. On
// overflow the pipeline is bypassed and streaming begins, unless transforms
// are required, in which case the write fails and the handler turns the
// adaptor's error into a 500.
func (d *docResponse) bufferForTransform(p []byte) (int, error) {
	if int64(d.buf.Len()+len(p)) <= d.transforms.MaxBytes() {
		return d.buf.Write(p)
	}

	if d.transforms.Required() {
		return 0, fmt.Errorf("document exceeds the transform limit of %d bytes and transforms are required", d.transforms.MaxBytes())
	}

	d.log.Info("document too large to transform, serving it untransformed",
		"limit", d.transforms.MaxBytes())
	d.bypassed = true
	d.sendHeaders(http.StatusOK)

	n, err := d.dst.Write(d.buf.Bytes())
	d.written += int64(n)
	d.buf = nil
	if err != nil {
		return 0, err
	}

	n, err = d.dst.Write(p)
	d.written += int64(n)
	return n, err
}

// sendHeaders flushes the accumulated header block and fixes the body
// destination. The gzip writer wraps the wire only after the header block
// is out.
func (d *docResponse) sendHeaders(status int) {
	if d.wroteHeader {
		return
	}
	d.wroteHeader = true

	h := d.w.Header()
	if d.contentType != "" {
		h.Set("Content-Type", d.contentType)
	}
	if !d.lastModified.IsZero() {
		h.Set("Last-Modified", d.lastModified.UTC().Format(http.TimeFormat))
	}
	if d.trusted {
		d.setGsaHeaders(h)
	}

	if d.state == stateHead || !d.compress || !d.acceptsGzip {
		d.w.WriteHeader(status)
		d.dst = d.w
		return
	}

	h.Set("Content-Encoding", "gzip")
	h.Del("Content-Length")
	d.w.WriteHeader(status)
	d.gz = gzip.NewWriter(d.w)
	d.dst = d.gz
}

// setGsaHeaders attaches the header families the appliance interprets at
// crawl time. Only trusted requests see these.
func (d *docResponse) setGsaHeaders(h http.Header) {
	if !d.metadata.IsEmpty() {
		h.Add("X-Gsa-External-Metadata", formMetadataHeader(d.metadata))
	}

	secure := d.secure
	if d.markPublic {
		secure = false
	} else if !d.acl.IsEmpty() {
		h.Add("X-Gsa-External-Metadata", formAclHeader(d.acl, d.inheritURL))
		secure = true
	}

	if len(d.anchors) > 0 {
		h.Set("X-Gsa-External-Anchor", formAnchorHeader(d.anchors))
	}
	if tag := robotsTag(d.noIndex, d.noFollow, d.noArchive); tag != "" {
		h.Set("X-Robots-Tag", tag)
	}

	security := "public"
	if secure {
		security = "secure"
	}
	h.Set("X-Gsa-Serve-Security", security)
}

// finish completes the exchange after the adaptor returns. In the transform
// state this is where the pipeline runs and the header block leaves.
func (d *docResponse) finish() error {
	switch d.state {
	case stateSetup:
		return errors.New("adaptor returned without producing a response")
	case stateTransform:
		if !d.bypassed {
			out, err := d.transforms.Run(d.contentType, d.buf.Bytes())
			if err != nil {
				return err
			}
			if !d.compress || !d.acceptsGzip {
				d.w.Header().Set("Content-Length", strconv.Itoa(len(out)))
			}
			d.sendHeaders(http.StatusOK)
			n, err := d.dst.Write(out)
			d.written += int64(n)
			if err != nil {
				return err
			}
		}
	}

	if d.gz != nil {
		return d.gz.Close()
	}
	return nil
}

// committed reports whether any part of the response reached the client. An
// adaptor error on an uncommitted response can still be rewritten to a 500.
func (d *docResponse) committed() bool {
	return d.wroteHeader
}

// bytesWritten is the document bytes produced, counted before compression.
func (d *docResponse) bytesWritten() int64 {
	return d.written
}
