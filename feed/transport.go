// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package feed

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

const (
	// feedPort and secureFeedPort are where the appliance accepts feed
	// uploads.
	feedPort       = 19900
	secureFeedPort = 19902

	// compressUnder is the payload size at and above which uploads switch
	// from gzip to identity encoding. Large payloads gain little from
	// compression and tie up memory.
	compressUnder = 1 << 20

	// maxReplyBytes bounds how much of the appliance's reply is read.
	maxReplyBytes = 16 << 10

	// successReply is the body the appliance sends for an accepted feed.
	// Comparison ignores case and surrounding whitespace; appliance
	// versions disagree on capitalization.
	successReply = "success"

	// unauthorizedReply is the exact body sent when the connector's address
	// is not on the appliance's trusted feed sources list.
	unauthorizedReply = "Error - Unauthorized Request"
)

// ErrFeedsUnauthorized means the appliance refuses feeds from this host.
// Retrying cannot help; the appliance's feed ACL has to be fixed first.
var ErrFeedsUnauthorized = errors.New("appliance rejected feed: this host is not an allowed feed source")

// TransportError is a retriable feed delivery failure: a connection problem,
// an unexpected HTTP status, or a reply body other than success.
type TransportError struct {
	StatusCode int
	Reply      string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("feed delivery failed: %v", e.Err)
	case e.Reply != "":
		return fmt.Sprintf("appliance rejected feed (status %d): %s", e.StatusCode, e.Reply)
	default:
		return fmt.Sprintf("appliance rejected feed (status %d)", e.StatusCode)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// TransportConfig holds what the Transport needs to reach the appliance.
type TransportConfig struct {
	// Host is the appliance hostname feeds are uploaded to.
	Host string

	// Secure switches the upload to TLS on the appliance's secure feed
	// port.
	Secure bool

	// Port overrides the appliance feed port. Zero selects the standard
	// port for the scheme.
	Port int

	// TLSConfig is applied to the upload client when Secure is set. May be
	// nil for the system defaults.
	TLSConfig *tls.Config

	// Timeout bounds one upload attempt end to end.
	Timeout time.Duration

	// UseCompression enables gzip on small payloads.
	UseCompression bool
}

// Transport uploads encoded feeds to the appliance and classifies its
// replies.
type Transport struct {
	log            hclog.Logger
	client         *http.Client
	feedURL        *url.URL
	groupsURL      *url.URL
	useCompression bool
}

// NewTransport creates a Transport from config.
func NewTransport(logger hclog.Logger, config TransportConfig) (*Transport, error) {
	if config.Host == "" {
		return nil, errors.New("transport requires an appliance host")
	}

	scheme, port := "http", feedPort
	if config.Secure {
		scheme, port = "https", secureFeedPort
	}
	if config.Port != 0 {
		port = config.Port
	}
	base := fmt.Sprintf("%s://%s:%d", scheme, config.Host, port)

	feedURL, err := url.Parse(base + "/xmlfeed")
	if err != nil {
		return nil, fmt.Errorf("invalid appliance host: %w", err)
	}
	groupsURL, err := url.Parse(base + "/xmlgroups")
	if err != nil {
		return nil, fmt.Errorf("invalid appliance host: %w", err)
	}

	client := cleanhttp.DefaultPooledClient()
	client.Timeout = config.Timeout
	if config.Secure && config.TLSConfig != nil {
		transport := cleanhttp.DefaultPooledTransport()
		transport.TLSClientConfig = config.TLSConfig
		client.Transport = transport
	}

	return &Transport{
		log:            logger.Named("feed.transport"),
		client:         client,
		feedURL:        feedURL,
		groupsURL:      groupsURL,
		useCompression: config.UseCompression,
	}, nil
}

// SendRecords uploads a metadata-and-url feed for the named datasource.
func (t *Transport) SendRecords(ctx context.Context, source string, payload []byte) error {
	fields := [][2]string{
		{"datasource", source},
		{"feedtype", feedTypeMetadataAndURL},
	}
	return t.send(ctx, t.feedURL, fields, payload)
}

// SendGroups uploads an xmlgroups feed for the named groupsource. full
// replaces all groups previously fed from that source.
func (t *Transport) SendGroups(ctx context.Context, groupSource string, full bool, payload []byte) error {
	feedType := feedTypeIncremental
	if full {
		feedType = feedTypeFull
	}
	fields := [][2]string{
		{"groupsource", groupSource},
		{"feedtype", feedType},
	}
	return t.send(ctx, t.groupsURL, fields, payload)
}

func (t *Transport) send(ctx context.Context, dest *url.URL, fields [][2]string, payload []byte) error {
	defer metrics.MeasureSince([]string{"feedbridge", "feed", "send"}, time.Now())

	body, contentType, err := encodeForm(fields, payload)
	if err != nil {
		return &TransportError{Err: err}
	}

	compress := t.useCompression && len(payload) < compressUnder

	var reqBody io.Reader = bytes.NewReader(body)
	if compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return &TransportError{Err: err}
		}
		if err := zw.Close(); err != nil {
			return &TransportError{Err: err}
		}
		reqBody = &buf
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.String(), reqBody)
	if err != nil {
		return &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	if compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	t.log.Debug("uploading feed", "url", dest.String(),
		"payload_size", humanize.IBytes(uint64(len(payload))), "compressed", compress)

	resp, err := t.client.Do(req)
	if err != nil {
		metrics.IncrCounter([]string{"feedbridge", "feed", "send_error"}, 1)
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	reply := limitRead(resp.Body)
	if err := classifyReply(resp.StatusCode, reply); err != nil {
		metrics.IncrCounter([]string{"feedbridge", "feed", "send_error"}, 1)
		return err
	}

	metrics.IncrCounter([]string{"feedbridge", "feed", "send_ok"}, 1)
	return nil
}

// encodeForm renders the multipart/form-data upload body. The data part is
// declared text/xml as the appliance expects.
func encodeForm(fields [][2]string, payload []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="data"`)
	h.Set("Content-Type", "text/xml")
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(payload); err != nil {
		return nil, "", err
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// classifyReply decides what the appliance's answer means. Only an HTTP 200
// with a success body counts as delivered.
func classifyReply(status int, reply []byte) error {
	text := strings.TrimSpace(string(reply))
	if text == unauthorizedReply {
		return ErrFeedsUnauthorized
	}
	if status != http.StatusOK {
		return &TransportError{StatusCode: status, Reply: text}
	}
	if strings.EqualFold(text, successReply) {
		return nil
	}
	return &TransportError{StatusCode: status, Reply: text}
}

// limitRead reads from r up to the reply limit, protecting against an
// endpoint that streams garbage.
func limitRead(r io.Reader) []byte {
	b, err := io.ReadAll(io.LimitReader(r, maxReplyBytes))
	if err != nil {
		return nil
	}
	return b
}
