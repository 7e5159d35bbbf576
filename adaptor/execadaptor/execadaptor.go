// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package execadaptor implements an adaptor that delegates to external
// programs. A lister command enumerates the repository, a retriever command
// produces one document, and an optional authorizer command decides access.
// The programs speak the cmdstream wire format on their standard streams,
// which lets repositories be bridged in any language that can print to
// stdout.
package execadaptor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/feedbridge/adaptor"
	"github.com/hashicorp/feedbridge/cmdstream"
	"github.com/hashicorp/go-hclog"
)

// Config names the external commands. Each value is a program path followed
// by space-separated arguments; arguments cannot themselves contain spaces.
type Config struct {
	// Lister enumerates the repository on stdout.
	Lister string

	// Retriever receives a document identifier (and the requester's last
	// access time in epoch seconds, when known) as trailing arguments and
	// produces the document on stdout.
	Retriever string

	// Authorizer receives an identity and identifiers on stdin and reports
	// a decision per identifier on stdout. Optional; when empty the adaptor
	// exposes no authorization capability.
	Authorizer string
}

// Adaptor shells out to the configured lister and retriever.
type Adaptor struct {
	log       hclog.Logger
	lister    []string
	retriever []string
}

// AuthzAdaptor is an Adaptor with an authorizer command. It is a distinct
// type so the authorization capability is only discoverable when a command
// is actually configured.
type AuthzAdaptor struct {
	*Adaptor
	authorizer []string
}

var (
	_ adaptor.Adaptor        = (*Adaptor)(nil)
	_ adaptor.Adaptor        = (*AuthzAdaptor)(nil)
	_ adaptor.AuthzAuthority = (*AuthzAdaptor)(nil)
)

// New returns an adaptor delegating to the commands in config.
func New(logger hclog.Logger, config Config) (adaptor.Adaptor, error) {
	if config.Lister == "" {
		return nil, errors.New("lister command is required")
	}
	if config.Retriever == "" {
		return nil, errors.New("retriever command is required")
	}
	a := &Adaptor{
		log:       logger.Named("execadaptor"),
		lister:    strings.Fields(config.Lister),
		retriever: strings.Fields(config.Retriever),
	}
	if config.Authorizer != "" {
		return &AuthzAdaptor{
			Adaptor:    a,
			authorizer: strings.Fields(config.Authorizer),
		}, nil
	}
	return a, nil
}

// GetDocIds runs the lister and pushes every record it reports.
func (a *Adaptor) GetDocIds(ctx context.Context, pusher adaptor.DocIdPusher) error {
	out, err := a.run(ctx, a.lister, nil)
	if err != nil {
		return err
	}
	records, err := a.parseListing(bytes.NewReader(out))
	if err != nil {
		return err
	}
	a.log.Debug("lister enumerated repository", "records", len(records))
	_, err = pusher.PushRecords(ctx, records)
	return err
}

// GetDocContent runs the retriever for the requested identifier and replays
// its stream onto the response.
func (a *Adaptor) GetDocContent(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
	argv := make([]string, 0, len(a.retriever)+2)
	argv = append(argv, a.retriever...)
	argv = append(argv, string(req.DocId()))
	if t := req.LastAccessTime(); !t.IsZero() {
		argv = append(argv, strconv.FormatInt(t.Unix(), 10))
	}
	out, err := a.run(ctx, argv, nil)
	if err != nil {
		return err
	}
	return a.applyRetrieval(req, resp, bytes.NewReader(out))
}

// IsUserAuthorized serializes the identity and identifiers onto the
// authorizer's stdin and collects a decision per identifier from its
// stdout. Identifiers the authorizer does not mention are absent from the
// returned map.
func (a *AuthzAdaptor) IsUserAuthorized(ctx context.Context, identity adaptor.Identity, ids []adaptor.DocId) (map[adaptor.DocId]adaptor.AuthzStatus, error) {
	var stdin bytes.Buffer
	enc, err := cmdstream.NewEncoder(&stdin, "\n")
	if err != nil {
		return nil, err
	}

	query := make([]*cmdstream.Command, 0, len(ids)+len(identity.Groups)+1)
	query = append(query, &cmdstream.Command{Kind: cmdstream.KindUser, Argument: identity.User.Name})
	for _, g := range identity.Groups {
		query = append(query, &cmdstream.Command{Kind: cmdstream.KindGroup, Argument: g.Name})
	}
	for _, id := range ids {
		query = append(query, &cmdstream.Command{Kind: cmdstream.KindID, Argument: string(id)})
	}
	for _, cmd := range query {
		if err := enc.Encode(cmd); err != nil {
			return nil, err
		}
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}

	out, err := a.run(ctx, a.authorizer, stdin.Bytes())
	if err != nil {
		return nil, err
	}
	return a.parseDecisions(bytes.NewReader(out), len(ids))
}

// run executes argv, feeding it stdin when non-nil, and returns its stdout.
// A canceled ctx kills the child and surfaces the cancellation.
func (a *Adaptor) run(ctx context.Context, argv []string, stdin []byte) ([]byte, error) {
	a.log.Debug("running adaptor command", "command", argv[0])

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", argv[0], err, msg)
		}
		return nil, fmt.Errorf("%s: %w", argv[0], err)
	}
	return stdout.Bytes(), nil
}

// parseListing turns a lister stream into feed records. Attribute commands
// apply to the most recent id; meta-name and meta-value must come in pairs.
func (a *Adaptor) parseListing(r io.Reader) ([]*adaptor.Record, error) {
	dec, err := cmdstream.NewDecoder(a.log, r)
	if err != nil {
		return nil, err
	}

	var records []*adaptor.Record
	var cur *adaptor.Record
	var metaName string
	var haveMetaName bool

	for {
		cmd, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch {
		case cmd.Kind == cmdstream.KindRepositoryUnavailable:
			return nil, fmt.Errorf("repository unavailable: %s", cmd.Argument)
		case haveMetaName && cmd.Kind != cmdstream.KindMetaValue:
			return nil, errors.New("meta-name must be followed by meta-value")
		}
		if cmd.Kind == cmdstream.KindID {
			cur = &adaptor.Record{DocId: adaptor.DocId(cmd.Argument)}
			records = append(records, cur)
			continue
		}
		if cur == nil {
			return nil, fmt.Errorf("listing command %q before any id", cmd.Kind)
		}
		switch cmd.Kind {
		case cmdstream.KindLastModified:
			t, err := parseEpochSeconds(cmd.Argument)
			if err != nil {
				return nil, err
			}
			cur.LastModified = t
		case cmdstream.KindResultLink:
			u, err := url.Parse(cmd.Argument)
			if err != nil {
				return nil, fmt.Errorf("bad result-link %q: %w", cmd.Argument, err)
			}
			cur.ResultLink = u
		case cmdstream.KindCrawlImmediately:
			cur.CrawlImmediately = true
		case cmdstream.KindCrawlOnce:
			cur.CrawlOnce = true
		case cmdstream.KindLock:
			cur.Lock = true
		case cmdstream.KindDelete:
			cur.Delete = true
		case cmdstream.KindMetaName:
			metaName, haveMetaName = cmd.Argument, true
		case cmdstream.KindMetaValue:
			if !haveMetaName {
				return nil, errors.New("meta-value without a preceding meta-name")
			}
			if cur.Metadata == nil {
				cur.Metadata = adaptor.NewMetadata()
			}
			if err := cur.Metadata.Add(metaName, cmd.Argument); err != nil {
				return nil, err
			}
			haveMetaName = false
		default:
			return nil, fmt.Errorf("listing cannot contain command %q", cmd.Kind)
		}
	}
	if haveMetaName {
		return nil, errors.New("meta-name must be followed by meta-value")
	}
	return records, nil
}

// applyRetrieval replays a retriever stream onto the response. The stream
// must begin by echoing the requested id; up-to-date, not-found, and
// content are terminal.
func (a *Adaptor) applyRetrieval(req adaptor.Request, resp adaptor.Response, r io.Reader) error {
	dec, err := cmdstream.NewDecoder(a.log, r)
	if err != nil {
		return err
	}

	sawID := false
	var metaName string
	var haveMetaName bool

	for {
		cmd, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch {
		case cmd.Kind == cmdstream.KindRepositoryUnavailable:
			return fmt.Errorf("repository unavailable: %s", cmd.Argument)
		case haveMetaName && cmd.Kind != cmdstream.KindMetaValue:
			return errors.New("meta-name must be followed by meta-value")
		}
		if cmd.Kind == cmdstream.KindID {
			if adaptor.DocId(cmd.Argument) != req.DocId() {
				return fmt.Errorf("retriever answered for %q, requested %q", cmd.Argument, req.DocId())
			}
			sawID = true
			continue
		}
		if !sawID {
			return fmt.Errorf("retriever stream must begin with id, got %q", cmd.Kind)
		}
		switch cmd.Kind {
		case cmdstream.KindUpToDate:
			return resp.RespondNotModified()
		case cmdstream.KindNotFound:
			return resp.RespondNotFound()
		case cmdstream.KindMimeType:
			if err := resp.SetContentType(cmd.Argument); err != nil {
				return err
			}
		case cmdstream.KindLastModified:
			t, err := parseEpochSeconds(cmd.Argument)
			if err != nil {
				return err
			}
			if err := resp.SetLastModified(t); err != nil {
				return err
			}
		case cmdstream.KindResultLink:
			u, err := url.Parse(cmd.Argument)
			if err != nil {
				return fmt.Errorf("bad result-link %q: %w", cmd.Argument, err)
			}
			if err := resp.AddAnchor(u, ""); err != nil {
				return err
			}
		case cmdstream.KindMetaName:
			metaName, haveMetaName = cmd.Argument, true
		case cmdstream.KindMetaValue:
			if !haveMetaName {
				return errors.New("meta-value without a preceding meta-name")
			}
			if err := resp.AddMetadata(metaName, cmd.Argument); err != nil {
				return err
			}
			haveMetaName = false
		case cmdstream.KindContent:
			w, err := resp.OutputStream()
			if err != nil {
				return err
			}
			_, err = w.Write(cmd.Content)
			return err
		default:
			return fmt.Errorf("retrieval cannot contain command %q", cmd.Kind)
		}
	}
}

// parseDecisions reads id and authz-status pairs from an authorizer stream.
func (a *Adaptor) parseDecisions(r io.Reader, hint int) (map[adaptor.DocId]adaptor.AuthzStatus, error) {
	dec, err := cmdstream.NewDecoder(a.log, r)
	if err != nil {
		return nil, err
	}

	decisions := make(map[adaptor.DocId]adaptor.AuthzStatus, hint)
	var cur adaptor.DocId
	haveID := false

	for {
		cmd, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return decisions, nil
		}
		if err != nil {
			return nil, err
		}
		switch cmd.Kind {
		case cmdstream.KindRepositoryUnavailable:
			return nil, fmt.Errorf("repository unavailable: %s", cmd.Argument)
		case cmdstream.KindID:
			cur, haveID = adaptor.DocId(cmd.Argument), true
		case cmdstream.KindAuthzStatus:
			if !haveID {
				return nil, errors.New("authz-status before any id")
			}
			status, err := parseAuthzStatus(cmd.Argument)
			if err != nil {
				return nil, err
			}
			decisions[cur] = status
		default:
			return nil, fmt.Errorf("authorizer cannot emit command %q", cmd.Kind)
		}
	}
}

func parseAuthzStatus(s string) (adaptor.AuthzStatus, error) {
	switch s {
	case "PERMIT":
		return adaptor.Permit, nil
	case "DENY":
		return adaptor.Deny, nil
	case "INDETERMINATE":
		return adaptor.Indeterminate, nil
	}
	return adaptor.Deny, fmt.Errorf("invalid authz-status %q", s)
}

func parseEpochSeconds(s string) (time.Time, error) {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad last-modified %q: %w", s, err)
	}
	return time.Unix(secs, 0).UTC(), nil
}
