// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package cmdstream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Decoder reads commands from an adaptor data stream.
type Decoder struct {
	log      hclog.Logger
	r        *bufio.Reader
	delim    []byte
	inIDList bool
}

// NewDecoder reads the stream header from r and returns a decoder for the
// records that follow. It fails when the header is missing, names an
// unsupported version, or declares an invalid delimiter.
func NewDecoder(logger hclog.Logger, r io.Reader) (*Decoder, error) {
	d := &Decoder{
		log: logger.Named("cmdstream"),
		r:   bufio.NewReader(r),
	}
	if err := d.readHeader(); err != nil {
		return nil, err
	}
	return d, nil
}

// Next returns the next command in the stream, or io.EOF once the stream is
// exhausted. Identifiers inside an id-list block surface as individual
// KindID commands; unrecognized commands are logged and skipped.
func (d *Decoder) Next() (*Command, error) {
	for {
		tok, found, err := d.readUntil(d.delim)
		if err != nil {
			return nil, err
		}
		if tok == "" {
			if !found {
				return nil, io.EOF
			}
			// A blank record closes an id-list block.
			d.inIDList = false
			continue
		}
		if d.inIDList {
			return &Command{Kind: KindID, Argument: tok}, nil
		}

		name, arg, hasArg := strings.Cut(tok, "=")
		if name == "id-list" {
			if hasArg {
				return nil, fmt.Errorf("command %q takes no argument", name)
			}
			d.inIDList = true
			continue
		}
		kind, ok := kindsByName[name]
		if !ok {
			d.log.Warn("skipping unrecognized command", "command", name)
			continue
		}
		spec := kindSpecs[kind]
		switch {
		case spec.needsArg && !hasArg:
			return nil, fmt.Errorf("command %q requires an argument", name)
		case !spec.needsArg && hasArg:
			return nil, fmt.Errorf("command %q takes no argument", name)
		}
		if kind == KindContent {
			body, err := io.ReadAll(d.r)
			if err != nil {
				return nil, err
			}
			return &Command{Kind: KindContent, Content: body}, nil
		}
		return &Command{Kind: kind, Argument: arg}, nil
	}
}

func (d *Decoder) readHeader() error {
	intro, found, err := d.readUntil([]byte(" ["))
	if err != nil {
		return err
	}
	if !found || !strings.HasPrefix(intro, headerPrefix) {
		return fmt.Errorf("stream must begin with %q", headerPrefix)
	}
	if v := strings.TrimSpace(strings.TrimPrefix(intro, headerPrefix)); v != streamVersion {
		return fmt.Errorf("unsupported adaptor data version %q", v)
	}
	delim, found, err := d.readUntil([]byte("]"))
	if err != nil {
		return err
	}
	if !found {
		return errors.New("unterminated delimiter in stream header")
	}
	if err := validateDelimiter(delim); err != nil {
		return err
	}
	d.delim = []byte(delim)
	return nil
}

// readUntil consumes bytes up to and including marker, returning the bytes
// before it. found is false when the stream ended first; the partial bytes
// read to that point are still returned so a final unterminated record is
// not lost.
func (d *Decoder) readUntil(marker []byte) (string, bool, error) {
	var buf []byte
	for {
		b, err := d.r.ReadByte()
		if err == io.EOF {
			return string(buf), false, nil
		}
		if err != nil {
			return "", false, err
		}
		buf = append(buf, b)
		if bytes.HasSuffix(buf, marker) {
			return string(buf[:len(buf)-len(marker)]), true, nil
		}
	}
}
