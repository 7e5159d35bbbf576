// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package cmdstream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Encoder writes an adaptor data stream. The header is written ahead of the
// first record. Writes are buffered; call Flush once the stream is
// complete.
type Encoder struct {
	w           *bufio.Writer
	delim       string
	wroteHeader bool
	closed      bool
}

// NewEncoder returns an encoder writing records separated by delimiter.
func NewEncoder(w io.Writer, delimiter string) (*Encoder, error) {
	if err := validateDelimiter(delimiter); err != nil {
		return nil, err
	}
	return &Encoder{w: bufio.NewWriter(w), delim: delimiter}, nil
}

// Encode appends one command to the stream. Arguments must not contain the
// delimiter. A KindContent command ends the stream; Encode fails afterward.
func (e *Encoder) Encode(cmd *Command) error {
	if e.closed {
		return errors.New("stream was closed by a content command")
	}
	spec, ok := kindSpecs[cmd.Kind]
	if !ok {
		return fmt.Errorf("unknown command kind %d", cmd.Kind)
	}
	if !e.wroteHeader {
		e.wroteHeader = true
		fmt.Fprintf(e.w, "%s %s [%s]", headerPrefix, streamVersion, e.delim)
	}
	switch {
	case cmd.Kind == KindContent:
		e.closed = true
		e.w.WriteString(spec.name)
		e.w.WriteString(e.delim)
		_, _ = e.w.Write(cmd.Content)
		return nil
	case spec.needsArg:
		if strings.Contains(cmd.Argument, e.delim) {
			return fmt.Errorf("argument of %q contains the delimiter", spec.name)
		}
		e.w.WriteString(spec.name)
		e.w.WriteByte('=')
		e.w.WriteString(cmd.Argument)
	default:
		if cmd.Argument != "" {
			return fmt.Errorf("command %q takes no argument", spec.name)
		}
		e.w.WriteString(spec.name)
	}
	e.w.WriteString(e.delim)
	return nil
}

// Flush writes buffered records to the underlying writer and reports any
// write error the stream hit along the way.
func (e *Encoder) Flush() error {
	return e.w.Flush()
}
