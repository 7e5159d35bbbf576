// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package testlog creates a *log.Logger backed by testing.T to ease logging
// in tests.
package testlog

import (
	"io"
	"log"
	"os"

	"github.com/hashicorp/go-hclog"
)

// LogPrinter is the methods of testing.T (or testing.B) needed by the test
// logger.
type LogPrinter interface {
	Logf(format string, args ...interface{})
}

// writer implements io.Writer on top of a LogPrinter.
type writer struct {
	prefix string
	t      LogPrinter
}

// Write to an underlying LogPrinter. Never returns an error.
func (w *writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s%s", w.prefix, p)
	return len(p), nil
}

// NewWriter creates a new io.Writer backed by a LogPrinter.
func NewWriter(t LogPrinter) io.Writer {
	return &writer{t: t}
}

// NewPrefixWriter creates a new io.Writer backed by a LogPrinter with a
// custom prefix per Write.
func NewPrefixWriter(t LogPrinter, prefix string) io.Writer {
	return &writer{prefix, t}
}

// Logger returns a new test logger with the Lmicroseconds flag set and no
// prefix.
func Logger(t LogPrinter) *log.Logger {
	return WithPrefix(t, "")
}

// WithPrefix returns a new test logger with the Lmicroseconds flag set.
func WithPrefix(t LogPrinter, prefix string) *log.Logger {
	return log.New(NewWriter(t), prefix, log.Lmicroseconds)
}

// HCLogger returns a new test hc-logger.
func HCLogger(t LogPrinter) hclog.InterceptLogger {
	level := hclog.Trace
	envLogLevel := os.Getenv("TEST_LOG_LEVEL")
	if envLogLevel != "" {
		level = hclog.LevelFromString(envLogLevel)
	}
	opts := &hclog.LoggerOptions{
		Level:           level,
		Output:          NewWriter(t),
		IncludeLocation: true,
	}
	return hclog.NewInterceptLogger(opts)
}
