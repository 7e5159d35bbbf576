// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package server implements the document serving side of feedbridge. It
// exposes every document the adaptor knows about at a stable URL so the
// appliance can crawl what the feeds announced. The handler classifies each
// client as the appliance or an end user, gates end users through the
// adaptor's authorization, and frames adaptor content with the header
// families the appliance interprets at crawl time.
package server

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/feedbridge/helper/tlsutil"
	"github.com/hashicorp/go-connlimit"
	"github.com/hashicorp/go-hclog"
)

// Config selects how the document server listens.
type Config struct {
	// Addr is the host:port to bind.
	Addr string

	// TLS enables serving over TLS. Client certificates are requested so
	// the appliance can be recognized by certificate common name.
	TLS *tlsutil.Config

	// MaxConnsPerClient bounds concurrent connections per client IP. Zero
	// means no limit.
	MaxConnsPerClient int
}

// HTTPServer wraps the listener and mux the document handler and any
// adaptor-registered handlers are mounted on.
type HTTPServer struct {
	log        hclog.Logger
	mux        *http.ServeMux
	listener   net.Listener
	listenerCh chan struct{}
	srv        *http.Server

	// Addr is the address the listener bound, useful when the config asked
	// for port 0.
	Addr string
}

// NewHTTPServer starts the listener and begins serving. Handlers registered
// after requests arrive race with the mux; mount everything before the
// first request.
func NewHTTPServer(logger hclog.Logger, config Config) (*HTTPServer, error) {
	ln, err := net.Listen("tcp", config.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start listener on %s: %v", config.Addr, err)
	}

	if config.TLS != nil {
		tlsConfig, err := config.TLS.IncomingTLSConfig()
		if err != nil {
			ln.Close()
			return nil, err
		}
		ln = tls.NewListener(tcpKeepAliveListener{ln.(*net.TCPListener)}, tlsConfig)
	} else {
		ln = tcpKeepAliveListener{ln.(*net.TCPListener)}
	}

	mux := http.NewServeMux()
	srv := &HTTPServer{
		log:        logger.Named("http"),
		mux:        mux,
		listener:   ln,
		listenerCh: make(chan struct{}),
		Addr:       ln.Addr().String(),
	}

	srv.srv = &http.Server{
		Addr:     srv.Addr,
		Handler:  mux,
		ErrorLog: srv.log.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true}),
	}
	if config.MaxConnsPerClient > 0 {
		limiter := connlimit.NewLimiter(connlimit.Config{
			MaxConnsPerClientIP: config.MaxConnsPerClient,
		})
		srv.srv.ConnState = limiter.HTTPConnStateFuncWithDefault429Handler(0)
	}

	go func() {
		defer close(srv.listenerCh)
		srv.srv.Serve(ln)
	}()

	return srv, nil
}

// RegisterHandler mounts handler at pattern on the server's mux.
func (s *HTTPServer) RegisterHandler(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Shutdown closes the listener and in-flight connections and waits for the
// serve loop to exit. Drain in-flight document requests through the
// shutdown waiter before calling this.
func (s *HTTPServer) Shutdown() {
	if s == nil {
		return
	}
	s.log.Debug("shutting down http server", "address", s.Addr)
	s.srv.Close()
	<-s.listenerCh
}

// tcpKeepAliveListener sets TCP keep-alive timeouts on accepted
// connections so dead connections eventually go away.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (c net.Conn, err error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(30 * time.Second)
	return tc, nil
}
