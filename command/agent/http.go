// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/rs/cors"
)

// ErrInvalidMethod is used if the HTTP method is not supported
const ErrInvalidMethod = "Invalid method"

// allowCORS sets permissive CORS headers for a handler
var allowCORS = cors.New(cors.Options{
	AllowedOrigins: []string{"*"},
	AllowedMethods: []string{"HEAD", "GET"},
	AllowedHeaders: []string{"*"},
})

// HTTPServer is used to wrap an Agent and expose its operational state over
// an HTTP interface. It is separate from the document server the appliance
// crawls and binds the dashboard port.
type HTTPServer struct {
	agent      *Agent
	mux        *http.ServeMux
	listener   net.Listener
	listenerCh chan struct{}
	logger     hclog.Logger
	Addr       string
}

// NewHTTPServer starts a new ops HTTP server over the agent. When the
// agent serves documents over TLS the ops endpoints are served over TLS
// with the same certificate material.
func NewHTTPServer(agent *Agent, config *Config) (*HTTPServer, error) {
	lnAddr, err := net.ResolveTCPAddr("tcp", config.normalizedAddrs.Dashboard)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenTCP("tcp", lnAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to start ops listener: %v", err)
	}

	var listener net.Listener = tcpKeepAliveListener{ln}
	if config.Server.Secure {
		tlsConfig, err := agent.tlsConfig().IncomingTLSConfig()
		if err != nil {
			return nil, err
		}
		listener = tls.NewListener(listener, tlsConfig)
	}

	mux := http.NewServeMux()
	srv := &HTTPServer{
		agent:      agent,
		mux:        mux,
		listener:   listener,
		listenerCh: make(chan struct{}),
		logger:     agent.httpLogger,
		Addr:       listener.Addr().String(),
	}
	srv.registerHandlers()

	go func() {
		defer close(srv.listenerCh)
		http.Serve(listener, mux)
	}()

	return srv, nil
}

// tcpKeepAliveListener sets TCP keep-alive timeouts on accepted
// connections so dead TCP connections eventually go away.
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

// Shutdown is used to shutdown the ops HTTP server.
func (s *HTTPServer) Shutdown() {
	if s != nil {
		s.logger.Debug("shutting down ops http server")
		s.listener.Close()
		<-s.listenerCh // block until http.Serve has returned
	}
}

// registerHandlers is used to attach our handlers to the mux
func (s *HTTPServer) registerHandlers() {
	s.mux.HandleFunc("/v1/agent/self", s.wrap(s.AgentSelfRequest))
	s.mux.HandleFunc("/v1/agent/health", s.wrap(s.HealthRequest))

	s.mux.Handle("/v1/journal", wrapCORS(s.wrap(s.JournalRequest)))
	s.mux.Handle("/v1/metrics", wrapCORS(s.wrap(s.MetricsRequest)))
}

// HTTPCodedError is used to provide the HTTP error code
type HTTPCodedError interface {
	error
	Code() int
}

func CodedError(c int, s string) HTTPCodedError {
	return &codedError{s, c}
}

type codedError struct {
	s    string
	code int
}

func (e *codedError) Error() string {
	return e.s
}

func (e *codedError) Code() int {
	return e.code
}

// wrap is used to wrap functions to make them more convenient: the handler
// returns a value to render as JSON or an error whose code is taken from
// HTTPCodedError.
func (s *HTTPServer) wrap(handler func(resp http.ResponseWriter, req *http.Request) (interface{}, error)) func(resp http.ResponseWriter, req *http.Request) {
	f := func(resp http.ResponseWriter, req *http.Request) {
		reqURL := req.URL.String()
		start := time.Now()
		defer func() {
			s.logger.Debug("request complete", "method", req.Method, "path", reqURL, "duration", time.Since(start))
		}()

		obj, err := handler(resp, req)
		if err != nil {
			code := 500
			if coded, ok := err.(HTTPCodedError); ok {
				code = coded.Code()
			}
			resp.WriteHeader(code)
			resp.Write([]byte(err.Error()))
			s.logger.Error("request failed", "method", req.Method, "path", reqURL, "error", err, "code", code)
			return
		}
		if obj == nil {
			return
		}

		prettyPrint := false
		if v, ok := req.URL.Query()["pretty"]; ok {
			if len(v) > 0 && (len(v[0]) == 0 || v[0] != "0") {
				prettyPrint = true
			}
		}

		var buf []byte
		if prettyPrint {
			buf, err = json.MarshalIndent(obj, "", "    ")
			if err == nil {
				buf = append(buf, '\n')
			}
		} else {
			buf, err = json.Marshal(obj)
		}
		if err != nil {
			resp.WriteHeader(500)
			resp.Write([]byte(err.Error()))
			s.logger.Error("failed to encode response", "path", reqURL, "error", err)
			return
		}
		resp.Header().Set("Content-Type", "application/json")
		resp.Write(buf)
	}
	return f
}

// wrapCORS wraps a HandlerFunc in allowCORS and returns a http.Handler
func wrapCORS(f func(http.ResponseWriter, *http.Request)) http.Handler {
	return allowCORS.Handler(http.HandlerFunc(f))
}
