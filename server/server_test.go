// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"io"
	"net/http"
	"testing"

	"github.com/hashicorp/feedbridge/ci"
	"github.com/hashicorp/feedbridge/helper/testlog"
	"github.com/shoenig/test/must"
)

func TestHTTPServer_serveAndShutdown(t *testing.T) {
	ci.Parallel(t)

	srv, err := NewHTTPServer(testlog.HCLogger(t), Config{
		Addr:              "127.0.0.1:0",
		MaxConnsPerClient: 8,
	})
	must.NoError(t, err)

	srv.RegisterHandler("/ping", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "pong")
	}))

	resp, err := http.Get("http://" + srv.Addr + "/ping")
	must.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	must.NoError(t, err)
	must.NoError(t, resp.Body.Close())
	must.Eq(t, http.StatusOK, resp.StatusCode)
	must.Eq(t, "pong", string(body))

	srv.Shutdown()

	// the listener is gone
	_, err = http.Get("http://" + srv.Addr + "/ping")
	must.Error(t, err)
}

func TestHTTPServer_unknownPath(t *testing.T) {
	ci.Parallel(t)

	srv, err := NewHTTPServer(testlog.HCLogger(t), Config{Addr: "127.0.0.1:0"})
	must.NoError(t, err)
	defer srv.Shutdown()

	srv.RegisterHandler("/doc/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	resp, err := http.Get("http://" + srv.Addr + "/other")
	must.NoError(t, err)
	must.NoError(t, resp.Body.Close())
	must.Eq(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPServer_badAddress(t *testing.T) {
	ci.Parallel(t)

	_, err := NewHTTPServer(testlog.HCLogger(t), Config{Addr: "256.0.0.1:-1"})
	must.Error(t, err)
}

func TestHTTPServer_nilShutdown(t *testing.T) {
	ci.Parallel(t)

	var srv *HTTPServer
	srv.Shutdown()
}
