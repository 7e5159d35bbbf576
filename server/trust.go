// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"net"
	"net/http"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-set/v3"
)

// TrustDecider classifies requests as fully trusted or not. Fully trusted
// clients, the appliance itself plus any hosts the operator listed, skip
// the authorization gate and receive the crawl-time header families.
//
// In TLS mode trust is decided by the client certificate's common name. In
// plain mode it is decided by the client's remote address, so plain mode
// should never be exposed beyond a network where addresses mean something.
type TrustDecider struct {
	log    hclog.Logger
	secure bool
	hosts  *set.Set[string]

	// lookupAddr resolves an IP to host names, replaceable for tests.
	lookupAddr func(addr string) ([]string, error)
}

// NewTrustDecider builds a decider over the configured host list. Host
// names are matched case-insensitively; in plain mode each name is also
// forward-resolved once so clients can be recognized by address without a
// reverse zone in order.
func NewTrustDecider(logger hclog.Logger, secure bool, hosts []string) *TrustDecider {
	t := &TrustDecider{
		log:        logger.Named("trust"),
		secure:     secure,
		hosts:      set.New[string](len(hosts)),
		lookupAddr: net.LookupAddr,
	}
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		t.hosts.Insert(h)
		if secure {
			continue
		}
		addrs, err := net.LookupHost(h)
		if err != nil {
			t.log.Warn("could not resolve full access host", "host", h, "error", err)
			continue
		}
		t.hosts.InsertSlice(addrs)
	}
	return t
}

// IsTrusted reports whether the request comes from a fully trusted host.
func (t *TrustDecider) IsTrusted(r *http.Request) bool {
	if t.secure {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			return false
		}
		cn := strings.ToLower(r.TLS.PeerCertificates[0].Subject.CommonName)
		return cn != "" && t.hosts.Contains(cn)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	host = strings.ToLower(host)
	if t.hosts.Contains(host) {
		return true
	}

	names, err := t.lookupAddr(host)
	if err != nil {
		return false
	}
	for _, name := range names {
		name = strings.ToLower(strings.TrimSuffix(name, "."))
		if t.hosts.Contains(name) {
			return true
		}
	}
	return false
}
