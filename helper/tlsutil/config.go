// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package tlsutil builds the TLS configurations used by the document server
// and the feed transport.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Config is used to create tls.Config values for the server listener and
// outgoing appliance connections.
type Config struct {
	// CAFile is a path to a certificate authority file. It is used to verify
	// client certificates on incoming connections and server certificates on
	// outgoing ones.
	CAFile string

	// CertFile is used to provide a TLS certificate that is used for serving
	// TLS connections. Must be provided to serve TLS connections.
	CertFile string

	// KeyFile is the private key matching CertFile.
	KeyFile string

	// VerifyIncoming requires that incoming connections present a client
	// certificate signed by CAFile. When false, client certificates are
	// requested but optional; the connection's identity is then decided by
	// its remote address instead of the certificate.
	VerifyIncoming bool
}

// AppendCA opens and parses the CA file and adds the certificates to the
// provided CertPool.
func (c *Config) AppendCA(pool *x509.CertPool) error {
	if c.CAFile == "" {
		return nil
	}

	data, err := os.ReadFile(c.CAFile)
	if err != nil {
		return fmt.Errorf("failed to read CA file: %v", err)
	}

	if !pool.AppendCertsFromPEM(data) {
		return fmt.Errorf("failed to parse any CA certificates")
	}

	return nil
}

// LoadKeyPair is used to open and parse a certificate and key file.
func (c *Config) LoadKeyPair() (*tls.Certificate, error) {
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load cert/key pair: %v", err)
	}
	return &cert, nil
}

// IncomingTLSConfig generates a TLS configuration for the document server
// listener. Client certificates are always requested so that trusted hosts
// can be recognized by certificate common name.
func (c *Config) IncomingTLSConfig() (*tls.Config, error) {
	cert, err := c.LoadKeyPair()
	if err != nil {
		return nil, err
	}
	if cert == nil {
		return nil, fmt.Errorf("serving TLS requires cert_file and key_file")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientAuth:   tls.VerifyClientCertIfGiven,
		MinVersion:   tls.VersionTLS12,
	}

	if c.CAFile != "" {
		pool := x509.NewCertPool()
		if err := c.AppendCA(pool); err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		if c.VerifyIncoming {
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		}
	} else if c.VerifyIncoming {
		return nil, fmt.Errorf("verifying incoming connections requires ca_file")
	}

	return tlsConfig, nil
}

// OutgoingTLSConfig generates a TLS configuration for connections to the
// appliance. It returns a config trusting CAFile when set, and the system
// roots otherwise.
func (c *Config) OutgoingTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if c.CAFile != "" {
		pool := x509.NewCertPool()
		if err := c.AppendCA(pool); err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	cert, err := c.LoadKeyPair()
	if err != nil {
		return nil, err
	}
	if cert != nil {
		tlsConfig.Certificates = []tls.Certificate{*cert}
	}

	return tlsConfig, nil
}
