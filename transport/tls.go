// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

// ServerTLSConfig constructs a mutual TLS configuration for a server. The
// server presents the certificate and key given in PEM format, and requires
// each client to present a certificate signed by the PEM-encoded ca.
func ServerTLSConfig(ca, cert, key []byte) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, errors.New("no valid CA certificates found")
	}
	kp, err := tls.X509KeyPair(cert, key)
	if err != nil {
		return nil, fmt.Errorf("load server key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{kp},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
