// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package rpctest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"
)

// PEM is a certificate and private key in PEM format.
type PEM struct {
	Cert []byte
	Key  []byte
}

// Authority is a self-signed certificate authority for tests.
type Authority struct {
	PEM

	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// NewAuthority creates a new self-signed certificate authority.
func NewAuthority(name string) (*Authority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("error generating key: %v", err)
	}
	template, err := newTemplate(name)
	if err != nil {
		return nil, err
	}
	template.IsCA = true
	template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("error creating certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	p, err := encodePEM(der, key)
	if err != nil {
		return nil, err
	}
	return &Authority{PEM: p, cert: cert, key: key}, nil
}

// Issue creates a certificate signed by a for the given common name. If
// server is true, the certificate is valid for server authentication on the
// loopback addresses; otherwise it is valid for client authentication.
func (a *Authority) Issue(name string, server bool) (PEM, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return PEM{}, fmt.Errorf("error generating key: %v", err)
	}
	template, err := newTemplate(name)
	if err != nil {
		return PEM{}, err
	}
	template.KeyUsage = x509.KeyUsageDigitalSignature
	if server {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		template.DNSNames = []string{"localhost"}
		template.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	} else {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, &key.PublicKey, a.key)
	if err != nil {
		return PEM{}, fmt.Errorf("error creating certificate: %v", err)
	}
	return encodePEM(der, key)
}

// ClientConfig returns a TLS configuration for a client that presents the
// given certificate and trusts the PEM-encoded ca.
func ClientConfig(ca []byte, cert PEM) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("no valid CA certificates found")
	}
	kp, err := tls.X509KeyPair(cert.Cert, cert.Key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{kp},
		RootCAs:      pool,
		ServerName:   "localhost",
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func newTemplate(name string) (*x509.Certificate, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("error creating serial number: %v", err)
	}
	now := time.Now()
	return &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: name, Organization: []string{"cqrpc test"}},
		NotBefore:             now.Add(-time.Minute).UTC(),
		NotAfter:              now.Add(24 * time.Hour).UTC(),
		BasicConstraintsValid: true,
	}, nil
}

func encodePEM(der []byte, key *ecdsa.PrivateKey) (PEM, error) {
	privBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return PEM{}, fmt.Errorf("error marshalling private key: %v", err)
	}
	return PEM{
		Cert: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		Key:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}),
	}, nil
}
