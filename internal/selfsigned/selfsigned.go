// Package selfsigned generates throwaway TLS material for QUIC post offices
// whose peers authenticate each other through the handshake secret rather
// than a PKI.
package selfsigned

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// Config is the configuration for generating a certificate.
type Config struct {
	// Hosts are DNS names or IP addresses the certificate is valid for.
	Hosts []string

	ValidFor time.Duration
}

// DefaultConfig returns a config for a loopback server valid for a day.
func DefaultConfig() Config {
	return Config{
		Hosts:    []string{"localhost", "127.0.0.1", "::1"},
		ValidFor: 24 * time.Hour,
	}
}

// Cert is a generated self-signed certificate.
type Cert struct {
	Cert    *x509.Certificate
	TLSCert tls.Certificate
}

// Generate creates a new Ed25519 self-signed certificate.
func Generate(cfg Config) (*Cert, error) {
	if cfg.ValidFor <= 0 {
		cfg.ValidFor = 24 * time.Hour
	}

	pub, priv, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	serial, err := crand.Int(crand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "postoffice"},

		NotBefore: now.Add(-time.Minute),
		NotAfter:  now.Add(cfg.ValidFor),

		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range cfg.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(crand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}

	return &Cert{
		Cert: cert,
		TLSCert: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
			Leaf:        cert,
		},
	}, nil
}

// ServerConfig returns a TLS config presenting c.
func (c *Cert) ServerConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.TLSCert},
		MinVersion:   tls.VersionTLS13,
	}
}

// ClientConfig returns a TLS config that trusts only c.
func (c *Cert) ClientConfig() *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(c.Cert)
	return &tls.Config{
		RootCAs:    pool,
		ServerName: "localhost",
		MinVersion: tls.VersionTLS13,
	}
}

// InsecureClientConfig returns a TLS config that accepts any server
// certificate. Peers are still bound to each other by the handshake secret.
func InsecureClientConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
	}
}
