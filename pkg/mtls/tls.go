package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

// ErrNoCertificates is returned when a PEM bundle holds no certificates
var ErrNoCertificates = errors.New("no certificates found in PEM data")

// TLSConfig describes the agent's TLS material. All fields are optional;
// an empty config trusts the system roots and presents no client certificate.
type TLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
}

// LoadCertPool reads a PEM bundle from disk into a certificate pool
func LoadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle %s: %w", path, err)
	}

	pool, err := CertPoolFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA bundle %s: %w", path, err)
	}
	return pool, nil
}

// CertPoolFromPEM parses every CERTIFICATE block in data
func CertPoolFromPEM(data []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	found := 0

	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		pool.AddCert(cert)
		found++
	}

	if found == 0 {
		return nil, ErrNoCertificates
	}
	return pool, nil
}

// ClientConfig builds a client-side *tls.Config from the configured files
func (c TLSConfig) ClientConfig(logger *zap.Logger) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}

	if c.CAFile != "" {
		pool, err := LoadCertPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if c.CertFile != "" || c.KeyFile != "" {
		if c.CertFile == "" || c.KeyFile == "" {
			return nil, fmt.Errorf("both cert and key files are required for a client certificate")
		}

		pair, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}

		leaf, err := x509.ParseCertificate(pair.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse client certificate: %w", err)
		}
		if time.Now().After(leaf.NotAfter) {
			return nil, fmt.Errorf("client certificate expired at %s", leaf.NotAfter.Format(time.RFC3339))
		}

		logger.Info("Loaded client certificate",
			zap.String("subject", leaf.Subject.String()),
			zap.Time("not_after", leaf.NotAfter),
		)
		cfg.Certificates = []tls.Certificate{pair}
	}

	if c.InsecureSkipVerify {
		logger.Warn("TLS certificate verification is disabled")
	}

	return cfg, nil
}
