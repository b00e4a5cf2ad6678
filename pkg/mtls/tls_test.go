package mtls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// writeSelfSigned writes a self-signed certificate and its key under dir and
// returns their paths
func writeSelfSigned(t *testing.T, dir string, notAfter time.Time) (certPath, keyPath string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "vessel-agent-test"},
		NotBefore:             time.Now().Add(-2 * time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "tls.crt")
	keyPath = filepath.Join(dir, "tls.key")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600))
	return certPath, keyPath
}

func TestLoadCertPool(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSigned(t, dir, time.Now().Add(time.Hour))

	pool, err := LoadCertPool(certPath)
	require.NoError(t, err)
	assert.NotNil(t, pool)

	// a key file holds no CERTIFICATE blocks
	_, err = LoadCertPool(keyPath)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCertificates)

	_, err = LoadCertPool(filepath.Join(dir, "missing.crt"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read CA bundle")
}

func TestCertPoolFromPEM_Garbage(t *testing.T) {
	_, err := CertPoolFromPEM([]byte("not pem"))
	assert.ErrorIs(t, err, ErrNoCertificates)

	bad := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte("junk")})
	_, err = CertPoolFromPEM(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse certificate")
}

func TestTLSConfig_ClientConfig(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSigned(t, dir, time.Now().Add(time.Hour))

	expiredDir := t.TempDir()
	expiredCert, expiredKey := writeSelfSigned(t, expiredDir, time.Now().Add(-time.Hour))

	tests := []struct {
		name      string
		cfg       TLSConfig
		wantErr   string
		wantCerts int
		wantRoots bool
	}{
		{
			name: "empty",
			cfg:  TLSConfig{},
		},
		{
			name:      "ca only",
			cfg:       TLSConfig{CAFile: certPath},
			wantRoots: true,
		},
		{
			name:      "client certificate",
			cfg:       TLSConfig{CAFile: certPath, CertFile: certPath, KeyFile: keyPath},
			wantCerts: 1,
			wantRoots: true,
		},
		{
			name:    "cert without key",
			cfg:     TLSConfig{CertFile: certPath},
			wantErr: "both cert and key files are required",
		},
		{
			name:    "expired client certificate",
			cfg:     TLSConfig{CertFile: expiredCert, KeyFile: expiredKey},
			wantErr: "client certificate expired",
		},
		{
			name:    "missing ca",
			cfg:     TLSConfig{CAFile: filepath.Join(dir, "nope")},
			wantErr: "failed to read CA bundle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := tt.cfg.ClientConfig(zap.NewNop())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, cfg.Certificates, tt.wantCerts)
			assert.Equal(t, tt.wantRoots, cfg.RootCAs != nil)
		})
	}
}
