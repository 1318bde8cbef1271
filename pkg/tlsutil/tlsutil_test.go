package tlsutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
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

	"github.com/c360/semflow/errors"
)

// writeTestCert writes a self-signed certificate and key and returns their paths
func writeTestCert(t *testing.T) (certFile, keyFile string) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"Test Org"}, CommonName: "localhost"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0644))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}), 0600))
	return certFile, keyFile
}

func TestLoadClientConfig_Disabled(t *testing.T) {
	cfg, err := LoadClientConfig(ClientConfig{CAFiles: []string{"/does/not/matter"}})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestLoadClientConfig_CAAndClientCert(t *testing.T) {
	certFile, keyFile := writeTestCert(t)

	cfg, err := LoadClientConfig(ClientConfig{
		Enabled:    true,
		CAFiles:    []string{certFile},
		CertFile:   certFile,
		KeyFile:    keyFile,
		ServerName: "nats.internal",
		MinVersion: "1.3",
	})
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.NotNil(t, cfg.RootCAs)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, "nats.internal", cfg.ServerName)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	assert.False(t, cfg.InsecureSkipVerify)
}

func TestLoadClientConfig_Errors(t *testing.T) {
	certFile, keyFile := writeTestCert(t)
	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0644))

	tests := map[string]ClientConfig{
		"missing CA file": {Enabled: true, CAFiles: []string{filepath.Join(t.TempDir(), "nope.pem")}},
		"invalid CA PEM":  {Enabled: true, CAFiles: []string{garbage}},
		"cert without key": {Enabled: true, CertFile: certFile},
		"key without cert": {Enabled: true, KeyFile: keyFile},
		"mismatched pair":  {Enabled: true, CertFile: certFile, KeyFile: garbage},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadClientConfig(cfg)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestParseTLSVersion(t *testing.T) {
	assert.Equal(t, uint16(tls.VersionTLS13), parseTLSVersion("1.3"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("1.2"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion(""))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("1.0"))
}
