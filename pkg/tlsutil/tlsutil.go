// Package tlsutil builds client TLS configurations for outbound connections
// such as NATS.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/c360/semflow/errors"
)

// ClientConfig describes how to verify a server and, optionally, which
// certificate to present to it. The system CA bundle is always trusted;
// CAFiles add to it.
type ClientConfig struct {
	Enabled            bool     `json:"enabled"`
	CAFiles            []string `json:"ca_files,omitempty"`
	CertFile           string   `json:"cert_file,omitempty"`
	KeyFile            string   `json:"key_file,omitempty"`
	ServerName         string   `json:"server_name,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty"` // tests only
	MinVersion         string   `json:"min_version,omitempty"          validate:"omitempty,oneof=1.2 1.3"`
}

// LoadClientConfig creates a tls.Config from cfg. It returns nil when TLS
// is disabled.
func LoadClientConfig(cfg ClientConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	for _, caFile := range cfg.CAFiles {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, errors.WrapInvalid(err, "tlsutil", "LoadClientConfig", fmt.Sprintf("read CA file %s", caFile))
		}
		if !rootCAs.AppendCertsFromPEM(caPEM) {
			return nil, errors.WrapInvalid(fmt.Errorf("invalid PEM data"),
				"tlsutil", "LoadClientConfig", fmt.Sprintf("parse CA certificate from %s", caFile))
		}
	}

	tlsConfig := &tls.Config{
		RootCAs:            rootCAs,
		MinVersion:         parseTLSVersion(cfg.MinVersion),
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "tlsutil", "LoadClientConfig",
				"cert_file and key_file must be set together")
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapInvalid(err, "tlsutil", "LoadClientConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// parseTLSVersion returns TLS 1.2 unless "1.3" is asked for
func parseTLSVersion(version string) uint16 {
	if version == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
