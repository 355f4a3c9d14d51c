package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// Enabled reports whether any TLS material is configured.
func (c *TLSConfig) Enabled() bool {
	return c != nil && (c.CACert != "" || c.NodeCert != "" || c.NodeKey != "")
}

// LoadTLSConfig builds a mutual-TLS *tls.Config from the PEM paths in cfg.
// If no paths are set it returns (nil, nil) and peers talk plain TCP.
func LoadTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	if cfg.CACert == "" || cfg.NodeCert == "" || cfg.NodeKey == "" {
		return nil, errors.New("tls: ca_cert, node_cert and node_key must all be set")
	}

	cert, err := tls.LoadX509KeyPair(cfg.NodeCert, cfg.NodeKey)
	if err != nil {
		return nil, fmt.Errorf("load node cert/key: %w", err)
	}
	caPEM, err := os.ReadFile(cfg.CACert)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("tls: failed to parse CA certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		RootCAs:      pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}
