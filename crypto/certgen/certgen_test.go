package certgen_test

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/poschain/config"
	"github.com/tolelom/poschain/crypto/certgen"
)

func TestGeneratedCertsLoadAsMutualTLS(t *testing.T) {
	dir := t.TempDir()
	paths, err := certgen.GenerateAll(dir, "node-a", nil)
	require.NoError(t, err)

	for _, p := range []string{paths.CACert, paths.NodeCert, paths.NodeKey} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), p)
	}

	cfg, err := config.LoadTLSConfig(paths)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)

	leaf, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "node-a", leaf.Subject.CommonName)
	assert.Contains(t, leaf.DNSNames, "localhost")
	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:     cfg.RootCAs,
		DNSName:   "node-a",
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	assert.NoError(t, err)
}

func TestRequiresNodeID(t *testing.T) {
	_, err := certgen.GenerateAll(t.TempDir(), "", nil)
	assert.Error(t, err)
}
