package tls

import (
	"crypto/tls"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account-security/internal/config"
)

func TestDevCertIsCachedUntilNearExpiry(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir)
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	gen.now = func() time.Time { return now }

	hosts := []string{"localhost", "127.0.0.1"}
	first, err := gen.GenerateCert(hosts)
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(first.Certificate[0])
	require.NoError(t, err)
	assert.NoError(t, leaf.VerifyHostname("localhost"))
	assert.NoError(t, leaf.VerifyHostname("127.0.0.1"))

	again, err := gen.GenerateCert(hosts)
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], again.Certificate[0])

	renamed, err := gen.GenerateCert([]string{"auth.internal"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Certificate[0], renamed.Certificate[0], "new host forces a new certificate")

	now = now.Add(devCertValidity - devCertRenewBefore + time.Hour)
	renewed, err := gen.GenerateCert([]string{"auth.internal"})
	require.NoError(t, err)
	assert.NotEqual(t, renamed.Certificate[0], renewed.Certificate[0])
}

func TestManagerFallsBackToDevCert(t *testing.T) {
	m := NewTLSManager(&TLSConfig{EnableTLS: true, Domain: "localhost", AutoCertDir: t.TempDir(), Environment: config.EnvDevelopment})

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	again, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	assert.Same(t, cert, again)

	assert.Equal(t, uint16(tls.VersionTLS12), m.GetTLSConfig().MinVersion)
}

func TestManagerRefusesSelfSignedInProduction(t *testing.T) {
	m := NewTLSManager(&TLSConfig{EnableTLS: true, Domain: "example.com", AutoCertDir: t.TempDir(), Environment: config.EnvProduction})

	_, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "example.com"})
	assert.Error(t, err)
}
