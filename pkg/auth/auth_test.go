package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSelfSigned writes a self-signed CA certificate usable as both the
// CA and the leaf, returning the certificate and key paths.
func writeSelfSigned(t *testing.T, dir, commonName string) (certPath, keyPath string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"stripefs"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPath = filepath.Join(dir, commonName+".crt")
	keyPath = filepath.Join(dir, commonName+".key")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600))
	return certPath, keyPath
}

func TestAuthConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultAuthConfig().Validate())

	cfg := &AuthConfig{Enabled: true}
	assert.Error(t, cfg.Validate())

	cfg.CAPath = "/tmp/ca.crt"
	assert.Error(t, cfg.Validate())

	cfg.CertPath = "/tmp/cert.crt"
	cfg.KeyPath = "/tmp/key.pem"
	assert.NoError(t, cfg.Validate())
}

func TestDisabledBuilderReturnsNil(t *testing.T) {
	b, err := NewTLSConfigBuilder(nil)
	require.NoError(t, err)

	server, err := b.BuildServerConfig()
	require.NoError(t, err)
	assert.Nil(t, server)

	client, err := b.BuildClientConfig()
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestBuildServerAndClientConfig(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSigned(t, dir, "target-1")

	cfg := &AuthConfig{
		Enabled:           true,
		CAPath:            certPath,
		CertPath:          certPath,
		KeyPath:           keyPath,
		RequireClientAuth: true,
		MinTLSVersion:     "1.3",
	}
	b, err := NewTLSConfigBuilder(cfg)
	require.NoError(t, err)

	server, err := b.BuildServerConfig()
	require.NoError(t, err)
	require.NotNil(t, server)
	assert.Equal(t, tls.RequireAndVerifyClientCert, server.ClientAuth)
	assert.Equal(t, uint16(tls.VersionTLS13), server.MinVersion)
	assert.Len(t, server.Certificates, 1)

	client, err := b.BuildClientConfig()
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.NotNil(t, client.RootCAs)
	assert.Len(t, client.Certificates, 1)
}

func TestInvalidCA(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSigned(t, dir, "target-1")
	bogus := filepath.Join(dir, "bogus.crt")
	require.NoError(t, os.WriteFile(bogus, []byte("not a certificate"), 0600))

	b, err := NewTLSConfigBuilder(&AuthConfig{Enabled: true, CAPath: bogus, CertPath: certPath, KeyPath: keyPath})
	require.NoError(t, err)

	_, err = b.BuildClientConfig()
	assert.True(t, errors.Is(err, ErrInvalidCA))
}

func TestAllowedPeers(t *testing.T) {
	dir := t.TempDir()
	certPath, _ := writeSelfSigned(t, dir, "client-7")
	pemBytes, err := os.ReadFile(certPath)
	require.NoError(t, err)
	block, _ := pem.Decode(pemBytes)
	require.NotNil(t, block)

	b := &TLSConfigBuilder{config: &AuthConfig{AllowedPeers: []string{"client-7"}}}
	assert.NoError(t, b.verifyPeerCertificate([][]byte{block.Bytes}, nil))

	b.config.AllowedPeers = []string{"someone-else"}
	err = b.verifyPeerCertificate([][]byte{block.Bytes}, nil)
	assert.True(t, errors.Is(err, ErrUnauthorized))

	err = b.verifyPeerCertificate(nil, nil)
	assert.True(t, errors.Is(err, ErrInvalidCertificate))
}

func TestPeerIdentityAbsent(t *testing.T) {
	_, ok := PeerIdentity(context.Background())
	assert.False(t, ok)
}
