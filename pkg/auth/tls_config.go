package auth

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfigBuilder builds TLS configurations for storage targets and clients
type TLSConfigBuilder struct {
	config *AuthConfig
}

// NewTLSConfigBuilder creates a new TLS configuration builder
func NewTLSConfigBuilder(config *AuthConfig) (*TLSConfigBuilder, error) {
	if config == nil {
		config = DefaultAuthConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &TLSConfigBuilder{config: config}, nil
}

// BuildServerConfig creates TLS configuration for storage targets. It
// returns nil when authentication is disabled.
func (b *TLSConfigBuilder) BuildServerConfig() (*tls.Config, error) {
	if !b.config.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(b.config.CertPath, b.config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   b.getTLSVersion(),
	}

	if b.config.RequireClientAuth {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert

		clientCAPool, err := b.loadCAPool(b.config.ClientCAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client CA pool: %w", err)
		}
		tlsConfig.ClientCAs = clientCAPool
		tlsConfig.VerifyPeerCertificate = b.verifyPeerCertificate
	}

	return tlsConfig, nil
}

// BuildClientConfig creates TLS configuration for clients. It returns nil
// when authentication is disabled.
func (b *TLSConfigBuilder) BuildClientConfig() (*tls.Config, error) {
	if !b.config.Enabled {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		MinVersion: b.getTLSVersion(),
	}

	caPool, err := b.loadCAPool(b.config.CAPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA pool: %w", err)
	}
	tlsConfig.RootCAs = caPool

	if b.config.CertPath != "" && b.config.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(b.config.CertPath, b.config.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if len(b.config.AllowedPeers) > 0 {
		tlsConfig.VerifyPeerCertificate = b.verifyPeerCertificate
	}

	return tlsConfig, nil
}

// verifyPeerCertificate restricts peers to the configured common names
func (b *TLSConfigBuilder) verifyPeerCertificate(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("%w: no certificates provided", ErrInvalidCertificate)
	}

	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}

	return b.checkAllowed(IdentityFromCertificate(cert))
}

func (b *TLSConfigBuilder) checkAllowed(identity *Identity) error {
	if len(b.config.AllowedPeers) == 0 {
		return nil
	}
	for _, allowed := range b.config.AllowedPeers {
		if identity.CommonName == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: peer %s not allowed", ErrUnauthorized, identity.CommonName)
}

// loadCAPool loads a CA certificate pool from file
func (b *TLSConfigBuilder) loadCAPool(path string) (*x509.CertPool, error) {
	if path == "" {
		path = b.config.CAPath
	}

	caCert, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caCert) {
		return nil, ErrInvalidCA
	}

	return caPool, nil
}

// getTLSVersion returns the minimum TLS version from config
func (b *TLSConfigBuilder) getTLSVersion() uint16 {
	switch b.config.MinTLSVersion {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

// IdentityFromCertificate extracts the peer identity from a certificate.
func IdentityFromCertificate(cert *x509.Certificate) *Identity {
	return &Identity{
		CommonName:   cert.Subject.CommonName,
		Organization: cert.Subject.Organization,
		SerialNumber: cert.SerialNumber.String(),
	}
}
