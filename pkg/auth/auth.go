// Package auth configures transport security between clients and storage
// targets: TLS material, peer identity extraction and the server
// interceptor that records who is calling.
package auth

import (
	"errors"
)

var (
	ErrInvalidCertificate = errors.New("invalid certificate")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidCA          = errors.New("invalid CA certificate")
)

// Identity is the authenticated peer of a transport connection.
type Identity struct {
	CommonName   string
	Organization []string
	SerialNumber string
}

// AuthConfig holds transport security configuration
type AuthConfig struct {
	Enabled           bool     `json:"enabled" mapstructure:"enabled"`
	CAPath            string   `json:"ca_cert" mapstructure:"ca_cert"`
	CertPath          string   `json:"cert" mapstructure:"cert"`
	KeyPath           string   `json:"key" mapstructure:"key"`
	ClientCAPath      string   `json:"client_ca,omitempty" mapstructure:"client_ca"`
	RequireClientAuth bool     `json:"require_client_auth" mapstructure:"require_client_auth"`
	AllowedPeers      []string `json:"allowed_peers,omitempty" mapstructure:"allowed_peers"`
	MinTLSVersion     string   `json:"min_tls_version,omitempty" mapstructure:"min_tls_version"`
}

// DefaultAuthConfig returns default authentication configuration
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		Enabled:           false,
		RequireClientAuth: false,
		MinTLSVersion:     "1.2",
	}
}

// Validate checks if the authentication configuration is valid
func (c *AuthConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.CAPath == "" {
		return errors.New("CA certificate path is required when authentication is enabled")
	}

	if c.CertPath == "" || c.KeyPath == "" {
		return errors.New("certificate and key paths are required when authentication is enabled")
	}

	return nil
}
