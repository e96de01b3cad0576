package config

import (
	"time"

	"stripefs/pkg/auth"
	"stripefs/pkg/types"
)

const (
	DefaultChunkSize       = 64 * 1024
	DefaultStorageCapacity = 1024 * 1024 * 1024 // 1GiB
	DefaultTargetAddress   = ":7001"
	DefaultPrincipal       = "stripefs"
)

type Placement string

const (
	// PlacementRotation puts slot i on target (rank+i) mod stripe count.
	PlacementRotation Placement = "rotation"
	// PlacementPermutation shuffles targets with a PRNG seeded per client.
	PlacementPermutation Placement = "permutation"
)

// Config is the configuration of one filesystem client context and the
// storage targets it talks to.
type Config struct {
	Principal  string
	Rank       int
	Layout     LayoutConfig
	Capability CapabilityConfig
	Targets    []TargetConfig
	// SimulatedIOPattern is a glob; files whose name matches it do not
	// touch storage targets on read and write.
	SimulatedIOPattern string
	Auth               *auth.AuthConfig
}

type LayoutConfig struct {
	DefaultChunkSize   int
	DefaultStripeCount int
	Placement          Placement
	Seed               uint64
}

type CapabilityConfig struct {
	SigningKey string
	TTL        time.Duration
}

type TargetConfig struct {
	TargetID        types.TargetID
	Address         string
	DataDir         string
	StorageCapacity int64
}

// Credential is the identity this client presents to the authorization service.
func (c *Config) Credential() types.Credential {
	return types.Credential{Principal: c.Principal}
}

// TargetIDs lists the configured targets in configuration order.
func (c *Config) TargetIDs() []types.TargetID {
	ids := make([]types.TargetID, 0, len(c.Targets))
	for _, t := range c.Targets {
		ids = append(ids, t.TargetID)
	}
	return ids
}

// Default returns a configuration with every default applied and no targets.
func Default() *Config {
	return &Config{
		Principal: DefaultPrincipal,
		Layout: LayoutConfig{
			DefaultChunkSize: DefaultChunkSize,
			Placement:        PlacementRotation,
		},
		Auth: auth.DefaultAuthConfig(),
	}
}
