package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"stripefs/pkg/auth"
	"stripefs/pkg/types"
	"stripefs/pkg/utils"
)

// TargetConfigRaw represents the raw target structure with
// storage_capacity as a string or number
type TargetConfigRaw struct {
	TargetID        uint32      `mapstructure:"target_id"`
	Address         string      `mapstructure:"address"`
	DataDir         string      `mapstructure:"data_dir"`
	StorageCapacity interface{} `mapstructure:"storage_capacity"` // Can be string or number
}

// ConfigRaw represents the raw file structure with flexible size types
type ConfigRaw struct {
	Principal string `mapstructure:"principal"`
	Rank      int    `mapstructure:"rank"`
	Layout    struct {
		DefaultChunkSize   interface{} `mapstructure:"default_chunk_size"`
		DefaultStripeCount int         `mapstructure:"default_stripe_count"`
		Placement          string      `mapstructure:"placement"`
		Seed               uint64      `mapstructure:"seed"`
	} `mapstructure:"layout"`
	Capability struct {
		SigningKey string        `mapstructure:"signing_key"`
		TTL        time.Duration `mapstructure:"ttl"`
	} `mapstructure:"capability"`
	Targets            []TargetConfigRaw `mapstructure:"targets"`
	SimulatedIOPattern string            `mapstructure:"simulated_io_pattern"`
	Auth               *auth.AuthConfig  `mapstructure:"auth"`
}

// Load reads configuration from path (JSON, YAML or TOML, by extension) and
// STRIPEFS_* environment variables. An empty path uses defaults and the
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STRIPEFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("principal", DefaultPrincipal)
	v.SetDefault("rank", 0)
	v.SetDefault("layout.default_chunk_size", DefaultChunkSize)
	v.SetDefault("layout.default_stripe_count", 0)
	v.SetDefault("layout.placement", string(PlacementRotation))
	v.SetDefault("layout.seed", 0)
	v.SetDefault("capability.signing_key", "")
	v.SetDefault("capability.ttl", time.Duration(0))
	v.SetDefault("simulated_io_pattern", "")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var raw ConfigRaw
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return FromRaw(raw)
}

// FromRaw converts and validates a raw configuration.
func FromRaw(raw ConfigRaw) (*Config, error) {
	cfg := Default()
	cfg.Principal = raw.Principal
	cfg.Rank = raw.Rank
	cfg.SimulatedIOPattern = raw.SimulatedIOPattern
	cfg.Capability = CapabilityConfig{
		SigningKey: raw.Capability.SigningKey,
		TTL:        raw.Capability.TTL,
	}
	if raw.Auth != nil {
		cfg.Auth = raw.Auth
	}

	chunkSize, err := parseSize(raw.Layout.DefaultChunkSize, DefaultChunkSize)
	if err != nil {
		return nil, fmt.Errorf("invalid default_chunk_size: %w", err)
	}
	cfg.Layout = LayoutConfig{
		DefaultChunkSize:   int(chunkSize),
		DefaultStripeCount: raw.Layout.DefaultStripeCount,
		Placement:          Placement(raw.Layout.Placement),
		Seed:               raw.Layout.Seed,
	}
	if cfg.Layout.Placement == "" {
		cfg.Layout.Placement = PlacementRotation
	}

	for i, t := range raw.Targets {
		target, err := ParseTargetConfig(t)
		if err != nil {
			return nil, fmt.Errorf("target %d: %w", i, err)
		}
		cfg.Targets = append(cfg.Targets, target)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseTargetConfig converts TargetConfigRaw to TargetConfig, parsing storage capacity
func ParseTargetConfig(raw TargetConfigRaw) (TargetConfig, error) {
	cfg := TargetConfig{
		TargetID: types.TargetID(raw.TargetID),
		Address:  raw.Address,
		DataDir:  raw.DataDir,
	}

	capacity, err := parseSize(raw.StorageCapacity, DefaultStorageCapacity)
	if err != nil {
		return cfg, fmt.Errorf("invalid storage capacity format: %w", err)
	}
	cfg.StorageCapacity = capacity

	return cfg, nil
}

// parseSize accepts a number or a human-friendly size string
func parseSize(value interface{}, defaultSize int64) (int64, error) {
	switch v := value.(type) {
	case nil:
		return defaultSize, nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		// JSON numbers are parsed as float64
		return int64(v), nil
	case string:
		return utils.ParseDataSize(v)
	default:
		return 0, fmt.Errorf("size must be a number or string, got %T", v)
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Principal == "" {
		return fmt.Errorf("%w: principal is required", types.ErrConfiguration)
	}
	if c.Rank < 0 {
		return fmt.Errorf("%w: rank must not be negative", types.ErrConfiguration)
	}
	if c.Layout.DefaultChunkSize <= 0 || int64(c.Layout.DefaultChunkSize) > int64(^uint32(0)>>1) {
		return fmt.Errorf("%w: default chunk size %d", types.ErrConfiguration, c.Layout.DefaultChunkSize)
	}
	if c.Layout.DefaultStripeCount < 0 {
		return fmt.Errorf("%w: default stripe count %d", types.ErrConfiguration, c.Layout.DefaultStripeCount)
	}
	switch c.Layout.Placement {
	case PlacementRotation, PlacementPermutation:
	default:
		return fmt.Errorf("%w: unknown placement %q", types.ErrConfiguration, c.Layout.Placement)
	}

	seen := make(map[types.TargetID]bool, len(c.Targets))
	for _, t := range c.Targets {
		if seen[t.TargetID] {
			return fmt.Errorf("%w: duplicate target id %d", types.ErrConfiguration, t.TargetID)
		}
		seen[t.TargetID] = true
		if t.StorageCapacity <= 0 {
			return fmt.Errorf("%w: target %d capacity %d", types.ErrConfiguration, t.TargetID, t.StorageCapacity)
		}
	}

	if c.Auth != nil {
		if err := c.Auth.Validate(); err != nil {
			return fmt.Errorf("%w: %v", types.ErrConfiguration, err)
		}
	}
	return nil
}
