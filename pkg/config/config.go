package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for every tunable. Changing BlockSize after deployment is
// unsupported: stored maps assume it.
const (
	DefaultBlockSize                = 4 * 1024 * 1024
	DefaultHashAlgorithm            = "sha256"
	DefaultAccountQuota             = 0 // unbounded
	DefaultContainerQuota           = 0 // unbounded
	DefaultContainerVersioning      = "auto"
	DefaultFreeVersioning           = true
	DefaultMapCheckInterval         = 5 * time.Second
	DefaultPublicURLSecurity        = 16
	DefaultPublicURLAlphabet        = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	DefaultListingLimit             = 10000
	DefaultStatisticsAncestorsDepth = -1 // unlimited
	DefaultDiskspaceResource        = "amphora.diskspace"
	DefaultClientKey                = "amphora"
	DefaultReconcileInterval        = 60 * time.Second
)

// Config holds the full backend configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`

	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	BlockSize     int64  `yaml:"block_size"`
	HashAlgorithm string `yaml:"hash_algorithm"`

	DefaultAccountQuota        int64  `yaml:"default_account_quota"`
	DefaultContainerQuota      int64  `yaml:"default_container_quota"`
	DefaultContainerVersioning string `yaml:"default_container_versioning"`

	// FreeVersioning controls whether history bytes count against quota.
	// When true, purged history refunds nothing because it was never
	// charged.
	FreeVersioning bool `yaml:"free_versioning"`

	MapCheckInterval time.Duration `yaml:"map_check_interval"`

	PublicURLSecurity int    `yaml:"public_url_security"`
	PublicURLAlphabet string `yaml:"public_url_alphabet"`

	ListingLimit int `yaml:"listing_limit"`

	// UpdateStatisticsAncestorsDepth bounds how far up the tree aggregate
	// statistics propagate on version changes. -1 means unlimited.
	UpdateStatisticsAncestorsDepth int `yaml:"update_statistics_ancestors_depth"`

	DiskspaceResource string `yaml:"diskspace_resource"`

	// ClientKey identifies this service to the quotaholder.
	ClientKey string `yaml:"client_key"`

	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns a configuration populated with the deployment defaults.
func Default() *Config {
	return &Config{
		DataDir:                        "data",
		ListenAddr:                     ":8080",
		MetricsAddr:                    ":9090",
		BlockSize:                      DefaultBlockSize,
		HashAlgorithm:                  DefaultHashAlgorithm,
		DefaultAccountQuota:            DefaultAccountQuota,
		DefaultContainerQuota:          DefaultContainerQuota,
		DefaultContainerVersioning:     DefaultContainerVersioning,
		FreeVersioning:                 DefaultFreeVersioning,
		MapCheckInterval:               DefaultMapCheckInterval,
		PublicURLSecurity:              DefaultPublicURLSecurity,
		PublicURLAlphabet:              DefaultPublicURLAlphabet,
		ListingLimit:                   DefaultListingLimit,
		UpdateStatisticsAncestorsDepth: DefaultStatisticsAncestorsDepth,
		DiskspaceResource:              DefaultDiskspaceResource,
		ClientKey:                      DefaultClientKey,
		ReconcileInterval:              DefaultReconcileInterval,
		LogLevel:                       "info",
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the backend cannot run with.
func (c *Config) Validate() error {
	if c.BlockSize <= 0 || c.BlockSize&(c.BlockSize-1) != 0 {
		return fmt.Errorf("block_size must be a power of two, got %d", c.BlockSize)
	}
	switch c.HashAlgorithm {
	case "sha256", "sha512", "sha1", "md5":
	default:
		return fmt.Errorf("unsupported hash_algorithm %q", c.HashAlgorithm)
	}
	switch c.DefaultContainerVersioning {
	case "auto", "none":
	default:
		return fmt.Errorf("default_container_versioning must be auto or none, got %q",
			c.DefaultContainerVersioning)
	}
	if c.PublicURLSecurity <= 0 {
		return fmt.Errorf("public_url_security must be positive, got %d", c.PublicURLSecurity)
	}
	if len(c.PublicURLAlphabet) < 2 {
		return fmt.Errorf("public_url_alphabet needs at least two symbols")
	}
	if c.ListingLimit <= 0 || c.ListingLimit > DefaultListingLimit {
		c.ListingLimit = DefaultListingLimit
	}
	return nil
}
