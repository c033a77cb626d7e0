// Package config loads gateway configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment overrides; "__" separates path segments,
// so REPGW_CACHE__TTL sets cache.ttl.
const EnvPrefix = "REPGW_"

// DefaultPath is the config file read when no path is given.
const DefaultPath = "config.yaml"

type Config struct {
	Server       ServerConfig    `koanf:"server"`
	Cache        CacheConfig     `koanf:"cache"`
	RateLimit    RateLimitConfig `koanf:"ratelimit"`
	Aggregate    AggregateConfig `koanf:"aggregate"`
	Search       SearchConfig    `koanf:"search"`
	Categories   []string        `koanf:"categories"`
	DefaultChain string          `koanf:"default_chain"`
	Chains       []ChainConfig   `koanf:"chains"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type CacheConfig struct {
	TTL time.Duration `koanf:"ttl"`
	// ForceLookback is how many blocks a forced refresh re-reads.
	ForceLookback uint64 `koanf:"force_lookback"`
	// RefreshTimeout bounds one chain scan.
	RefreshTimeout time.Duration `koanf:"refresh_timeout"`
}

// LimitConfig is one sliding-window limit.
type LimitConfig struct {
	Window time.Duration `koanf:"window"`
	Max    int           `koanf:"max"`
}

type RateLimitConfig struct {
	// Read throttles the read endpoints per client IP.
	Read LimitConfig `koanf:"read"`
	// Write throttles forced refreshes per wallet.
	Write LimitConfig `koanf:"write"`
}

type AggregateConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

type SearchConfig struct {
	BaseURL string        `koanf:"base_url"`
	Timeout time.Duration `koanf:"timeout"`
}

// ChainConfig describes one chain's RPC endpoint and registry contracts.
type ChainConfig struct {
	ID                 string `koanf:"id"`
	Name               string `koanf:"name"`
	RPCURL             string `koanf:"rpc_url"`
	ReputationRegistry string `koanf:"reputation_registry"`
	IdentityRegistry   string `koanf:"identity_registry"`
	// DeploymentBlock is where the first scan starts; zero means unknown and
	// the chain fails its refreshes until configured.
	DeploymentBlock uint64 `koanf:"deployment_block"`
	MaxBlockSpan    uint64 `koanf:"max_block_span"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (DefaultPath when empty), applies REPGW_ environment
// overrides and defaults, and validates the result. A missing file is not an
// error; the config then comes from the environment alone.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	setDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for i := range cfg.Chains {
		cfg.Chains[i].RPCURL = substituteEnvVars(cfg.Chains[i].RPCURL)
	}
	cfg.Search.BaseURL = substituteEnvVars(cfg.Search.BaseURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":            8080,
		"server.request_timeout": "30s",
		"cache.ttl":              "60s",
		"cache.force_lookback":   5000,
		"cache.refresh_timeout":  "2m",
		"ratelimit.read.window":  "1m",
		"ratelimit.read.max":     60,
		"ratelimit.write.window": "1m",
		"ratelimit.write.max":    5,
		"aggregate.timeout":      "10s",
		"search.timeout":         "10s",
	}
	for key, v := range defaults {
		if !k.Exists(key) {
			_ = k.Set(key, v)
		}
	}
}

// Validate checks the fields the gateway cannot start without.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	for name, l := range map[string]LimitConfig{"read": c.RateLimit.Read, "write": c.RateLimit.Write} {
		if l.Window <= 0 || l.Max <= 0 {
			errs = append(errs, fmt.Errorf("ratelimit.%s needs a positive window and max", name))
		}
	}
	if len(c.Chains) == 0 {
		errs = append(errs, errors.New("at least one chain must be configured"))
	}

	seen := make(map[string]bool, len(c.Chains))
	for i, ch := range c.Chains {
		switch {
		case ch.ID == "":
			errs = append(errs, fmt.Errorf("chains[%d]: id is required", i))
			continue
		case seen[ch.ID]:
			errs = append(errs, fmt.Errorf("chains[%d]: duplicate id %q", i, ch.ID))
		}
		seen[ch.ID] = true

		if ch.RPCURL == "" {
			errs = append(errs, fmt.Errorf("chain %s: rpc_url is required", ch.ID))
		}
		if !common.IsHexAddress(ch.ReputationRegistry) {
			errs = append(errs, fmt.Errorf("chain %s: reputation_registry %q is not an address", ch.ID, ch.ReputationRegistry))
		}
		if ch.IdentityRegistry != "" && !common.IsHexAddress(ch.IdentityRegistry) {
			errs = append(errs, fmt.Errorf("chain %s: identity_registry %q is not an address", ch.ID, ch.IdentityRegistry))
		}
	}

	if c.DefaultChain != "" && !seen[c.DefaultChain] {
		errs = append(errs, fmt.Errorf("default_chain %q is not configured", c.DefaultChain))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Chain returns the chain with the given id.
func (c *Config) Chain(id string) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.ID == id {
			return ch, true
		}
	}
	return ChainConfig{}, false
}

// Default returns the chain used when a request names none.
func (c *Config) Default() string {
	if c.DefaultChain != "" {
		return c.DefaultChain
	}
	if len(c.Chains) > 0 {
		return c.Chains[0].ID
	}
	return ""
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}
