// Package relayconfig loads Relay's process configuration: KV store
// connection, remote repo host credentials, cron secret, and request
// deadlines, layering .env files, a YAML config file, and environment
// variables the way the teacher's config package does.
package relayconfig

import (
	"fmt"
	"os"
	"time"

	relayerrors "github.com/luljaj/relay/internal/errors"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all process-wide settings.
type Config struct {
	KV                 KVConfig
	RemoteHost         RemoteHostConfig
	CronSecret         string `mapstructure:"cron_secret"`
	RequestDeadline    time.Duration `mapstructure:"request_deadline"`
	GraphBuildDeadline time.Duration `mapstructure:"graph_build_deadline"`
	Port               int           `mapstructure:"port"`
	// CanonicalRepoURL, if set, rewrites every repo_url to a single
	// deployment-chosen value before dispatch, on both the plain-JSON and
	// the JSON-RPC surface.
	CanonicalRepoURL string `mapstructure:"canonical_repo_url"`
}

type KVConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

type RemoteHostConfig struct {
	Token        string        `mapstructure:"token"`
	RateLimit    int           `mapstructure:"rate_limit"`
	HeadCacheTTL time.Duration `mapstructure:"head_cache_ttl"`
}

// Default returns the baseline configuration before overrides are applied.
func Default() *Config {
	return &Config{
		RemoteHost: RemoteHostConfig{
			RateLimit:    10,
			HeadCacheTTL: 30 * time.Second,
		},
		RequestDeadline:    5 * time.Second,
		GraphBuildDeadline: 30 * time.Second,
		Port:               8080,
	}
}

// Load reads .env files, a YAML config (if present), then applies the
// literal env vars spec.md §6.10 names as the final, highest-precedence
// override.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	v := viper.New()
	v.SetConfigType("yaml")

	cfg := Default()
	v.SetDefault("remote_host", cfg.RemoteHost)
	v.SetDefault("request_deadline", cfg.RequestDeadline)
	v.SetDefault("graph_build_deadline", cfg.GraphBuildDeadline)
	v.SetDefault("port", cfg.Port)

	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("relay")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)

	if cfg.KV.URL == "" {
		return nil, relayerrors.InternalErrorf("KV_URL is required")
	}
	if cfg.CronSecret == "" {
		return nil, relayerrors.InternalErrorf("CRON_SECRET is required")
	}

	return cfg, nil
}

func loadEnvFiles() {
	for _, file := range []string{".env.local", ".env"} {
		if _, err := os.Stat(file); err == nil {
			godotenv.Load(file)
		}
	}
}

// applyEnvOverrides applies the literal environment variables spec.md
// §6.10 names. These take precedence over everything else.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KV_URL"); v != "" {
		cfg.KV.URL = v
	}
	if v := os.Getenv("KV_TOKEN"); v != "" {
		cfg.KV.Token = v
	}
	if v := os.Getenv("REMOTE_HOST_TOKEN"); v != "" {
		cfg.RemoteHost.Token = v
	}
	if v := os.Getenv("CRON_SECRET"); v != "" {
		cfg.CronSecret = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := parsePort(v); err == nil {
			cfg.Port = p
		}
	}
}

func parsePort(s string) (int, error) {
	var p int
	_, err := fmt.Sscanf(s, "%d", &p)
	return p, err
}
