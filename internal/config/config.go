// Package config loads signald's process configuration from a YAML
// file with environment-variable overrides, the same layering the
// teacher's config.Load uses.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	OIDC     OIDCConfig     `yaml:"oidc"`
	Etcd     EtcdConfig     `yaml:"etcd"`
	Relay    RelayConfig    `yaml:"relay"`
	Token    TokenConfig    `yaml:"token"`
}

// ServerConfig configures the three duplex WebSocket listeners plus the
// admin REST API, all served off one *http.Server (§6, §9).
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// OIDCConfig carries the provider coordinates authn.OIDCVerifier needs
// to verify a client/admin bearer token (§4.A).
type OIDCConfig struct {
	Issuer           string `yaml:"issuer"`
	ExpectedAudience string `yaml:"expected_audience"`
	JWKSURI          string `yaml:"jwks_uri"`
}

// EtcdConfig configures the leader election presence.RunElected uses to
// gate the relay sweep to a single instance (§9).
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
	LeaseTTL  int      `yaml:"lease_ttl_seconds"`
}

// RelayConfig overrides the relay package's defaults (§4.G).
type RelayConfig struct {
	Count            int `yaml:"count"`
	FreshnessSeconds int `yaml:"freshness_seconds"`
}

// TokenConfig overrides the default session-token lifetime (§4.A).
type TokenConfig struct {
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// Load reads configuration from a YAML file (if it exists) and applies
// environment variable overrides. When the file does not exist, only
// built-in defaults and environment variables are used — this allows
// signald to start with zero configuration for local development.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{Listen: "0.0.0.0:9090"},
		Postgres: PostgresConfig{
			DSN: "postgres://localhost:5432/signal?sslmode=disable",
		},
		Etcd: EtcdConfig{
			Endpoints: []string{"http://localhost:2379"},
			Prefix:    "/signal/election",
			LeaseTTL:  15,
		},
		Relay: RelayConfig{Count: 2, FreshnessSeconds: 120},
		Token: TokenConfig{SessionTTL: 8 * time.Hour},
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("SIGNAL_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("SIGNAL_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("SIGNAL_OIDC_ISSUER"); v != "" {
		cfg.OIDC.Issuer = v
	}
	if v := os.Getenv("SIGNAL_OIDC_AUDIENCE"); v != "" {
		cfg.OIDC.ExpectedAudience = v
	}
	if v := os.Getenv("SIGNAL_OIDC_JWKS_URI"); v != "" {
		cfg.OIDC.JWKSURI = v
	}
	if v := os.Getenv("SIGNAL_ETCD_ENDPOINTS"); v != "" {
		cfg.Etcd.Endpoints = strings.Split(v, ",")
	}
	if v := os.Getenv("SIGNAL_RELAY_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Relay.Count = n
		}
	}
	if v := os.Getenv("SIGNAL_TOKEN_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Token.SessionTTL = d
		}
	}

	return cfg, nil
}
