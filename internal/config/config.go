// Package config loads service configuration from AUTHMESH_* environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// API configures the auth service binary.
type API struct {
	Addr        string        `env:"AUTHMESH_ADDR"                   envDefault:":8080"`
	PostgresDSN string        `env:"AUTHMESH_PG_DSN"`
	Issuer      string        `env:"AUTHMESH_ISSUER"                 envDefault:"authmesh"`
	AccessTTL   time.Duration `env:"AUTHMESH_ACCESS_TTL"             envDefault:"1h"`
	RefreshTTL  time.Duration `env:"AUTHMESH_REFRESH_TTL"            envDefault:"168h"`
	RotateOnUse bool          `env:"AUTHMESH_ROTATE_REFRESH_ON_USE"  envDefault:"false"`

	// SigningKeyPEM holds the PKCS#8 RSA private key. When empty a fresh
	// 2048-bit key is generated at startup and tokens do not survive a
	// restart.
	SigningKeyPEM string `env:"AUTHMESH_SIGNING_KEY_PEM"`

	EventPartitions int `env:"AUTHMESH_EVENT_PARTITIONS" envDefault:"8"`

	RateLimitBurst     int `env:"AUTHMESH_RATE_BURST"      envDefault:"20"`
	RateLimitPerSecond int `env:"AUTHMESH_RATE_PER_SECOND" envDefault:"10"`
}

// Projector configures the consumer binary.
type Projector struct {
	Addr        string `env:"AUTHMESH_PROJECTOR_ADDR"  envDefault:":8081"`
	PostgresDSN string `env:"AUTHMESH_PG_DSN"`
	Issuer      string `env:"AUTHMESH_ISSUER"          envDefault:"authmesh"`
	Group       string `env:"AUTHMESH_CONSUMER_GROUP"  envDefault:"projector"`

	// SourceURL is the base URL of the auth service's event feed.
	SourceURL string `env:"AUTHMESH_SOURCE_URL" envDefault:"http://localhost:8080"`

	// JWKSURL locates the signing keys for bearer verification. Defaults
	// to the well-known path under SourceURL when empty.
	JWKSURL string `env:"AUTHMESH_JWKS_URL"`
}

// LoadAPI parses the auth service configuration.
func LoadAPI() (API, error) {
	var cfg API
	if err := env.Parse(&cfg); err != nil {
		return API{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.EventPartitions <= 0 {
		return API{}, fmt.Errorf("AUTHMESH_EVENT_PARTITIONS must be positive")
	}
	return cfg, nil
}

// LoadProjector parses the consumer configuration.
func LoadProjector() (Projector, error) {
	var cfg Projector
	if err := env.Parse(&cfg); err != nil {
		return Projector{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = cfg.SourceURL + "/.well-known/jwks.json"
	}
	return cfg, nil
}
