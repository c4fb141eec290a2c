// Package config reads fixture defaults from LDAPCONTAINER_* environment
// variables. Explicit options on a container always win over these.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Prefix is prepended to every variable name.
const Prefix = "LDAPCONTAINER_"

// Config holds the environment-driven defaults.
type Config struct {
	Image          string        `env:"IMAGE" envDefault:"bitnami/openldap:2.6.6"`
	StartupTimeout time.Duration `env:"STARTUP_TIMEOUT" envDefault:"60s"`
	PollInterval   time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	Runtime        string        `env:"RUNTIME" envDefault:"docker"`
}

// Load reads the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// FromMap reads vars instead of the process environment. Keys carry the
// prefix, as they would in the environment.
func FromMap(vars map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("parse env: %sPOLL_INTERVAL must be positive, got %s", Prefix, cfg.PollInterval)
	}
	return cfg, nil
}
