// Package config defines negclient's runtime configuration, loaded from an
// optional file via viper and decoded into this struct with mapstructure.
package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/nogringo/nip77/client"
	"github.com/nogringo/nip77/reconcile"
	"github.com/nogringo/nip77/session"
)

// Config holds the settings a negclient invocation needs: which relay to
// talk to and the timeouts/limits that govern one reconciliation session.
type Config struct {
	RelayURL       string        `mapstructure:"relay-url"`
	FrameSizeLimit int           `mapstructure:"frame-size-limit"`
	OpenTimeout    time.Duration `mapstructure:"open-timeout"`
	RoundTimeout   time.Duration `mapstructure:"round-timeout"`
	PublishTimeout time.Duration `mapstructure:"publish-timeout"`
}

// DefaultConfig returns the settings negclient uses when no config file
// overrides them.
func DefaultConfig() Config {
	return Config{
		RelayURL:       "wss://relay.example.com",
		FrameSizeLimit: reconcile.DefaultFrameSizeLimit,
		OpenTimeout:    session.OpenTimeout,
		RoundTimeout:   session.RoundTimeout,
		PublishTimeout: 10 * time.Second,
	}
}

// Load reads path (if non-empty) into a Config seeded with DefaultConfig.
// An empty path returns DefaultConfig unchanged.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// SessionOptions returns the session.Option set Config implies.
func (c Config) SessionOptions() []session.Option {
	return []session.Option{
		session.WithOpenTimeout(c.OpenTimeout),
		session.WithRoundTimeout(c.RoundTimeout),
	}
}

// ReconcileOptions returns the reconcile.Option set Config implies.
func (c Config) ReconcileOptions() []reconcile.Option {
	return []reconcile.Option{
		reconcile.WithFrameSizeLimit(c.FrameSizeLimit),
	}
}

// ClientOptions returns the client.Option set Config implies, threading its
// SessionOptions and ReconcileOptions into every Sync call a Client makes.
func (c Config) ClientOptions() []client.Option {
	return []client.Option{
		client.WithSessionOptions(c.SessionOptions()...),
		client.WithReconcileOptions(c.ReconcileOptions()...),
	}
}
