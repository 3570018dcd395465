package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads, decodes and validates the YAML configuration file at path.
// Defaults are applied first (config.NewDefaultConfig), then overridden by
// whatever the file specifies, following the teacher's config.Load layering
// of defaults-then-file-then-environment (config/config.go, config_load.go).
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	cfg := NewDefaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	cfg.Source = path

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return cfg, nil
}

// Environment variable names for secrets that should not live in the YAML
// file on disk, following the teacher's EnvSmtpUsername/EnvSmtpPassword
// convention (config/config.go).
const (
	EnvSmtpUser        = "CHALLENGER_SMTP_USER"
	EnvSmtpPassword    = "CHALLENGER_SMTP_PASSWORD"
	EnvImapPassword    = "CHALLENGER_IMAP_PASSWORD"
	EnvMatrixPassword  = "CHALLENGER_MATRIX_PASSWORD"
	EnvTwitterToken    = "CHALLENGER_TWITTER_TOKEN"
	EnvTwitterSecret   = "CHALLENGER_TWITTER_TOKEN_SECRET"
	EnvWatcherAuthFmt  = "CHALLENGER_WATCHER_AUTH_%s" // formatted with upper-cased chain
)

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvSmtpUser); v != "" {
		cfg.Instance.Email.User = v
	}
	if v := os.Getenv(EnvSmtpPassword); v != "" {
		cfg.Instance.Email.Password = v
	}
	if v := os.Getenv(EnvMatrixPassword); v != "" {
		cfg.Instance.Matrix.Password = v
	}
	if v := os.Getenv(EnvTwitterToken); v != "" {
		cfg.Instance.Twitter.Token = v
	}
	if v := os.Getenv(EnvTwitterSecret); v != "" {
		cfg.Instance.Twitter.TokenSecret = v
	}
}

// Reload re-reads and validates path and returns a function suitable for
// wiring into a SIGHUP handler, following the teacher's config.Reload
// closure pattern (config/reload.go) but reading from a file path instead
// of the teacher's encrypted database-backed secure store, since this
// domain has no multi-tenant config store (spec.md non-goals).
func Reload(path string, provider *Provider) func() error {
	return func() error {
		cfg, err := Load(path)
		if err != nil {
			return err
		}
		provider.Update(cfg)
		return nil
	}
}
