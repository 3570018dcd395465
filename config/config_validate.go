package config

import "fmt"

// Validate aggregates per-section validation, following the teacher's
// config/config_validate.go pattern of one validateX per sub-struct.
func Validate(cfg *Config) error {
	if err := validateDb(&cfg.Db); err != nil {
		return fmt.Errorf("db: %w", err)
	}
	if err := validateInstance(&cfg.Instance); err != nil {
		return fmt.Errorf("instance: %w", err)
	}
	if err := validateBackup(&cfg.Backup); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	if err := validateServer(&cfg.Server, &cfg.Acme); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func validateDb(d *Db) error {
	if d.URI == "" {
		return fmt.Errorf("uri must not be empty")
	}
	return nil
}

func validateInstance(i *Instance) error {
	switch i.Role {
	case RoleAdapterListener, RoleSessionNotifier, RoleSingleInstance:
	default:
		return fmt.Errorf("role: unknown role %q", i.Role)
	}

	seen := make(map[string]bool)
	for _, w := range i.Watcher {
		if w.Chain == "" {
			return fmt.Errorf("watcher: chain must not be empty")
		}
		if seen[w.Chain] {
			return fmt.Errorf("watcher: duplicate chain %q", w.Chain)
		}
		seen[w.Chain] = true
		if w.Endpoint == "" {
			return fmt.Errorf("watcher[%s]: endpoint must not be empty", w.Chain)
		}
	}

	if i.DisplayName.Enabled && (i.DisplayName.Limit <= 0 || i.DisplayName.Limit > 1) {
		return fmt.Errorf("display_name: limit must be in (0,1], got %v", i.DisplayName.Limit)
	}

	if i.Matrix.Enabled {
		if i.Matrix.Homeserver == "" {
			return fmt.Errorf("matrix: homeserver must not be empty when enabled")
		}
		if i.Matrix.Username == "" {
			return fmt.Errorf("matrix: username must not be empty when enabled")
		}
	}

	if i.Twitter.Enabled && i.Twitter.RequestInterval <= 0 {
		return fmt.Errorf("twitter: request_interval must be positive when enabled")
	}

	if i.Email.Enabled {
		if i.Email.SmtpServer == "" || i.Email.ImapServer == "" {
			return fmt.Errorf("email: smtp_server and imap_server must not be empty when enabled")
		}
		if i.Email.RequestInterval <= 0 {
			return fmt.Errorf("email: request_interval must be positive when enabled")
		}
	}

	return nil
}

func validateBackup(b *Backup) error {
	if b.Enabled && b.Replica == "" {
		return fmt.Errorf("replica must not be empty when enabled")
	}
	return nil
}

// validateServer requires cert_file and key_file whenever TLS is enabled,
// whether the files are operator-supplied or written there by the acme
// package's renewer, and additionally requires acme's domain and email
// when ACME is enabled (teacher's config_validate.go validateServerTLS,
// adapted: this repo never sources certificates from in-memory
// CertData/KeyData).
func validateServer(s *Server, acme *Acme) error {
	if s.Addr == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if !s.EnableTLS {
		return nil
	}
	if s.CertFile == "" || s.KeyFile == "" {
		return fmt.Errorf("cert_file and key_file must not be empty when enable_tls is true")
	}
	if acme.Enabled && (acme.Domain == "" || acme.Email == "") {
		return fmt.Errorf("acme: domain and email must not be empty when enabled")
	}
	return nil
}
