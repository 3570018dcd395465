// Package config loads and validates the challenger's YAML configuration
// and exposes it through an atomically-swappable Provider. A running
// process does not reload it: the server only logs SIGHUP, and nothing
// calls Reload or Provider.Update at run time.
package config

import (
	"sync/atomic"
	"time"
)

// Role selects which half of the split deployment (spec.md §6) a process
// runs as. Both halves share the same database.
type Role string

const (
	RoleAdapterListener Role = "adapter_listener"
	RoleSessionNotifier Role = "session_notifier"
	RoleSingleInstance  Role = "single_instance"
)

// Db holds the identity store's connection settings. URI is the SQLite
// database path that identity/sqlite.Open (and, when enabled, the backup
// replicator) is given; Name is not read by anything in this repository.
type Db struct {
	URI  string `yaml:"uri"`
	Name string `yaml:"name"`
}

// Watcher describes one watcher websocket connection, one per supported
// chain (spec.md §4.3 "two simultaneous watcher connections").
type Watcher struct {
	Chain     string        `yaml:"chain"`
	Endpoint  string        `yaml:"endpoint"`
	Timeout   time.Duration `yaml:"timeout"`
	AuthToken string        `yaml:"auth_token"`
}

// Matrix configures the moderator/adapter Matrix client session.
type Matrix struct {
	Enabled    bool     `yaml:"enabled"`
	Homeserver string   `yaml:"homeserver"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	DbPath     string   `yaml:"db_path"`
	Admins     []string `yaml:"admins"`
}

// Twitter configures the mentions-polling adapter.
type Twitter struct {
	Enabled         bool          `yaml:"enabled"`
	APIKey          string        `yaml:"api_key"`
	APISecret       string        `yaml:"api_secret"`
	Token           string        `yaml:"token"`
	TokenSecret     string        `yaml:"token_secret"`
	RequestInterval time.Duration `yaml:"request_interval"`
}

// Email configures the SMTP/IMAP adapter.
type Email struct {
	Enabled         bool          `yaml:"enabled"`
	SmtpServer      string        `yaml:"smtp_server"`
	ImapServer      string        `yaml:"imap_server"`
	Inbox           string        `yaml:"inbox"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	RequestInterval time.Duration `yaml:"request_interval"`
}

// DisplayName configures the similarity guard (spec.md §4.2).
type DisplayName struct {
	Enabled bool    `yaml:"enabled"`
	Limit   float64 `yaml:"limit"`
}

// Notifier configures the C7 client session HTTP/WebSocket surface.
type Notifier struct {
	APIAddress      string   `yaml:"api_address"`
	CorsAllowOrigin []string `yaml:"cors_allow_origin"`
}

// Backup configures continuous SQLite replication (ambient durability,
// SPEC_FULL.md §11.1).
type Backup struct {
	Enabled bool   `yaml:"enabled"`
	Replica string `yaml:"replica"`
	// Interval, when positive, sets litestream's MonitorInterval: how
	// often the database is checked for new WAL writes to replicate.
	Interval time.Duration `yaml:"interval"`
}

// Acme configures automatic TLS certificate issuance/renewal for the
// notifier's public HTTP/WebSocket endpoint (ambient ops, SPEC_FULL.md §11).
type Acme struct {
	Enabled  bool   `yaml:"enabled"`
	Email    string `yaml:"email"`
	Domain   string `yaml:"domain"`
	CADirURL string `yaml:"ca_dir_url"`
}

// OpsAlert configures the Discord webhook used to escalate AdapterFatal /
// PersistenceConflict errors (spec.md §7) to a human.
type OpsAlert struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// Metrics configures the Prometheus /metrics endpoint (ambient
// operability: spec.md names no metrics module, but every long-lived
// daemon in this repo benefits from the same exposition the teacher
// gives its HTTP server).
type Metrics struct {
	Enabled    bool     `yaml:"enabled"`
	AllowedIPs []string `yaml:"allowed_ips"`
}

// AuditLog configures the batched moderator-action audit trail (logsink
// package, ambient durability: every moderator command and judgement
// outcome is recorded alongside the identity data it affected).
type AuditLog struct {
	ChanSize      int           `yaml:"chan_size"`
	FlushSize     int           `yaml:"flush_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Server configures the HTTP listener the session API (C7) and the
// /metrics endpoint are served on, following the teacher's config.Server
// (server/server.go reads these same fields to build its *http.Server).
type Server struct {
	Addr                    string        `yaml:"addr"`
	EnableTLS               bool          `yaml:"enable_tls"`
	RedirectAddr            string        `yaml:"redirect_addr"`
	CertFile                string        `yaml:"cert_file"`
	KeyFile                 string        `yaml:"key_file"`
	ReadTimeout             time.Duration `yaml:"read_timeout"`
	ReadHeaderTimeout       time.Duration `yaml:"read_header_timeout"`
	WriteTimeout            time.Duration `yaml:"write_timeout"`
	IdleTimeout             time.Duration `yaml:"idle_timeout"`
	ShutdownGracefulTimeout time.Duration `yaml:"shutdown_graceful_timeout"`
	ClientIPProxyHeader     string        `yaml:"client_ip_proxy_header"`
}

// BaseURL returns the scheme://host for building absolute redirect
// targets, following the teacher's config.Server.BaseURL.
func (s Server) BaseURL() string {
	scheme := "http"
	if s.EnableTLS {
		scheme = "https"
	}
	return scheme + "://" + s.Addr
}

// Instance holds the per-role configuration block.
type Instance struct {
	Role        Role        `yaml:"role"`
	Watcher     []Watcher   `yaml:"watcher"`
	Matrix      Matrix      `yaml:"matrix"`
	Twitter     Twitter     `yaml:"twitter"`
	Email       Email       `yaml:"email"`
	DisplayName DisplayName `yaml:"display_name"`
	Notifier    Notifier    `yaml:"notifier"`
}

// Config is the root of the YAML configuration document (spec.md §6).
type Config struct {
	Db       Db       `yaml:"db"`
	LogLevel string   `yaml:"log_level"`
	Instance Instance `yaml:"instance"`
	Server   Server   `yaml:"server"`
	Backup   Backup   `yaml:"backup"`
	Acme     Acme     `yaml:"acme"`
	OpsAlert OpsAlert `yaml:"ops_alert"`
	AuditLog AuditLog `yaml:"audit_log"`
	Metrics  Metrics  `yaml:"metrics"`

	// Source records which file this config was loaded from, purely for
	// diagnostics; never written back out.
	Source string `yaml:"-"`
}

// Chains returns the set of chain labels this instance is configured for,
// derived from the watcher list (spec.md §3 "Chain ... enumerated at
// startup from configuration").
func (c *Config) Chains() []string {
	chains := make([]string, 0, len(c.Instance.Watcher))
	for _, w := range c.Instance.Watcher {
		chains = append(chains, w.Chain)
	}
	return chains
}

// Provider holds the current configuration and allows atomic hot-swaps,
// following the teacher's core/app.go atomic.Value pattern.
type Provider struct {
	value atomic.Value // holds *Config
}

// NewProvider creates a Provider seeded with the given config. Panics if c
// is nil, mirroring the teacher's config.NewProvider.
func NewProvider(c *Config) *Provider {
	if c == nil {
		panic("config: initial config cannot be nil")
	}
	p := &Provider{}
	p.value.Store(c)
	return p
}

// Get returns the current configuration snapshot. Safe for concurrent use.
func (p *Provider) Get() *Config {
	return p.value.Load().(*Config)
}

// Update atomically swaps in a new configuration. Callers are responsible
// for validating newConfig first.
func (p *Provider) Update(newConfig *Config) {
	p.value.Store(newConfig)
}
