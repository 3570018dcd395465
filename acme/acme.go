// Package acme keeps the session API's TLS certificate current by
// obtaining and renewing it from an ACME CA (Let's Encrypt by default)
// over the HTTP-01 challenge, writing the result to the cert/key files
// config.Server already points the HTTPS listener at.
//
// Grounded on the teacher's queue/handlers/AcmeCertRenewal.go (lego
// wiring, expiry check before renewing); that handler drives DNS-01 over
// Cloudflare, which this repo's config.Acme has no fields for, so the
// challenge type here is HTTP-01 instead, served by lego's built-in
// http01 standalone provider.
package acme

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/w3f/challenger/config"
)

// renewalDaysBeforeExpiry mirrors the teacher's renewal threshold; a
// certificate is renewed once fewer than this many days remain.
const renewalDaysBeforeExpiry = 30

// checkInterval is how often Renewer wakes up to check the certificate's
// remaining lifetime.
const checkInterval = 12 * time.Hour

// acmeUser implements lego's registration.User.
type acmeUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string                       { return u.email }
func (u *acmeUser) GetRegistration() *registration.Resource { return u.registration }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

// Renewer is a Daemon that keeps cfg.Server.CertFile/KeyFile populated
// with a valid certificate for cfg.Acme.Domain.
type Renewer struct {
	cfg    config.Acme
	server config.Server
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Renewer. It is a no-op Daemon when cfg.Enabled is false,
// so callers can always register it with server.Server.
func New(cfg config.Acme, server config.Server, logger *slog.Logger) *Renewer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renewer{cfg: cfg, server: server, logger: logger}
}

func (r *Renewer) Name() string { return "acme" }

func (r *Renewer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}
	if !r.cfg.Enabled {
		r.logger.Info("acme: disabled, certificate files are assumed operator-supplied")
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx)
	return nil
}

func (r *Renewer) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Renewer) run(ctx context.Context) {
	defer close(r.done)
	if err := r.renewIfNeeded(); err != nil {
		r.logger.Error("acme: initial certificate check failed", "err", err)
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.renewIfNeeded(); err != nil {
				r.logger.Error("acme: renewal check failed", "err", err)
			}
		}
	}
}

func (r *Renewer) renewIfNeeded() error {
	needsRenewal, err := certificateNeedsRenewal(r.server.CertFile)
	if err != nil {
		return err
	}
	if !needsRenewal {
		r.logger.Info("acme: certificate still valid, skipping renewal")
		return nil
	}
	return r.obtain()
}

func (r *Renewer) obtain() error {
	r.logger.Info("acme: obtaining certificate", "domain", r.cfg.Domain)

	accountKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("acme: generate account key: %w", err)
	}
	user := &acmeUser{email: r.cfg.Email, key: accountKey}

	legoCfg := lego.NewConfig(user)
	if r.cfg.CADirURL != "" {
		legoCfg.CADirURL = r.cfg.CADirURL
	}
	legoCfg.Certificate.KeyType = certcrypto.EC256

	client, err := lego.NewClient(legoCfg)
	if err != nil {
		return fmt.Errorf("acme: create client: %w", err)
	}

	provider := http01.NewProviderServer("", "80")
	if err := client.Challenge.SetHTTP01Provider(provider); err != nil {
		return fmt.Errorf("acme: set http-01 provider: %w", err)
	}

	reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return fmt.Errorf("acme: register account: %w", err)
	}
	user.registration = reg

	request := certificate.ObtainRequest{
		Domains: []string{r.cfg.Domain},
		Bundle:  true,
	}
	resource, err := client.Certificate.Obtain(request)
	if err != nil {
		return fmt.Errorf("acme: obtain certificate: %w", err)
	}

	if err := os.WriteFile(r.server.CertFile, resource.Certificate, 0o644); err != nil {
		return fmt.Errorf("acme: write cert file: %w", err)
	}
	if err := os.WriteFile(r.server.KeyFile, resource.PrivateKey, 0o600); err != nil {
		return fmt.Errorf("acme: write key file: %w", err)
	}
	r.logger.Info("acme: certificate obtained and saved", "domain", r.cfg.Domain, "cert_url", resource.CertURL)
	return nil
}

// certificateNeedsRenewal reports whether the cert at path is missing,
// unparseable, or within renewalDaysBeforeExpiry of expiring.
func certificateNeedsRenewal(path string) (bool, error) {
	certPEM, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("acme: read certificate file: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return true, nil
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return true, nil
	}
	daysLeft := time.Until(cert.NotAfter).Hours() / 24
	return daysLeft < renewalDaysBeforeExpiry, nil
}
