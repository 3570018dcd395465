// Package email implements the email half of C5: it polls an IMAP inbox
// for replies carrying a challenge token (spec.md §4.3 "at-least-once
// delivery, adapter handles retries/reconnects"), and sends the
// out-of-band second-challenge token via SMTP (spec.md §4.1
// "expected_message_with_second").
//
// Outbound sending is grounded on the teacher's mail/mail.go (mailyak
// over net/smtp); inbound polling has no teacher analogue, so it is
// grounded on github.com/emersion/go-imap/v2, a real dependency present
// elsewhere in the retrieved corpus.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/smtp"
	"sync"
	"time"

	imapclient "github.com/emersion/go-imap/v2/imapclient"
	"github.com/domodwyer/mailyak/v3"

	"github.com/w3f/challenger/adapter"
	"github.com/w3f/challenger/apperror"
	"github.com/w3f/challenger/identity"
	"github.com/w3f/challenger/verifier"
)

// Config configures the adapter, mirroring config.Email.
type Config struct {
	SMTPServer      string
	IMAPServer      string
	Inbox           string
	User            string
	Password        string
	From            string
	RequestInterval time.Duration
}

// Adapter polls an IMAP inbox and forwards matching messages to a Core,
// and sends second-challenge tokens over SMTP.
type Adapter struct {
	cfg    Config
	core   adapter.Core
	logger *slog.Logger
	ops    adapter.Ops

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an Adapter. core is typically *verifier.Core. ops may be nil.
func New(cfg Config, core adapter.Core, ops adapter.Ops, logger *slog.Logger) *Adapter {
	if cfg.RequestInterval <= 0 {
		cfg.RequestInterval = 30 * time.Second
	}
	return &Adapter{cfg: cfg, core: core, ops: ops, logger: logger}
}

func (a *Adapter) Name() string { return "email" }

// Start begins the poll loop in the background.
func (a *Adapter) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.run(ctx)
	return nil
}

// Stop cancels the poll loop and waits for it to exit, or for ctx to
// expire.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	done := a.done
	a.mu.Unlock()
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

func (a *Adapter) run(ctx context.Context) {
	defer close(a.done)
	ticker := time.NewTicker(a.cfg.RequestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.poll(ctx); err != nil {
				a.logger.Error("email adapter: poll failed", "err", err)
				a.escalate(ctx, err)
				if apperror.Is(err, apperror.AdapterFatal) {
					return
				}
			}
		}
	}
}

// poll connects, lists unseen messages in the configured inbox, and
// forwards each to the core as an IncomingMessage before marking it seen.
// Connect-per-poll avoids holding an idle IMAP session across the long
// RequestInterval gaps typical of this adapter.
func (a *Adapter) poll(ctx context.Context) error {
	c, err := imapclient.DialTLS(a.cfg.IMAPServer, nil)
	if err != nil {
		return apperror.New(apperror.AdapterTransient, "email: imap dial failed", err)
	}
	defer c.Close()

	if err := c.Login(a.cfg.User, a.cfg.Password).Wait(); err != nil {
		return apperror.New(apperror.AdapterFatal, "email: imap login failed", err)
	}

	if _, err := c.Select(a.cfg.Inbox, nil).Wait(); err != nil {
		return apperror.New(apperror.AdapterTransient, "email: imap select failed", err)
	}

	msgs, err := fetchUnseen(c)
	if err != nil {
		return apperror.New(apperror.AdapterTransient, "email: imap fetch failed", err)
	}

	for _, m := range msgs {
		cmd := verifier.IncomingMessage{
			Adapter: identity.FieldEmail,
			From:    m.From,
			Content: m.Body,
			MsgID:   m.MsgID,
		}
		if err := a.core.Deliver(ctx, cmd, a); err != nil {
			a.logger.Error("email adapter: deliver failed", "err", err, "msg_id", m.MsgID)
		}
	}
	return nil
}

func (a *Adapter) escalate(ctx context.Context, err error) {
	if a.ops == nil {
		return
	}
	var appErr *apperror.Error
	if !errors.As(err, &appErr) {
		return
	}
	a.ops.Escalate(ctx, appErr.Kind, "email", appErr.Error(), nil)
}

// SendSecondChallenge implements verifier.SecondChallengeSender: it emails
// the out-of-band token once the first token has matched.
func (a *Adapter) SendSecondChallenge(ctx context.Context, kind identity.FieldKind, to string, token string) error {
	auth := smtp.PlainAuth("", a.cfg.User, a.cfg.Password, a.cfg.SMTPServer)
	mail, err := mailyak.NewWithTLS(a.cfg.SMTPServer, auth, &tls.Config{ServerName: a.cfg.SMTPServer})
	if err != nil {
		return apperror.New(apperror.AdapterTransient, "email: create mail client failed", err)
	}
	mail.To(to)
	mail.From(a.cfg.From)
	mail.Subject("Identity verification: second step")
	mail.Plain().Set(fmt.Sprintf("Submit this code on the registrar's verification page to complete the second step: %s", token))

	done := make(chan error, 1)
	go func() { done <- mail.Send() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return apperror.New(apperror.AdapterTransient, "email: send second challenge failed", err)
		}
	}
	return nil
}
