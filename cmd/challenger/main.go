// Command challenger runs the registrar's automated identity verification
// process: C1-C8 wired together per config.Instance.Role (spec.md §6
// "Split-role deployment").
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/w3f/challenger/acme"
	"github.com/w3f/challenger/adapter/email"
	"github.com/w3f/challenger/adapter/matrix"
	"github.com/w3f/challenger/adapter/twitter"
	"github.com/w3f/challenger/adapter/watcher"
	"github.com/w3f/challenger/backup"
	"github.com/w3f/challenger/config"
	"github.com/w3f/challenger/displayname"
	"github.com/w3f/challenger/identity"
	"github.com/w3f/challenger/identity/sqlite"
	"github.com/w3f/challenger/judgement"
	"github.com/w3f/challenger/logsink"
	"github.com/w3f/challenger/metrics"
	"github.com/w3f/challenger/moderator"
	"github.com/w3f/challenger/notifyops"
	"github.com/w3f/challenger/router"
	"github.com/w3f/challenger/server"
	"github.com/w3f/challenger/session"
	"github.com/w3f/challenger/topk"
	"github.com/w3f/challenger/verifier"
)

// abuseSketchParams sizes the moderator's repeat-offender detector: a tick
// is 50 unauthorized commands, the window holds 20 ticks, and a sender
// consuming more than a third of the window's capacity gets flagged.
var abuseSketchParams = topk.SketchParams{
	K: 16, WindowSize: 20, TickSize: 50, Width: 1024, Depth: 4, ActivationRPS: 1, MaxSharePercent: 33,
}

// daemon adapts a component whose Start takes no error (verifier.Core,
// judgement.Emitter) to server.Daemon, which every adapter and the audit
// sink already satisfy directly.
type daemon struct {
	name  string
	start func()
	stop  func(context.Context) error
}

func (d daemon) Name() string                  { return d.name }
func (d daemon) Start() error                  { d.start(); return nil }
func (d daemon) Stop(ctx context.Context) error { return d.stop(ctx) }

// coreHolder breaks the construction cycle between verifier.Core (which
// needs a JudgementSink and an Acker) and judgement.Emitter/watcher.Adapter
// (which need the core itself): every collaborator is built against the
// holder, and the real *verifier.Core is assigned into it once built, all
// before any daemon's Start runs.
type coreHolder struct {
	core *verifier.Core
}

func (h *coreHolder) Announce(ctx context.Context, cmd verifier.Announce) (verifier.Snapshot, error) {
	return h.core.Announce(ctx, cmd)
}

func (h *coreHolder) Retract(ctx context.Context, cmd verifier.Retract) error {
	return h.core.Retract(ctx, cmd)
}

func (h *coreHolder) Deliver(ctx context.Context, cmd verifier.IncomingMessage, sender verifier.SecondChallengeSender) error {
	return h.core.Deliver(ctx, cmd, sender)
}

func (h *coreHolder) Ack(ctx context.Context, cmd verifier.JudgementAck) error {
	return h.core.Ack(ctx, cmd)
}

func (h *coreHolder) Status(ctx context.Context, chain identity.Chain, address string) (verifier.Snapshot, error) {
	return h.core.Status(ctx, chain, address)
}

func (h *coreHolder) Verify(ctx context.Context, cmd verifier.ManualVerify) (verifier.Snapshot, error) {
	return h.core.Verify(ctx, cmd)
}

func (h *coreHolder) Subscribe(ctx context.Context, chain identity.Chain, address string) (verifier.Snapshot, *verifier.Subscription, error) {
	return h.core.Subscribe(ctx, chain, address)
}

func (h *coreHolder) SubmitSecondChallenge(ctx context.Context, cmd verifier.SecondChallengeSubmission) error {
	return h.core.SubmitSecondChallenge(ctx, cmd)
}

func main() {
	configPath := flag.String("config", "challenger.yaml", "path to the YAML configuration file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("challenger: failed to load configuration", "err", err)
		os.Exit(1)
	}
	provider := config.NewProvider(cfg)
	logger.Info("challenger: configuration loaded", "source", cfg.Source, "role", cfg.Instance.Role)

	store, err := sqlite.Open(cfg.Db.URI)
	if err != nil {
		logger.Error("challenger: failed to open identity store", "err", err)
		os.Exit(1)
	}

	registry := metrics.New(prometheus.DefaultRegisterer)

	var notifier notifyops.Notifier = notifyops.NilNotifier{}
	if cfg.OpsAlert.Enabled {
		discord, err := notifyops.NewDiscordNotifier(notifyops.DiscordOptions{WebhookURL: cfg.OpsAlert.WebhookURL}, logger)
		if err != nil {
			logger.Error("challenger: failed to configure ops alerting", "err", err)
			os.Exit(1)
		}
		notifier = discord
	}
	ops := notifyops.NewEscalator(notifier)

	auditSink := logsink.New(store, cfg.AuditLog, logger)

	chains := make([]identity.Chain, 0, len(cfg.Instance.Watcher))
	for _, w := range cfg.Instance.Watcher {
		chains = append(chains, identity.Chain(w.Chain))
	}
	names := displayname.NewIndex(cfg.Instance.DisplayName.Limit)

	holder := &coreHolder{}

	watchers := make(map[identity.Chain]judgement.WatcherSink, len(cfg.Instance.Watcher))
	watcherAdapters := make([]*watcher.Adapter, 0, len(cfg.Instance.Watcher))
	for _, wCfg := range cfg.Instance.Watcher {
		ch := identity.Chain(wCfg.Chain)
		wa := watcher.New(watcher.Config{
			Chain:     ch,
			Endpoint:  wCfg.Endpoint,
			Timeout:   wCfg.Timeout,
			AuthToken: wCfg.AuthToken,
		}, holder, logger)
		watcherAdapters = append(watcherAdapters, wa)
		watchers[ch] = wa
	}

	judgementEmitter := judgement.New(watchers, holder, auditSink, registry, ops, logger)

	verifierCfg := verifier.Config{
		DisplayNameThreshold: cfg.Instance.DisplayName.Limit,
		MaxFailedAttempts:    verifier.DefaultConfig().MaxFailedAttempts,
	}
	core := verifier.New(store, store, names, verifierCfg, judgementEmitter, registry, logger)
	holder.core = core

	for _, ch := range chains {
		if err := core.Load(ch); err != nil {
			logger.Error("challenger: failed to load chain state", "chain", ch, "err", err)
			os.Exit(1)
		}
	}

	r := router.New()
	srv := server.New(provider, r, logger)

	runsAdapters := cfg.Instance.Role != config.RoleSessionNotifier
	for _, wa := range watcherAdapters {
		if runsAdapters {
			srv.AddDaemon(wa)
		}
	}

	modHandler := moderator.New(holder, chains, cfg.Instance.Matrix.Admins, auditSink, registry, topk.New(abuseSketchParams))

	if runsAdapters && cfg.Instance.Matrix.Enabled {
		matrixAdapter := matrix.New(matrix.Config{
			Homeserver: cfg.Instance.Matrix.Homeserver,
			Username:   cfg.Instance.Matrix.Username,
			Password:   cfg.Instance.Matrix.Password,
			Admins:     cfg.Instance.Matrix.Admins,
		}, holder, modHandler, ops, logger)
		srv.AddDaemon(matrixAdapter)
	}

	if runsAdapters && cfg.Instance.Twitter.Enabled {
		twitterAdapter := twitter.New(twitter.Config{
			APIKey:          cfg.Instance.Twitter.APIKey,
			APISecret:       cfg.Instance.Twitter.APISecret,
			Token:           cfg.Instance.Twitter.Token,
			TokenSecret:     cfg.Instance.Twitter.TokenSecret,
			RequestInterval: cfg.Instance.Twitter.RequestInterval,
		}, holder, logger)
		srv.AddDaemon(twitterAdapter)
	}

	if runsAdapters && cfg.Instance.Email.Enabled {
		emailAdapter := email.New(email.Config{
			SMTPServer:      cfg.Instance.Email.SmtpServer,
			IMAPServer:      cfg.Instance.Email.ImapServer,
			Inbox:           cfg.Instance.Email.Inbox,
			User:            cfg.Instance.Email.User,
			Password:        cfg.Instance.Email.Password,
			RequestInterval: cfg.Instance.Email.RequestInterval,
		}, holder, ops, logger)
		srv.AddDaemon(emailAdapter)
	}

	if cfg.Instance.Role == config.RoleSessionNotifier || cfg.Instance.Role == config.RoleSingleInstance {
		sessionServer, err := session.New(holder, names, cfg.Instance.Notifier.CorsAllowOrigin, logger)
		if err != nil {
			logger.Error("challenger: failed to build session server", "err", err)
			os.Exit(1)
		}
		sessionServer.Register(r)
	}
	r.Get("/metrics", metrics.Handler(cfg.Metrics))

	srv.AddDaemon(auditSink)
	srv.AddDaemon(daemon{name: "verifier-core", start: core.Start, stop: core.Stop})
	if runsAdapters {
		srv.AddDaemon(daemon{name: "judgement-emitter", start: judgementEmitter.Start, stop: judgementEmitter.Stop})
	}

	if cfg.Backup.Enabled {
		ls, err := backup.NewLitestream(provider, cfg.Db.URI, logger)
		if err != nil {
			logger.Error("challenger: failed to configure backup replication", "err", err)
			os.Exit(1)
		}
		srv.AddDaemon(ls)
	}

	if cfg.Server.EnableTLS {
		srv.AddDaemon(acme.New(cfg.Acme, cfg.Server, logger))
	}

	srv.Run()
}
