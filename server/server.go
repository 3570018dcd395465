// Package server owns the process lifecycle: the public HTTP/WebSocket
// listener (C7, plus the /metrics endpoint), every long-lived Daemon
// (adapters, the judgement emitter, the audit sink), and graceful
// shutdown on SIGINT/SIGQUIT.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/w3f/challenger/config"
)

// Daemon is a long-lived background component with an explicit
// Start/Stop lifecycle, shared by every adapter, the judgement emitter
// and the audit sink.
type Daemon interface {
	Name() string
	Start() error
	Stop(ctx context.Context) error
}

// Server runs the public HTTP handler and every registered Daemon,
// starting them on Run and stopping them together on shutdown.
type Server struct {
	configProvider *config.Provider
	handler        http.Handler
	logger         *slog.Logger
	daemons        []Daemon
}

// New builds a Server. Daemons are added via AddDaemon before Run.
func New(provider *config.Provider, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		configProvider: provider,
		handler:        handler,
		logger:         logger,
	}
}

// AddDaemon registers a daemon whose lifecycle Run will manage.
func (s *Server) AddDaemon(d Daemon) {
	if d == nil {
		s.logger.Warn("server: attempted to add a nil daemon")
		return
	}
	s.logger.Info("server: adding daemon", "daemon", d.Name())
	s.daemons = append(s.daemons, d)
}

func (s *Server) handleSIGHUP() {
	s.logger.Info("server: received SIGHUP; configuration reload is not yet wired")
}

func (s *Server) redirectToHTTPS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := s.configProvider.Get().Server
		target := cfg.BaseURL() + r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	}
}

// Run starts the HTTP listener and every daemon, then blocks until
// SIGINT/SIGQUIT or a fatal startup error, at which point it shuts
// everything down gracefully and returns.
func (s *Server) Run() {
	cfg := s.configProvider.Get().Server
	s.logServerConfig(&cfg)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	var redirectServer *http.Server
	serverErr := make(chan error, 1)

	go func() {
		var err error
		if cfg.EnableTLS {
			tlsConfig, tlsErr := loadTLSConfig(&cfg)
			if tlsErr != nil {
				s.logger.Error("server: failed to load TLS config", "err", tlsErr)
				serverErr <- tlsErr
				return
			}
			srv.TLSConfig = tlsConfig
			s.logger.Info("server: starting HTTPS listener", "addr", cfg.Addr)

			if cfg.RedirectAddr != "" {
				redirectServer = &http.Server{
					Addr:              cfg.RedirectAddr,
					Handler:           s.redirectToHTTPS(),
					ReadTimeout:       time.Second,
					ReadHeaderTimeout: time.Second,
					WriteTimeout:      time.Second,
					IdleTimeout:       time.Second,
				}
				go func() {
					s.logger.Info("server: starting HTTP redirect listener", "addr", cfg.RedirectAddr)
					if err := redirectServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						serverErr <- fmt.Errorf("redirect listener: %w", err)
					}
				}()
			}
			err = srv.ListenAndServeTLS("", "")
		} else {
			s.logger.Info("server: starting HTTP listener", "addr", cfg.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error("server: listener error", "err", err)
			serverErr <- err
		}
	}()

	s.logger.Info("server: starting daemons", "count", len(s.daemons))
	startupFailed := false
	for _, d := range s.daemons {
		if err := d.Start(); err != nil {
			s.logger.Error("server: daemon failed to start", "daemon", d.Name(), "err", err)
			serverErr <- fmt.Errorf("daemon %q failed to start: %w", d.Name(), err)
			startupFailed = true
			break
		}
		s.logger.Info("server: daemon started", "daemon", d.Name())
	}
	if !startupFailed {
		s.logger.Info("server: all daemons started")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP)

	running := true
	for running {
		select {
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGINT, syscall.SIGQUIT:
				s.logger.Info("server: received termination signal, shutting down", "signal", sig)
				running = false
			case syscall.SIGHUP:
				s.handleSIGHUP()
			}
		case err := <-serverErr:
			s.logger.Error("server: shutting down after listener/daemon error", "err", err)
			running = false
		}
	}
	signal.Stop(sigChan)
	close(sigChan)

	shutdownTimeout := s.configProvider.Get().Server.ShutdownGracefulTimeout
	gracefulCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	group, _ := errgroup.WithContext(gracefulCtx)

	group.Go(func() error {
		s.logger.Info("server: shutting down HTTP listener")
		return srv.Shutdown(gracefulCtx)
	})
	if redirectServer != nil {
		group.Go(func() error {
			return redirectServer.Shutdown(gracefulCtx)
		})
	}
	for _, d := range s.daemons {
		daemon := d
		group.Go(func() error {
			if err := daemon.Stop(gracefulCtx); err != nil {
				s.logger.Error("server: daemon failed to stop gracefully", "daemon", daemon.Name(), "err", err)
				return fmt.Errorf("daemon %q: %w", daemon.Name(), err)
			}
			s.logger.Info("server: daemon stopped", "daemon", daemon.Name())
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		s.logger.Error("server: error during shutdown", "err", err)
		return
	}
	s.logger.Info("server: all systems stopped gracefully")
}

func (s *Server) logServerConfig(cfg *config.Server) {
	protocol := "HTTP"
	if cfg.EnableTLS {
		protocol = "HTTPS"
	}
	s.logger.Info("server: listener config", "addr", cfg.Addr, "protocol", protocol,
		"read_timeout", cfg.ReadTimeout, "write_timeout", cfg.WriteTimeout,
		"idle_timeout", cfg.IdleTimeout, "shutdown_graceful_timeout", cfg.ShutdownGracefulTimeout)
	if cfg.ClientIPProxyHeader != "" {
		s.logger.Info("server: trusting client IP header", "header", cfg.ClientIPProxyHeader)
	}
}

// loadTLSConfig reads the certificate/key pair from disk. The acme
// package's Renewer daemon keeps those files current when config.Acme is
// enabled; otherwise they are operator-supplied and static.
func loadTLSConfig(cfg *config.Server) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("server: failed to load TLS key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"h2", "http/1.1"},
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
			tls.CurveP384,
		},
	}, nil
}
