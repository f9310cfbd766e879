// Command oauth2d runs the authorization server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	oauth "github.com/giantswarm/oauth2-server"
	"github.com/giantswarm/oauth2-server/cleanup"
	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/server"
)

const shutdownTimeout = 15 * time.Second

var version = "dev"

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	// .env is optional
	_ = godotenv.Load()

	cmd := newRootCommand()
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	v := newViper()
	var configFile string
	var cleanupOnce bool

	cmd := &cobra.Command{
		Use:           "oauth2d",
		Short:         "OAuth2 authorization server with rolling refresh tokens",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v, configFile)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			if cleanupOnce {
				return runCleanupOnce(cmd.Context(), cfg, logger)
			}
			return run(cmd.Context(), cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "path to a YAML, JSON or TOML config file")
	flags.BoolVar(&cleanupOnce, "cleanup-once", false, "purge expired records once and exit")
	flags.String("listen", ":8080", "HTTP listen address")
	flags.String("metrics-listen", "", "Prometheus metrics listen address (empty disables)")
	flags.String("storage-type", "memory", "storage backend: memory, postgres, sqlite or valkey")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("log-format", "json", "log format: json or text")

	for _, name := range []string{"listen", "metrics-listen", "storage-type", "log-level", "log-format"} {
		_ = v.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}

	return cmd
}

func run(ctx context.Context, cfg appConfig, logger *slog.Logger) error {
	registry := prometheus.NewRegistry()
	inst, err := instrumentation.New(instrumentation.Config{
		ServiceVersion: version,
		Enabled:        cfg.MetricsListen != "",
		Registerer:     registry,
	})
	if err != nil {
		return fmt.Errorf("instrumentation: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = inst.Shutdown(sctx)
	}()

	b, err := openBackend(ctx, cfg, inst, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("Closing storage failed", "error", err)
		}
	}()

	srv, err := server.New(b.store, &server.Config{
		AuthorizationCodeTTL:      cfg.Tokens.AuthCodeTTL,
		AccessTokenTTL:            cfg.Tokens.AccessTokenTTL,
		RefreshTokenTTL:           cfg.Tokens.RefreshTokenTTL,
		AllowInsecureRedirectURIs: cfg.Tokens.AllowInsecureRedirectURIs,
	}, logger)
	if err != nil {
		return err
	}
	auditor := security.NewAuditor(logger, true)
	auditor.SetInstrumentation(inst)
	srv.SetAuditor(auditor)
	srv.SetInstrumentation(inst)

	for _, c := range cfg.Clients {
		if _, err := srv.RegisterClient(ctx, c.ID, c.Secret, c.RedirectURIs, c.Scopes); err != nil {
			return fmt.Errorf("register client %q: %w", c.ID, err)
		}
	}
	if err := b.seedUsers(ctx, cfg.Users, logger); err != nil {
		return err
	}

	hcfg := cfg.handlerConfig()
	hcfg.RateLimits.NewLimiter = b.rateLimiterFactory(cfg, logger)
	handler, err := oauth.NewHandler(srv, b.dir, hcfg, logger)
	if err != nil {
		return err
	}
	handler.SetInstrumentation(inst)
	defer handler.Close()

	sweeper := cleanup.New(b.store, time.Duration(cfg.CleanupIntervalSeconds)*time.Second, logger)
	sweeper.SetInstrumentation(inst)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	servers := []*http.Server{httpServer}

	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	errCh := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *http.Server) {
			logger.Info("Listening", "addr", s.Addr)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", s.Addr, err)
			}
		}(s)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case runErr = <-errCh:
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(sctx); err != nil {
			logger.Warn("HTTP shutdown failed", "addr", s.Addr, "error", err)
		}
	}
	return runErr
}

func runCleanupOnce(ctx context.Context, cfg appConfig, logger *slog.Logger) error {
	b, err := openBackend(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	_, err = cleanup.New(b.store, 0, logger).RunOnce(ctx)
	return err
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "", "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return slog.New(h).With("app", "oauth2d"), nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
