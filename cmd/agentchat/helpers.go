package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/LuminPulse-AI/agentchat"
)

// app bundles what every command needs: configuration, logger, REST client
// and the local state store.
type app struct {
	cfg      *Config
	logger   *zap.Logger
	client   *agentchat.Client
	store    *agentchat.PebbleStore
	registry *prometheus.Registry
	metrics  *agentchat.Metrics
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	// Keep the terminal readable; only problems are logged.
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// openApp loads the configuration and opens the state store. The caller must
// Close the returned app.
func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if flagBaseURL != "" {
		cfg.Default.BaseURL = flagBaseURL
	}
	if flagDataDir != "" {
		cfg.Default.DataDir = flagDataDir
	}

	logger, err := newLogger(flagDebug)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	if err := os.MkdirAll(cfg.Default.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create data directory: %w", err)
	}
	store, err := agentchat.OpenPebbleStore(cfg.Default.DataDir, logger)
	if err != nil {
		return nil, err
	}

	opts := []agentchat.ClientOption{
		agentchat.WithBaseURL(cfg.Default.BaseURL),
		agentchat.WithClientLogger(logger),
	}
	if cfg.Default.RateLimit > 0 {
		opts = append(opts, agentchat.WithRateLimit(cfg.Default.RateLimit, 1))
	}

	registry := prometheus.NewRegistry()
	return &app{
		cfg:      cfg,
		logger:   logger,
		client:   agentchat.NewClient("", opts...),
		store:    store,
		registry: registry,
		metrics:  agentchat.NewMetrics(registry),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store_close_failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// session builds a SessionContext on the app's client and store.
func (a *app) session() (*agentchat.SessionContext, error) {
	interval, err := a.cfg.Default.pollInterval()
	if err != nil {
		return nil, err
	}
	return agentchat.NewSessionContext(a.client, a.store,
		agentchat.WithLogger(a.logger),
		agentchat.WithMetrics(a.metrics),
		agentchat.WithPollInterval(interval),
	), nil
}

// restore authenticates the client with the stored token without starting a
// realtime session. It is what one-shot commands use.
func (a *app) restore(ctx context.Context) (*agentchat.Identity, *agentchat.Profile, error) {
	identity := agentchat.NewIdentity(a.client, a.store, a.logger)
	profile, err := identity.Restore(ctx)
	if err != nil {
		if errors.Is(err, agentchat.ErrNotAuthenticated) {
			return nil, nil, errors.New("not logged in; run 'agentchat login' first")
		}
		if errors.Is(err, agentchat.ErrMalformedCredential) {
			return nil, nil, errors.New("stored credential is invalid and was removed; run 'agentchat login'")
		}
		return nil, nil, err
	}
	a.client.SetToken(identity.Token())
	return identity, profile, nil
}

// serveMetrics exposes the app's registry on addr until ctx ends.
func (a *app) serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics_server_failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// describeError turns API errors into the server's own wording.
func describeError(err error) string {
	var apiErr *agentchat.APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail
	}
	return err.Error()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
