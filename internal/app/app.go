// Package app builds the analysis pipeline and its dependencies.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"gwi.com/form-insights/internal/config"
	"gwi.com/form-insights/internal/core"
	"gwi.com/form-insights/internal/metrics"
	"gwi.com/form-insights/internal/settings"
	"gwi.com/form-insights/internal/store"
	"gwi.com/form-insights/internal/vault"
)

const settingsCacheTTL = 30 * time.Second

type Options struct {
	DatabaseURL      string
	AuthKey          string
	AuthSalt         string
	AnthropicBaseURL string

	// Registry receives the pipeline metrics. A new registry is created when nil.
	Registry      *prometheus.Registry
	Hooks         core.Hooks
	ClientOptions []core.ClientOption
}

// App holds the process-wide services. The rate limiter is created once here
// and shared by every caller of Client.
type App struct {
	Store    *store.SQLiteStore
	Settings *settings.Service
	Vault    *vault.Vault
	Limiter  *core.RateLimiter
	Client   *core.AnalysisClient
	Analysis *core.AnalysisService
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
}

// FromConfig builds an App from the loaded process configuration.
func FromConfig(cfg config.Config) (*App, error) {
	return New(Options{
		DatabaseURL:      cfg.DatabaseURL,
		AuthKey:          cfg.AuthKey,
		AuthSalt:         cfg.AuthSalt,
		AnthropicBaseURL: cfg.AnthropicBaseURL,
	})
}

func New(opts Options) (*App, error) {
	db, err := store.NewSQLiteStore(opts.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics.New(reg)

	svc := settings.NewService(db, settingsCacheTTL)
	if err := svc.ApplyDefaults(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply default settings: %w", err)
	}

	v := vault.New(opts.AuthKey, opts.AuthSalt, svc)
	if !v.Configured() {
		logrus.Warn("AUTH_KEY/AUTH_SALT are not configured; the API credential cannot be stored or read")
	}

	limiter := core.NewRateLimiter(nil)
	clientOpts := append([]core.ClientOption{
		core.WithBaseURL(opts.AnthropicBaseURL),
		core.WithMetrics(m),
	}, opts.ClientOptions...)
	client := core.NewAnalysisClient(svc, v, limiter, db, clientOpts...)

	analysis := core.NewAnalysisService(svc, client, db, db, opts.Hooks)
	analysis.SetMetrics(m)

	return &App{
		Store:    db,
		Settings: svc,
		Vault:    v,
		Limiter:  limiter,
		Client:   client,
		Analysis: analysis,
		Metrics:  m,
		Registry: reg,
	}, nil
}

// Purge removes every setting, the credential, all audit log rows and all
// analysis annotations. Forms and entries stay.
func (a *App) Purge(ctx context.Context) error {
	if err := a.Store.PurgeAnalysisData(ctx, core.AnnotationKeys...); err != nil {
		return err
	}
	if err := a.Settings.PurgeAll(ctx); err != nil {
		return err
	}
	logrus.Info("Purged all analysis data")
	return nil
}

func (a *App) Close() error {
	return a.Store.Close()
}
