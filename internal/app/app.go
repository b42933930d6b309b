// Package app assembles the sync service from configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"jirasync.io/internal/audit"
	"jirasync.io/internal/auth"
	"jirasync.io/internal/config"
	"jirasync.io/internal/connection"
	"jirasync.io/internal/engine"
	"jirasync.io/internal/jira"
	"jirasync.io/internal/migrate"
	"jirasync.io/internal/obs"
	"jirasync.io/internal/store/pg"
	"jirasync.io/internal/stream"
	"jirasync.io/internal/tasks"
	"jirasync.io/internal/tokens"
	"jirasync.io/internal/vault"
	"jirasync.io/ops/migrations"
)

const heartbeatEvery = 25 * time.Second

// taskStore is what both task backends provide.
type taskStore interface {
	tasks.Store
	tasks.Projects
}

// App holds the wired collaborators of one process.
type App struct {
	Config    config.Config
	Version   string
	DB        *sql.DB
	Registry  connection.Registry
	Tasks     taskStore
	Recorder  *audit.Recorder
	Stream    *stream.Stream
	Tokens    *tokens.Manager
	Engine    *engine.Engine
	Scheduler *engine.Scheduler
	Signer    *auth.Signer

	closers []func() error
}

// Build wires storage, tokens, the Jira client and the engine. Without a
// database DSN every store is in memory.
func Build(ctx context.Context, cfg config.Config, version string) (*App, error) {
	a := &App{Config: cfg, Version: version, Stream: stream.New()}
	log := obs.Logger()

	var (
		auditStore audit.Store
		secrets    vault.Vault
	)
	if cfg.DatabaseDSN != "" {
		store, err := pg.Open(cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		if err := store.Ping(ctx); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("app: ping database: %w", err)
		}
		if cfg.AutoMigrate {
			applied, err := migrate.NewManager(store.DB(), migrations.SQL, migrations.Dir).Up(ctx)
			if err != nil {
				_ = a.Close()
				return nil, fmt.Errorf("app: migrate: %w", err)
			}
			log.Info("migrations applied", zap.Strings("versions", applied))
		}
		cipher, err := vault.NewCipher([]byte(cfg.EncryptionKey))
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.DB = store.DB()
		a.Registry = store.Connections()
		a.Tasks = store.Tasks()
		auditStore = store.Audit()
		secrets = store.Secrets(cipher)
	} else {
		log.Warn("no database configured, state is kept in memory")
		a.Registry = connection.NewInMemory()
		a.Tasks = tasks.NewInMemory()
		auditStore = audit.NewInMemory()
		secrets = vault.NewInMemory()
	}

	stopHeartbeat := a.Stream.StartHeartbeat(heartbeatEvery)
	a.closers = append(a.closers, func() error { stopHeartbeat(); return nil })
	a.Recorder = audit.NewRecorder(auditStore, a.Stream)

	httpClient := &http.Client{Timeout: cfg.Jira.RequestTimeout}
	a.Tokens = tokens.NewManager(tokens.Config{
		ClientID:     cfg.Jira.ClientID,
		ClientSecret: cfg.Jira.ClientSecret,
		RedirectURL:  cfg.Jira.RedirectURL,
		AuthURL:      cfg.Jira.AuthURL,
		TokenURL:     cfg.Jira.TokenURL,
		Audience:     cfg.Jira.Audience,
		Scopes:       cfg.Jira.Scopes,
		RefreshSkew:  cfg.Sync.RefreshSkew,
		HTTPClient:   httpClient,
	}, a.Registry, secrets, a.Recorder)

	client := jira.New(jira.Options{
		APIBaseURL:     cfg.Jira.APIBaseURL,
		ResourcesURL:   cfg.Jira.ResourcesURL,
		HTTPClient:     httpClient,
		UserAgent:      "jirasync/" + version,
		MaxRetries:     cfg.Jira.MaxRetries,
		BaseDelay:      cfg.Jira.RetryBaseDelay,
		MaxDelay:       cfg.Jira.RetryMaxDelay,
		StartDateField: cfg.Jira.StartDateField,
		SprintField:    cfg.Jira.SprintField,
	})

	var err error
	if cfg.AuthSecret != "" {
		if a.Signer, err = auth.NewSigner(cfg.AuthSecret, "jirasync"); err != nil {
			_ = a.Close()
			return nil, err
		}
	} else {
		log.Warn("auth_secret unset, API requests are not authenticated")
	}
	var webhookSigner *auth.Signer
	if cfg.WebhookSecret != "" {
		if webhookSigner, err = auth.NewSigner(cfg.WebhookSecret, "jirasync-webhook"); err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	a.Engine = engine.New(engine.Deps{
		Registry: a.Registry,
		Tasks:    a.Tasks,
		Projects: a.Tasks,
		Tokens:   a.Tokens,
		Remote:   engine.NewJiraDialer(client),
		Recorder: a.Recorder,
		Signer:   webhookSigner,
	}, engine.Options{
		PublicBaseURL:       cfg.PublicBaseURL,
		FanoutConcurrency:   cfg.Sync.FanoutConcurrency,
		FanoutRatePerSec:    cfg.Sync.FanoutRatePerSec,
		WebhookRefreshEvery: cfg.Sync.WebhookRefreshEvery,
		PruneAfter:          cfg.Sync.PruneAfter,
	})
	a.Scheduler = &engine.Scheduler{
		Engine:            a.Engine,
		Interval:          cfg.Sync.Interval,
		Workers:           cfg.Sync.Workers,
		ConnectionTimeout: cfg.Sync.ConnectionTimeout,
		PruneEvery:        cfg.Sync.PruneEvery,
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}
