// Package app wires the Orbit server runtime: config, logging, HTTP routes,
// the session lifecycle store, and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"orbit/cmd/internal/api"
	"orbit/cmd/internal/hub"
	"orbit/cmd/internal/session"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the Orbit server runtime.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	store    session.Store
	sessions *session.Service

	ws  *hub.WSGateway
	api *api.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	store, dbPool, dbEnabled, err := newSessionStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	sessions, err := session.NewService(store,
		session.WithRateLimit(cfg.RateLimitPerHour),
		session.WithDefaultCharLimit(cfg.DefaultCharLimit),
	)
	if err != nil {
		closeStore(store, dbPool)
		return nil, err
	}

	connHub := hub.NewHub(log)
	ws := hub.NewWSGateway(log, connHub, sessions)

	apiCfg := api.Config{
		MaxBodyBytes:      cfg.MaxBodyBytes,
		AdminUsername:     cfg.AdminUsername,
		AdminPasswordHash: cfg.AdminPasswordHash,
		AdminTokenSecret:  cfg.AdminTokenSecret,
		AdminTokenTTL:     cfg.AdminTokenTTL,
		ModerationEmail:   cfg.ModerationEmail,
	}

	opts := make([]api.HandlerOption, 0, 1)
	if sender := api.NewSMTPSender(api.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		Sender:   cfg.SMTPSender,
	}); sender != nil {
		opts = append(opts, api.WithEmailSender(sender))
	} else {
		log.Warn("email.disabled", "reason", "smtp host not configured")
	}

	handler, err := api.NewHandler(log, apiCfg, sessions, connHub, opts...)
	if err != nil {
		closeStore(store, dbPool)
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		store:     store,
		sessions:  sessions,
		ws:        ws,
		api:       handler,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.api)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	closeStore(a.store, a.dbPool)

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newSessionStore decides between Postgres-backed persistence and the
// in-memory dev store.
func newSessionStore(ctx context.Context, cfg Config, log Logger) (session.Store, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return session.NewInMemoryStore(), nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	store, err := session.NewPostgresStore(pool, session.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return store, pool, true, nil
}

func closeStore(store session.Store, pool *pgxpool.Pool) {
	if store != nil {
		_ = store.Close()
	}
	if pool != nil {
		pool.Close()
	}
}
