// Package app wires the Vine server runtime: config, logging, HTTP routes, and the quota push gateway.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"vine/cmd/internal/invite"
	inviteapi "vine/cmd/internal/invite/api"
	"vine/cmd/internal/metrics"
	"vine/cmd/internal/notify"
	"vine/cmd/internal/quota"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the Vine server runtime: it owns HTTP server wiring and the invite engine dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	metrics *metrics.Metrics
	gateway *notify.Gateway
	api     *inviteapi.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	st, dbPool, dbEnabled, invStore, quotaStore, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	acctOpts := make([]quota.Option, 0, 3)
	if cfg.QuotaDefaultPool > 0 {
		acctOpts = append(acctOpts, quota.WithDefaultPool(cfg.QuotaDefaultPool))
	}
	if cfg.QuotaFreshPool > 0 {
		acctOpts = append(acctOpts, quota.WithFreshPool(cfg.QuotaFreshPool))
	}
	if cfg.QuotaBonusAmount > 0 {
		acctOpts = append(acctOpts, quota.WithBonusAmount(cfg.QuotaBonusAmount))
	}
	acct, err := quota.NewAccountant(quotaStore, log, acctOpts...)
	if err != nil {
		return nil, err
	}

	m := metrics.New()

	hub := notify.NewHub(log)
	gw := notify.NewGateway(log, hub, acct, notify.WithOriginPatterns(cfg.WSOriginPatterns))

	svc, err := invite.NewService(invStore, acct, log,
		invite.WithNotifier(hub),
		invite.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}

	apiCfg := inviteapi.DefaultConfig()
	if cfg.MaxBodyBytes > 0 {
		apiCfg.MaxBodyBytes = cfg.MaxBodyBytes
	}
	if cfg.InviteLinkBase != "" {
		apiCfg.LinkBase = cfg.InviteLinkBase
	}
	apiHandler, err := inviteapi.NewHandler(log, svc, acct, apiCfg, inviteapi.WithNotifier(hub))
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		metrics:   m,
		gateway:   gw,
		api:       apiHandler,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.api, a.gateway, a.metrics)

	handler := WithRequestLogging(mux, a.log, a.metrics)
	handler = WithCORS(handler, a.cfg, a.log)
	handler = WithSecurityHeaders(handler)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
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

	// Close store resources (pool etc).
	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

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

// newStore decides between Postgres-backed persistence and the in-memory dev store.
func newStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, invite.Store, quota.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		quotas := quota.NewMemoryStore()
		invites, err := invite.NewMemoryStore(quotas)
		if err != nil {
			return nil, nil, false, nil, nil, err
		}
		return nopStore{}, nil, false, invites, quotas, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, nil, err
	}

	log.Info("db.enabled.postgres_store")

	// Ownership model: app owns the pool lifecycle; stores never close it.
	quotas, err := quota.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, nil, err
	}
	invites, err := invite.NewPostgresStore(pool, quotas)
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, nil, err
	}

	return dbStore{pool: pool}, pool, true, invites, quotas, nil
}

type dbStore struct {
	pool *pgxpool.Pool
}

func (s dbStore) Close(_ context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
