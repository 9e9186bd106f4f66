package main

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fentz26/baziunlock/internal/apiclient"
	"github.com/fentz26/baziunlock/internal/audit"
	"github.com/fentz26/baziunlock/internal/auth"
	"github.com/fentz26/baziunlock/internal/metrics"
	"github.com/fentz26/baziunlock/internal/store"
	"github.com/fentz26/baziunlock/internal/taskstore"
	"github.com/fentz26/baziunlock/internal/themecache"
	"github.com/fentz26/baziunlock/internal/unlock"
)

const anonymousSession = "default"

// app is the wired client stack shared by the commands.
type app struct {
	db      *store.Store
	auth    *auth.Manager
	client  *apiclient.Client
	cache   *themecache.Cache
	tasks   *taskstore.Store
	orch    *unlock.Orchestrator
	session string

	metricsSrv *http.Server
}

// newApp opens local state and wires the orchestrator. requireLogin fails
// early when no token is stored.
func newApp(requireLogin bool) (*app, error) {
	authMgr, err := auth.NewManager(filepath.Dir(configPath))
	if err != nil {
		return nil, err
	}

	client := apiclient.New(cfg.APIBase,
		apiclient.WithTimeout(cfg.RequestTimeout),
		apiclient.WithRateLimit(cfg.RateLimitRPS, cfg.RateBurst),
		apiclient.WithLogger(logger),
	)

	session := anonymousSession
	token, err := authMgr.Token(cfg.APIBase)
	switch {
	case err == nil:
		client.SetToken(token)
		if u := authMgr.GetUser(); u != nil && u.Username != "" {
			session = u.Username
		}
	case requireLogin:
		return nil, err
	}

	db, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	cache := themecache.New(client, db, themecache.Config{
		StatusTTL:  cfg.StatusTTL,
		PricingTTL: cfg.PricingTTL,
		ContentTTL: cfg.ContentCacheTTL,
	}, themecache.WithLogger(logger), themecache.WithMetrics(collector))

	tasks := taskstore.New(db.Session(session), logger)
	orch := unlock.New(client, cache, tasks,
		unlock.Config{PollInterval: cfg.PollInterval, PollTimeout: cfg.PollTimeout},
		unlock.WithLogger(logger),
		unlock.WithMetrics(collector),
		unlock.WithAudit(audit.NewPDRWriter(db)),
	)

	a := &app{
		db:      db,
		auth:    authMgr,
		client:  client,
		cache:   cache,
		tasks:   tasks,
		orch:    orch,
		session: session,
	}
	if cfg.MetricsAddr != "" {
		a.metricsSrv = startMetricsServer(cfg.MetricsAddr, reg)
	}
	return a, nil
}

// Close stops polling, keeping persisted tasks, and releases resources.
func (a *app) Close() {
	a.orch.Teardown()
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.metricsSrv.Shutdown(ctx)
	}
	if err := a.db.Close(); err != nil {
		logger.Warn("database close failed", zap.Error(err))
	}
}

func startMetricsServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}
