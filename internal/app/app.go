// Package app wires the gridsync server runtime: config, logging, storage, identity,
// the collaboration workspace and its HTTP/WebSocket surface.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"gridsync/internal/cellstore"
	"gridsync/internal/collab"
	"gridsync/internal/metrics"
	"gridsync/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// App is the gridsync server runtime. It owns the workspace, its store and the HTTP server.
type App struct {
	cfg Config
	log Logger

	dbPool *pgxpool.Pool
	store  cellstore.Store

	metrics *metrics.Metrics
	ws      *collab.Workspace
	gw      *realtime.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var pool *pgxpool.Pool
	if cfg.dbEnabled() {
		p, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		pool = p
		log.Info("db.enabled", "max_conns", cfg.DBMaxConns)
	}

	writer, st, err := newCellStore(ctx, cfg, pool, log)
	if err != nil {
		closePool(pool)
		return nil, err
	}

	resolver, err := newResolver(cfg, pool, log)
	if err != nil {
		_ = st.Close()
		closePool(pool)
		return nil, err
	}

	m := metrics.New()
	ws := collab.NewWorkspace(log, writer,
		collab.WithConfig(collab.Config{
			CommitTimeout:     cfg.CommitTimeout,
			CommitConcurrency: cfg.CommitConcurrent,
		}),
		collab.WithObserver(m),
	)
	gw := realtime.NewWSGateway(log, ws, resolver, cfg.WS, realtime.WithConnObserver(m))

	return &App{
		cfg:     cfg,
		log:     log,
		dbPool:  pool,
		store:   st,
		metrics: m,
		ws:      ws,
		gw:      gw,
	}, nil
}

// Handler returns the full HTTP handler with middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)
	return WithSecurityHeaders(WithRequestLogging(mux, a.log))
}

// Run starts the workspace loop and the HTTP server and blocks until ctx is cancelled
// or the server fails. The workspace stops after the listener so in-flight commits finish.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}

	wsCtx, stopWorkspace := context.WithCancel(context.Background())
	defer stopWorkspace()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.ws.Run(wsCtx)
	})

	g.Go(func() error {
		base := runtimeBaseURL(a.cfg.HTTPAddr)
		a.log.Info("server.start",
			"addr", a.cfg.HTTPAddr,
			"store", a.cfg.StoreKind(),
			"db_enabled", a.dbPool != nil,
			"ws_url", wsBaseURL(base)+"/ws",
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
		}
		stopWorkspace()
		return err
	})

	err := g.Wait()
	a.close()
	a.log.Info("server.stopped")
	return err
}

func (a *App) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	closePool(a.dbPool)
}

func closePool(pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
	}
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
