// Package app wires the Parley server runtime: config, logging, the document
// store, the chat engine, and the HTTP/websocket surface.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"parley/cmd/internal/chat"
	"parley/cmd/internal/docstore"
	"parley/cmd/internal/gateway"
	"parley/cmd/internal/identity"
	"parley/cmd/internal/media"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the Parley server runtime: it owns the document store lifecycle and
// the HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	store docstore.Store

	dbPool          *pgxpool.Pool
	storeConfigured bool

	svc      *chat.Service
	gw       *gateway.Gateway
	metrics  *Metrics
	uploader media.Uploader
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	store, dbPool, storeConfigured, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	verifier, err := identity.NewTokenVerifier([]byte(cfg.TokenSecret))
	if err != nil {
		_ = store.Close()
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}

	metrics := NewMetrics()
	instrumented := withStoreMetrics(store, metrics)

	svc := chat.NewService(log, instrumented)
	users := identity.NewUserStore(log, instrumented)
	gw := gateway.New(log, svc, users, verifier, metrics)

	uploader, err := newUploader(context.Background(), cfg, log)
	if err != nil {
		svc.Close()
		_ = store.Close()
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}

	return &App{
		cfg:             cfg,
		log:             log,
		store:           store,
		dbPool:          dbPool,
		storeConfigured: storeConfigured,
		svc:             svc,
		gw:              gw,
		metrics:         metrics,
		uploader:        uploader,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.storeConfigured, a.gw, a.metrics, a.uploader)

	handler := WithRequestLogging(
		WithCORS(WithSecurityHeaders(mux), a.cfg, a.log),
		a.log,
	)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	baseURL := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", baseURL,
		"ws_url", wsBaseURL(baseURL)+"/ws",
		"store", a.cfg.StoreBackend,
	)

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

	// Stop background workers before closing their store.
	a.svc.Close()
	if err := a.store.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
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

// resolveBackend maps the configured store name (or "auto") to a concrete
// backend.
func resolveBackend(cfg Config) string {
	switch cfg.StoreBackend {
	case StoreMemory, StorePostgres, StoreFirestore:
		return cfg.StoreBackend
	}
	if cfg.FirestoreProjectID != "" {
		return StoreFirestore
	}
	if cfg.DatabaseURL != "" {
		return StorePostgres
	}
	return StoreMemory
}

// newStore builds the document store for the selected backend.
// The returned pool is non-nil only for the Postgres backend; the app owns
// its lifecycle (PostgresStore.Close does not close the pool).
func newStore(ctx context.Context, cfg Config, log Logger) (docstore.Store, *pgxpool.Pool, bool, error) {
	switch resolveBackend(cfg) {
	case StoreFirestore:
		log.Info("store.firestore", "project", cfg.FirestoreProjectID)
		st, err := docstore.NewFirestoreStore(ctx, cfg.FirestoreProjectID, cfg.FirestoreCredentialsFile)
		if err != nil {
			return nil, nil, false, err
		}
		return st, nil, true, nil

	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, false, err
		}
		st, err := docstore.NewPostgresStore(log, pool, docstore.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, nil, false, err
		}
		log.Info("store.postgres", "schema", cfg.DBSchema)
		return st, pool, true, nil

	default:
		log.Info("store.memory")
		return docstore.NewMemoryStore(nil), nil, false, nil
	}
}

// newUploader selects S3 when a bucket is configured, otherwise the
// in-memory uploader (dev mode: uploads survive only as long as the process).
func newUploader(ctx context.Context, cfg Config, log Logger) (media.Uploader, error) {
	if cfg.MediaBucket == "" {
		log.Info("media.memory")
		return media.NewMemoryUploader(runtimeBaseURL(cfg.HTTPAddr) + "/v1/media"), nil
	}
	up, err := media.NewS3Uploader(ctx, log, cfg.MediaBucket, cfg.MediaRegion)
	if err != nil {
		return nil, err
	}
	log.Info("media.s3", "bucket", cfg.MediaBucket, "region", cfg.MediaRegion)
	return up, nil
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
// Bind-all addresses are rewritten to loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("http://%s:%s", host, port)
}

// wsBaseURL converts an http(s) base URL into its ws(s) counterpart.
func wsBaseURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return "ws://" + baseURL
	}
}
