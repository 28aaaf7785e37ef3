// ABOUTME: Server orchestrator wiring the store, validator, limiter, and background loops
// ABOUTME: Owns the HTTP surface and graceful shutdown of the sync and retry workers

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sheetbridge/sheetbridge/internal/auth"
	"github.com/sheetbridge/sheetbridge/internal/config"
	"github.com/sheetbridge/sheetbridge/internal/contract"
	"github.com/sheetbridge/sheetbridge/internal/dlq"
	"github.com/sheetbridge/sheetbridge/internal/metrics"
	"github.com/sheetbridge/sheetbridge/internal/ratelimit"
	"github.com/sheetbridge/sheetbridge/internal/scheduler"
	"github.com/sheetbridge/sheetbridge/internal/sheets"
	"github.com/sheetbridge/sheetbridge/internal/store"
)

// limiterIdleWindow is how long an untouched rate-limit bucket survives
// before the janitor reclaims it.
const limiterIdleWindow = 10 * time.Minute

// Server coordinates the sheetbridge components: the durable store, the
// schema contract registry, the rate limiter, the sync scheduler, and the
// DLQ retry worker, all behind one HTTP surface.
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     store.Store
	contracts *contract.Registry
	limiter   *ratelimit.Limiter
	syncState *scheduler.State
	scheduler *scheduler.Scheduler
	worker    *dlq.Worker
	source    sheets.Source
	metrics   *metrics.Metrics
	gate      *auth.Gate

	httpServer *http.Server
}

// New creates a fully wired server from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	contracts := contract.NewRegistry(cfg.Schema.Path)
	if err := contracts.Load(); err != nil {
		st.Close()
		return nil, fmt.Errorf("loading schema contract: %w", err)
	}

	source := sheets.NewClient(sheets.Options{
		BaseURL:   cfg.Sheet.BaseURL,
		Token:     cfg.Sheet.Token,
		SheetID:   cfg.Sheet.SheetID,
		Worksheet: cfg.Sheet.Worksheet,
		BatchSize: cfg.Sheet.BatchSize,
	})

	return newWithDeps(cfg, logger, st, contracts, source), nil
}

// newWithDeps finishes construction; tests use it to inject a fake source.
func newWithDeps(cfg *config.Config, logger *slog.Logger, st store.Store, contracts *contract.Registry, source sheets.Source) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    logger.With("component", "server"),
		store:     st,
		contracts: contracts,
		limiter:   ratelimit.New(limiterIdleWindow),
		syncState: scheduler.NewState(),
		source:    source,
		metrics:   metrics.New(),
		gate:      auth.NewGate(cfg.Auth.APIToken, cfg.Auth.APIKeys, cfg.Auth.JWTSecret),
	}

	s.scheduler = scheduler.New(s.syncTask, s.syncState,
		cfg.Sync.Interval, cfg.Sync.Jitter, cfg.Sync.BackoffMax)

	// The worker exists even when the background loop is disabled; the
	// manual admin retry endpoint reuses it.
	s.worker = dlq.New(st, s.deliverOne, cfg.DLQ.Interval, cfg.DLQ.Batch, cfg.DLQ.Concurrency)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.buildHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// syncTask is the scheduler's pull-and-insert work.
func (s *Server) syncTask(ctx context.Context) error {
	_, err := s.pullOnce(ctx)
	return err
}

// pullOnce fetches all remote rows and appends them to the local cache.
func (s *Server) pullOnce(ctx context.Context) (int, error) {
	rows, err := s.source.Pull(ctx)
	if err != nil {
		return 0, err
	}
	n, err := s.store.InsertRows(ctx, rows, s.cfg.Upsert.KeyColumn)
	if err != nil {
		return 0, fmt.Errorf("caching pulled rows: %w", err)
	}
	return n, nil
}

// deliverOne redelivers a single dead-lettered record to the remote source.
func (s *Server) deliverOne(ctx context.Context, rec store.Record) error {
	if !s.source.Configured() {
		return sheets.ErrNotConfigured
	}
	return s.source.Push(ctx, []store.Record{rec})
}

// buildHandler assembles the route table and middleware chain.
func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/rows", s.handleRows)
	mux.Handle("/append", s.gate.Require(http.HandlerFunc(s.handleAppend)))
	mux.Handle("/bulk/append", s.gate.Require(http.HandlerFunc(s.handleBulkAppend)))
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/sync/status", s.handleSyncStatus)

	mux.Handle("/admin/schema", s.gate.Require(http.HandlerFunc(s.handleSchema)))
	mux.Handle("/admin/dlq", s.gate.Require(http.HandlerFunc(s.handleListDLQ)))
	mux.Handle("/admin/dlq/retry", s.gate.Require(http.HandlerFunc(s.handleDLQRetry)))
	mux.Handle("/admin/idempotency/purge", s.gate.Require(http.HandlerFunc(s.handlePurgeIdempotency)))
	mux.Handle("/admin/dupes", s.gate.Require(http.HandlerFunc(s.handleDupes)))

	if s.cfg.Metrics.Enabled {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, s.metrics.Handler())
	}

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.rateLimitMiddleware(handler)
	handler = s.metrics.Middleware(handler)
	handler = s.accessLogMiddleware(handler)
	return handler
}

// Run serves HTTP and drives the background loops until ctx is cancelled,
// then shuts everything down, waiting for the loops' current iterations to
// unwind.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.HTTPAddr, err)
	}

	// Background loops get their own context so HTTP shutdown and loop
	// cancellation are sequenced explicitly below.
	bgCtx, cancelBG := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	if s.cfg.Sync.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.scheduler.Run(bgCtx)
		}()
		s.logger.Info("sync scheduler started",
			"interval", s.cfg.Sync.Interval, "jitter", s.cfg.Sync.Jitter)
	}

	if s.cfg.DLQ.RetryEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker.Run(bgCtx)
		}()
		s.logger.Info("dlq retry worker started",
			"interval", s.cfg.DLQ.Interval, "batch", s.cfg.DLQ.Batch,
			"concurrency", s.cfg.DLQ.Concurrency)
	}

	if s.cfg.Sync.OnStart {
		if n, err := s.pullOnce(bgCtx); err != nil {
			s.logger.Warn("startup sync failed", "error", err)
		} else {
			s.logger.Info("startup sync completed", "rows", n)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()
	s.logger.Info("http server listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			cancelBG()
			wg.Wait()
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown incomplete", "error", err)
	}

	cancelBG()
	wg.Wait()

	return s.close()
}

// close releases the server's owned resources.
func (s *Server) close() error {
	s.limiter.Close()
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}
