// ABOUTME: Gateway orchestrator that wires store, lifecycle, console, and bridge
// ABOUTME: Manages startup, the HTTP server, and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/2389/handoff-gateway/internal/config"
	"github.com/2389/handoff-gateway/internal/console"
	"github.com/2389/handoff-gateway/internal/lifecycle"
	"github.com/2389/handoff-gateway/internal/store"
	"github.com/2389/handoff-gateway/internal/telegram"
	"github.com/2389/handoff-gateway/internal/uploads"
)

// Gateway orchestrates the handoff-gateway server components.
type Gateway struct {
	config     *config.Config
	store      *store.SQLiteStore
	uploads    *uploads.Store
	lifecycle  *lifecycle.Service
	console    *console.Console
	bridge     *telegram.Bridge
	httpServer *http.Server
	logger     *slog.Logger
}

// initStore creates the store from config, honoring the HANDOFF_DB_PATH
// override.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("HANDOFF_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	uploadStore, err := uploads.New(cfg.Uploads.Dir)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("initializing upload store: %w", err)
	}

	g := &Gateway{
		config:  cfg,
		store:   st,
		uploads: uploadStore,
		logger:  logger.With("component", "gateway"),
	}

	// The bridge doubles as the deliverer for outbound replies. Without it
	// replies are persisted only.
	var deliverer lifecycle.Deliverer
	if cfg.Telegram.Enabled {
		bridge, err := telegram.New(cfg.Telegram.BotToken, nil, uploadStore, telegram.Options{
			PollTimeout:    cfg.Telegram.PollTimeout,
			WelcomeMessage: cfg.Telegram.WelcomeMessage,
		}, logger)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("initializing telegram bridge: %w", err)
		}
		g.bridge = bridge
		deliverer = bridge
	} else {
		logger.Warn("telegram bridge disabled - outbound replies will be persisted but not delivered")
	}

	g.lifecycle = lifecycle.New(st, deliverer, cfg.Delivery.Timeout, logger)
	if g.bridge != nil {
		g.bridge.SetHandler(g.lifecycle)
	}

	g.console = console.New(g.lifecycle, uploadStore, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.Handle("GET "+uploads.URLPrefix, g.uploads.Handler())
	g.console.RegisterRoutes(mux)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Lifecycle exposes the coordination service, mainly for tests and tooling.
func (g *Gateway) Lifecycle() *lifecycle.Service {
	return g.lifecycle
}

// Run starts the HTTP server and the platform bridge, blocking until the
// context is cancelled. Returns nil on graceful shutdown, or the first
// component error.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if g.bridge != nil {
		go func() {
			if err := g.bridge.Run(ctx); err != nil {
				errCh <- fmt.Errorf("telegram bridge: %w", err)
			}
		}()
	}

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK while the process is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "store unavailable: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
