// ABOUTME: Master orchestrator that assembles the dispatch core and HTTP server
// ABOUTME: Manages registry, store, archive, transport, and dispatcher lifecycle

package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/herdctl/herd/internal/auth"
	"github.com/herdctl/herd/internal/config"
	"github.com/herdctl/herd/internal/dispatch"
	"github.com/herdctl/herd/internal/httpapi"
	"github.com/herdctl/herd/internal/registry"
	"github.com/herdctl/herd/internal/store"
	"github.com/herdctl/herd/internal/transport"
)

// Master wires together the dispatch core: minion registry, job store
// with its SQLite archive, in-process transport, dispatcher, and the
// HTTP API that fronts them.
type Master struct {
	config     *config.Config
	registry   *registry.Registry
	store      *store.Store
	archive    *store.SQLiteArchive
	transport  *transport.InProc
	dispatcher *dispatch.Dispatcher
	httpServer *http.Server
	logger     *slog.Logger
}

// New builds a master from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Master, error) {
	if logger == nil {
		logger = slog.Default()
	}

	archive, err := initArchive(cfg)
	if err != nil {
		return nil, err
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		archive.Close()
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	reg := registry.New(cfg.Minions.StaleAfter, logger)
	st := store.New(archive, logger)
	tr := transport.NewInProc(logger)

	d := dispatch.New(reg, st, tr, buildAuthorizer(cfg), dispatch.Options{
		DefaultTimeout: cfg.Jobs.DefaultTimeout,
		RetentionTTL:   cfg.Jobs.RetentionTTL,
		ReapInterval:   cfg.Jobs.ReapInterval,
		PublishWorkers: cfg.Publish.Workers,
		PublishRate:    cfg.Publish.RateLimit,
	}, logger)

	api := httpapi.NewServer(d, reg, tr, verifier, cfg.Minions.PollTimeout, logger)

	return &Master{
		config:     cfg,
		registry:   reg,
		store:      st,
		archive:    archive,
		transport:  tr,
		dispatcher: d,
		httpServer: &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           api.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "master"),
	}, nil
}

// buildAuthorizer maps the auth config onto a publish-time Authorizer.
func buildAuthorizer(cfg *config.Config) auth.Authorizer {
	if len(cfg.Auth.DenyMinions) > 0 {
		return auth.NewDenyList(cfg.Auth.DenyMinions...)
	}
	return auth.AllowAll{}
}

// initArchive opens the job archive based on config and environment.
func initArchive(cfg *config.Config) (*store.SQLiteArchive, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("HERD_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	archive, err := store.NewSQLiteArchive(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing archive: %w", err)
	}
	return archive, nil
}

// Run starts the HTTP server and the retention reaper, blocking until
// ctx is cancelled, then shuts both down gracefully.
func (m *Master) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		m.logger.Info("http server listening", "addr", m.httpServer.Addr)
		if err := m.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		m.dispatcher.Run(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		m.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.httpServer.Shutdown(shutdownCtx); err != nil {
			m.logger.Error("http shutdown failed", "error", err)
		}

		if err := m.archive.Close(); err != nil {
			m.logger.Error("archive close failed", "error", err)
		}
		return nil
	})

	return g.Wait()
}
