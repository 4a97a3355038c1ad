// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/tagledger/internal/api"
	"github.com/starford/tagledger/internal/auth"
	"github.com/starford/tagledger/internal/csrf"
	"github.com/starford/tagledger/internal/ledger"
	"github.com/starford/tagledger/internal/noteservice"
	"github.com/starford/tagledger/internal/proxy"
	"github.com/starford/tagledger/internal/scan"
	"github.com/starford/tagledger/internal/sse"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

// newApplication applies opts and installs the logger as the slog default.
// Without WithLogger, JSON logs go to logOut.
func newApplication(logOut io.Writer, opts []Option) (*application, error) {
	app := &application{version: "dev"}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if app.logger == nil {
		app.logger = slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
			Level: app.config.App.LogLevel,
		}))
	}
	slog.SetDefault(app.logger)
	return app, nil
}

// core is the storage and scanning stack shared by every command.
type core struct {
	db     *ledger.DB
	engine *scan.Engine
	svc    *noteservice.Service
}

func (a *application) openCore(engineOpts []scan.Option, svcOpts ...noteservice.Option) (*core, error) {
	cfg := a.config
	db, err := ledger.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	engineOpts = append([]scan.Option{
		scan.WithFilter(cfg.Scan.Filter()),
		scan.WithLogger(a.logger),
	}, engineOpts...)
	engine := scan.NewEngine(db, engineOpts...)
	svc := noteservice.NewService(db, engine, cfg.Scan.RootPolicy(), svcOpts...)
	return &core{db: db, engine: engine, svc: svc}, nil
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(os.Stdout, opts)
	if err != nil {
		return err
	}
	cfg := app.config
	logger := app.logger

	logger.Info("Configuration loaded",
		slog.String("posture", cfg.Auth.Posture),
		slog.String("db_path", cfg.SQLite.Path),
		slog.String("scan_root", cfg.Scan.Root),
		slog.String("csp_mode", cfg.Security.CSPMode),
		slog.Bool("watch", cfg.Scan.Watch),
	)

	settings := cfg.Auth.Settings()
	if err := settings.Prepare(logger); err != nil {
		return err
	}

	broker := sse.NewBroker(cfg.App.SummaryThrottle)
	defer broker.Close()

	c, err := app.openCore(
		[]scan.Option{scan.WithObserver(broker.PublishScanCompleted)},
		noteservice.WithPublisher(broker),
	)
	if err != nil {
		return err
	}
	defer c.db.Close()

	manager, err := auth.NewManager(c.db, settings)
	if err != nil {
		return err
	}
	resolver, err := proxy.NewResolver(cfg.Proxy.TrustedCIDRs)
	if err != nil {
		return err
	}

	router, err := api.NewRouter(api.Deps{
		Service:   c.svc,
		Auth:      manager,
		Limiter:   cfg.Auth.Limiter(),
		Proxy:     resolver,
		CSRF:      csrf.New(csrf.DefaultMaxAge, api.CSPReportPath),
		Security:  cfg.Security.Headers(),
		Events:    broker,
		AccessLog: cfg.App.HTTP.AccessLog,
	})
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Watch the scan root and run diff scans on change.
	if cfg.Scan.Watch {
		g.Go(func() error {
			root, err := c.svc.ResolveRoot()
			if err != nil {
				logger.Error("watcher disabled", slog.String("error", err.Error()))
				return nil
			}
			if err := c.engine.Watch(gCtx, root, cfg.Scan.Debounce); err != nil {
				logger.Error("watcher stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// Drop expired sessions.
	g.Go(func() error {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case now := <-ticker.C:
				n, err := c.db.PruneSessions(gCtx, now)
				if err != nil {
					logger.Error("session prune failed", slog.String("error", err.Error()))
					continue
				}
				if n > 0 {
					logger.Info("sessions pruned", slog.Int64("count", n))
				}
			}
		}
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		// Event streams never finish on their own.
		broker.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group so the background loops stop with the server.
var errShutdown = errors.New("shutdown")
