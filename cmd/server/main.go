package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/iudanet/dockeeper/internal/config"
	"github.com/iudanet/dockeeper/internal/server/deltasync"
	"github.com/iudanet/dockeeper/internal/server/engine"
	"github.com/iudanet/dockeeper/internal/server/entrystore"
	"github.com/iudanet/dockeeper/internal/server/events"
	"github.com/iudanet/dockeeper/internal/server/handlers"
	"github.com/iudanet/dockeeper/internal/server/metrics"
	"github.com/iudanet/dockeeper/internal/server/middleware"
	"github.com/iudanet/dockeeper/internal/server/replication"
	"github.com/iudanet/dockeeper/internal/server/session"
	"github.com/iudanet/dockeeper/internal/server/storage/sqlite"
	"github.com/iudanet/dockeeper/internal/server/updatelog"
	"github.com/iudanet/dockeeper/internal/server/worker"
	"github.com/iudanet/dockeeper/pkg/protocol"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

const (
	cacheSize         = 1024
	pendingUploads    = 256
	busBuffer         = 1024
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
)

func main() {
	// Parse flags
	showVersion := flag.Bool("version", false, "Show version information")
	configPath := flag.String("config", "dockeeper.hcl", "Path to HCL configuration file")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "json", "Log format: json or text")
	createUser := flag.String("create-user", "", "Create a user (password is read from the terminal) and exit")
	admin := flag.Bool("admin", false, "Grant administrative rights to the user created with -create-user")
	resetPassword := flag.String("reset-password", "", "Set a new password for a user (read from the terminal) and exit")
	deleteUser := flag.String("delete-user", "", "Delete a user and exit")
	flag.Parse()

	// Show version and exit if requested
	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	logger, err := newLogger(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *createUser != "" || *resetPassword != "" || *deleteUser != "" {
		if err := manageUsers(ctx, cfg, logger, *createUser, *resetPassword, *deleteUser, *admin); err != nil {
			logger.Error("user maintenance failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

// manageUsers applies the user maintenance flags; exactly one of them is set
func manageUsers(ctx context.Context, cfg *config.Config, logger *slog.Logger, create, reset, remove string, admin bool) error {
	db, err := sqlite.New(ctx, cfg.Database, config.NewRegistry(cfg.Attributes))
	if err != nil {
		return err
	}
	defer db.Close()

	users := newUserAdmin(db)
	switch {
	case create != "":
		if err := users.create(ctx, create, admin); err != nil {
			return fmt.Errorf("create user %s: %w", create, err)
		}
		logger.Info("user created", "username", create, "admin", admin)
	case reset != "":
		if err := users.resetPassword(ctx, reset); err != nil {
			return fmt.Errorf("reset password of %s: %w", reset, err)
		}
		logger.Info("password reset", "username", reset)
	case remove != "":
		if err := users.remove(ctx, remove); err != nil {
			return fmt.Errorf("delete user %s: %w", remove, err)
		}
		logger.Info("user deleted", "username", remove)
	}
	return nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) (err error) {
	logger = logger.With("domain", cfg.Node.Domain)
	registry := config.NewRegistry(cfg.Attributes)

	if err := os.MkdirAll(cfg.StorageRoot, 0o750); err != nil {
		return fmt.Errorf("failed to create storage root: %w", err)
	}
	for _, p := range []string{cfg.Database, cfg.EventLog} {
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", p, err)
		}
	}

	// Metadata index
	index, err := sqlite.New(ctx, cfg.Database, registry)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := index.Close(); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("close database: %w", cerr)).ErrorOrNil()
		}
	}()

	// Event history for paired nodes
	evLog, err := events.OpenLog(cfg.EventLog)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := evLog.Close(); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("close event log: %w", cerr)).ErrorOrNil()
		}
	}()

	m := metrics.New()
	bus := events.NewBus(logger)
	protocols, err := updatelog.NewRegistry(cacheSize)
	if err != nil {
		return err
	}

	eng, err := engine.New(ctx, engine.Config{
		Index:         index,
		Entries:       entrystore.New(afero.NewOsFs(), cfg.StorageRoot),
		Registry:      registry,
		Events:        bus,
		Protocols:     protocols,
		Metrics:       m,
		Logger:        logger,
		ListThreshold: cfg.ListThreshold,
		CacheSize:     cacheSize,
	})
	if err != nil {
		return err
	}

	syncService, err := deltasync.NewService(eng, pendingUploads, m, logger)
	if err != nil {
		return err
	}

	pool := worker.New(cfg.Replication.Workers, cfg.Replication.QueueSize, logger)

	remotes := make([]*replication.Remote, 0, len(cfg.Remotes))
	sources := make([]replication.Source, 0, len(cfg.Remotes))
	for _, rc := range cfg.Remotes {
		r := replication.NewRemote(rc, cfg.Node.Domain, logger)
		remotes = append(remotes, r)
		sources = append(sources, r)
	}

	rep := replication.New(replication.Config{
		Domain:        cfg.Node.Domain,
		Sources:       sources,
		Store:         eng,
		Sync:          syncService,
		Pool:          pool,
		Log:           evLog,
		Protocols:     protocols,
		Metrics:       m,
		Logger:        logger,
		FetchAttempts: cfg.Replication.FetchAttempts,
		FetchDelay:    cfg.Replication.FetchDelay,
	})

	peers := handlers.NewPeerAuth(cfg.Node, cfg.Remotes)
	commands := handlers.NewCommandHandler(handlers.CommandConfig{
		Store:       eng,
		Sync:        syncService,
		Sessions:    session.NewManager(cfg.SessionSecret, cfg.SessionTTL),
		Users:       index,
		Replication: rep,
		Peers:       peers,
		Events:      evLog,
		Logger:      logger,
	})

	limiter := middleware.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window, logger)
	defer limiter.Stop()

	mux := http.NewServeMux()
	mux.Handle(protocol.CommandPath, middleware.RateLimitMiddleware(limiter, logger)(commands))
	mux.Handle(protocol.EventsPath, middleware.PeerAuthMiddleware(peers, logger)(handlers.NewEventsHandler(evLog, logger)))
	mux.HandleFunc("GET "+protocol.HealthPath, handlers.NewHealthHandler(logger, Version, cfg.Node.Domain, index.DB()).Health)
	mux.Handle("/metrics", m.Handler())

	// Middleware chain (применяется в обратном порядке)
	var handler http.Handler = mux
	handler = middleware.LoggingWithSkip(logger, []string{protocol.HealthPath, "/metrics"})(handler)
	handler = middleware.RecoveryMiddleware(logger)(handler)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	sub := bus.Subscribe(busBuffer)
	g.Go(func() error {
		return rep.Record(gctx, sub)
	})

	for _, r := range remotes {
		if !r.Subscribed() {
			continue
		}
		g.Go(func() error {
			return rep.Follow(gctx, r)
		})
	}

	g.Go(func() error {
		logger.Info("server listening",
			"addr", cfg.Listen,
			"version", Version,
			"remotes", len(remotes),
			"storage_root", cfg.StorageRoot)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", cfg.Listen, err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs *multierror.Error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		// отменяем diff/sync, запущенные оператором
		rep.Wait()
		if err := pool.Shutdown(shutdownCtx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("worker pool shutdown: %w", err))
		}
		return errs.ErrorOrNil()
	})

	return g.Wait()
}

func printVersion() {
	fmt.Printf("DocKeeper Server\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
