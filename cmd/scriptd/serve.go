package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fentz26/scriptd/internal/audit"
	"github.com/fentz26/scriptd/internal/config"
	"github.com/fentz26/scriptd/internal/connectors/localexec"
	"github.com/fentz26/scriptd/internal/controlplane"
	"github.com/fentz26/scriptd/internal/lifecycle"
	"github.com/fentz26/scriptd/internal/monitor"
	"github.com/fentz26/scriptd/internal/resolver"
	"github.com/fentz26/scriptd/internal/scheduler"
	"github.com/fentz26/scriptd/internal/store"
	"github.com/fentz26/scriptd/internal/version"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 30 * time.Second

var serveFlags struct {
	listen      string
	db          string
	scriptsRoot string
	catalog     string
	workers     int
	logLevel    string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scriptd daemon",
	Long: `Starts the scriptd daemon: the HTTP API, the worker pool that runs queued
executions and the watchdog that recovers executions from lost workers.`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.listen, "listen", "", "Listen address for the API server (default 127.0.0.1:7466)")
	f.StringVar(&serveFlags.db, "db", "", "Path to SQLite database (default ~/.scriptd/scriptd.db)")
	f.StringVar(&serveFlags.scriptsRoot, "scripts-root", "", "Directory bare script names are looked up in")
	f.StringVar(&serveFlags.catalog, "catalog", "", "Script catalog to import at startup")
	f.IntVar(&serveFlags.workers, "workers", 0, "Number of concurrent workers")
	f.StringVar(&serveFlags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

// loadServeConfig reads the config file and lays the command-line flags over it.
func loadServeConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = filepath.Join(config.DataDir(), "config.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	override := &config.Config{
		Listen:      serveFlags.listen,
		DB:          serveFlags.db,
		ScriptsRoot: serveFlags.scriptsRoot,
		Catalog:     serveFlags.catalog,
	}
	override.Scheduler.Workers = serveFlags.workers
	override.Log.Level = serveFlags.logLevel
	if err := cfg.Merge(override); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig()
	if err != nil {
		return err
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	logger.Info("starting scriptd", "version", version.Version, "listen", cfg.Listen, "db", cfg.DB)

	s, err := store.New(cfg.DB)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Error("closing database failed", "error", err)
		}
	}()

	pdr := audit.NewPDRWriter(s, logger)

	runner := localexec.New(
		localexec.WithInterpreters(cfg.Runner.Interpreters),
		localexec.WithTimeouts(cfg.Runner.SoftTimeout, cfg.Runner.HardTimeout),
		localexec.WithLogger(logger),
	)

	res, err := resolver.New(s, cfg.ScriptsRoot,
		resolver.WithDefaultKind(cfg.Runner.DefaultKind),
		resolver.WithSupports(runner.Supports),
		resolver.WithAudit(pdr),
		resolver.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Catalog != "" {
		n, err := res.ImportCatalog(ctx, cfg.Catalog)
		if err != nil {
			logger.Warn("script catalog imported with errors", "path", cfg.Catalog, "imported", n, "error", err)
		} else {
			logger.Info("script catalog imported", "path", cfg.Catalog, "imported", n)
		}
	}

	for _, in := range runner.Interpreters(ctx) {
		if !in.Available {
			logger.Warn("interpreter not found; scripts of this type will fail", "extension", in.Extension, "command", in.Command)
		}
	}

	lc := lifecycle.New(s, pdr, logger)

	policy, err := cfg.RetryPolicy()
	if err != nil {
		return err
	}
	sup := scheduler.New(s, lc, runner, &cfg.Scheduler,
		scheduler.WithRetryPolicy(policy),
		scheduler.WithLogger(logger),
		scheduler.WithMonitor(monitor.New(logger)),
	)

	service := controlplane.NewService(s, res, lc, sup, runner, pdr, logger)
	server := controlplane.NewServer(service, cfg.Listen, logger)

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	serveErr := g.Wait()

	logger.Info("stopping workers")
	if err := sup.Stop(); err != nil && !errors.Is(err, scheduler.ErrNotStarted) {
		logger.Error("stopping scheduler failed", "error", err)
	}

	if serveErr != nil {
		return serveErr
	}
	logger.Info("shutdown complete")
	return nil
}
