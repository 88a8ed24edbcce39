package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NERVsystems/osmadiff/pkg/cache"
	"github.com/NERVsystems/osmadiff/pkg/changesets"
	"github.com/NERVsystems/osmadiff/pkg/config"
	"github.com/NERVsystems/osmadiff/pkg/monitoring"
	"github.com/NERVsystems/osmadiff/pkg/osm"
	"github.com/NERVsystems/osmadiff/pkg/server"
	"github.com/NERVsystems/osmadiff/pkg/tools"
	"github.com/NERVsystems/osmadiff/pkg/tracing"
	ver "github.com/NERVsystems/osmadiff/pkg/version"
)

// healthCheckInterval is how often the API server is checked.
const healthCheckInterval = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "osmadiff: %v\n", err)
		os.Exit(1)
	}
}

// run executes one invocation. With -workspace and -changeset it prints the
// augmented diff of that changeset; otherwise it serves MCP on in/out.
func run(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	fs := flag.NewFlagSet("osmadiff", flag.ContinueOnError)
	fs.SetOutput(errOut)
	showVersion := fs.Bool("version", false, "Display version information")
	workspace := fs.Int64("workspace", 0, "Workspace of the changeset to print (one-shot mode)")
	changesetID := fs.Int64("changeset", 0, "Changeset whose augmented diff is printed (one-shot mode)")

	cfg, err := config.Load(fs, args)
	if err != nil {
		return err
	}

	if *showVersion {
		fmt.Fprintln(out, ver.String())
		return nil
	}

	oneShot := *workspace != 0 || *changesetID != 0
	if oneShot && (*workspace <= 0 || *changesetID <= 0) {
		return errors.New("-workspace and -changeset must both be positive")
	}

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	shutdownTracing, err := tracing.InitTracing(ctx, cfg.Tracing, ver.BuildVersion)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
	} else {
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				logger.Error("error shutting down tracing", "error", err)
			}
		}()
		if cfg.Tracing.Endpoint != "" {
			logger.Info("OpenTelemetry tracing enabled", "endpoint", cfg.Tracing.Endpoint)
		}
	}

	clientOpts := cfg.ClientOptions()
	clientOpts.Logger = logger
	clientOpts.Hooks = monitoringHooks()
	client, err := osm.NewClient(clientOpts)
	if err != nil {
		return err
	}

	backendCfg := cfg.CacheBackend()
	if cfg.Debug {
		backendCfg.Logger = logger
	}
	backend := cache.NewBackend(backendCfg, logger)
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error("failed to close cache", "error", err)
		}
	}()

	caches, err := changesets.NewCaches(backend, cfg.Cache.ChangeTTL, cfg.Cache.DiffTTL)
	if err != nil {
		return err
	}
	manager, err := changesets.NewManager(client, caches, changesets.Options{
		Logger:           logger,
		FetchConcurrency: cfg.Diff.FetchConcurrency,
		BuildConcurrency: cfg.Diff.BuildConcurrency,
	})
	if err != nil {
		return err
	}

	if oneShot {
		return printDiff(ctx, manager, osm.WorkspaceID(*workspace), *changesetID, out)
	}

	logger.Info("starting osmadiff MCP server",
		"version", ver.BuildVersion,
		"log_level", logLevel.String(),
		"api_url", cfg.API.URL,
		"cache_dir", cfg.Cache.Dir,
		"cache_in_memory", cfg.Cache.InMemory,
		"monitoring_enabled", cfg.Monitoring.Enabled,
		"monitoring_addr", cfg.Monitoring.Addr)

	pruner := changesets.NewPruner(manager, cfg.Cache.PruneInterval, cfg.Cache.PruneJitter, logger)
	pruner.Start(ctx)
	defer pruner.Stop()

	if cfg.Monitoring.Enabled {
		stopMonitoring := startMonitoring(cfg.Monitoring.Addr, client, backend, logger)
		defer stopMonitoring()
	}

	s := server.NewServer(tools.NewRegistry(manager, logger), logger)
	if err := s.Serve(ctx, in, out); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// printDiff writes the augmented diff of one changeset as indented JSON.
func printDiff(ctx context.Context, m *changesets.Manager, ws osm.WorkspaceID, id int64, out io.Writer) error {
	cs, err := m.GetChangeset(ctx, ws, id)
	if err != nil {
		return err
	}
	diff, err := m.GetAugmentedDiff(ctx, ws, cs)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(tools.AugmentedDiffOutput{Changeset: cs, Diff: diff})
}

// monitoringHooks routes client events into the Prometheus metrics.
func monitoringHooks() *osm.MonitoringHooks {
	return &osm.MonitoringHooks{
		OnResponse: monitoring.RecordExternalServiceRequest,
		OnRateLimit: func(service string, waitTime time.Duration) {
			monitoring.RecordRateLimitWait(service, waitTime)
			monitoring.RecordRateLimitExceeded(service)
		},
		OnError: monitoring.RecordError,
		OnCacheLookup: func(cacheType string, hit bool) {
			if hit {
				monitoring.RecordCacheHit(cacheType)
			} else {
				monitoring.RecordCacheMiss(cacheType)
			}
		},
	}
}

// startMonitoring serves metrics and health endpoints and watches the API
// server and the cache. The returned function stops both.
func startMonitoring(addr string, client *osm.Client, backend *cache.Backend, logger *slog.Logger) func() {
	healthChecker := monitoring.NewHealthChecker(monitoring.ServiceName, ver.BuildVersion, logger)
	healthChecker.Watch(monitoring.Dependency{
		Name:     tracing.ServiceOSMAPI,
		Required: true,
		Check:    client.CheckHealth,
		Interval: healthCheckInterval,
	})
	// Cache failures fall back to the API, so the cache only degrades health.
	healthChecker.Watch(monitoring.Dependency{
		Name:     tracing.ServiceCache,
		Check:    backend.Ping,
		Interval: healthCheckInterval,
	})

	monitorServer := server.NewMonitorServer(addr, healthChecker, logger)
	if err := monitorServer.Start(); err != nil {
		logger.Error("failed to start monitoring server", "addr", addr, "error", err)
		monitorServer = nil
	}

	return func() {
		if monitorServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := monitorServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shutdown monitoring server", "error", err)
			}
		}
		healthChecker.Shutdown()
	}
}
