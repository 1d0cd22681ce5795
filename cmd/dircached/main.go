// Command dircached runs the directory cache as a daemon: it builds one cache session over
// the configured repository, keeps popular entities warm and serves the admin API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/localdir/dircache/internal/config"
	"github.com/localdir/dircache/internal/directory"
	"github.com/localdir/dircache/internal/metrics"
	"github.com/localdir/dircache/pkg/api"
	"github.com/localdir/dircache/pkg/health"
	"github.com/localdir/dircache/pkg/types"
	"github.com/localdir/dircache/pkg/utils"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	writeConfig := flag.String("write-config", "", "write the effective configuration to this path and exit")
	flag.Parse()

	if err := run(*configPath, *writeConfig); err != nil {
		fmt.Fprintf(os.Stderr, "dircached: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, writeConfig string) error {
	cfg := config.NewDefault()
	if configPath != "" {
		if err := cfg.LoadFromFile(configPath); err != nil {
			return err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if writeConfig != "" {
		return cfg.SaveToFile(writeConfig)
	}

	logger, closeLog, err := buildLogger(cfg.Global)
	if err != nil {
		return err
	}
	defer closeLog()

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Namespace: cfg.Metrics.Namespace,
	})
	if err != nil {
		return err
	}

	env := types.Environment{
		PersistentStorage: cfg.Durable.Enabled && writableDir(filepath.Dir(cfg.Durable.Path)),
		Online:            !cfg.Global.Offline,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := buildRepository(ctx, cfg, env, logger, collector)
	if err != nil {
		return err
	}
	defer repo.close()

	session, err := directory.New(cfg, repo.repo, env, logger, collector)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("session close failed", map[string]interface{}{"error": err})
		}
	}()

	tracker := newHealthTracker(session, repo, logger)
	check := func(ctx context.Context, component string) error {
		return repo.check(ctx, session, component)
	}
	tracker.RunChecks(ctx, check)
	go tracker.StartHealthChecks(ctx, check)

	session.StartPreloading()

	var server *api.Server
	if cfg.API.Enabled {
		serverConfig := api.DefaultServerConfig()
		serverConfig.Address = cfg.API.Address
		serverConfig.ReadTimeout = cfg.API.ReadTimeout
		serverConfig.WriteTimeout = cfg.API.WriteTimeout

		var metricsHandler http.Handler
		if collector.Enabled() {
			metricsHandler = collector.Handler()
		}
		server = api.NewServer(serverConfig, session, tracker, metricsHandler, logger)
		server.StartBackground()
	}

	logger.Info("dircached running", map[string]interface{}{
		"backend": cfg.Repository.Backend,
		"online":  env.Online,
		"durable": session.Durable(),
		"api":     cfg.API.Enabled,
	})

	<-ctx.Done()
	logger.Info("shutting down")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("API shutdown failed", map[string]interface{}{"error": err})
		}
	}
	return nil
}

func buildLogger(global config.GlobalConfig) (*utils.StructuredLogger, func(), error) {
	level, err := utils.ParseLogLevel(global.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	format, err := utils.ParseLogFormat(global.LogFormat)
	if err != nil {
		return nil, nil, err
	}

	loggerConfig := utils.DefaultStructuredLoggerConfig()
	loggerConfig.Level = level
	loggerConfig.Format = format

	closeLog := func() {}
	if global.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(global.LogFile), 0750); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(global.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		loggerConfig.Output = f
		closeLog = func() { _ = f.Close() }
	}
	return utils.NewStructuredLogger(loggerConfig), closeLog, nil
}

// writableDir reports whether dir exists or can be created.
func writableDir(dir string) bool {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return false
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}

func newHealthTracker(session *directory.CacheContext, b *backend, logger *utils.StructuredLogger) *health.Tracker {
	tracker := health.NewTracker(health.DefaultConfig())
	tracker.RegisterComponent(health.ComponentRepository)
	if session.Durable() {
		tracker.RegisterComponent(health.ComponentDurable)
	}
	if b.fallback != nil {
		tracker.RegisterComponent(health.ComponentFallback)
		tracker.SetComponentMetadata(health.ComponentFallback, "entities", b.fallback.Len())
	}

	log := logger.WithComponent("health")
	tracker.OnStateChange(func(component string, from, to health.HealthState, err error) {
		fields := map[string]interface{}{"component": component, "from": from.String(), "to": to.String()}
		if err != nil {
			fields["error"] = err
		}
		if to == health.StateHealthy {
			log.Info("component recovered", fields)
			return
		}
		log.Warn("component health changed", fields)
	})
	return tracker
}
