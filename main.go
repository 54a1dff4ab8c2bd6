package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/canopyworks/agentd/internal/config"
	"github.com/canopyworks/agentd/internal/health"
	"github.com/canopyworks/agentd/internal/httpapi"
	"github.com/canopyworks/agentd/internal/intent"
	"github.com/canopyworks/agentd/internal/memory"
	"github.com/canopyworks/agentd/internal/orchestrator"
	"github.com/canopyworks/agentd/internal/planner"
	"github.com/canopyworks/agentd/internal/taskstore"
	"github.com/canopyworks/agentd/internal/tools"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	logger, logLevel, err := config.BuildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	store, err := taskstore.NewStore(cfg.Storage.TaskDBPath, logger)
	if err != nil {
		logger.Fatal("Failed to open task store", zap.Error(err))
	}
	defer store.Close()

	mem, err := memory.NewManager(cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, logger)
	if err != nil {
		logger.Fatal("Failed to connect to context memory", zap.Error(err))
	}
	defer mem.Close()

	engine, err := planner.NewEngine(logger)
	if err != nil {
		logger.Fatal("Failed to load plan templates", zap.Error(err))
	}

	authority := tools.NewAuthority(logger)
	classifier := intent.NewClassifier(logger)
	orch := orchestrator.New(logger, classifier, engine, store, mem, authority)

	// Re-register plans for tasks that were in flight when the process
	// last stopped, then start the resumption sweep.
	orch.RestorePlans()
	orch.StartSweep(cfg.Agent.SweepInterval)
	defer orch.StopSweep()

	cleanupStop := startCleanup(store, cfg.Agent.CleanupInterval, cfg.Agent.CleanupAge, logger)
	defer close(cleanupStop)

	apiHandler := httpapi.NewHandler(
		orch, authority, store, logger,
		cfg.Server.AuthToken, cfg.Server.RateRPS, cfg.Server.RateBurst,
	)
	apiServer := httpapi.StartServer(cfg.Server.Addr, apiHandler, logger)

	healthMgr := health.NewManager()
	healthMgr.Register(health.NewDatabaseChecker(store.DB()))
	healthMgr.Register(health.NewPingChecker("redis", mem, true))

	adminMux := http.NewServeMux()
	healthMgr.RegisterRoutes(adminMux)
	adminMux.Handle("/metrics", promhttp.Handler())
	adminServer := &http.Server{
		Addr:         cfg.Server.AdminAddr,
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Starting admin server", zap.String("addr", cfg.Server.AdminAddr))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin server failed", zap.Error(err))
		}
	}()

	if watcher, err := config.NewWatcher(configPath(), logger); err == nil {
		watcher.OnChange(func(next *config.Config) error {
			if parsed, err := zap.ParseAtomicLevel(next.Logging.Level); err == nil {
				logLevel.SetLevel(parsed.Level())
			} else {
				logger.Warn("Ignoring invalid log level", zap.String("level", next.Logging.Level))
			}
			orch.StopSweep()
			orch.StartSweep(next.Agent.SweepInterval)
			return nil
		})
		watcher.Start()
		defer watcher.Stop()
	} else {
		logger.Warn("Config hot reload disabled", zap.Error(err))
	}

	logger.Info("Agent service started",
		zap.String("api_addr", cfg.Server.Addr),
		zap.Duration("sweep_interval", cfg.Agent.SweepInterval),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", zap.Error(err))
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Admin server shutdown failed", zap.Error(err))
	}
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config/agentd.yaml"
}

// startCleanup periodically removes aged terminal tasks.
func startCleanup(store *taskstore.Store, interval, age time.Duration, logger *zap.Logger) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := store.CleanupOld(age); removed > 0 {
					logger.Info("Cleaned up old tasks", zap.Int("removed", removed))
				}
			case <-stop:
				return
			}
		}
	}()
	return stop
}
