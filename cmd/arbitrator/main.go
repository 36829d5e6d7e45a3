package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nshruti113/dos-protect/internal/arbitrator"
	"github.com/nshruti113/dos-protect/internal/config"
	"github.com/nshruti113/dos-protect/internal/logging"
	"github.com/nshruti113/dos-protect/internal/storage"
)

// The arbitrator serves the baseline registry to replicas configured with
// arbitrator.backend=http. It keeps snapshots in memory, or in Redis when
// -backend=redis so that several arbitrators can share them.
func main() {
	configFile := flag.String("config", "", "path to config.yaml")
	backend := flag.String("backend", "memory", "snapshot store: memory or redis")
	addr := flag.String("addr", ":8090", "listen address")
	flag.Parse()

	loader := config.NewLoader(*configFile)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, level, err := logging.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	loader.Watch(logging.Reload(logger, level), nil)

	var store arbitrator.Store
	switch *backend {
	case "memory":
		store = arbitrator.NewMemoryStore()
	case "redis":
		rdb, err := storage.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("redis unavailable", zap.Error(err))
		}
		defer rdb.Close()
		store = arbitrator.NewRedisStore(rdb.Client(), logger)
	default:
		logger.Fatal("unknown backend", zap.String("backend", *backend))
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:         *addr,
		Handler:      arbitrator.NewServer(store, logger).Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("arbitrator listening", zap.String("addr", *addr), zap.String("backend", *backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	logger.Info("arbitrator exited properly")
}
