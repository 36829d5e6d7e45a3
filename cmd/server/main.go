package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/nshruti113/dos-protect/internal/api"
	"github.com/nshruti113/dos-protect/internal/arbitrator"
	"github.com/nshruti113/dos-protect/internal/config"
	"github.com/nshruti113/dos-protect/internal/dashboard"
	"github.com/nshruti113/dos-protect/internal/emitter"
	"github.com/nshruti113/dos-protect/internal/engine"
	"github.com/nshruti113/dos-protect/internal/logging"
	"github.com/nshruti113/dos-protect/internal/mitigation"
	"github.com/nshruti113/dos-protect/internal/protect"
	"github.com/nshruti113/dos-protect/internal/storage"
)

func main() {
	configFile := flag.String("config", "", "path to config.yaml (default: ./config.yaml or ./configs/config.yaml)")
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

	if err := run(cfg, loader, logger, level); err != nil {
		logger.Fatal("replica failed", zap.Error(err))
	}
}

func replicaID(cfg *config.Config) string {
	if cfg.Server.ReplicaID != "" {
		return cfg.Server.ReplicaID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "replica-" + uuid.NewString()[:8]
}

func run(cfg *config.Config, loader *config.Loader, logger *zap.Logger, level zap.AtomicLevel) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	replica := replicaID(cfg)
	logger = logger.With(zap.String("replica", replica))
	logger.Info("starting DoS protection replica", zap.String("addr", cfg.Server.Addr()))

	// Detection tunables apply to pipelines created after start; the level applies at once.
	loader.Watch(logging.Reload(logger, level), func(err error) {
		logger.Warn("ignoring invalid configuration change", zap.Error(err))
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
	}()

	// Redis backs the shared event history and, optionally, the arbitrator.
	history, err := storage.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		if cfg.Arbitrator.Backend == "redis" {
			return err
		}
		logger.Warn("redis unavailable, event history stays local", zap.Error(err))
		history = nil
	} else {
		history = storage.NewRedisClientFrom(history.Client(), cfg.Emitter.HistorySize)
		closers = append(closers, history)
	}

	store, err := openArbitrator(cfg, history, logger, reg)
	if err != nil {
		return err
	}

	hub := dashboard.NewHub(logger)
	closers = append(closers, hub)
	ring := emitter.NewRing(int(cfg.Emitter.HistorySize))

	securityLog, err := emitter.OpenSecurityLog(cfg.Emitter.SecurityLog)
	if err != nil {
		return err
	}
	if c, ok := securityLog.(io.Closer); ok {
		closers = append(closers, c)
	}
	sinks := []emitter.Sink{securityLog, ring, hub}

	var (
		historyAPI api.EventHistory
		archiveAPI api.EventArchive
	)
	if history != nil {
		sinks = append(sinks, history)
		historyAPI = history
	}
	if cfg.Database.URL != "" {
		archive, err := storage.OpenEventArchive(cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return err
		}
		closers = append(closers, archive)
		if err := archive.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if err := archive.EnsureSchema(ctx); err != nil {
			return err
		}
		sinks = append(sinks, archive)
		archiveAPI = archive
	}

	em := emitter.New(cfg.Emitter, logger, reg, sinks...)
	em.Start()

	objects := protect.NewRegistry()
	manager := engine.NewManager(cfg, engine.Deps{
		Emitter:    em,
		Store:      store,
		Logger:     logger,
		Registerer: reg,
		Replica:    replica,
		Objects:    objects,
	})
	manager.Start()

	// objects first so a binding may name a policy declared in any manifest
	var resources []protect.DosProtectedResource
	for _, path := range cfg.Protect.Manifests {
		m, err := protect.LoadFile(path)
		if err != nil {
			logger.Error("skipping manifest", zap.String("path", path), zap.Error(err))
			continue
		}
		for _, o := range m.Objects {
			if err := objects.Put(o); err != nil {
				logger.Warn("malformed object", zap.String("path", path), zap.String("kind", o.Kind), zap.Error(err))
			}
		}
		resources = append(resources, m.Resources...)
	}
	for _, res := range resources {
		if err := manager.Protect(ctx, res); err != nil {
			logger.Error("resource not protected", zap.Stringer("resource", res.ResourceID()), zap.Error(err))
		}
	}

	challenge, err := mitigation.NewChallengeLimiter(cfg.Mitigation)
	if err != nil {
		return err
	}
	upstream, err := upstreamHandler(cfg.Server.Upstream)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	srv := api.NewServer(api.Options{
		Engine:            manager,
		Ring:              ring,
		History:           historyAPI,
		Archive:           archiveAPI,
		Hub:               hub,
		Gatherer:          reg,
		Logger:            logger,
		Upstream:          upstream,
		Challenge:         challenge,
		TrustForwardedFor: cfg.Mitigation.TrustForwardedFor,
	})

	go hub.Stream(ctx, cfg.Detection.StatusInterval, func() any {
		ids := manager.Resources()
		statuses := make([]engine.Status, 0, len(ids))
		for _, id := range ids {
			if st, ok := manager.Status(id); ok {
				statuses = append(statuses, st)
			}
		}
		return statuses
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("server stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	manager.Stop(shutdownCtx)
	em.Stop()
	logger.Info("replica exited properly")
	return nil
}

// openArbitrator returns the baseline store of cfg.Arbitrator.Backend.
// Remote backends are wrapped with retries and a circuit breaker.
func openArbitrator(cfg *config.Config, history *storage.RedisClient, logger *zap.Logger, reg prometheus.Registerer) (arbitrator.Store, error) {
	switch cfg.Arbitrator.Backend {
	case "memory":
		logger.Info("arbitrator: in-process store, baselines are not shared")
		return arbitrator.NewMemoryStore(), nil
	case "redis":
		if history == nil {
			return nil, errors.New("arbitrator backend redis needs a redis connection")
		}
		logger.Info("arbitrator: redis", zap.String("addr", cfg.Redis.Addr))
		return arbitrator.NewResilient(arbitrator.NewRedisStore(history.Client(), logger), cfg.Arbitrator, logger, reg), nil
	case "http":
		logger.Info("arbitrator: http", zap.String("url", cfg.Arbitrator.URL))
		client := arbitrator.NewClient(cfg.Arbitrator.URL, cfg.Arbitrator.Timeout)
		return arbitrator.NewResilient(client, cfg.Arbitrator, logger, reg), nil
	}
	return nil, fmt.Errorf("unknown arbitrator backend %q", cfg.Arbitrator.Backend)
}

func upstreamHandler(raw string) (http.Handler, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("server.upstream %q: want scheme://host[:port]", raw)
	}
	return httputil.NewSingleHostReverseProxy(u), nil
}
