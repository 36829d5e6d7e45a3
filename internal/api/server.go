// Package api is the HTTP surface of a replica: traffic ingestion, protected
// resource management, event history, the live dashboard and metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nshruti113/dos-protect/internal/dashboard"
	"github.com/nshruti113/dos-protect/internal/emitter"
	"github.com/nshruti113/dos-protect/internal/engine"
	"github.com/nshruti113/dos-protect/internal/mitigation"
	"github.com/nshruti113/dos-protect/internal/models"
	"github.com/nshruti113/dos-protect/internal/protect"
)

// Engine is the part of *engine.Manager the API drives.
type Engine interface {
	mitigation.Enforcer
	Protect(ctx context.Context, res protect.DosProtectedResource) error
	Unprotect(ctx context.Context, id models.ResourceID) error
	Resources() []models.ResourceID
	Status(id models.ResourceID) (engine.Status, bool)
	Binding(id models.ResourceID) (protect.DosProtectedResource, bool)
	Objects() *protect.Registry
}

// EventHistory is the shared Redis event history.
type EventHistory interface {
	RecentEvents(ctx context.Context, id models.ResourceID, n int64) ([]models.AttackEvent, error)
	EventsSince(ctx context.Context, id models.ResourceID, since time.Time) ([]models.AttackEvent, error)
	ActiveAttacks(ctx context.Context) ([]models.AttackEvent, error)
}

// EventArchive is the long-term Postgres event store.
type EventArchive interface {
	ListEvents(ctx context.Context, id models.ResourceID, since time.Time, limit int) ([]models.AttackEvent, error)
}

// Options wires a Server. Only Engine and Ring are required.
type Options struct {
	Engine   Engine
	Ring     *emitter.Ring
	History  EventHistory
	Archive  EventArchive
	Hub      *dashboard.Hub
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger

	// Upstream serves requests to protected hosts once admitted.
	Upstream          http.Handler
	Challenge         *mitigation.ChallengeLimiter
	TrustForwardedFor bool
}

type Server struct {
	engine   Engine
	ring     *emitter.Ring
	history  EventHistory
	archive  EventArchive
	hub      *dashboard.Hub
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	router   *gin.Engine
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Upstream == nil {
		opts.Upstream = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK\n"))
		})
	}

	s := &Server{
		engine:   opts.Engine,
		ring:     opts.Ring,
		history:  opts.History,
		archive:  opts.Archive,
		hub:      opts.Hub,
		gatherer: opts.Gatherer,
		logger:   opts.Logger.With(zap.String("mod", "api")),
		router:   gin.New(),
	}
	s.router.Use(gin.Recovery(), requestLogger(s.logger))
	s.setupRoutes(opts)
	return s
}

func (s *Server) setupRoutes(opts Options) {
	s.router.Use(corsMiddleware())

	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := s.router.Group("/api")
	{
		// Traffic ingestion from proxies that enforce on their own
		api.POST("/traffic/ingest", s.ingestTraffic)

		api.GET("/resources", s.listResources)
		api.PUT("/resources", s.protectResource)

		res := api.Group("/resources/:ns/:protected/:name")
		{
			res.GET("", s.getResource)
			res.DELETE("", s.unprotectResource)
			res.GET("/directives", s.getDirectives)
			res.GET("/events", s.getEvents)
		}

		// Policies and log configurations bindings refer to
		api.GET("/objects", s.listObjects)
		api.PUT("/objects", s.putObject)
		api.DELETE("/objects/:kind/:ns/:name", s.deleteObject)

		api.GET("/attacks/active", s.getActiveAttacks)
		api.GET("/stats/summary", s.getSummaryStats)
	}

	if s.hub != nil {
		s.router.GET("/ws", gin.WrapH(s.hub))
	}

	// everything else is traffic for a protected host
	s.router.NoRoute(
		mitigation.Middleware(s.engine, opts.Challenge, opts.TrustForwardedFor),
		gin.WrapH(opts.Upstream),
	)
}

// Handler returns the HTTP handler of the replica.
func (s *Server) Handler() http.Handler {
	return s.router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Writer.Status() < http.StatusInternalServerError {
			logger.Debug("request",
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.Int("status", c.Writer.Status()),
				zap.Duration("latency", time.Since(start)))
			return
		}
		logger.Warn("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("errors", c.Errors.String()))
	}
}

// corsMiddleware handles CORS
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
