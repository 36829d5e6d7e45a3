package arbitrator

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nshruti113/dos-protect/internal/models"
)

// Server exposes a Store over HTTP for replicas using the http backend.
type Server struct {
	store  Store
	logger *zap.Logger
	router *gin.Engine
}

func NewServer(store Store, logger *zap.Logger) *Server {
	s := &Server{
		store:  store,
		logger: logger.With(zap.String("mod", "arbitrator.server")),
		router: gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.router.Group("/api/v1/baselines/:ns/:protected/:name")
	{
		api.GET("", s.pull)
		api.PUT("", s.push)
		api.PUT("/replicas/:replica", s.attach)
		api.DELETE("/replicas/:replica", s.detach)
	}
}

// Handler returns the HTTP handler serving the arbitrator API.
func (s *Server) Handler() http.Handler {
	return s.router
}

func resourceParam(c *gin.Context) (models.ResourceID, bool) {
	id := models.ResourceID{
		Namespace: c.Param("ns"),
		Protected: c.Param("protected"),
		Name:      c.Param("name"),
	}
	if id.Namespace == "" || id.Protected == "" || id.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid resource id"})
		return id, false
	}
	return id, true
}

func (s *Server) pull(c *gin.Context) {
	id, ok := resourceParam(c)
	if !ok {
		return
	}
	b, err := s.store.Pull(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.logger.Error("pull failed", zap.Stringer("resource", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pull failed"})
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) push(c *gin.Context) {
	id, ok := resourceParam(c)
	if !ok {
		return
	}
	var b models.Baseline
	if err := c.ShouldBindJSON(&b); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	accepted, err := s.store.Push(c.Request.Context(), id, b)
	if err != nil {
		s.logger.Error("push failed", zap.Stringer("resource", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "push failed"})
		return
	}
	if accepted {
		s.logger.Debug("baseline accepted",
			zap.Stringer("resource", id),
			zap.String("origin", b.Origin),
			zap.String("confidence", string(b.Confidence)))
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted})
}

func (s *Server) attach(c *gin.Context) {
	id, ok := resourceParam(c)
	if !ok {
		return
	}
	if err := s.store.Attach(c.Request.Context(), id, c.Param("replica")); err != nil {
		s.logger.Error("attach failed", zap.Stringer("resource", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "attach failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) detach(c *gin.Context) {
	id, ok := resourceParam(c)
	if !ok {
		return
	}
	if err := s.store.Detach(c.Request.Context(), id, c.Param("replica")); err != nil {
		s.logger.Error("detach failed", zap.Stringer("resource", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "detach failed"})
		return
	}
	c.Status(http.StatusNoContent)
}
