package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nshruti113/dos-protect/internal/detection"
	"github.com/nshruti113/dos-protect/internal/engine"
	"github.com/nshruti113/dos-protect/internal/mitigation"
	"github.com/nshruti113/dos-protect/internal/models"
	"github.com/nshruti113/dos-protect/internal/protect"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

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

// ingestTraffic records a request observed by an external proxy and returns
// the disposition the engine would apply to its source.
func (s *Server) ingestTraffic(c *gin.Context) {
	var req models.TrafficRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.SourceIP == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source_ip is required"})
		return
	}

	var (
		id models.ResourceID
		ok bool
	)
	if req.Resource != "" {
		parsed, err := models.ParseResourceID(req.Resource)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id = parsed
		_, ok = s.engine.Status(id)
	} else {
		id, ok = s.engine.ResourceForHost(mitigation.HostOnly(req.Host))
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no protected resource for request"})
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}
	decision := s.engine.Decide(id, req.SourceIP)
	if req.Disposition == "" {
		req.Disposition = decision
	}
	s.engine.Observe(id, req)

	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"vs_name":     id.String(),
		"disposition": decision,
	})
}

func (s *Server) listResources(c *gin.Context) {
	ids := s.engine.Resources()
	statuses := make([]engine.Status, 0, len(ids))
	for _, id := range ids {
		if st, ok := s.engine.Status(id); ok {
			statuses = append(statuses, st)
		}
	}
	c.JSON(http.StatusOK, gin.H{"resources": statuses})
}

func (s *Server) getResource(c *gin.Context) {
	id, ok := resourceParam(c)
	if !ok {
		return
	}
	st, ok := s.engine.Status(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": engine.ErrNotProtected.Error()})
		return
	}
	binding, _ := s.engine.Binding(id)
	c.JSON(http.StatusOK, gin.H{
		"status":  st,
		"binding": binding,
	})
}

func (s *Server) protectResource(c *gin.Context) {
	var res protect.DosProtectedResource
	if err := c.ShouldBindJSON(&res); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if res.Kind == "" {
		res.Kind = protect.Kind
	}

	err := s.engine.Protect(c.Request.Context(), res)
	switch {
	case errors.Is(err, protect.ErrInvalid):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	case errors.Is(err, engine.ErrAlreadyProtected):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, engine.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.logger.Error("protect failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "protect failed"})
		return
	}

	id := res.ResourceID()
	c.JSON(http.StatusCreated, gin.H{
		"vs_name":    id.String(),
		"enabled":    res.Spec.Enable,
		"directives": res.Directives(),
	})
}

func (s *Server) listObjects(c *gin.Context) {
	objects := s.engine.Objects()
	c.JSON(http.StatusOK, gin.H{
		"policies":  objects.Keys(protect.PolicyKind),
		"log_confs": objects.Keys(protect.LogConfKind),
	})
}

func (s *Server) putObject(c *gin.Context) {
	var o protect.Object
	if err := c.ShouldBindJSON(&o); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := protect.ValidateObject(&o); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	s.engine.Objects().Put(o)
	c.JSON(http.StatusCreated, gin.H{"kind": o.Kind, "name": o.Key()})
}

func (s *Server) deleteObject(c *gin.Context) {
	s.engine.Objects().Delete(c.Param("kind"), c.Param("ns")+"/"+c.Param("name"))
	c.Status(http.StatusNoContent)
}

func (s *Server) unprotectResource(c *gin.Context) {
	id, ok := resourceParam(c)
	if !ok {
		return
	}
	err := s.engine.Unprotect(c.Request.Context(), id)
	if errors.Is(err, engine.ErrNotProtected) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.logger.Error("unprotect failed", zap.Stringer("resource", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unprotect failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// getDirectives returns the proxy configuration lines of the binding.
func (s *Server) getDirectives(c *gin.Context) {
	id, ok := resourceParam(c)
	if !ok {
		return
	}
	binding, ok := s.engine.Binding(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": engine.ErrNotProtected.Error()})
		return
	}
	if c.Query("format") == "text" {
		var body []byte
		for _, d := range binding.Directives() {
			body = append(body, d...)
			body = append(body, '\n')
		}
		c.Data(http.StatusOK, "text/plain; charset=utf-8", body)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"vs_name":       id.String(),
		"directives":    binding.Directives(),
		"policy_file":   binding.PolicyFile(),
		"log_conf_file": binding.LogConfFile(),
	})
}

// getEvents serves ?since= from the archive when there is one, then the
// Redis history, then the in-memory ring of this replica.
func (s *Server) getEvents(c *gin.Context) {
	id, ok := resourceParam(c)
	if !ok {
		return
	}
	limit := defaultEventLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxEventLimit)
	}
	var since time.Time
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC 3339"})
			return
		}
		since = t
	}

	ctx := c.Request.Context()
	var (
		events []models.AttackEvent
		source string
		err    error
	)
	switch {
	case !since.IsZero() && s.archive != nil:
		source = "archive"
		events, err = s.archive.ListEvents(ctx, id, since, limit)
	case !since.IsZero() && s.history != nil:
		source = "redis"
		events, err = s.history.EventsSince(ctx, id, since)
	case s.history != nil:
		source = "redis"
		events, err = s.history.RecentEvents(ctx, id, int64(limit))
	default:
		source = "local"
		events = s.localEvents(id, since)
	}
	if err != nil {
		s.logger.Warn("event history unavailable, serving local events",
			zap.String("source", source), zap.Stringer("resource", id), zap.Error(err))
		source = "local"
		events = s.localEvents(id, since)
	}
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	if events == nil {
		events = []models.AttackEvent{}
	}
	c.JSON(http.StatusOK, gin.H{
		"vs_name": id.String(),
		"source":  source,
		"events":  events,
	})
}

func (s *Server) localEvents(id models.ResourceID, since time.Time) []models.AttackEvent {
	if s.ring == nil {
		return nil
	}
	var out []models.AttackEvent
	for _, ev := range s.ring.Recent(0) {
		if ev.Resource == id && !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	return out
}

// getActiveAttacks returns the resources this replica sees under attack and,
// with a shared history, the latest attack event of every replica.
func (s *Server) getActiveAttacks(c *gin.Context) {
	attacks := make([]engine.Status, 0)
	for _, id := range s.engine.Resources() {
		if st, ok := s.engine.Status(id); ok && st.State != models.NoAttack {
			attacks = append(attacks, st)
		}
	}

	resp := gin.H{"attacks": attacks}
	if s.history != nil {
		cluster, err := s.history.ActiveAttacks(c.Request.Context())
		if err != nil {
			s.logger.Warn("active attacks unavailable", zap.Error(err))
		} else {
			resp["cluster"] = cluster
		}
	}
	c.JSON(http.StatusOK, resp)
}

// getSummaryStats returns dashboard summary statistics
func (s *Server) getSummaryStats(c *gin.Context) {
	var (
		active, badActors, ready int
		rps, stress              float64
	)
	ids := s.engine.Resources()
	for _, id := range ids {
		st, ok := s.engine.Status(id)
		if !ok {
			continue
		}
		if st.State != models.NoAttack {
			active++
		}
		if st.Baseline.Confidence == models.Ready {
			ready++
		}
		badActors += len(st.BadActors)
		rps += st.Rate
		stress = max(stress, st.Stress)
	}

	status := "NORMAL"
	if active > 0 {
		status = "UNDER_ATTACK"
	}

	summary := gin.H{
		"status":              status,
		"protected_resources": len(ids),
		"ready_baselines":     ready,
		"active_attacks":      active,
		"bad_actors":          badActors,
		"current_rps":         rps,
		"max_stress_level":    stress,
		"severity":            detection.Severity(stress),
	}
	if s.hub != nil {
		summary["dashboard_clients"] = s.hub.Clients()
	}

	c.JSON(http.StatusOK, summary)
}
