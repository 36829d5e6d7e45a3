package mitigation

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/nshruti113/dos-protect/internal/config"
	"github.com/nshruti113/dos-protect/internal/models"
)

// Enforcer resolves protected hosts, decides and records requests.
type Enforcer interface {
	ResourceForHost(host string) (models.ResourceID, bool)
	Decide(id models.ResourceID, ip string) models.Disposition
	Observe(id models.ResourceID, req models.TrafficRequest)
}

// ChallengeLimiter is a per-IP token bucket applied to challenged clients.
type ChallengeLimiter struct {
	limiters *lru.Cache[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

func NewChallengeLimiter(cfg config.MitigationConfig) (*ChallengeLimiter, error) {
	cache, err := lru.New[string, *rate.Limiter](max(cfg.MaxLimiters, 1))
	if err != nil {
		return nil, fmt.Errorf("challenge limiter cache: %w", err)
	}
	return &ChallengeLimiter{
		limiters: cache,
		limit:    rate.Limit(cfg.ChallengeRate),
		burst:    max(cfg.ChallengeBurst, 1),
	}, nil
}

// Allow takes one token from the bucket of ip.
func (l *ChallengeLimiter) Allow(ip string) bool {
	lim, ok := l.limiters.Get(ip)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		if prev, found, _ := l.limiters.PeekOrAdd(ip, lim); found {
			lim = prev
		}
	}
	return lim.Allow()
}

// Middleware enforces mitigation decisions on protected hosts and feeds every
// request, admitted or not, to the enforcer's sampler.
func Middleware(e Enforcer, challenge *ChallengeLimiter, trustForwardedFor bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := e.ResourceForHost(HostOnly(c.Request.Host))
		if !ok {
			c.Next()
			return
		}

		start := time.Now()
		ip := clientIP(c, trustForwardedFor)
		req := models.TrafficRequest{
			ID:          requestID(c),
			Resource:    id.String(),
			Timestamp:   start,
			SourceIP:    ip,
			Method:      c.Request.Method,
			Host:        c.Request.Host,
			RequestPath: c.Request.URL.RequestURI(),
			UserAgent:   c.Request.UserAgent(),
			Headers:     headerNames(c.Request.Header),
			BytesRecv:   int(max(c.Request.ContentLength, 0)),
			Disposition: e.Decide(id, ip),
		}

		switch req.Disposition {
		case models.Drop:
			c.String(http.StatusForbidden, "Request Rejected")
			c.Abort()
		case models.Challenge:
			if challenge != nil && challenge.Allow(ip) {
				req.Disposition = models.Allow
				c.Next()
			} else {
				c.Header("Retry-After", "1")
				c.String(http.StatusTooManyRequests, "Too Many Requests")
				c.Abort()
			}
		default:
			c.Next()
		}

		req.StatusCode = c.Writer.Status()
		req.BytesSent = max(c.Writer.Size(), 0)
		req.Duration = int(time.Since(start).Milliseconds())
		e.Observe(id, req)
	}
}

func clientIP(c *gin.Context, trustForwardedFor bool) string {
	if trustForwardedFor {
		if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
				return ip
			}
		}
	}
	return c.RemoteIP()
}

func requestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// HostOnly strips the port from a Host header value.
func HostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func headerNames(h http.Header) []string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	return names
}
