package sampler

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/nshruti113/dos-protect/internal/models"
)

// Sampler aggregates observed requests of one resource into fixed windows.
// Observe never blocks on I/O; per-key counters are bounded and the least
// recently active key is evicted on overflow.
type Sampler struct {
	mu sync.Mutex

	maxSources    int
	maxSignatures int

	start      time.Time
	requests   uint64
	errors     uint64
	mitigated  uint64
	latencySum uint64
	evicted    uint64
	sources    *simplelru.LRU[string, uint64]
	signatures *simplelru.LRU[string, uint64]
}

// New returns a sampler whose first window starts at start.
func New(maxSources, maxSignatures int, start time.Time) *Sampler {
	s := &Sampler{
		maxSources:    max(maxSources, 1),
		maxSignatures: max(maxSignatures, 1),
	}
	s.reset(start)
	return s
}

func (s *Sampler) reset(start time.Time) {
	s.start = start
	s.requests, s.errors, s.mitigated, s.latencySum, s.evicted = 0, 0, 0, 0, 0
	// sizes are validated positive above, NewLRU cannot fail
	s.sources, _ = simplelru.NewLRU[string, uint64](s.maxSources, nil)
	s.signatures, _ = simplelru.NewLRU[string, uint64](s.maxSignatures, nil)
}

// Observe counts one request into the open window.
func (s *Sampler) Observe(req models.TrafficRequest) {
	sig := Signature(req)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests++
	if req.Disposition.Mitigated() {
		s.mitigated++
	} else {
		if req.IsError() {
			s.errors++
		}
		if req.Duration > 0 {
			s.latencySum += uint64(req.Duration)
		}
	}
	if increment(s.sources, req.SourceIP) {
		s.evicted++
	}
	if increment(s.signatures, sig) {
		s.evicted++
	}
}

func increment(c *simplelru.LRU[string, uint64], key string) (evicted bool) {
	n, _ := c.Get(key)
	return c.Add(key, n+1)
}

// Flush closes the open window at now and starts the next one.
func (s *Sampler) Flush(now time.Time) models.TrafficWindow {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := models.TrafficWindow{
		Start:        s.start,
		End:          now,
		Requests:     s.requests,
		Errors:       s.errors,
		Mitigated:    s.mitigated,
		LatencySumMs: s.latencySum,
		PerSourceIP:  snapshot(s.sources),
		PerSignature: snapshot(s.signatures),
		Evicted:      s.evicted,
	}
	s.reset(now)
	return w
}

func snapshot(c *simplelru.LRU[string, uint64]) map[string]uint64 {
	out := make(map[string]uint64, c.Len())
	for _, k := range c.Keys() {
		if v, ok := c.Peek(k); ok {
			out[k] = v
		}
	}
	return out
}
