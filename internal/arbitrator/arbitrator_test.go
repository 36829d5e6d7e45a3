package arbitrator

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nshruti113/dos-protect/internal/config"
	"github.com/nshruti113/dos-protect/internal/models"
)

var testID = models.ResourceID{Namespace: "test-ns", Protected: "dos-protected", Name: "name"}

func init() {
	gin.SetMode(gin.TestMode)
}

func baseline(conf models.LearningConfidence, mean float64, origin string) models.Baseline {
	return models.Baseline{
		MeanRate:   mean,
		Variance:   4,
		Samples:    12,
		Confidence: conf,
		UpdatedAt:  time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC),
		Origin:     origin,
	}
}

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb, zap.NewNop())
}

func newHTTPStore(t *testing.T) *Client {
	t.Helper()
	srv := httptest.NewServer(NewServer(NewMemoryStore(), zap.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, time.Second)
}

// Every backend must implement the same arbitration policy.
func TestStorePolicy(t *testing.T) {
	backends := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"redis":  func(t *testing.T) Store { return newRedisStore(t) },
		"http":   func(t *testing.T) Store { return newHTTPStore(t) },
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			if _, err := s.Pull(ctx, testID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Pull() on empty store = %v, want ErrNotFound", err)
			}
			if err := s.Attach(ctx, testID, "replica-a"); err != nil {
				t.Fatalf("Attach() error = %v", err)
			}

			ok, err := s.Push(ctx, testID, baseline(models.Learning, 10, "replica-a"))
			if err != nil || !ok {
				t.Fatalf("first push = %v, %v", ok, err)
			}
			ok, err = s.Push(ctx, testID, baseline(models.Ready, 20, "replica-a"))
			if err != nil || !ok {
				t.Fatalf("Ready over Learning = %v, %v", ok, err)
			}
			ok, err = s.Push(ctx, testID, baseline(models.Learning, 30, "replica-b"))
			if err != nil || ok {
				t.Fatalf("Learning over Ready must be rejected: %v, %v", ok, err)
			}
			ok, err = s.Push(ctx, testID, baseline(models.Ready, 40, "replica-b"))
			if err != nil || !ok {
				t.Fatalf("equal rank must win by arrival: %v, %v", ok, err)
			}

			got, err := s.Pull(ctx, testID)
			if err != nil {
				t.Fatalf("Pull() error = %v", err)
			}
			if got.MeanRate != 40 || got.Origin != "replica-b" || got.Confidence != models.Ready || got.Resource != testID {
				t.Fatalf("Pull() = %+v", got)
			}

			if err := s.Attach(ctx, testID, "replica-b"); err != nil {
				t.Fatalf("Attach() error = %v", err)
			}
			if err := s.Detach(ctx, testID, "replica-a"); err != nil {
				t.Fatalf("Detach() error = %v", err)
			}
			if _, err := s.Pull(ctx, testID); err != nil {
				t.Fatalf("snapshot dropped while a replica is attached: %v", err)
			}
			if err := s.Detach(ctx, testID, "replica-b"); err != nil {
				t.Fatalf("Detach() error = %v", err)
			}
			if _, err := s.Pull(ctx, testID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("snapshot outlived its last replica: %v", err)
			}
		})
	}
}

func TestMemoryStoreConcurrentPush(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conf := models.Learning
			if i%2 == 0 {
				conf = models.Ready
			}
			s.Push(ctx, testID, baseline(conf, float64(i), "r"))
			s.Pull(ctx, testID)
		}()
	}
	wg.Wait()

	got, err := s.Pull(ctx, testID)
	if err != nil || got.Confidence != models.Ready {
		t.Fatalf("a Ready snapshot must survive concurrent Learning pushes: %+v, %v", got, err)
	}
}

func TestMemoryStoreAttachRacingLastDetach(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := range 2000 {
		s.Attach(ctx, testID, "a")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Attach(ctx, testID, "b")
		}()
		go func() {
			defer wg.Done()
			s.Detach(ctx, testID, "a")
		}()
		wg.Wait()

		if n := s.Replicas(testID); n != 1 {
			t.Fatalf("iteration %d: replicas = %d, want 1", i, n)
		}
		if _, err := s.Push(ctx, testID, baseline(models.Ready, 10, "b")); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
		if _, err := s.Pull(ctx, testID); err != nil {
			t.Fatalf("iteration %d: snapshot of an attached resource lost: %v", i, err)
		}
		s.Detach(ctx, testID, "b")
		if _, err := s.Pull(ctx, testID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("iteration %d: snapshot outlived its last replica: %v", i, err)
		}
	}
}

func TestSubscribe(t *testing.T) {
	backends := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"redis":  func(t *testing.T) Store { return newRedisStore(t) },
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			ch, err := s.(Notifier).Subscribe(ctx)
			if err != nil {
				t.Fatalf("Subscribe() error = %v", err)
			}

			// redis subscribes asynchronously; keep pushing until the first announcement
			deadline := time.After(3 * time.Second)
			tick := time.NewTicker(50 * time.Millisecond)
			defer tick.Stop()
			for {
				select {
				case id := <-ch:
					if id != testID {
						t.Fatalf("announced %s", id)
					}
					cancel()
					for range ch {
					}
					return
				case <-tick.C:
					s.Push(ctx, testID, baseline(models.Ready, 10, "replica-a"))
				case <-deadline:
					t.Fatalf("no announcement")
				}
			}
		})
	}
}

func TestClientRejectsServerErrors(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", 200*time.Millisecond)
	if _, err := c.Pull(context.Background(), testID); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("Pull() against a dead arbitrator = %v", err)
	}
}

type flakyStore struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *flakyStore) record() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *flakyStore) Push(context.Context, models.ResourceID, models.Baseline) (bool, error) {
	return false, f.record()
}

func (f *flakyStore) Pull(context.Context, models.ResourceID) (models.Baseline, error) {
	return models.Baseline{}, f.record()
}

func (f *flakyStore) Attach(context.Context, models.ResourceID, string) error { return f.record() }
func (f *flakyStore) Detach(context.Context, models.ResourceID, string) error { return f.record() }

func testArbitratorConfig() config.ArbitratorConfig {
	cfg := config.Default().Arbitrator
	cfg.RetryAttempts = 2
	cfg.Timeout = 100 * time.Millisecond
	return cfg
}

func TestResilientRetriesAndTrips(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	reg := prometheus.NewRegistry()
	inner := &flakyStore{err: errors.New("connection refused")}
	r := NewResilient(inner, testArbitratorConfig(), zap.New(core), reg)
	ctx := context.Background()

	for range 6 {
		if _, err := r.Pull(ctx, testID); err == nil {
			t.Fatalf("Pull() must surface the failure")
		}
	}
	if inner.calls != 12 {
		t.Fatalf("inner calls = %d, want 2 attempts per call", inner.calls)
	}

	_, err := r.Pull(ctx, testID)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("breaker did not open: %v", err)
	}
	if inner.calls != 12 {
		t.Fatalf("open breaker still reached the store")
	}

	if got := testutil.ToFloat64(r.failures.WithLabelValues("pull")); got != 7 {
		t.Fatalf("failures metric = %v, want 7", got)
	}
	if got := testutil.ToFloat64(r.breakerState); got != float64(gobreaker.StateOpen) {
		t.Fatalf("breaker state gauge = %v", got)
	}
	if logs.FilterMessage("arbitrator unavailable, keeping local baseline").Len() != 7 {
		t.Fatalf("failures were not logged: %v", logs.All())
	}
}

func TestResilientNotFoundIsNotAFailure(t *testing.T) {
	inner := &flakyStore{err: ErrNotFound}
	r := NewResilient(inner, testArbitratorConfig(), zap.NewNop(), nil)

	for range 10 {
		if _, err := r.Pull(context.Background(), testID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Pull() = %v, want ErrNotFound", err)
		}
	}
	if inner.calls != 10 {
		t.Fatalf("ErrNotFound was retried: %d calls", inner.calls)
	}
	if r.cb.State() != gobreaker.StateClosed {
		t.Fatalf("ErrNotFound tripped the breaker")
	}
}

func TestResilientPassesThrough(t *testing.T) {
	mem := NewMemoryStore()
	r := NewResilient(mem, testArbitratorConfig(), zap.NewNop(), nil)
	ctx := context.Background()

	ok, err := r.Push(ctx, testID, baseline(models.Ready, 5, "replica-a"))
	if err != nil || !ok {
		t.Fatalf("Push() = %v, %v", ok, err)
	}
	if err := r.Attach(ctx, testID, "replica-a"); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if mem.Replicas(testID) != 1 {
		t.Fatalf("replica not attached")
	}
	if _, err := r.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe() through wrapper: %v", err)
	}
	if _, err := NewResilient(&flakyStore{}, testArbitratorConfig(), zap.NewNop(), nil).Subscribe(ctx); !errors.Is(err, errors.ErrUnsupported) {
		t.Fatalf("Subscribe() on a store without notifications = %v", err)
	}
}
