package arbitrator

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/nshruti113/dos-protect/internal/config"
	"github.com/nshruti113/dos-protect/internal/models"
)

// Resilient wraps a remote Store with retries and a circuit breaker. Failures
// are logged and returned; callers keep working with their local baseline.
type Resilient struct {
	next     Store
	cb       *gobreaker.CircuitBreaker
	attempts uint
	timeout  time.Duration
	logger   *zap.Logger

	failures     *prometheus.CounterVec
	breakerState prometheus.Gauge
}

func NewResilient(next Store, cfg config.ArbitratorConfig, logger *zap.Logger, reg prometheus.Registerer) *Resilient {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &Resilient{
		next:     next,
		attempts: max(cfg.RetryAttempts, 1),
		timeout:  cfg.Timeout,
		logger:   logger.With(zap.String("mod", "arbitrator")),
		failures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dosprotect_arbitrator_failures_total",
			Help: "Arbitrator operations that failed after retries.",
		}, []string{"op"}),
		breakerState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "dosprotect_arbitrator_circuit_breaker_state",
			Help: "State of the arbitrator circuit breaker (0=closed, 1=half-open, 2=open).",
		}),
	}

	r.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "arbitrator",
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.breakerState.Set(float64(to))
			r.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})
	return r
}

// call runs op through the breaker with retries. ErrNotFound is an answer,
// not a failure, and is neither retried nor counted by the breaker.
func (r *Resilient) call(ctx context.Context, name string, op func(context.Context) error) error {
	var notFound bool

	_, err := r.cb.Execute(func() (interface{}, error) {
		rt := retry.New(
			retry.Context(ctx),
			retry.Attempts(r.attempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				return retry.BackOffDelay(n, err, config)
			}),
		)
		return nil, rt.Do(func() error {
			opCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			err := op(opCtx)
			if errors.Is(err, ErrNotFound) {
				notFound = true
				return nil
			}
			return err
		})
	})

	if err != nil {
		r.failures.WithLabelValues(name).Inc()
		r.logger.Warn("arbitrator unavailable, keeping local baseline",
			zap.String("op", name),
			zap.Error(err))
		return err
	}
	if notFound {
		return ErrNotFound
	}
	return nil
}

func (r *Resilient) Push(ctx context.Context, id models.ResourceID, b models.Baseline) (bool, error) {
	var accepted bool
	err := r.call(ctx, "push", func(ctx context.Context) error {
		var err error
		accepted, err = r.next.Push(ctx, id, b)
		return err
	})
	return accepted, err
}

func (r *Resilient) Pull(ctx context.Context, id models.ResourceID) (models.Baseline, error) {
	var b models.Baseline
	err := r.call(ctx, "pull", func(ctx context.Context) error {
		var err error
		b, err = r.next.Pull(ctx, id)
		return err
	})
	return b, err
}

func (r *Resilient) Attach(ctx context.Context, id models.ResourceID, replica string) error {
	return r.call(ctx, "attach", func(ctx context.Context) error {
		return r.next.Attach(ctx, id, replica)
	})
}

func (r *Resilient) Detach(ctx context.Context, id models.ResourceID, replica string) error {
	return r.call(ctx, "detach", func(ctx context.Context) error {
		return r.next.Detach(ctx, id, replica)
	})
}

// Subscribe forwards to the wrapped store when it supports notifications.
func (r *Resilient) Subscribe(ctx context.Context) (<-chan models.ResourceID, error) {
	n, ok := r.next.(Notifier)
	if !ok {
		return nil, errors.ErrUnsupported
	}
	return n.Subscribe(ctx)
}
