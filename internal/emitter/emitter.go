package emitter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/nshruti113/dos-protect/internal/config"
	"github.com/nshruti113/dos-protect/internal/models"
)

// ErrStopped is returned by Emit after Stop.
var ErrStopped = errors.New("emitter stopped")

// Sink persists or forwards a batch of events. The slice is reused after
// WriteBatch returns and must not be retained.
type Sink interface {
	Name() string
	WriteBatch(ctx context.Context, events []models.AttackEvent) error
}

type metrics struct {
	emitted    *prometheus.CounterVec
	dropped    prometheus.Counter
	sinkErrors *prometheus.CounterVec
	bufferFill prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &metrics{
		emitted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dosprotect_events_emitted_total",
			Help: "Security-log events accepted for delivery.",
		}, []string{"attack_event"}),
		dropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dosprotect_events_dropped_total",
			Help: "Periodic status events shed because the buffer was full.",
		}),
		sinkErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dosprotect_sink_errors_total",
			Help: "Failed batch writes by sink.",
		}, []string{"sink"}),
		bufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "dosprotect_emitter_buffer_events",
			Help: "Events waiting in the emitter buffer.",
		}),
	}
}

// Emitter delivers events to its sinks from a single background worker in
// batches. Emit never waits on sink I/O.
type Emitter struct {
	ch            chan models.AttackEvent
	sinks         []Sink
	logger        *zap.Logger
	metrics       *metrics
	batchSize     int
	flushInterval time.Duration

	wg       sync.WaitGroup
	mu       sync.RWMutex // held for reading while sending on ch
	closed   atomic.Bool
	stopOnce sync.Once
}

func New(cfg config.EmitterConfig, logger *zap.Logger, reg prometheus.Registerer, sinks ...Sink) *Emitter {
	return &Emitter{
		ch:            make(chan models.AttackEvent, max(cfg.BufferSize, 1)),
		sinks:         sinks,
		logger:        logger.With(zap.String("mod", "emitter")),
		metrics:       newMetrics(reg),
		batchSize:     max(cfg.BatchSize, 1),
		flushInterval: max(cfg.FlushInterval, 10*time.Millisecond),
	}
}

func (e *Emitter) Start() {
	e.wg.Add(1)
	go e.worker()
}

// Stop rejects new events and drains the buffer into the sinks.
// Sinks are owned and closed by the caller.
func (e *Emitter) Stop() {
	e.stopOnce.Do(func() {
		e.closed.Store(true)
		e.mu.Lock()
		close(e.ch)
		e.mu.Unlock()
		e.wg.Wait()
		e.logger.Info("emitter stopped")
	})
}

// Emit queues ev. Transition events wait for buffer space until ctx is done;
// periodic status events are shed when the buffer is full.
func (e *Emitter) Emit(ctx context.Context, ev models.AttackEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed.Load() {
		return ErrStopped
	}

	if !ev.Transition {
		select {
		case e.ch <- ev:
			e.accepted(ev)
		default:
			e.metrics.dropped.Inc()
			e.logger.Warn("status event dropped: buffer full",
				zap.String("vs_name", ev.Resource.String()),
				zap.String("attack_event", string(ev.Kind)))
		}
		return nil
	}

	select {
	case e.ch <- ev:
		e.accepted(ev)
		return nil
	case <-ctx.Done():
		e.logger.Error("event lost: buffer full",
			zap.String("vs_name", ev.Resource.String()),
			zap.String("attack_event", string(ev.Kind)),
			zap.Uint64("dos_attack_id", ev.AttackID))
		return ctx.Err()
	}
}

func (e *Emitter) accepted(ev models.AttackEvent) {
	e.metrics.emitted.WithLabelValues(string(ev.Kind)).Inc()
	e.metrics.bufferFill.Set(float64(len(e.ch)))
}

func (e *Emitter) worker() {
	defer e.wg.Done()

	batch := make([]models.AttackEvent, 0, e.batchSize)
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, s := range e.sinks {
			// Background: the caller's context may already be gone on shutdown
			if err := s.WriteBatch(context.Background(), batch); err != nil {
				e.metrics.sinkErrors.WithLabelValues(s.Name()).Inc()
				e.logger.Error("sink write failed",
					zap.String("sink", s.Name()),
					zap.Int("events", len(batch)),
					zap.Error(err))
			}
		}
		batch = batch[:0]
		e.metrics.bufferFill.Set(float64(len(e.ch)))
	}

	for {
		select {
		case ev, ok := <-e.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= e.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
