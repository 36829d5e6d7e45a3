package engine

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nshruti113/dos-protect/internal/arbitrator"
	"github.com/nshruti113/dos-protect/internal/config"
	"github.com/nshruti113/dos-protect/internal/detection"
	"github.com/nshruti113/dos-protect/internal/mitigation"
	"github.com/nshruti113/dos-protect/internal/models"
	"github.com/nshruti113/dos-protect/internal/sampler"
)

// EventEmitter accepts decision events; *emitter.Emitter implements it.
type EventEmitter interface {
	Emit(ctx context.Context, ev models.AttackEvent) error
}

// Status is the latest view of one protected resource.
type Status struct {
	Resource   models.ResourceID         `json:"vs_name"`
	Host       string                    `json:"host,omitempty"`
	State      models.AttackState        `json:"state"`
	AttackID   uint64                    `json:"dos_attack_id"`
	Stress     float64                   `json:"stress_level"`
	Deviation  float64                   `json:"deviation"`
	Rate       float64                   `json:"rate"`
	Baseline   models.Baseline           `json:"baseline"`
	BadActors  []models.BadActorEntry    `json:"bad_actors"`
	Signature  *detection.SignatureMatch `json:"signature,omitempty"`
	TopSources []models.IPCount          `json:"top_sources"`
	Entropy    float64                   `json:"ip_entropy"`
	Evicted    uint64                    `json:"evicted"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// pipeline runs detection for one resource. Everything except the status
// pointer is confined to the pipeline goroutine.
type pipeline struct {
	id      models.ResourceID
	host    string
	replica string
	cfg     *config.Config

	sampler    *sampler.Sampler
	learner    *detection.Learner
	classifier *detection.Classifier
	badActors  *detection.BadActorDetector
	signatures *detection.SignatureDetector

	controller *mitigation.Controller
	emitter    EventEmitter
	store      arbitrator.Store
	metrics    *Metrics
	logger     *zap.Logger

	notify chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	status atomic.Pointer[Status]
}

func (p *pipeline) run(ctx context.Context) {
	defer close(p.done)

	window := time.NewTicker(p.cfg.Detection.Window)
	defer window.Stop()
	syncTicker := time.NewTicker(p.cfg.Arbitrator.SyncInterval)
	defer syncTicker.Stop()

	p.logger.Info("pipeline started", zap.Duration("window", p.cfg.Detection.Window))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopped")
			return
		case now := <-window.C:
			p.tick(ctx, now)
		case <-syncTicker.C:
			p.sync(ctx)
		case <-p.notify:
			if p.learner.Confidence() == models.Learning {
				p.pull(ctx)
			}
		}
	}
}

// tick closes the current window and processes it.
func (p *pipeline) tick(ctx context.Context, now time.Time) {
	p.process(ctx, p.sampler.Flush(now))
}

func (p *pipeline) process(ctx context.Context, w models.TrafficWindow) {
	if ctx.Err() != nil {
		return
	}
	vs := p.id.String()

	res := p.classifier.Classify(w, p.learner.Snapshot())

	wasReady := p.learner.Confidence() == models.Ready
	b := p.learner.Update(w, res.State != models.NoAttack)
	if !wasReady && b.Confidence == models.Ready {
		p.logger.Info("baseline ready",
			zap.Float64("mean_rate", b.MeanRate),
			zap.Float64("stddev", b.StdDev()),
			zap.Uint64("samples", b.Samples))
		p.push(ctx)
	}

	events := res.Events
	events = append(events, p.badActors.Observe(w, res.State, res.AttackID)...)
	events = append(events, p.signatures.Observe(w, b, res.State, res.AttackID)...)

	flagged := p.badActors.Flagged()
	p.controller.Publish(mitigation.NewSnapshot(p.id, res.State, res.AttackID, flagged, p.cfg.Mitigation.DropConfidence, w.End))

	for _, ev := range events {
		// a cancelled pipeline must not report anything after Unprotect
		if ctx.Err() != nil {
			return
		}
		ev.Resource = p.id
		ev.LearningConfidence = b.Confidence
		ev.UnitHostname = p.replica
		if ev.Transition {
			p.logger.Info("attack event",
				zap.String("attack_event", string(ev.Kind)),
				zap.Uint64("dos_attack_id", ev.AttackID),
				zap.Float64("stress_level", ev.StressLevel),
				zap.String("source_ip", ev.SourceIP))
		}
		if err := p.emitter.Emit(ctx, ev); err != nil {
			p.logger.Warn("emit failed", zap.String("attack_event", string(ev.Kind)), zap.Error(err))
		}
	}

	p.metrics.Windows.WithLabelValues(vs).Inc()
	p.metrics.AttackState.WithLabelValues(vs).Set(float64(res.State))
	p.metrics.StressLevel.WithLabelValues(vs).Set(res.Stress)
	p.metrics.TrafficRate.WithLabelValues(vs).Set(w.Rate())
	p.metrics.BaselineRate.WithLabelValues(vs).Set(b.MeanRate)
	p.metrics.LearningReady.WithLabelValues(vs).Set(boolGauge(b.Confidence == models.Ready))
	p.metrics.BadActors.WithLabelValues(vs).Set(float64(len(flagged)))
	if w.Evicted > 0 {
		p.metrics.Evictions.WithLabelValues(vs).Add(float64(w.Evicted))
		p.logger.Warn("sampler overloaded, counters evicted", zap.Uint64("evicted", w.Evicted))
	}

	st := &Status{
		Resource:   p.id,
		Host:       p.host,
		State:      res.State,
		AttackID:   res.AttackID,
		Stress:     res.Stress,
		Deviation:  res.Deviation,
		Rate:       w.Rate(),
		Baseline:   b,
		BadActors:  flagged,
		TopSources: w.TopSources(10),
		Entropy:    w.IPEntropy(),
		Evicted:    w.Evicted,
		UpdatedAt:  w.End,
	}
	if m, ok := p.signatures.Current(); ok {
		st.Signature = &m
	}
	p.status.Store(st)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
