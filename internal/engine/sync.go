package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/nshruti113/dos-protect/internal/arbitrator"
	"github.com/nshruti113/dos-protect/internal/models"
)

// sync is the periodic arbitrator exchange: Ready pipelines share their
// baseline, Learning ones look for a better one.
func (p *pipeline) sync(ctx context.Context) {
	if p.learner.Confidence() == models.Ready {
		p.push(ctx)
		return
	}
	p.pull(ctx)
}

func (p *pipeline) push(ctx context.Context) {
	if p.store == nil {
		return
	}
	vs := p.id.String()
	accepted, err := p.store.Push(ctx, p.id, p.learner.Snapshot())
	switch {
	case err != nil:
		p.metrics.BaselinePushes.WithLabelValues(vs, "failed").Inc()
		p.logger.Warn("baseline push failed, keeping local baseline", zap.Error(err))
	case accepted:
		p.metrics.BaselinePushes.WithLabelValues(vs, "accepted").Inc()
	default:
		p.metrics.BaselinePushes.WithLabelValues(vs, "rejected").Inc()
	}
}

// pull adopts the arbitrated baseline when it beats the local one.
func (p *pipeline) pull(ctx context.Context) {
	if p.store == nil {
		return
	}
	remote, err := p.store.Pull(ctx, p.id)
	if errors.Is(err, arbitrator.ErrNotFound) {
		return
	}
	if err != nil {
		p.logger.Warn("baseline pull failed, keeping local baseline", zap.Error(err))
		return
	}
	if p.learner.Adopt(remote) {
		if st := p.status.Load(); st != nil {
			next := *st
			next.Baseline = p.learner.Snapshot()
			p.status.Store(&next)
		}
		p.metrics.BaselineAdoptions.WithLabelValues(p.id.String()).Inc()
		p.logger.Info("baseline adopted",
			zap.String("origin", remote.Origin),
			zap.Float64("mean_rate", remote.MeanRate),
			zap.Uint64("samples", remote.Samples))
	}
}
