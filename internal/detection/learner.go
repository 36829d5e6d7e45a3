package detection

import (
	"github.com/nshruti113/dos-protect/internal/config"
	"github.com/nshruti113/dos-protect/internal/models"
)

// windows with fewer requests are too small to judge source dominance
const minDominanceRequests = 20

// Learner builds the baseline of normal traffic for one resource.
// It is not safe for concurrent use; the owning pipeline serializes access.
type Learner struct {
	cfg    config.LearningConfig
	id     models.ResourceID
	origin string

	baseline models.Baseline
	rate     welford
	latency  welford
	errRate  welford
	recent   []float64 // rates of the last accepted windows
}

func NewLearner(cfg config.LearningConfig, id models.ResourceID, origin string) *Learner {
	l := &Learner{cfg: cfg, id: id, origin: origin}
	l.Reset()
	return l
}

// Reset discards everything learned and returns to Learning.
func (l *Learner) Reset() {
	l.baseline = models.Baseline{
		Resource:   l.id,
		Confidence: models.Learning,
		Origin:     l.origin,
	}
	l.rate, l.latency, l.errRate = welford{}, welford{}, welford{}
	l.recent = l.recent[:0]
}

func (l *Learner) Confidence() models.LearningConfidence {
	return l.baseline.Confidence
}

func (l *Learner) Snapshot() models.Baseline {
	return l.baseline
}

// Dominated reports whether a few sources dominate w: the busiest
// dominance_sources clients together carry at least dominance_share of it.
func (l *Learner) Dominated(w models.TrafficWindow) bool {
	if w.Requests < minDominanceRequests {
		return false
	}
	var share float64
	for _, src := range w.TopSources(max(l.cfg.DominanceSources, 1)) {
		share += src.Percentage / 100
	}
	return share >= l.cfg.DominanceShare
}

// Update folds a closed window into the baseline. Windows observed while the
// resource is attacked, or dominated by few sources, are ignored.
func (l *Learner) Update(w models.TrafficWindow, attacked bool) models.Baseline {
	if attacked || l.Dominated(w) {
		return l.baseline
	}

	rate, latency, errRate := w.Rate(), w.MeanLatencyMs(), w.ErrorRate()

	if l.baseline.Confidence == models.Ready {
		alpha := l.cfg.EMAAlpha
		b := &l.baseline
		b.Variance = emaVariance(b.Variance, b.MeanRate, rate, alpha)
		b.MeanRate = ema(b.MeanRate, rate, alpha)
		b.MeanLatencyMs = ema(b.MeanLatencyMs, latency, alpha)
		b.MeanErrorRate = ema(b.MeanErrorRate, errRate, alpha)
		b.Samples++
		b.UpdatedAt = w.End
		b.Origin = l.origin
		return l.baseline
	}

	l.rate.add(rate)
	l.latency.add(latency)
	l.errRate.add(errRate)

	l.recent = append(l.recent, rate)
	if n := l.cfg.ConvergenceWindows; len(l.recent) > n {
		l.recent = l.recent[len(l.recent)-n:]
	}

	l.baseline.MeanRate = l.rate.mean
	l.baseline.Variance = l.rate.variance()
	l.baseline.MeanLatencyMs = l.latency.mean
	l.baseline.MeanErrorRate = l.errRate.mean
	l.baseline.Samples = l.rate.n
	l.baseline.UpdatedAt = w.End
	l.baseline.Origin = l.origin

	if l.converged() {
		l.baseline.Confidence = models.Ready
	}
	return l.baseline
}

func (l *Learner) converged() bool {
	if len(l.recent) < l.cfg.ConvergenceWindows {
		return false
	}
	cv, mean := coefficientOfVariation(l.recent)
	return mean >= l.cfg.MinRate && cv <= l.cfg.ConvergenceCV
}

// Adopt replaces the local baseline with remote when remote is Ready and
// either the local one is still Learning or remote is a newer Ready baseline
// from another replica. It reports whether remote was adopted.
func (l *Learner) Adopt(remote models.Baseline) bool {
	if remote.Confidence != models.Ready {
		return false
	}
	local := l.baseline
	switch {
	case local.Confidence != models.Ready:
	case remote.Origin != l.origin && remote.UpdatedAt.After(local.UpdatedAt):
	default:
		return false
	}

	remote.Resource = l.id
	l.baseline = remote
	l.recent = l.recent[:0]
	return true
}

