package detection

import (
	"math"
	"time"

	"github.com/nshruti113/dos-protect/internal/config"
	"github.com/nshruti113/dos-protect/internal/models"
)

// Result is the outcome of classifying one window.
type Result struct {
	State     models.AttackState
	AttackID  uint64
	Deviation float64 // of total incoming traffic
	Stress    float64
	// Events are partially filled: Resource, LearningConfidence and
	// UnitHostname are set by the caller.
	Events []models.AttackEvent
}

// Classifier is the per-resource attack state machine.
// It is not safe for concurrent use.
type Classifier struct {
	cfg config.DetectionConfig

	state      models.AttackState
	attackID   uint64 // current episode, 0 in NoAttack
	lastID     uint64 // last assigned, ids are never reused
	aboveSince time.Time
	belowSince time.Time
	lastEvent  time.Time
	stress     float64
}

func NewClassifier(cfg config.DetectionConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

func (c *Classifier) State() models.AttackState { return c.state }

func (c *Classifier) AttackID() uint64 { return c.attackID }

func (c *Classifier) Stress() float64 { return c.stress }

// sigma floors the baseline deviation so a very quiet baseline does not turn
// every small burst into an attack.
func (c *Classifier) sigma(b models.Baseline) float64 {
	return math.Max(b.StdDev(), math.Max(b.MeanRate*c.cfg.MinRelativeSigma, c.cfg.MinSigma))
}

// Deviation returns how many floored standard deviations rate is above the baseline.
func (c *Classifier) Deviation(rate float64, b models.Baseline) float64 {
	if b.Samples == 0 {
		return 0
	}
	return (rate - b.MeanRate) / c.sigma(b)
}

// StressLevel estimates upstream health in [0,1] from admitted traffic only.
func (c *Classifier) StressLevel(w models.TrafficWindow, b models.Baseline) float64 {
	stress := 0.0
	if dev := c.Deviation(w.AdmittedRate(), b); dev > 0 {
		stress = 1 - math.Exp(-dev/c.cfg.SeverityThreshold)
	}
	stress = math.Max(stress, clamp01(w.ErrorRate()-b.MeanErrorRate))
	if b.MeanLatencyMs > 0 && c.cfg.LatencyFactor > 1 {
		excess := (w.MeanLatencyMs() - b.MeanLatencyMs) / (b.MeanLatencyMs * (c.cfg.LatencyFactor - 1))
		stress = math.Max(stress, clamp01(excess))
	}
	return clamp01(stress)
}

// Classify advances the state machine by one closed window.
func (c *Classifier) Classify(w models.TrafficWindow, b models.Baseline) Result {
	now := w.End
	dev := c.Deviation(w.Rate(), b)
	c.stress = c.StressLevel(w, b)

	var events []models.AttackEvent
	enter := func(s models.AttackState) {
		c.state = s
		events = append(events, c.event(models.KindForState(s), now, true))
	}

	switch c.state {
	case models.NoAttack:
		threshold := c.cfg.EmergencyThreshold
		if b.Confidence == models.Ready {
			threshold = c.cfg.SeverityThreshold
		}
		if dev >= threshold {
			c.lastID++
			c.attackID = c.lastID
			c.aboveSince, c.belowSince = w.Start, time.Time{}
			enter(models.AttackStarted)
		}

	case models.AttackStarted:
		if c.track(dev, w) {
			if now.Sub(c.aboveSince) >= c.cfg.AttackDwell {
				enter(models.UnderAttack)
			}
		} else if now.Sub(c.belowSince) >= c.cfg.RecoveryDwell {
			// a start that never sustained still closes the full sequence
			enter(models.UnderAttack)
			c.end(enter)
		}

	case models.UnderAttack:
		if !c.track(dev, w) && now.Sub(c.belowSince) >= c.cfg.RecoveryDwell {
			c.end(enter)
		}
	}

	if len(events) == 0 && c.statusDue(now) {
		kind := models.EventNoAttack
		if c.state == models.UnderAttack {
			kind = models.EventUnderAttack
		}
		events = append(events, c.event(kind, now, false))
	}

	return Result{
		State:     c.state,
		AttackID:  c.attackID,
		Deviation: dev,
		Stress:    c.stress,
		Events:    events,
	}
}

// track updates the continuous above/below timers and reports whether dev
// is at or above the hysteresis threshold.
func (c *Classifier) track(dev float64, w models.TrafficWindow) bool {
	if dev >= c.cfg.HysteresisThreshold {
		if c.aboveSince.IsZero() {
			c.aboveSince = w.Start
		}
		c.belowSince = time.Time{}
		return true
	}
	if c.belowSince.IsZero() {
		c.belowSince = w.Start
	}
	c.aboveSince = time.Time{}
	return false
}

func (c *Classifier) end(enter func(models.AttackState)) {
	enter(models.AttackEnded)
	c.attackID = 0
	c.aboveSince, c.belowSince = time.Time{}, time.Time{}
	enter(models.NoAttack)
}

func (c *Classifier) statusDue(now time.Time) bool {
	if c.state != models.NoAttack && c.state != models.UnderAttack {
		return false
	}
	return c.lastEvent.IsZero() || now.Sub(c.lastEvent) >= c.cfg.StatusInterval
}

func (c *Classifier) event(kind models.EventKind, now time.Time, transition bool) models.AttackEvent {
	c.lastEvent = now
	return models.AttackEvent{
		Timestamp:   now,
		AttackID:    c.attackID,
		Kind:        kind,
		StressLevel: c.stress,
		Transition:  transition,
	}
}
