package detection

import (
	"fmt"
	"regexp"

	"github.com/nshruti113/dos-protect/internal/config"
	"github.com/nshruti113/dos-protect/internal/models"
)

// DominantStructureRule names the built-in rule matching any fingerprint
// that carries at least signature.min_share of the window.
const DominantStructureRule = "dominant-structure"

type signatureRule struct {
	name string
	re   *regexp.Regexp
}

// SignatureMatch describes the attack signature currently reported.
type SignatureMatch struct {
	Rule        string  `json:"rule"`
	Fingerprint string  `json:"fingerprint"`
	Share       float64 `json:"share"`
	Confidence  float64 `json:"confidence"`
}

// SignatureDetector matches dominant request fingerprints against a rule set
// while a resource is under attack.
type SignatureDetector struct {
	cfg   config.SignatureConfig
	rules []signatureRule

	announced uint64
	current   *SignatureMatch
}

// NewSignatureDetector compiles the configured rules.
func NewSignatureDetector(cfg config.SignatureConfig) (*SignatureDetector, error) {
	d := &SignatureDetector{cfg: cfg}
	for _, r := range cfg.Rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("signature rule %q: %w", r.Name, err)
		}
		d.rules = append(d.rules, signatureRule{name: r.Name, re: re})
	}
	return d, nil
}

// Observe returns at most one "Attack signature detected" event per attack
// id, or another one when the dominant fingerprint changes.
func (d *SignatureDetector) Observe(w models.TrafficWindow, b models.Baseline, state models.AttackState, attackID uint64) []models.AttackEvent {
	if state != models.AttackStarted && state != models.UnderAttack {
		d.Reset()
		return nil
	}
	if state != models.UnderAttack {
		return nil
	}

	top := w.TopSignatures(1)
	if len(top) == 0 || w.Requests == 0 {
		return nil
	}
	fingerprint := top[0].IP
	share := float64(top[0].Count) / float64(w.Requests)

	excess := 0.0
	if rate := w.Rate(); rate > 0 {
		excess = clamp01((rate - b.MeanRate) / rate)
	}
	confidence := share * excess
	if confidence < d.cfg.Confidence {
		return nil
	}

	rule, ok := d.match(fingerprint, share)
	if !ok {
		return nil
	}
	if d.announced == attackID && d.current != nil && d.current.Fingerprint == fingerprint {
		d.current.Confidence, d.current.Share = confidence, share
		return nil
	}

	d.announced = attackID
	d.current = &SignatureMatch{Rule: rule, Fingerprint: fingerprint, Share: share, Confidence: confidence}
	return []models.AttackEvent{{
		Timestamp:  w.End,
		AttackID:   attackID,
		Kind:       models.EventSignatureDetected,
		Signature:  fingerprint,
		Transition: true,
	}}
}

func (d *SignatureDetector) match(fingerprint string, share float64) (string, bool) {
	for _, r := range d.rules {
		if r.re.MatchString(fingerprint) {
			return r.name, true
		}
	}
	if share >= d.cfg.MinShare {
		return DominantStructureRule, true
	}
	return "", false
}

// Current returns the signature reported for the running episode, if any.
func (d *SignatureDetector) Current() (SignatureMatch, bool) {
	if d.current == nil {
		return SignatureMatch{}, false
	}
	return *d.current, true
}

func (d *SignatureDetector) Reset() {
	d.current = nil
}
