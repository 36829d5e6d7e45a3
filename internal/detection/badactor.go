package detection

import (
	"sort"

	"github.com/nshruti113/dos-protect/internal/config"
	"github.com/nshruti113/dos-protect/internal/models"
)

// BadActorDetector flags source IPs that dominate traffic during an attack.
// Evidence is gathered from AttackStarted on; IPs are flagged and reported
// once the episode is confirmed UnderAttack.
type BadActorDetector struct {
	cfg config.BadActorConfig

	streak    map[string]int
	flagged   map[string]*models.BadActorEntry
	announced uint64 // attack id that already reported "Bad actors detected"
}

func NewBadActorDetector(cfg config.BadActorConfig) *BadActorDetector {
	return &BadActorDetector{
		cfg:     cfg,
		streak:  make(map[string]int),
		flagged: make(map[string]*models.BadActorEntry),
	}
}

// Observe consumes the window classified as state within attackID and
// returns the bad-actor events it produces.
func (d *BadActorDetector) Observe(w models.TrafficWindow, state models.AttackState, attackID uint64) []models.AttackEvent {
	if state != models.AttackStarted && state != models.UnderAttack {
		d.Reset()
		return nil
	}
	now := w.End

	above := make(map[string]float64)
	for ip, count := range w.PerSourceIP {
		share := w.SourceShare(ip)
		if share >= d.cfg.ShareThreshold && count >= d.cfg.MinRequests {
			above[ip] = share
		}
	}

	for ip := range d.streak {
		if _, ok := above[ip]; !ok {
			delete(d.streak, ip)
		}
	}

	var fresh []string
	for ip, share := range above {
		d.streak[ip]++
		confidence := clamp01(share / (2 * d.cfg.ShareThreshold))

		if e, ok := d.flagged[ip]; ok {
			e.Confidence = confidence
			e.LastSeen, e.LastAbove = now, now
			continue
		}
		if d.streak[ip] >= d.cfg.MinWindows && state == models.UnderAttack {
			d.flagged[ip] = &models.BadActorEntry{
				SourceIP:   ip,
				Confidence: confidence,
				FirstSeen:  now,
				LastSeen:   now,
				LastAbove:  now,
			}
			fresh = append(fresh, ip)
		}
	}

	for ip, e := range d.flagged {
		if _, ok := above[ip]; ok {
			continue
		}
		if w.PerSourceIP[ip] > 0 {
			e.LastSeen = now
		}
		if now.Sub(e.LastAbove) >= d.cfg.Cooldown {
			delete(d.flagged, ip)
		}
	}

	if len(fresh) == 0 {
		return nil
	}
	sort.Strings(fresh)

	events := make([]models.AttackEvent, 0, len(fresh)+1)
	if d.announced != attackID {
		d.announced = attackID
		events = append(events, models.AttackEvent{
			Timestamp:  now,
			AttackID:   attackID,
			Kind:       models.EventBadActorsDetected,
			Transition: true,
		})
	}
	for _, ip := range fresh {
		events = append(events, models.AttackEvent{
			Timestamp:  now,
			AttackID:   attackID,
			Kind:       models.EventBadActorDetection,
			SourceIP:   ip,
			Transition: true,
		})
	}
	return events
}

// Flagged returns a copy of the flagged set ordered by source IP.
func (d *BadActorDetector) Flagged() []models.BadActorEntry {
	out := make([]models.BadActorEntry, 0, len(d.flagged))
	for _, e := range d.flagged {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceIP < out[j].SourceIP })
	return out
}

// Reset clears all evidence; called when an episode ends.
func (d *BadActorDetector) Reset() {
	clear(d.streak)
	clear(d.flagged)
}

