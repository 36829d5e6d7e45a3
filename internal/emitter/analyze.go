package emitter

import (
	"bufio"
	"io"
	"slices"
	"time"

	"github.com/nshruti113/dos-protect/internal/models"
)

// Report is what an operator checks in a security log after an episode.
type Report struct {
	Lines     int `json:"lines"`
	Malformed int `json:"malformed"`

	NoAttack      bool `json:"no_attack"`
	AttackStarted bool `json:"attack_started"`
	UnderAttack   bool `json:"under_attack"`
	AttackEnded   bool `json:"attack_ended"`

	SignatureDetected bool `json:"signature_detected"`
	// BadActorsDetected only counts reports made after Under Attack.
	BadActorsDetected bool     `json:"bad_actors_detected"`
	BadActors         []string `json:"bad_actors"`

	// TimeToHealthy is the time from the first Attack started to the first
	// Under Attack report with stress below the bound; negative when never.
	TimeToHealthy time.Duration `json:"time_to_healthy"`

	// ReadyReplicas are the unit hostnames that reported a Ready baseline.
	ReadyReplicas []string `json:"ready_replicas"`
}

// EpisodeComplete reports whether the full No Attack, Attack started,
// Under Attack, Attack ended sequence was seen.
func (r Report) EpisodeComplete() bool {
	return r.NoAttack && r.AttackStarted && r.UnderAttack && r.AttackEnded
}

// Analyze parses a security log and summarizes it.
func Analyze(r io.Reader, stressBound float64) (Report, error) {
	var events []models.AttackEvent
	malformed := 0
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		ev, err := ParseEvent(line)
		if err != nil {
			malformed++
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return Report{}, err
	}
	rep := Summarize(events, stressBound)
	rep.Malformed = malformed
	return rep, nil
}

// Summarize builds a Report from events in log order.
func Summarize(events []models.AttackEvent, stressBound float64) Report {
	rep := Report{Lines: len(events), TimeToHealthy: -1}
	var startedAt time.Time

	for _, ev := range events {
		if ev.LearningConfidence == models.Ready && !slices.Contains(rep.ReadyReplicas, ev.UnitHostname) {
			rep.ReadyReplicas = append(rep.ReadyReplicas, ev.UnitHostname)
		}

		switch ev.Kind {
		case models.EventNoAttack:
			if ev.AttackID == 0 {
				rep.NoAttack = true
			}
		case models.EventAttackStarted:
			if ev.AttackID > 0 && !rep.AttackStarted {
				rep.AttackStarted = true
				startedAt = ev.Timestamp
			}
		case models.EventUnderAttack:
			rep.UnderAttack = true
			if rep.TimeToHealthy < 0 && rep.AttackStarted && ev.StressLevel < stressBound {
				rep.TimeToHealthy = ev.Timestamp.Sub(startedAt)
			}
		case models.EventSignatureDetected:
			rep.SignatureDetected = true
		case models.EventBadActorsDetected:
			if rep.UnderAttack {
				rep.BadActorsDetected = true
			}
		case models.EventBadActorDetection:
			if rep.UnderAttack && !slices.Contains(rep.BadActors, ev.SourceIP) {
				rep.BadActors = append(rep.BadActors, ev.SourceIP)
			}
		case models.EventAttackEnded:
			if ev.AttackID > 0 {
				rep.AttackEnded = true
			}
		}
	}
	slices.Sort(rep.BadActors)
	slices.Sort(rep.ReadyReplicas)
	return rep
}
