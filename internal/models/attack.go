package models

import (
	"fmt"
	"time"
)

// AttackState is the classifier state of one protected resource
type AttackState int

const (
	NoAttack AttackState = iota
	AttackStarted
	UnderAttack
	AttackEnded
)

func (s AttackState) String() string {
	switch s {
	case NoAttack:
		return "NoAttack"
	case AttackStarted:
		return "AttackStarted"
	case UnderAttack:
		return "UnderAttack"
	case AttackEnded:
		return "AttackEnded"
	}
	return fmt.Sprintf("AttackState(%d)", int(s))
}

// MarshalText keeps the JSON API readable.
func (s AttackState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *AttackState) UnmarshalText(text []byte) error {
	for _, st := range []AttackState{NoAttack, AttackStarted, UnderAttack, AttackEnded} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown attack state %q", text)
}

// EventKind is the attack_event value of a security-log record.
// The strings are a wire contract consumed by log shipping.
type EventKind string

const (
	EventNoAttack          EventKind = "No Attack"
	EventAttackStarted     EventKind = "Attack started"
	EventUnderAttack       EventKind = "Under Attack"
	EventAttackEnded       EventKind = "Attack ended"
	EventSignatureDetected EventKind = "Attack signature detected"
	EventBadActorsDetected EventKind = "Bad actors detected"
	EventBadActorDetection EventKind = "Bad actor detection"
)

// KindForState returns the event emitted on entering s.
func KindForState(s AttackState) EventKind {
	switch s {
	case AttackStarted:
		return EventAttackStarted
	case UnderAttack:
		return EventUnderAttack
	case AttackEnded:
		return EventAttackEnded
	}
	return EventNoAttack
}

// AttackEvent is one immutable security-log record
type AttackEvent struct {
	Timestamp          time.Time          `json:"timestamp"`
	Resource           ResourceID         `json:"resource"`
	AttackID           uint64             `json:"dos_attack_id"`
	Kind               EventKind          `json:"attack_event"`
	StressLevel        float64            `json:"stress_level"`
	SourceIP           string             `json:"source_ip,omitempty"`
	Signature          string             `json:"signature,omitempty"`
	LearningConfidence LearningConfidence `json:"learning_confidence,omitempty"`
	UnitHostname       string             `json:"unit_hostname,omitempty"`

	// Transition is false for periodic status reports.
	Transition bool `json:"-"`
}

// Disposition is the enforcement decision for a single request
type Disposition string

const (
	Allow     Disposition = "allow"
	Challenge Disposition = "challenge"
	Drop      Disposition = "drop"
)

// Mitigated reports whether the request was kept away from the upstream.
func (d Disposition) Mitigated() bool {
	return d == Challenge || d == Drop
}

// BadActorEntry is a source IP flagged during an attack episode
type BadActorEntry struct {
	SourceIP   string    `json:"source_ip"`
	Confidence float64   `json:"confidence"` // 0.0 to 1.0
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	LastAbove  time.Time `json:"last_above"` // last window above the share threshold
}
