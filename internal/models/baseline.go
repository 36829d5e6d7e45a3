package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// LearningConfidence is the maturity of a baseline
type LearningConfidence string

const (
	Learning LearningConfidence = "Learning"
	Ready    LearningConfidence = "Ready"
)

// Rank orders confidences for last-write-wins arbitration.
func (c LearningConfidence) Rank() int {
	if c == Ready {
		return 1
	}
	return 0
}

// Baseline is the learned profile of normal traffic for a protected resource
type Baseline struct {
	Resource      ResourceID         `json:"resource"`
	MeanRate      float64            `json:"mean_rate"` // requests per second
	Variance      float64            `json:"variance"`
	MeanLatencyMs float64            `json:"mean_latency_ms"`
	MeanErrorRate float64            `json:"mean_error_rate"`
	Samples       uint64             `json:"samples"`
	Confidence    LearningConfidence `json:"confidence"`
	UpdatedAt     time.Time          `json:"updated_at"`
	Origin        string             `json:"origin"` // replica that produced the snapshot
}

func (b Baseline) StdDev() float64 {
	return math.Sqrt(math.Max(b.Variance, 0))
}

// Supersedes reports whether b replaces current under rank-then-last-write-wins:
// a write of equal or higher rank always wins.
func (b Baseline) Supersedes(current Baseline) bool {
	return b.Confidence.Rank() >= current.Confidence.Rank()
}

// ResourceID identifies a protected resource as namespace/protected/name
type ResourceID struct {
	Namespace string `json:"namespace"`
	Protected string `json:"protected"`
	Name      string `json:"name"`
}

func (id ResourceID) String() string {
	return id.Namespace + "/" + id.Protected + "/" + id.Name
}

func (id ResourceID) IsZero() bool {
	return id == ResourceID{}
}

func (id ResourceID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ResourceID) UnmarshalText(text []byte) error {
	parsed, err := ParseResourceID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseResourceID parses the vs_name form namespace/protected/name.
func ParseResourceID(s string) (ResourceID, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return ResourceID{}, fmt.Errorf("resource id %q: expected namespace/protected/name", s)
	}
	for _, p := range parts {
		if p == "" {
			return ResourceID{}, fmt.Errorf("resource id %q: empty segment", s)
		}
	}
	return ResourceID{Namespace: parts[0], Protected: parts[1], Name: parts[2]}, nil
}
