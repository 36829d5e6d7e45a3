package models

import (
	"math"
	"sort"
	"time"
)

// TrafficRequest represents a single request observed on a protected route
type TrafficRequest struct {
	ID          string      `json:"id"`
	Resource    string      `json:"resource,omitempty"` // namespace/protected/name
	Timestamp   time.Time   `json:"timestamp"`
	SourceIP    string      `json:"source_ip"`
	Method      string      `json:"method"`
	Host        string      `json:"host"`
	RequestPath string      `json:"request_path"`
	UserAgent   string      `json:"user_agent"`
	Headers     []string    `json:"headers,omitempty"` // header names only
	BytesSent   int         `json:"bytes_sent"`
	BytesRecv   int         `json:"bytes_recv"`
	StatusCode  int         `json:"status_code"`
	Duration    int         `json:"duration_ms"` // Time to first byte in ms
	Disposition Disposition `json:"disposition,omitempty"`
}

// IsError reports whether the upstream answered with a server error.
func (r TrafficRequest) IsError() bool {
	return r.StatusCode >= 500
}

// TrafficWindow is the closed aggregate of one sampling period.
// It is never mutated after the sampler hands it out.
type TrafficWindow struct {
	Start        time.Time         `json:"start"`
	End          time.Time         `json:"end"`
	Requests     uint64            `json:"requests"`
	Errors       uint64            `json:"errors"`
	Mitigated    uint64            `json:"mitigated"` // dropped or challenged
	LatencySumMs uint64            `json:"latency_sum_ms"`
	PerSourceIP  map[string]uint64 `json:"per_source_ip"`
	PerSignature map[string]uint64 `json:"per_signature"`
	Evicted      uint64            `json:"evicted"`
}

type IPCount struct {
	IP         string  `json:"ip"`
	Count      uint64  `json:"count"`
	Percentage float64 `json:"percentage"`
}

// Duration returns the window length, never less than one second.
func (w TrafficWindow) Duration() time.Duration {
	d := w.End.Sub(w.Start)
	if d < time.Second {
		return time.Second
	}
	return d
}

// Rate returns incoming requests per second.
func (w TrafficWindow) Rate() float64 {
	return float64(w.Requests) / w.Duration().Seconds()
}

// AdmittedRate returns requests per second that reached the upstream.
func (w TrafficWindow) AdmittedRate() float64 {
	admitted := w.Requests - min(w.Mitigated, w.Requests)
	return float64(admitted) / w.Duration().Seconds()
}

// ErrorRate is the share of admitted requests that failed upstream.
func (w TrafficWindow) ErrorRate() float64 {
	admitted := w.Requests - min(w.Mitigated, w.Requests)
	if admitted == 0 {
		return 0
	}
	return math.Min(float64(w.Errors)/float64(admitted), 1)
}

func (w TrafficWindow) MeanLatencyMs() float64 {
	admitted := w.Requests - min(w.Mitigated, w.Requests)
	if admitted == 0 {
		return 0
	}
	return float64(w.LatencySumMs) / float64(admitted)
}

// SourceShare returns the fraction of window requests sent by ip.
func (w TrafficWindow) SourceShare(ip string) float64 {
	if w.Requests == 0 {
		return 0
	}
	return float64(w.PerSourceIP[ip]) / float64(w.Requests)
}

// TopSources returns the top N source IPs by request count
func (w TrafficWindow) TopSources(n int) []IPCount {
	return topCounts(w.PerSourceIP, w.Requests, n)
}

// TopSignatures returns the top N request fingerprints by request count
func (w TrafficWindow) TopSignatures(n int) []IPCount {
	return topCounts(w.PerSignature, w.Requests, n)
}

// IPEntropy calculates Shannon entropy of the source distribution
func (w TrafficWindow) IPEntropy() float64 {
	var total uint64
	for _, count := range w.PerSourceIP {
		total += count
	}
	if total == 0 {
		return 0.0
	}

	entropy := 0.0
	for _, count := range w.PerSourceIP {
		if count > 0 {
			p := float64(count) / float64(total)
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}

func topCounts(counts map[string]uint64, total uint64, n int) []IPCount {
	items := make([]IPCount, 0, len(counts))
	for key, count := range counts {
		items = append(items, IPCount{IP: key, Count: count})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Count == items[j].Count {
			return items[i].IP < items[j].IP
		}
		return items[i].Count > items[j].Count
	})
	if n >= 0 && len(items) > n {
		items = items[:n]
	}
	for i := range items {
		if total > 0 {
			items[i].Percentage = float64(items[i].Count) / float64(total) * 100
		}
	}
	return items
}
