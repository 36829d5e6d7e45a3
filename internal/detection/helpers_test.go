package detection

import (
	"fmt"
	"time"

	"github.com/nshruti113/dos-protect/internal/config"
	"github.com/nshruti113/dos-protect/internal/models"
)

var (
	t0     = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	window = 5 * time.Second
	testID = models.ResourceID{Namespace: "test-ns", Protected: "dos-protected", Name: "name"}
)

// traffic describes one synthetic window.
type traffic struct {
	goodRPS   uint64            // spread evenly over 50 clients
	bad       map[string]uint64 // requests per bad source over the window
	mitigated uint64
	sig       string // signature of bad requests
}

func windowAt(i int, tr traffic) models.TrafficWindow {
	start := t0.Add(time.Duration(i) * window)
	w := models.TrafficWindow{
		Start:        start,
		End:          start.Add(window),
		PerSourceIP:  make(map[string]uint64),
		PerSignature: make(map[string]uint64),
	}
	good := tr.goodRPS * uint64(window/time.Second)
	for c := uint64(0); c < 50 && good > 0; c++ {
		n := good / 50
		if c < good%50 {
			n++
		}
		if n == 0 {
			continue
		}
		w.PerSourceIP[fmt.Sprintf("10.0.0.%d", c)] = n
	}
	w.Requests += good
	w.PerSignature["GET /{n} ua=browser hdr=1"] = good

	sig := tr.sig
	if sig == "" {
		sig = "GET / ua=curl hdr=2"
	}
	for ip, n := range tr.bad {
		w.PerSourceIP[ip] += n
		w.PerSignature[sig] += n
		w.Requests += n
	}
	w.Mitigated = tr.mitigated
	admitted := w.Requests - tr.mitigated
	w.LatencySumMs = admitted * 20
	return w
}

func bots(perBot uint64) map[string]uint64 {
	return map[string]uint64{"1.1.1.1": perBot, "1.1.1.2": perBot, "1.1.1.3": perBot}
}

func readyBaseline(mean float64) models.Baseline {
	return models.Baseline{
		Resource:      testID,
		MeanRate:      mean,
		Variance:      (mean * 0.1) * (mean * 0.1),
		MeanLatencyMs: 20,
		Samples:       20,
		Confidence:    models.Ready,
		UpdatedAt:     t0,
	}
}

func kinds(events []models.AttackEvent) []models.EventKind {
	out := make([]models.EventKind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func testConfig() *config.Config {
	return config.Default()
}
