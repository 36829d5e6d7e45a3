package detection

import (
	"reflect"
	"testing"

	"github.com/nshruti113/dos-protect/internal/models"
)

func transitions(events []models.AttackEvent) []models.AttackEvent {
	var out []models.AttackEvent
	for _, e := range events {
		if e.Transition {
			out = append(out, e)
		}
	}
	return out
}

func checkAttackID(t *testing.T, r Result) {
	t.Helper()
	if (r.State == models.NoAttack) != (r.AttackID == 0) {
		t.Fatalf("attack id invariant broken: state=%s id=%d", r.State, r.AttackID)
	}
}

func TestClassifierEpisodeSequence(t *testing.T) {
	cfg := testConfig()
	c := NewClassifier(cfg.Detection)
	b := readyBaseline(50)

	attack := traffic{goodRPS: 50, bad: bots(750)}
	mitigated := traffic{goodRPS: 50, bad: bots(750), mitigated: 2250}
	normal := traffic{goodRPS: 50}

	plan := []traffic{normal, normal, attack, attack, mitigated, mitigated, normal, normal, normal, normal}

	var all []models.AttackEvent
	for i, tr := range plan {
		r := c.Classify(windowAt(i, tr), b)
		checkAttackID(t, r)
		all = append(all, r.Events...)
	}

	if all[0].Kind != models.EventNoAttack || all[0].AttackID != 0 {
		t.Fatalf("first event = %+v, want a No Attack status with id 0", all[0])
	}

	got := kinds(transitions(all))
	want := []models.EventKind{
		models.EventAttackStarted,
		models.EventUnderAttack,
		models.EventAttackEnded,
		models.EventNoAttack,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}

	tr := transitions(all)
	for _, e := range tr[:3] {
		if e.AttackID != 1 {
			t.Fatalf("%q carries id %d, want 1", e.Kind, e.AttackID)
		}
	}
	if tr[3].AttackID != 0 {
		t.Fatalf("closing No Attack carries id %d, want 0", tr[3].AttackID)
	}

	healthy := false
	for _, e := range all {
		if e.Kind == models.EventUnderAttack && e.StressLevel < 0.6 {
			healthy = true
		}
	}
	if !healthy {
		t.Fatalf("no Under Attack report with stress below 0.6 after mitigation: %+v", all)
	}
	if c.State() != models.NoAttack {
		t.Fatalf("final state = %s", c.State())
	}
}

func TestClassifierAttackIDsIncrease(t *testing.T) {
	cfg := testConfig()
	c := NewClassifier(cfg.Detection)
	b := readyBaseline(50)

	var ids []uint64
	i := 0
	for episode := 0; episode < 3; episode++ {
		for k := 0; k < 3; k++ {
			r := c.Classify(windowAt(i, traffic{goodRPS: 50, bad: bots(750)}), b)
			checkAttackID(t, r)
			i++
		}
		ids = append(ids, c.AttackID())
		for k := 0; k < 6; k++ {
			r := c.Classify(windowAt(i, traffic{goodRPS: 50}), b)
			checkAttackID(t, r)
			i++
		}
		if c.State() != models.NoAttack {
			t.Fatalf("episode %d did not end", episode)
		}
	}

	if !reflect.DeepEqual(ids, []uint64{1, 2, 3}) {
		t.Fatalf("attack ids = %v, want [1 2 3]", ids)
	}
}

func TestClassifierFalseStartClosesSequence(t *testing.T) {
	cfg := testConfig()
	c := NewClassifier(cfg.Detection)
	b := readyBaseline(50)

	var all []models.AttackEvent
	all = append(all, c.Classify(windowAt(0, traffic{goodRPS: 50}), b).Events...)
	all = append(all, c.Classify(windowAt(1, traffic{goodRPS: 50, bad: bots(750)}), b).Events...)
	for i := 2; i < 8; i++ {
		r := c.Classify(windowAt(i, traffic{goodRPS: 50}), b)
		checkAttackID(t, r)
		all = append(all, r.Events...)
	}

	got := kinds(transitions(all))
	want := []models.EventKind{
		models.EventAttackStarted,
		models.EventUnderAttack,
		models.EventAttackEnded,
		models.EventNoAttack,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
}

func TestClassifierLearningUsesEmergencyThreshold(t *testing.T) {
	cfg := testConfig()
	b := readyBaseline(50)
	b.Confidence = models.Learning

	// 75 rps is 5 sigma above a 50 rps baseline
	w := windowAt(0, traffic{goodRPS: 75})

	c := NewClassifier(cfg.Detection)
	if r := c.Classify(w, b); r.State != models.NoAttack {
		t.Fatalf("Learning baseline should not trigger below the emergency threshold")
	}

	b.Confidence = models.Ready
	c = NewClassifier(cfg.Detection)
	if r := c.Classify(w, b); r.State != models.AttackStarted {
		t.Fatalf("Ready baseline should trigger at the severity threshold, got %s", r.State)
	}

	c = NewClassifier(cfg.Detection)
	if r := c.Classify(windowAt(0, traffic{goodRPS: 5000}), models.Baseline{}); r.State != models.NoAttack {
		t.Fatalf("an empty baseline has no reference and must not trigger")
	}
}

func TestClassifierPeriodicStatus(t *testing.T) {
	cfg := testConfig()
	c := NewClassifier(cfg.Detection)
	b := readyBaseline(50)

	var status int
	for i := 0; i < 6; i++ { // 30s of quiet traffic
		for _, e := range c.Classify(windowAt(i, traffic{goodRPS: 50}), b).Events {
			if e.Transition {
				t.Fatalf("unexpected transition %q", e.Kind)
			}
			if e.Kind != models.EventNoAttack || e.AttackID != 0 {
				t.Fatalf("unexpected status %+v", e)
			}
			status++
		}
	}
	// every 10s, first one immediately
	if status != 3 {
		t.Fatalf("status events = %d, want 3", status)
	}
}

func TestStressLevel(t *testing.T) {
	cfg := testConfig()
	c := NewClassifier(cfg.Detection)
	b := readyBaseline(50)

	flood := c.StressLevel(windowAt(0, traffic{goodRPS: 50, bad: bots(750)}), b)
	if flood < 0.9 {
		t.Fatalf("unmitigated flood stress = %.2f, want >= 0.9", flood)
	}
	calm := c.StressLevel(windowAt(0, traffic{goodRPS: 50, bad: bots(750), mitigated: 2250}), b)
	if calm >= 0.6 {
		t.Fatalf("mitigated stress = %.2f, want < 0.6", calm)
	}

	errs := windowAt(0, traffic{goodRPS: 50})
	errs.Errors = errs.Requests / 2
	if s := c.StressLevel(errs, b); s < 0.5 {
		t.Fatalf("error-driven stress = %.2f, want >= 0.5", s)
	}
}
