package emitter

import (
	"strings"
	"testing"
	"time"

	"github.com/nshruti113/dos-protect/internal/models"
)

func logLine(at time.Duration, kind models.EventKind, id uint64, stress float64, ip string, conf models.LearningConfidence, unit string) string {
	return "<134>Oct 19 10:00:00 syslog app-protect-dos: " + Format(models.AttackEvent{
		Timestamp:          time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC).Add(at),
		Resource:           testID,
		AttackID:           id,
		Kind:               kind,
		StressLevel:        stress,
		SourceIP:           ip,
		LearningConfidence: conf,
		UnitHostname:       unit,
	})
}

func TestAnalyze(t *testing.T) {
	lines := []string{
		logLine(0, models.EventNoAttack, 0, 0, "", models.Learning, "replica-a"),
		logLine(60*time.Second, models.EventNoAttack, 0, 0, "", models.Ready, "replica-a"),
		// reported before Under Attack: does not count
		logLine(65*time.Second, models.EventBadActorsDetected, 1, 0.9, "", models.Ready, "replica-a"),
		logLine(65*time.Second, models.EventAttackStarted, 1, 0.95, "", models.Ready, "replica-a"),
		logLine(75*time.Second, models.EventUnderAttack, 1, 0.9, "", models.Ready, "replica-a"),
		logLine(75*time.Second, models.EventBadActorsDetected, 1, 0.9, "", models.Ready, "replica-a"),
		logLine(75*time.Second, models.EventBadActorDetection, 1, 0.9, "1.1.1.2", models.Ready, "replica-a"),
		logLine(75*time.Second, models.EventBadActorDetection, 1, 0.9, "1.1.1.1", models.Ready, "replica-a"),
		logLine(75*time.Second, models.EventSignatureDetected, 1, 0.9, "", models.Ready, "replica-a"),
		"garbage without fields",
		logLine(95*time.Second, models.EventUnderAttack, 1, 0.12, "", models.Ready, "replica-b"),
		logLine(125*time.Second, models.EventAttackEnded, 1, 0.1, "", models.Ready, "replica-a"),
		logLine(125*time.Second, models.EventNoAttack, 0, 0.1, "", models.Ready, "replica-a"),
		"",
	}

	rep, err := Analyze(strings.NewReader(strings.Join(lines, "\n")), 0.6)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if !rep.EpisodeComplete() {
		t.Fatalf("episode incomplete: %+v", rep)
	}
	if rep.Lines != 12 || rep.Malformed != 1 {
		t.Fatalf("lines = %d, malformed = %d", rep.Lines, rep.Malformed)
	}
	if !rep.SignatureDetected || !rep.BadActorsDetected {
		t.Fatalf("detections missing: %+v", rep)
	}
	if len(rep.BadActors) != 2 || rep.BadActors[0] != "1.1.1.1" {
		t.Fatalf("bad actors = %v", rep.BadActors)
	}
	if rep.TimeToHealthy != 30*time.Second {
		t.Fatalf("time to healthy = %s, want 30s", rep.TimeToHealthy)
	}
	if len(rep.ReadyReplicas) != 2 || rep.ReadyReplicas[1] != "replica-b" {
		t.Fatalf("ready replicas = %v", rep.ReadyReplicas)
	}
}

func TestSummarizeNoEpisode(t *testing.T) {
	rep := Summarize([]models.AttackEvent{{Kind: models.EventNoAttack, LearningConfidence: models.Learning}}, 0.6)
	if rep.EpisodeComplete() || rep.TimeToHealthy >= 0 || len(rep.ReadyReplicas) != 0 {
		t.Fatalf("report = %+v", rep)
	}
}
