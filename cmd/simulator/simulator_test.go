package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nshruti113/dos-protect/internal/emitter"
	"github.com/nshruti113/dos-protect/internal/models"
)

var testID = models.ResourceID{Namespace: "test-ns", Protected: "dos-protected", Name: "name"}

func episode() []models.AttackEvent {
	base := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	ev := func(at time.Duration, kind models.EventKind, id uint64, stress float64, ip string) models.AttackEvent {
		return models.AttackEvent{
			Timestamp:          base.Add(at),
			Resource:           testID,
			AttackID:           id,
			Kind:               kind,
			StressLevel:        stress,
			SourceIP:           ip,
			LearningConfidence: models.Ready,
			UnitHostname:       "replica-a",
		}
	}
	return []models.AttackEvent{
		ev(0, models.EventNoAttack, 0, 0, ""),
		ev(10*time.Second, models.EventAttackStarted, 1, 0.95, ""),
		ev(20*time.Second, models.EventUnderAttack, 1, 0.9, ""),
		ev(20*time.Second, models.EventBadActorsDetected, 1, 0.9, ""),
		ev(20*time.Second, models.EventBadActorDetection, 1, 0.9, "1.1.1.1"),
		ev(20*time.Second, models.EventBadActorDetection, 1, 0.9, "1.1.1.2"),
		ev(40*time.Second, models.EventUnderAttack, 1, 0.1, ""),
		ev(80*time.Second, models.EventAttackEnded, 1, 0.1, ""),
		ev(80*time.Second, models.EventNoAttack, 0, 0.1, ""),
	}
}

func TestCheck(t *testing.T) {
	want := Expectations{StressBound: 0.6, TimeToHealthy: 150 * time.Second, BadIPs: []string{"1.1.1.1", "1.1.1.2"}, ReadyReplicas: 1}

	rep := emitter.Summarize(episode(), 0.6)
	if problems := Check(rep, want); len(problems) != 0 {
		t.Fatalf("healthy episode flagged: %v", problems)
	}

	want.BadIPs = append(want.BadIPs, "1.1.1.3")
	want.ReadyReplicas = 2
	want.TimeToHealthy = 10 * time.Second
	problems := Check(rep, want)
	if len(problems) != 3 {
		t.Fatalf("problems = %v, want 3", problems)
	}

	if problems := Check(emitter.Report{}, want); len(problems) != 1 {
		t.Fatalf("empty log: %v", problems)
	}
}

func TestAnalyzeCommand(t *testing.T) {
	var log bytes.Buffer
	sink := emitter.NewWriterSink("file", &log)
	if err := sink.WriteBatch(context.Background(), episode()); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "security.log")
	if err := os.WriteFile(path, log.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := analyze([]string{"-log", path, "-bad-ips", "1.1.1.1,1.1.1.2"}, &out); err != nil {
		t.Fatalf("analyze() error = %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), `"time_to_healthy": "30s"`) {
		t.Fatalf("report:\n%s", out.String())
	}

	out.Reset()
	if err := analyze([]string{"-log", path, "-ready-replicas", "2"}, &out); err == nil {
		t.Fatalf("missing replica not reported")
	}
}

func TestRunPhaseAgainstProtectedRoute(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Host != "dos.example.com" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		ip := r.Header.Get("X-Forwarded-For")
		mu.Lock()
		seen[ip]++
		mu.Unlock()
		if ip == "1.1.1.1" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sim := NewSimulator(srv.URL, "dos.example.com", false, 10, []string{"1.1.1.1"}, zap.NewNop())
	good, bad := sim.RunPhase(context.Background(), Phase{Name: "attack", Duration: 500 * time.Millisecond, GoodRate: 40, BadRate: 40})

	if good.Sent.Load() == 0 || good.OK.Load() != good.Sent.Load() {
		t.Fatalf("good: sent %d ok %d", good.Sent.Load(), good.OK.Load())
	}
	if bad.Sent.Load() == 0 || bad.Rejected.Load() != bad.Sent.Load() {
		t.Fatalf("bad: sent %d rejected %d", bad.Sent.Load(), bad.Rejected.Load())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 {
		t.Fatalf("sources seen = %v", seen)
	}
}

func TestSendThroughIngest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/traffic/ingest" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(readAll(r), `"1.1.1.1"`) {
			w.Write([]byte(`{"status":"ok","disposition":"drop"}`))
			return
		}
		w.Write([]byte(`{"status":"ok","disposition":"allow"}`))
	}))
	defer srv.Close()

	sim := NewSimulator(srv.URL, "dos.example.com", true, 1, nil, zap.NewNop())
	if code, err := sim.Send(context.Background(), sim.BadRequest("1.1.1.1")); err != nil || code != http.StatusForbidden {
		t.Fatalf("bad client = %d, %v", code, err)
	}
	if code, err := sim.Send(context.Background(), sim.GoodRequest()); err != nil || code != http.StatusOK {
		t.Fatalf("good client = %d, %v", code, err)
	}
}

func readAll(r *http.Request) string {
	var b bytes.Buffer
	b.ReadFrom(r.Body)
	return b.String()
}
