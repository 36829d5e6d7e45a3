package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/nshruti113/dos-protect/internal/config"
	"github.com/nshruti113/dos-protect/internal/emitter"
	"github.com/nshruti113/dos-protect/internal/engine"
	"github.com/nshruti113/dos-protect/internal/models"
	"github.com/nshruti113/dos-protect/internal/protect"
	"github.com/nshruti113/dos-protect/internal/storage"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

var testID = models.ResourceID{Namespace: "test-ns", Protected: "dos-protected", Name: "name"}

const bindingJSON = `{
  "apiVersion": "appprotectdos.f5.com/v1beta1",
  "kind": "DosProtectedResource",
  "metadata": {"name": "dos-protected", "namespace": "test-ns"},
  "spec": {
    "enable": true,
    "name": "name",
    "apDosMonitor": {"uri": "dos.example.com", "protocol": "http1"},
    "dosAccessLogDest": "127.0.0.1:5561",
    "apDosPolicy": "dos-policy",
    "dosSecurityLog": {"enable": true, "apDosLogConf": "doslogconf", "dosLogDest": "syslog-svc.default.svc.cluster.local:514"}
  }
}`

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, models.AttackEvent) error { return nil }

// testObjects holds the policy and log configuration bindingJSON names.
func testObjects() *protect.Registry {
	reg := protect.NewRegistry()
	reg.Put(protect.Object{
		Kind:     protect.PolicyKind,
		Metadata: protect.Metadata{Name: "dos-policy", Namespace: "test-ns"},
		Spec:     map[string]any{"mitigation_mode": "standard"},
	})
	reg.Put(protect.Object{
		Kind:     protect.LogConfKind,
		Metadata: protect.Metadata{Name: "doslogconf", Namespace: "test-ns"},
		Spec: map[string]any{
			"content": map[string]any{"format": "splunk"},
			"filter":  map[string]any{"bad-actors": "top 10"},
		},
	})
	return reg
}

type fixture struct {
	srv     *Server
	manager *engine.Manager
	ring    *emitter.Ring
	reg     *prometheus.Registry
}

func newFixture(t *testing.T, history EventHistory) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Detection.Window = time.Hour
	cfg.Arbitrator.SyncInterval = time.Hour

	reg := prometheus.NewRegistry()
	m := engine.NewManager(cfg, engine.Deps{Emitter: noopEmitter{}, Registerer: reg, Replica: "replica-a", Objects: testObjects()})
	t.Cleanup(func() { m.Stop(context.Background()) })

	ring := emitter.NewRing(100)
	opts := Options{Engine: m, Ring: ring, Gatherer: reg}
	if history != nil {
		opts.History = history
	}
	return &fixture{srv: NewServer(opts), manager: m, ring: ring, reg: reg}
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

const resourcePath = "/api/resources/test-ns/dos-protected/name"

func TestProtectLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodPut, "/api/resources", bindingJSON)
	if w.Code != http.StatusCreated {
		t.Fatalf("PUT = %d %s", w.Code, w.Body)
	}
	var created struct {
		VSName     string   `json:"vs_name"`
		Directives []string `json:"directives"`
	}
	decode(t, w, &created)
	if created.VSName != testID.String() || len(created.Directives) == 0 || created.Directives[0] != "app_protect_dos_enable on;" {
		t.Fatalf("created = %+v", created)
	}

	if w := f.do(http.MethodPut, "/api/resources", bindingJSON); w.Code != http.StatusConflict {
		t.Fatalf("duplicate PUT = %d", w.Code)
	}
	invalid := strings.Replace(bindingJSON, `"127.0.0.1:5561"`, `"nowhere"`, 1)
	invalid = strings.Replace(invalid, `"dos-protected"`, `"other"`, 1)
	if w := f.do(http.MethodPut, "/api/resources", invalid); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid PUT = %d %s", w.Code, w.Body)
	}

	w = f.do(http.MethodGet, "/api/resources", "")
	var list struct {
		Resources []engine.Status `json:"resources"`
	}
	decode(t, w, &list)
	if len(list.Resources) != 1 || list.Resources[0].Resource != testID || list.Resources[0].Host != "dos.example.com" {
		t.Fatalf("resources = %+v", list.Resources)
	}

	if w := f.do(http.MethodGet, resourcePath, ""); w.Code != http.StatusOK {
		t.Fatalf("GET resource = %d", w.Code)
	}
	if w := f.do(http.MethodGet, "/api/resources/test-ns/missing/name", ""); w.Code != http.StatusNotFound {
		t.Fatalf("GET missing = %d", w.Code)
	}

	w = f.do(http.MethodGet, resourcePath+"/directives?format=text", "")
	want := strings.Join([]string{
		`app_protect_dos_enable on;`,
		`app_protect_dos_security_log_enable on;`,
		`app_protect_dos_monitor "dos.example.com";`,
		`app_protect_dos_name "test-ns/dos-protected/name";`,
		`app_protect_dos_policy_file /etc/nginx/dos/policies/test-ns_dos-policy.json;`,
		`app_protect_dos_security_log_enable on;`,
		`app_protect_dos_security_log /etc/nginx/dos/logconfs/test-ns_doslogconf.json syslog:server=syslog-svc.default.svc.cluster.local:514;`,
	}, "\n") + "\n"
	if w.Body.String() != want {
		t.Fatalf("directives:\n%s\nwant:\n%s", w.Body, want)
	}

	if w := f.do(http.MethodDelete, resourcePath, ""); w.Code != http.StatusNoContent {
		t.Fatalf("DELETE = %d", w.Code)
	}
	if w := f.do(http.MethodDelete, resourcePath, ""); w.Code != http.StatusNotFound {
		t.Fatalf("second DELETE = %d", w.Code)
	}
}

func TestObjectsGateProtection(t *testing.T) {
	f := newFixture(t, nil)

	other := strings.Replace(bindingJSON, `"dos-policy"`, `"strict-policy"`, 1)
	w := f.do(http.MethodPut, "/api/resources", other)
	if w.Code != http.StatusUnprocessableEntity || !strings.Contains(w.Body.String(), "strict-policy") {
		t.Fatalf("PUT naming a missing policy = %d %s", w.Code, w.Body)
	}

	malformed := `{"kind":"APDosPolicy","metadata":{"name":"strict-policy","namespace":"test-ns"}}`
	if w := f.do(http.MethodPut, "/api/objects", malformed); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("PUT policy without spec = %d %s", w.Code, w.Body)
	}
	policy := `{"kind":"APDosPolicy","metadata":{"name":"strict-policy","namespace":"test-ns"},"spec":{"mitigation_mode":"conservative"}}`
	if w := f.do(http.MethodPut, "/api/objects", policy); w.Code != http.StatusCreated {
		t.Fatalf("PUT policy = %d %s", w.Code, w.Body)
	}

	var objects struct {
		Policies []string `json:"policies"`
		LogConfs []string `json:"log_confs"`
	}
	decode(t, f.do(http.MethodGet, "/api/objects", ""), &objects)
	if len(objects.Policies) != 2 || objects.Policies[1] != "test-ns/strict-policy" || len(objects.LogConfs) != 1 {
		t.Fatalf("objects = %+v", objects)
	}

	if w := f.do(http.MethodPut, "/api/resources", other); w.Code != http.StatusCreated {
		t.Fatalf("PUT after the policy exists = %d %s", w.Code, w.Body)
	}

	if w := f.do(http.MethodDelete, "/api/objects/APDosLogConf/test-ns/doslogconf", ""); w.Code != http.StatusNoContent {
		t.Fatalf("DELETE log conf = %d", w.Code)
	}
	third := strings.Replace(bindingJSON, `"dos-protected"`, `"third"`, 1)
	if w := f.do(http.MethodPut, "/api/resources", third); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("PUT naming a deleted log conf = %d %s", w.Code, w.Body)
	}
}

func TestIngestTraffic(t *testing.T) {
	f := newFixture(t, nil)
	if w := f.do(http.MethodPut, "/api/resources", bindingJSON); w.Code != http.StatusCreated {
		t.Fatalf("PUT = %d", w.Code)
	}

	tests := []struct {
		name string
		body string
		code int
	}{
		{"by host", `{"source_ip":"10.0.0.1","host":"DOS.example.com","method":"GET","request_path":"/"}`, http.StatusOK},
		{"by host with port", `{"source_ip":"10.0.0.1","host":"dos.example.com:80"}`, http.StatusOK},
		{"by resource", `{"source_ip":"10.0.0.1","resource":"test-ns/dos-protected/name"}`, http.StatusOK},
		{"unknown host", `{"source_ip":"10.0.0.1","host":"other.example.com"}`, http.StatusNotFound},
		{"unknown resource", `{"source_ip":"10.0.0.1","resource":"a/b/c"}`, http.StatusNotFound},
		{"bad resource", `{"source_ip":"10.0.0.1","resource":"a/b"}`, http.StatusBadRequest},
		{"no source", `{"host":"dos.example.com"}`, http.StatusBadRequest},
		{"not json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/api/traffic/ingest", tt.body)
			if w.Code != tt.code {
				t.Fatalf("code = %d, want %d: %s", w.Code, tt.code, w.Body)
			}
			if tt.code != http.StatusOK {
				return
			}
			var resp struct {
				Disposition models.Disposition `json:"disposition"`
				VSName      string             `json:"vs_name"`
			}
			decode(t, w, &resp)
			if resp.Disposition != models.Allow || resp.VSName != testID.String() {
				t.Fatalf("resp = %+v", resp)
			}
		})
	}
}

// stubEngine drops one source and records what it observes.
type stubEngine struct {
	mu       sync.Mutex
	observed []models.TrafficRequest
}

func (e *stubEngine) ResourceForHost(host string) (models.ResourceID, bool) {
	return testID, host == "dos.example.com"
}

func (e *stubEngine) Decide(_ models.ResourceID, ip string) models.Disposition {
	if ip == "1.1.1.1" {
		return models.Drop
	}
	return models.Allow
}

func (e *stubEngine) Observe(_ models.ResourceID, req models.TrafficRequest) {
	e.mu.Lock()
	e.observed = append(e.observed, req)
	e.mu.Unlock()
}

func (e *stubEngine) Protect(context.Context, protect.DosProtectedResource) error { return nil }
func (e *stubEngine) Unprotect(context.Context, models.ResourceID) error { return nil }
func (e *stubEngine) Resources() []models.ResourceID { return nil }
func (e *stubEngine) Status(models.ResourceID) (engine.Status, bool) { return engine.Status{}, false }
func (e *stubEngine) Binding(models.ResourceID) (protect.DosProtectedResource, bool) {
	return protect.DosProtectedResource{}, false
}
func (e *stubEngine) Objects() *protect.Registry { return protect.NewRegistry() }

func TestProtectedTrafficIsMitigated(t *testing.T) {
	e := &stubEngine{}
	srv := NewServer(Options{Engine: e, Ring: emitter.NewRing(10), TrustForwardedFor: true})

	send := func(host, xff string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Host = host
		r.Header.Set("X-Forwarded-For", xff)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, r)
		return w
	}

	if w := send("dos.example.com", "10.0.0.1"); w.Code != http.StatusOK || w.Body.String() != "OK\n" {
		t.Fatalf("good client = %d %q", w.Code, w.Body)
	}
	if w := send("dos.example.com", "1.1.1.1"); w.Code != http.StatusForbidden {
		t.Fatalf("bad client = %d", w.Code)
	}
	// not protected: served without being sampled
	if w := send("other.example.com", "1.1.1.1"); w.Code != http.StatusOK {
		t.Fatalf("unprotected host = %d", w.Code)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.observed) != 2 {
		t.Fatalf("observed %d requests, want 2", len(e.observed))
	}
	if e.observed[1].SourceIP != "1.1.1.1" || e.observed[1].Disposition != models.Drop || e.observed[1].StatusCode != http.StatusForbidden {
		t.Fatalf("dropped request recorded as %+v", e.observed[1])
	}
}

func sampleEvents(base time.Time) []models.AttackEvent {
	return []models.AttackEvent{
		{Timestamp: base, Resource: testID, Kind: models.EventNoAttack, LearningConfidence: models.Ready},
		{Timestamp: base.Add(5 * time.Second), Resource: testID, AttackID: 1, Kind: models.EventAttackStarted, StressLevel: 0.9},
		{Timestamp: base.Add(10 * time.Second), Resource: testID, AttackID: 1, Kind: models.EventUnderAttack, StressLevel: 0.8},
		{Timestamp: base.Add(10 * time.Second), Resource: models.ResourceID{Namespace: "x", Protected: "y", Name: "z"}, Kind: models.EventNoAttack},
	}
}

func TestEventsFromRing(t *testing.T) {
	f := newFixture(t, nil)
	base := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	f.ring.WriteBatch(context.Background(), sampleEvents(base))

	var resp struct {
		Source string               `json:"source"`
		Events []models.AttackEvent `json:"events"`
	}
	decode(t, f.do(http.MethodGet, resourcePath+"/events", ""), &resp)
	if resp.Source != "local" || len(resp.Events) != 3 {
		t.Fatalf("resp = %+v", resp)
	}

	decode(t, f.do(http.MethodGet, resourcePath+"/events?since="+base.Add(6*time.Second).Format(time.RFC3339), ""), &resp)
	if len(resp.Events) != 1 || resp.Events[0].Kind != models.EventUnderAttack {
		t.Fatalf("since filter = %+v", resp.Events)
	}

	decode(t, f.do(http.MethodGet, resourcePath+"/events?limit=2", ""), &resp)
	if len(resp.Events) != 2 || resp.Events[1].Kind != models.EventUnderAttack {
		t.Fatalf("limit = %+v", resp.Events)
	}

	if w := f.do(http.MethodGet, resourcePath+"/events?limit=zero", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", w.Code)
	}
	if w := f.do(http.MethodGet, resourcePath+"/events?since=yesterday", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad since = %d", w.Code)
	}
}

func TestEventsAndAttacksFromRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	history := storage.NewRedisClientFrom(rdb, 100)

	base := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	if err := history.WriteBatch(context.Background(), sampleEvents(base)); err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}

	f := newFixture(t, history)
	var resp struct {
		Source string               `json:"source"`
		Events []models.AttackEvent `json:"events"`
	}
	decode(t, f.do(http.MethodGet, resourcePath+"/events", ""), &resp)
	if resp.Source != "redis" || len(resp.Events) != 3 || resp.Events[0].Kind != models.EventNoAttack {
		t.Fatalf("resp = %+v", resp)
	}

	var attacks struct {
		Attacks []engine.Status      `json:"attacks"`
		Cluster []models.AttackEvent `json:"cluster"`
	}
	decode(t, f.do(http.MethodGet, "/api/attacks/active", ""), &attacks)
	if len(attacks.Attacks) != 0 || len(attacks.Cluster) != 1 || attacks.Cluster[0].Kind != models.EventUnderAttack {
		t.Fatalf("attacks = %+v", attacks)
	}

	// history down: fall back to the local ring
	mr.Close()
	decode(t, f.do(http.MethodGet, resourcePath+"/events", ""), &resp)
	if resp.Source != "local" {
		t.Fatalf("source = %q after redis outage", resp.Source)
	}
}

func TestSummaryAndMetrics(t *testing.T) {
	f := newFixture(t, nil)
	if w := f.do(http.MethodPut, "/api/resources", bindingJSON); w.Code != http.StatusCreated {
		t.Fatalf("PUT = %d", w.Code)
	}

	var summary struct {
		Status             string `json:"status"`
		ProtectedResources int    `json:"protected_resources"`
		ActiveAttacks      int    `json:"active_attacks"`
		Severity           string `json:"severity"`
	}
	decode(t, f.do(http.MethodGet, "/api/stats/summary", ""), &summary)
	if summary.Status != "NORMAL" || summary.ProtectedResources != 1 || summary.ActiveAttacks != 0 || summary.Severity != "LOW" {
		t.Fatalf("summary = %+v", summary)
	}

	w := f.do(http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte("dosprotect_pipelines 1")) {
		t.Fatalf("metrics = %d\n%s", w.Code, w.Body)
	}

	w = f.do(http.MethodOptions, "/api/resources", "")
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight = %d %v", w.Code, w.Header())
	}
}
