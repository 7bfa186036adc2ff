package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hermes/internal/external"
	"hermes/internal/types"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *memStore
	caller  *stubCaller
	clock   *mutableClock
	pub     *recordingPublisher
	metrics *recordingMetrics
	sched   *Scheduler
}

func newFixture(opts ...func(*Options)) *fixture {
	f := &fixture{
		store: newMemStore(),
		caller: &stubCaller{resp: &external.TargetResponse{
			StatusCode: http.StatusOK,
			Body:       []byte(`{"price": 101.5}`),
			Latency:    25 * time.Millisecond,
		}},
		clock:   &mutableClock{t: t0},
		pub:     &recordingPublisher{},
		metrics: &recordingMetrics{},
	}
	o := Options{WorkerID: "worker-a", Concurrency: 4, CallTimeout: time.Second, ClaimLease: 90 * time.Second}
	for _, fn := range opts {
		fn(&o)
	}
	f.sched = f.newScheduler(o)
	return f
}

func (f *fixture) newScheduler(o Options) *Scheduler {
	n := 0
	var mu sync.Mutex
	return New(Deps{
		Store:     f.store,
		Firings:   f.store,
		Caller:    f.caller,
		Keys:      plainKeys{},
		Publisher: f.pub,
		Metrics:   f.metrics,
		Clock:     f.clock,
		Logger:    testLogger(),
		NewResultID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("%s-res-%d", o.WorkerID, n)
		},
	}, o)
}

// inactiveConfig returns a validated configuration owned by "tenant-a".
func inactiveConfig(id string, start, stop time.Time, interval float64) *types.MonitorConfig {
	return &types.MonitorConfig{
		ConfigID:        id,
		TenantKeyHash:   "hash:tenant-a",
		Name:            id,
		Method:          types.MethodGet,
		BaseURL:         "https://api.example.com",
		Endpoint:        "/quote",
		IntervalMinutes: interval,
		StartAt:         start,
		StopAt:          stop,
		CreatedAt:       start,
	}
}

func activeConfig(id string, next, stop time.Time, interval float64) *types.MonitorConfig {
	c := inactiveConfig(id, next, stop, interval)
	c.IsActive = true
	c.NextFireAt = &next
	return c
}

func (f *fixture) tickAt(at time.Time) TickReport {
	f.clock.Set(at)
	return f.sched.Tick(context.Background(), at)
}

// ============================================================
// Activate / Deactivate
// ============================================================

func TestActivate_SetsFirstBoundaryToNow(t *testing.T) {
	f := newFixture()
	f.store.add(inactiveConfig("cfg_1", t0.Add(-time.Minute), t0.Add(time.Hour), 5))

	job, err := f.sched.Activate(context.Background(), "cfg_1", "tenant-a")
	if err != nil {
		t.Fatalf("Activate returned unexpected error: %v", err)
	}
	if !job.NextFireAt.Equal(t0) {
		t.Errorf("expected first boundary %v, got %v", t0, job.NextFireAt)
	}
	if job.Interval != 5*time.Minute {
		t.Errorf("expected 5m interval, got %v", job.Interval)
	}

	stored := f.store.get("cfg_1")
	if !stored.IsActive || stored.NextFireAt == nil || !stored.NextFireAt.Equal(t0) {
		t.Errorf("store not updated: active=%v next=%v", stored.IsActive, stored.NextFireAt)
	}
	if _, ok := f.sched.Jobs().Get("cfg_1"); !ok {
		t.Error("job missing from in-memory set")
	}
}

func TestActivate_FutureStartWaits(t *testing.T) {
	f := newFixture()
	start := t0.Add(2 * time.Hour)
	f.store.add(inactiveConfig("cfg_1", start, start.Add(time.Hour), 5))

	job, err := f.sched.Activate(context.Background(), "cfg_1", "tenant-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !job.NextFireAt.Equal(start) {
		t.Errorf("expected first boundary at start %v, got %v", start, job.NextFireAt)
	}
}

func TestActivate_Idempotent(t *testing.T) {
	f := newFixture()
	f.store.add(inactiveConfig("cfg_1", t0, t0.Add(time.Hour), 5))

	first, err := f.sched.Activate(context.Background(), "cfg_1", "tenant-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.clock.Set(t0.Add(30 * time.Second))
	second, err := f.sched.Activate(context.Background(), "cfg_1", "tenant-a")
	if err != nil {
		t.Fatalf("second Activate returned error: %v", err)
	}
	if !second.NextFireAt.Equal(first.NextFireAt) {
		t.Errorf("second activation moved the schedule: %v -> %v", first.NextFireAt, second.NextFireAt)
	}
	if f.sched.Jobs().Len() != 1 {
		t.Errorf("expected exactly one job, got %d", f.sched.Jobs().Len())
	}
}

func TestActivate_AlreadyActiveAfterWindowIsNoOp(t *testing.T) {
	f := newFixture()
	f.store.add(activeConfig("cfg_1", t0.Add(-time.Minute), t0.Add(-time.Second), 5))

	job, err := f.sched.Activate(context.Background(), "cfg_1", "tenant-a")
	if err != nil {
		t.Fatalf("activating an active configuration should be a no-op, got %v", err)
	}
	if !job.NextFireAt.Equal(t0.Add(-time.Minute)) {
		t.Errorf("next fire = %v, want the stored boundary", job.NextFireAt)
	}

	// The next tick retires it.
	if report := f.tickAt(t0); report.Retired != 1 {
		t.Errorf("expected the expired job retired, got %+v", report)
	}
}

func TestActivate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		config *types.MonitorConfig
		id     string
		key    string
		want   types.ErrorCode
	}{
		{
			name: "unknown id",
			id:   "cfg_missing",
			key:  "tenant-a",
			want: types.ErrCodeNotFoundConfig,
		},
		{
			name:   "foreign tenant",
			config: inactiveConfig("cfg_1", t0, t0.Add(time.Hour), 5),
			id:     "cfg_1",
			key:    "tenant-b",
			want:   types.ErrCodePermissionForbidden,
		},
		{
			name:   "missing key",
			config: inactiveConfig("cfg_1", t0, t0.Add(time.Hour), 5),
			id:     "cfg_1",
			key:    "",
			want:   types.ErrCodeAuthTokenMissing,
		},
		{
			name:   "window over",
			config: inactiveConfig("cfg_1", t0.Add(-2*time.Hour), t0, 5),
			id:     "cfg_1",
			key:    "tenant-a",
			want:   types.ErrCodeConflictWindowExpired,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			if tc.config != nil {
				f.store.add(tc.config)
			}
			_, err := f.sched.Activate(context.Background(), tc.id, tc.key)
			if !types.IsCode(err, tc.want) {
				t.Fatalf("expected %s, got %v", tc.want, err)
			}
			if c := f.store.get(tc.id); c != nil && c.IsActive {
				t.Error("configuration must stay inactive")
			}
			if f.sched.Jobs().Len() != 0 {
				t.Error("no job may be registered")
			}
		})
	}
}

func TestActivate_LostRaceConverges(t *testing.T) {
	f := newFixture()
	f.store.add(inactiveConfig("cfg_1", t0, t0.Add(time.Hour), 5))
	f.store.activateLost = true

	job, err := f.sched.Activate(context.Background(), "cfg_1", "tenant-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored := f.store.get("cfg_1")
	if !job.NextFireAt.Equal(*stored.NextFireAt) {
		t.Errorf("expected to converge on stored boundary %v, got %v", *stored.NextFireAt, job.NextFireAt)
	}
}

func TestDeactivate_RemovesJobAndIsIdempotent(t *testing.T) {
	f := newFixture()
	f.store.add(inactiveConfig("cfg_1", t0, t0.Add(time.Hour), 5))
	if _, err := f.sched.Activate(context.Background(), "cfg_1", "tenant-a"); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := f.sched.Deactivate(context.Background(), "cfg_1", "tenant-a"); err != nil {
			t.Fatalf("Deactivate #%d returned error: %v", i+1, err)
		}
	}
	if _, ok := f.sched.Jobs().Get("cfg_1"); ok {
		t.Error("job still scheduled after deactivation")
	}
	if c := f.store.get("cfg_1"); c.IsActive || c.NextFireAt != nil {
		t.Errorf("store still active: %+v", c)
	}

	// No call happens at the next boundary.
	f.tickAt(t0)
	if f.caller.count() != 0 {
		t.Errorf("expected no calls after deactivation, got %d", f.caller.count())
	}
}

func TestDeactivate_ForeignTenant(t *testing.T) {
	f := newFixture()
	f.store.add(activeConfig("cfg_1", t0, t0.Add(time.Hour), 5))

	err := f.sched.Deactivate(context.Background(), "cfg_1", "tenant-b")
	if !types.IsCode(err, types.ErrCodePermissionForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if !f.store.get("cfg_1").IsActive {
		t.Error("foreign tenant must not deactivate")
	}
}

// ============================================================
// Tick
// ============================================================

func TestTick_FiresOncePerBoundaryUntilWindowCloses(t *testing.T) {
	f := newFixture()
	f.store.add(inactiveConfig("cfg_1", t0, t0.Add(3*time.Minute), 1))
	if _, err := f.sched.Activate(context.Background(), "cfg_1", "tenant-a"); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	// Ticks every 30s for five minutes.
	for at := t0; !at.After(t0.Add(5 * time.Minute)); at = at.Add(30 * time.Second) {
		f.tickAt(at)
	}

	results := f.store.resultsFor("cfg_1")
	if len(results) != 3 {
		t.Fatalf("expected 3 results for a 3 minute window at 1 minute interval, got %d", len(results))
	}
	seen := map[time.Time]bool{}
	for _, r := range results {
		seen[r.FireAt] = true
	}
	for i := 0; i < 3; i++ {
		if !seen[t0.Add(time.Duration(i)*time.Minute)] {
			t.Errorf("missing result for boundary t0+%dm", i)
		}
	}

	c := f.store.get("cfg_1")
	if c.IsActive || c.NextFireAt != nil {
		t.Errorf("expected configuration retired after its window, got active=%v next=%v", c.IsActive, c.NextFireAt)
	}
	if f.sched.Jobs().Len() != 0 {
		t.Errorf("expected empty job set, got %d", f.sched.Jobs().Len())
	}
	if f.metrics.retired != 1 {
		t.Errorf("expected one retirement recorded, got %d", f.metrics.retired)
	}
}

func TestTick_NotDueDoesNothing(t *testing.T) {
	f := newFixture()
	f.store.add(activeConfig("cfg_1", t0.Add(time.Minute), t0.Add(time.Hour), 5))

	report := f.tickAt(t0)
	if report.Due != 0 || f.caller.count() != 0 {
		t.Errorf("expected no due jobs, got %+v with %d calls", report, f.caller.count())
	}
	if f.sched.Jobs().Len() != 1 {
		t.Errorf("expected sync to pick up the active row")
	}
}

func TestTick_AnyHTTPResponseIsSuccess(t *testing.T) {
	f := newFixture()
	f.caller.resp = &external.TargetResponse{StatusCode: http.StatusInternalServerError, Body: []byte("oops")}
	f.store.add(activeConfig("cfg_1", t0, t0.Add(time.Hour), 5))

	f.tickAt(t0)

	results := f.store.resultsFor("cfg_1")
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if !r.IsSuccessful {
		t.Error("an HTTP 500 response must still be recorded as successful")
	}
	if r.StatusCode == nil || *r.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %v", r.StatusCode)
	}
	if r.ErrorMessage != nil {
		t.Errorf("unexpected error message %q", *r.ErrorMessage)
	}
	if r.ResponsePayload.Text() != "oops" {
		t.Errorf("expected text payload, got %q", r.ResponsePayload.Text())
	}
}

func TestTick_TransportFailureIsRecorded(t *testing.T) {
	f := newFixture()
	f.caller.err = types.NewAppError(types.ErrCodeUpstreamUnreachable,
		"request to api.example.com failed: connection refused", errBoom)
	f.store.add(activeConfig("cfg_1", t0, t0.Add(time.Hour), 5))

	report := f.tickAt(t0)
	if report.Fired != 1 {
		t.Fatalf("expected the failed call to still count as fired, got %+v", report)
	}

	r := f.store.resultsFor("cfg_1")[0]
	if r.IsSuccessful || r.StatusCode != nil {
		t.Errorf("expected unsuccessful result without status, got %+v", r)
	}
	if r.ErrorMessage == nil || *r.ErrorMessage != "request to api.example.com failed: connection refused" {
		t.Errorf("unexpected error message %v", r.ErrorMessage)
	}
	if next := f.store.get("cfg_1").NextFireAt; next == nil || !next.Equal(t0.Add(5*time.Minute)) {
		t.Errorf("schedule must advance after a failed call, got %v", next)
	}
	if len(f.metrics.polls) != 1 || f.metrics.polls[0] {
		t.Errorf("expected one failed poll metric, got %v", f.metrics.polls)
	}
}

func TestTick_StaleBoundaryFiresOnce(t *testing.T) {
	f := newFixture()
	f.store.add(activeConfig("cfg_1", t0, t0.Add(time.Hour), 1))

	now := t0.Add(10*time.Minute + 30*time.Second)
	f.tickAt(now)

	results := f.store.resultsFor("cfg_1")
	if len(results) != 1 {
		t.Fatalf("expected a single catch-up call, got %d", len(results))
	}
	if !results[0].FireAt.Equal(t0.Add(10 * time.Minute)) {
		t.Errorf("expected fire_at collapsed to t0+10m, got %v", results[0].FireAt)
	}
	if next := f.store.get("cfg_1").NextFireAt; !next.Equal(t0.Add(11 * time.Minute)) {
		t.Errorf("expected next boundary t0+11m, got %v", next)
	}
}

func TestTick_ExpiredJobRetiredWithoutCall(t *testing.T) {
	f := newFixture()
	f.store.add(activeConfig("cfg_1", t0.Add(-time.Minute), t0, 1))

	report := f.tickAt(t0)
	if report.Retired != 1 {
		t.Errorf("expected retirement, got %+v", report)
	}
	if f.caller.count() != 0 {
		t.Error("no call may be made at or after stop_at")
	}
	if f.store.get("cfg_1").IsActive {
		t.Error("configuration should be inactive")
	}
}

func TestTick_TwoSchedulersCallOnce(t *testing.T) {
	f := newFixture()
	other := f.newScheduler(Options{WorkerID: "worker-b", Concurrency: 4, CallTimeout: time.Second, ClaimLease: 90 * time.Second})
	f.store.add(activeConfig("cfg_1", t0, t0.Add(time.Hour), 5))

	var wg sync.WaitGroup
	for _, s := range []*Scheduler{f.sched, other} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Tick(context.Background(), t0)
		}()
	}
	wg.Wait()

	if f.caller.count() != 1 {
		t.Errorf("expected exactly one call across two schedulers, got %d", f.caller.count())
	}
	if len(f.store.resultsFor("cfg_1")) != 1 {
		t.Errorf("expected exactly one result")
	}
}

func TestTick_ConfigDeletedDuringCall(t *testing.T) {
	f := newFixture()
	f.store.add(activeConfig("cfg_1", t0, t0.Add(time.Hour), 5))
	f.caller.hook = func(*http.Request) { f.store.delete("cfg_1") }

	report := f.tickAt(t0)

	if report.Failed != 0 {
		t.Errorf("a vanished parent must not count as a failure: %+v", report)
	}
	if _, ok := f.sched.Jobs().Get("cfg_1"); ok {
		t.Error("job should be dropped")
	}
	if len(f.pub.events) != 0 {
		t.Error("nothing should be published for an uncommitted result")
	}
}

func TestTick_DeactivatedDuringCallStillRecords(t *testing.T) {
	f := newFixture()
	f.store.add(activeConfig("cfg_1", t0, t0.Add(time.Hour), 5))
	f.caller.hook = func(*http.Request) {
		_ = f.store.Deactivate(context.Background(), "cfg_1", t0)
	}

	f.tickAt(t0)

	if n := len(f.store.resultsFor("cfg_1")); n != 1 {
		t.Fatalf("in-flight result must be recorded, got %d", n)
	}
	if c := f.store.get("cfg_1"); c.IsActive {
		t.Error("deactivation must win over the advance")
	}
	if _, ok := f.sched.Jobs().Get("cfg_1"); ok {
		t.Error("job should be removed")
	}

	f.caller.hook = nil
	f.tickAt(t0.Add(5 * time.Minute))
	if f.caller.count() != 1 {
		t.Errorf("no further calls expected, got %d", f.caller.count())
	}
}

func TestTick_PanicIsolatedToOneJob(t *testing.T) {
	f := newFixture()
	f.store.add(activeConfig("cfg_bad", t0, t0.Add(time.Hour), 5))
	f.store.add(activeConfig("cfg_good", t0, t0.Add(time.Hour), 5))
	f.caller.hook = func(r *http.Request) {
		if r.URL.Query().Get("which") == "bad" {
			panic("handler exploded")
		}
	}
	bad := f.store.get("cfg_bad")
	bad.Params = types.Fields{{Key: "which", Value: "bad"}}
	f.store.add(bad)

	report := f.tickAt(t0)

	if report.Failed != 1 || report.Fired != 1 {
		t.Errorf("expected one failure and one success, got %+v", report)
	}
	if len(f.store.resultsFor("cfg_good")) != 1 {
		t.Error("healthy job must still fire")
	}
	if len(f.store.released) != 1 || f.store.released[0] != "cfg_bad" {
		t.Errorf("expected the panicking job's claim released, got %v", f.store.released)
	}
}

func TestTick_StoreErrorUsesCachedSet(t *testing.T) {
	f := newFixture()
	f.store.add(inactiveConfig("cfg_1", t0, t0.Add(time.Hour), 5))
	if _, err := f.sched.Activate(context.Background(), "cfg_1", "tenant-a"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	f.store.listErr = errBoom

	report := f.tickAt(t0)
	if report.Due != 1 || report.Fired != 1 {
		t.Errorf("expected the cached job to fire, got %+v", report)
	}
}

func TestTick_CommitFailureRetriesNextTick(t *testing.T) {
	f := newFixture()
	f.store.add(activeConfig("cfg_1", t0, t0.Add(time.Hour), 5))
	f.store.commitErr = types.NewAppError(types.ErrCodeInternalDB, "failed to commit firing", errBoom)

	report := f.tickAt(t0)
	if report.Failed != 1 {
		t.Fatalf("expected a failed firing, got %+v", report)
	}
	job, ok := f.sched.Jobs().Get("cfg_1")
	if !ok || !job.NextFireAt.Equal(t0) {
		t.Fatalf("job must stay on its boundary, got %+v ok=%v", job, ok)
	}
	if len(f.store.released) != 1 || f.store.released[0] != "cfg_1" {
		t.Fatalf("expected the claim released after the failed commit, got %v", f.store.released)
	}

	f.store.commitErr = nil
	report = f.tickAt(t0.Add(30 * time.Second))
	if report.Fired != 1 || report.Skipped != 0 {
		t.Fatalf("expected the boundary retried on the next tick, got %+v", report)
	}
	if got := len(f.store.resultsFor("cfg_1")); got != 1 {
		t.Errorf("expected 1 stored result, got %d", got)
	}
	job, _ = f.sched.Jobs().Get("cfg_1")
	if !job.NextFireAt.Equal(t0.Add(5 * time.Minute)) {
		t.Errorf("next fire = %v, want %v", job.NextFireAt, t0.Add(5*time.Minute))
	}
}

func TestTick_LoadFailureRetriesNextTick(t *testing.T) {
	f := newFixture()
	f.store.add(activeConfig("cfg_1", t0, t0.Add(time.Hour), 5))
	f.store.getErr = types.NewAppError(types.ErrCodeInternalDB, "failed to load configuration", errBoom)

	if report := f.tickAt(t0); report.Failed != 1 {
		t.Fatalf("expected a failed firing, got %+v", report)
	}
	if f.caller.count() != 0 {
		t.Errorf("no call should be made without the configuration, got %d", f.caller.count())
	}

	f.store.getErr = nil
	if report := f.tickAt(t0.Add(30 * time.Second)); report.Fired != 1 {
		t.Fatalf("expected the boundary retried on the next tick, got %+v", report)
	}
	if got := len(f.store.resultsFor("cfg_1")); got != 1 {
		t.Errorf("expected 1 stored result, got %d", got)
	}
}

func TestTick_BreakerIsScopedPerConfiguration(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/bad", func(w http.ResponseWriter, r *http.Request) {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	})
	mux.HandleFunc("/good", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	f := newFixture()
	bad := activeConfig("cfg_bad", t0, t0.Add(time.Hour), 5)
	bad.BaseURL, bad.Endpoint = server.URL, "/bad"
	good := activeConfig("cfg_good", t0, t0.Add(time.Hour), 5)
	good.BaseURL, good.Endpoint = server.URL, "/good"
	good.TenantKeyHash = "hash:tenant-b"
	f.store.add(bad)
	f.store.add(good)

	client := external.NewTargetClient(server.Client(), 0, "", external.WithBreakerSettings(external.BreakerSettings{
		ConsecutiveFailures: 1,
		OpenTimeout:         time.Hour,
		Interval:            time.Hour,
	}))
	f.sched = New(Deps{
		Store:   f.store,
		Firings: f.store,
		Caller:  client,
		Keys:    plainKeys{},
		Metrics: f.metrics,
		Clock:   f.clock,
		Logger:  testLogger(),
	}, Options{WorkerID: "worker-a", Concurrency: 2, CallTimeout: 5 * time.Second, ClaimLease: 90 * time.Second})

	f.tickAt(t0)
	f.tickAt(t0.Add(5 * time.Minute))

	goodResults := f.store.resultsFor("cfg_good")
	if len(goodResults) != 2 {
		t.Fatalf("expected 2 results for cfg_good, got %d", len(goodResults))
	}
	for _, r := range goodResults {
		if !r.IsSuccessful {
			t.Errorf("cfg_good must not be affected by cfg_bad's breaker: %+v", r)
		}
	}

	badResults := f.store.resultsFor("cfg_bad")
	if len(badResults) != 2 {
		t.Fatalf("expected 2 results for cfg_bad, got %d", len(badResults))
	}
	var open int
	for _, r := range badResults {
		if r.IsSuccessful {
			t.Errorf("cfg_bad result should fail: %+v", r)
		}
		if r.ErrorMessage != nil && strings.Contains(*r.ErrorMessage, "circuit breaker open") {
			open++
		}
	}
	if open != 1 {
		t.Errorf("expected cfg_bad's second call to hit its open breaker, got %d", open)
	}
}

func TestTick_PublishesCommittedResults(t *testing.T) {
	f := newFixture()
	f.store.add(activeConfig("cfg_1", t0, t0.Add(time.Minute), 1))
	f.pub.err = errBoom // publish failures are logged only

	report := f.tickAt(t0)
	if report.Retired != 1 {
		t.Errorf("last boundary should retire the job, got %+v", report)
	}
	if len(f.pub.events) != 1 {
		t.Fatalf("expected one event, got %d", len(f.pub.events))
	}
	ev := f.pub.events[0]
	if ev.ConfigID != "cfg_1" || !ev.FireAt.Equal(t0) || !ev.Retired || !ev.IsSuccessful {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestTick_ConcurrencyIsBounded(t *testing.T) {
	f := newFixture(func(o *Options) { o.Concurrency = 2 })
	for _, id := range []string{"cfg_1", "cfg_2", "cfg_3", "cfg_4", "cfg_5", "cfg_6"} {
		f.store.add(activeConfig(id, t0, t0.Add(time.Hour), 5))
	}
	var inFlight, peak atomic.Int32
	f.caller.hook = func(*http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
	}

	report := f.tickAt(t0)
	if report.Fired != 6 {
		t.Errorf("expected all six jobs fired, got %+v", report)
	}
	if peak.Load() > 2 {
		t.Errorf("expected at most 2 concurrent calls, saw %d", peak.Load())
	}
}

// ============================================================
// Rebuild / Run
// ============================================================

func TestRebuild_SkipsMissedBoundaries(t *testing.T) {
	f := newFixture()
	f.store.add(activeConfig("cfg_late", t0, t0.Add(time.Hour), 1))
	f.store.add(activeConfig("cfg_future", t0.Add(10*time.Minute), t0.Add(time.Hour), 1))
	f.store.add(activeConfig("cfg_expired", t0.Add(-time.Hour), t0.Add(time.Minute), 1))

	now := t0.Add(5*time.Minute + 30*time.Second)
	if err := f.sched.Rebuild(context.Background(), now); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	if next := f.store.get("cfg_late").NextFireAt; !next.Equal(t0.Add(6 * time.Minute)) {
		t.Errorf("expected late job moved to t0+6m, got %v", next)
	}
	if next := f.store.get("cfg_future").NextFireAt; !next.Equal(t0.Add(10 * time.Minute)) {
		t.Errorf("future job must keep its boundary, got %v", next)
	}
	if f.store.get("cfg_expired").IsActive {
		t.Error("expired job must be retired")
	}
	if f.sched.Jobs().Len() != 2 {
		t.Errorf("expected 2 jobs, got %d", f.sched.Jobs().Len())
	}

	// No backlog replay.
	f.tickAt(now)
	if f.caller.count() != 0 {
		t.Errorf("expected no calls right after rebuild, got %d", f.caller.count())
	}
}

func TestRebuild_RetiresWhenNextBoundaryPastStop(t *testing.T) {
	f := newFixture()
	f.store.add(activeConfig("cfg_1", t0, t0.Add(3*time.Minute), 1))

	if err := f.sched.Rebuild(context.Background(), t0.Add(2*time.Minute+10*time.Second)); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if f.store.get("cfg_1").IsActive {
		t.Error("a job with no boundary left before stop_at must be retired")
	}
}

func TestRebuild_StoreError(t *testing.T) {
	f := newFixture()
	f.store.listErr = errBoom
	if err := f.sched.Rebuild(context.Background(), t0); err == nil {
		t.Fatal("expected error from Rebuild")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(func(o *Options) { o.TickInterval = 5 * time.Millisecond })
	f.store.add(activeConfig("cfg_expired", t0.Add(-time.Hour), t0, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	if err := f.sched.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if f.store.get("cfg_expired").IsActive {
		t.Error("Run must rebuild before ticking")
	}
	f.metrics.mu.Lock()
	ticks := f.metrics.ticks
	f.metrics.mu.Unlock()
	if ticks == 0 {
		t.Error("expected at least one tick")
	}
}
