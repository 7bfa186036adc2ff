package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"hermes/internal/db"
	"hermes/internal/external"
	"hermes/internal/types"
)

var errBoom = errors.New("boom")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mutableClock is a settable clock shared by the scheduler and the store.
type mutableClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *mutableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *mutableClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// memStore is an in-memory configuration and result store that follows the
// conditional-update rules of the Postgres repositories.
type memStore struct {
	mu      sync.Mutex
	configs map[string]*types.MonitorConfig
	results map[string]map[time.Time]*types.PollResult

	listErr      error
	getErr       error
	commitErr    error
	claimErr     error
	activateLost bool // simulate a concurrent activation winning the race

	claims   int
	released []string
}

func newMemStore() *memStore {
	return &memStore{
		configs: make(map[string]*types.MonitorConfig),
		results: make(map[string]map[time.Time]*types.PollResult),
	}
}

func (s *memStore) add(c *types.MonitorConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.configs[c.ConfigID] = &cp
}

func (s *memStore) get(id string) *types.MonitorConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[id]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

func (s *memStore) delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, id)
	delete(s.results, id)
}

func (s *memStore) resultsFor(id string) []*types.PollResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.PollResult
	for _, r := range s.results[id] {
		out = append(out, r)
	}
	return out
}

func notFound() error {
	return types.NewAppError(types.ErrCodeNotFoundConfig, "configuration not found", nil)
}

func (s *memStore) GetByID(_ context.Context, id string) (*types.MonitorConfig, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	c := s.get(id)
	if c == nil {
		return nil, notFound()
	}
	return c, nil
}

func (s *memStore) Activate(_ context.Context, id string, next, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[id]
	if !ok {
		return false, nil
	}
	if s.activateLost {
		c.IsActive = true
		n := next.Add(time.Second)
		c.NextFireAt = &n
		return false, nil
	}
	if c.IsActive || !c.StopAt.After(now) {
		return false, nil
	}
	c.IsActive = true
	c.NextFireAt = &next
	first := next
	c.FirstFireAt = &first
	c.ClaimedBy, c.ClaimExpiresAt = nil, nil
	return true, nil
}

func (s *memStore) Deactivate(_ context.Context, id string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[id]
	if !ok {
		return notFound()
	}
	c.IsActive = false
	c.NextFireAt = nil
	c.ClaimedBy, c.ClaimExpiresAt = nil, nil
	return nil
}

func (s *memStore) Retire(_ context.Context, id string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[id]
	if !ok || !c.IsActive {
		return false, nil
	}
	c.IsActive = false
	c.NextFireAt = nil
	return true, nil
}

func (s *memStore) RetireExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.configs {
		if c.IsActive && !c.StopAt.After(now) {
			c.IsActive = false
			c.NextFireAt = nil
			n++
		}
	}
	return n, nil
}

func (s *memStore) ListActive(_ context.Context) ([]types.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []types.Schedule
	for _, c := range s.configs {
		if !c.IsActive {
			continue
		}
		var next *time.Time
		if c.NextFireAt != nil {
			n := *c.NextFireAt
			next = &n
		}
		out = append(out, types.Schedule{
			ConfigID:        c.ConfigID,
			NextFireAt:      next,
			IntervalMinutes: c.IntervalMinutes,
			StartAt:         c.StartAt,
			StopAt:          c.StopAt,
		})
	}
	return out, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (s *memStore) Reschedule(_ context.Context, id string, expected *time.Time, next, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[id]
	if !ok || !c.IsActive || !sameTime(c.NextFireAt, expected) {
		return false, nil
	}
	c.NextFireAt = &next
	return true, nil
}

func (s *memStore) Claim(_ context.Context, id string, fireAt time.Time, worker string, now, lease time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return false, s.claimErr
	}
	c, ok := s.configs[id]
	if !ok || !c.IsActive || c.NextFireAt == nil || !c.NextFireAt.Equal(fireAt) {
		return false, nil
	}
	if c.ClaimExpiresAt != nil && c.ClaimExpiresAt.After(now) {
		return false, nil
	}
	c.ClaimedBy = &worker
	c.ClaimExpiresAt = &lease
	s.claims++
	return true, nil
}

func (s *memStore) ReleaseClaim(_ context.Context, id, worker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, id)
	if c, ok := s.configs[id]; ok && c.ClaimedBy != nil && *c.ClaimedBy == worker {
		c.ClaimedBy, c.ClaimExpiresAt = nil, nil
	}
	return nil
}

// Commit mirrors db.FiringRepository: insert-if-absent plus a conditional
// advance, all or nothing.
func (s *memStore) Commit(_ context.Context, res *types.PollResult, next time.Time, keepActive bool, _ time.Time) (db.FiringOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return db.FiringOutcome{}, s.commitErr
	}
	c, ok := s.configs[res.ConfigID]
	if !ok {
		return db.FiringOutcome{}, notFound()
	}
	var out db.FiringOutcome
	if s.results[res.ConfigID] == nil {
		s.results[res.ConfigID] = make(map[time.Time]*types.PollResult)
	}
	if _, exists := s.results[res.ConfigID][res.FireAt]; !exists {
		cp := *res
		s.results[res.ConfigID][res.FireAt] = &cp
		out.Inserted = true
	}
	if c.IsActive && c.NextFireAt != nil && c.NextFireAt.Equal(res.FireAt) {
		c.IsActive = keepActive
		if keepActive {
			n := next
			c.NextFireAt = &n
		} else {
			c.NextFireAt = nil
		}
		c.ClaimedBy, c.ClaimExpiresAt = nil, nil
		out.Advanced = true
	}
	return out, nil
}

// stubCaller answers every request with resp or err.
type stubCaller struct {
	mu       sync.Mutex
	resp     *external.TargetResponse
	err      error
	panicMsg string
	hook     func(*http.Request)
	requests []*http.Request
}

func (c *stubCaller) Do(req *http.Request) (*external.TargetResponse, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	hook := c.hook
	c.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	if c.panicMsg != "" {
		panic(c.panicMsg)
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.resp, nil
}

func (c *stubCaller) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// plainKeys treats the stored hash as "hash:" + key.
type plainKeys struct{}

func (plainKeys) Verify(hash, key string) error {
	if key == "" {
		return types.NewAppError(types.ErrCodeAuthTokenMissing, "tenant key is required", nil)
	}
	if hash != "hash:"+key {
		return types.NewAppError(types.ErrCodePermissionForbidden, "configuration belongs to another tenant", nil)
	}
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []types.ResultEvent
	err    error
}

func (p *recordingPublisher) PublishResult(_ context.Context, ev types.ResultEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

type recordingMetrics struct {
	mu      sync.Mutex
	polls   []bool
	ticks   int
	active  int
	retired int
	swept   int
}

func (m *recordingMetrics) RecordPoll(_ context.Context, ok bool, _ time.Duration) {
	m.mu.Lock()
	m.polls = append(m.polls, ok)
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordTick(_ context.Context, _ time.Duration, active int) {
	m.mu.Lock()
	m.ticks++
	m.active = active
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordRetired(_ context.Context, n int) {
	m.mu.Lock()
	m.retired += n
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordSweep(_ context.Context, n int) {
	m.mu.Lock()
	m.swept += n
	m.mu.Unlock()
}
