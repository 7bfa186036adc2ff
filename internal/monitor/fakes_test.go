package monitor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"hermes/internal/external"
	"hermes/internal/types"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// fakeConfigStore is an in-memory configuration store.
type fakeConfigStore struct {
	mu        sync.Mutex
	configs   map[string]*types.MonitorConfig
	createErr error
	getErr    error
}

func newFakeConfigStore() *fakeConfigStore {
	return &fakeConfigStore{configs: make(map[string]*types.MonitorConfig)}
}

func (s *fakeConfigStore) Create(_ context.Context, c *types.MonitorConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	cp := *c
	s.configs[c.ConfigID] = &cp
	return nil
}

func (s *fakeConfigStore) GetByID(_ context.Context, id string) (*types.MonitorConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	c, ok := s.configs[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundConfig, "configuration not found", nil)
	}
	cp := *c
	return &cp, nil
}

// fakeCaller records requests and answers with a canned response.
type fakeCaller struct {
	resp     *external.TargetResponse
	err      error
	requests []*http.Request
	bodies   []string
}

func (c *fakeCaller) Do(req *http.Request) (*external.TargetResponse, error) {
	c.requests = append(c.requests, req)
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		c.bodies = append(c.bodies, string(b))
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.resp, nil
}

type fakeHosts struct {
	blocked map[string]error
	checked []string
}

func (h *fakeHosts) CheckHost(_ context.Context, host string) error {
	h.checked = append(h.checked, host)
	return h.blocked[host]
}

// plainKeys hashes by prefixing, so tests can assert ownership cheaply.
type plainKeys struct{}

func (plainKeys) Hash(key string) (string, error) {
	if key == "" {
		return "", types.NewAppError(types.ErrCodeAuthTokenMissing, "tenant key is required", nil)
	}
	return "hash:" + key, nil
}

func (plainKeys) Verify(hash, key string) error {
	if hash != "hash:"+key {
		return types.NewAppError(types.ErrCodePermissionForbidden, "configuration belongs to another tenant", nil)
	}
	return nil
}

// fakeResults is an in-memory result store.
type fakeResults struct {
	byConfig map[string][]types.PollResult
	err      error
}

func (f *fakeResults) ListRecent(_ context.Context, id string, limit int) ([]types.PollResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	all := f.byConfig[id]
	out := []types.PollResult{}
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (f *fakeResults) ListAll(_ context.Context, id string) ([]types.PollResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return append([]types.PollResult{}, f.byConfig[id]...), nil
}

func (f *fakeResults) Stats(_ context.Context, id string) (types.ResultStats, error) {
	if f.err != nil {
		return types.ResultStats{}, f.err
	}
	var s types.ResultStats
	for _, r := range f.byConfig[id] {
		s.Total++
		if r.IsSuccessful {
			s.Successful++
		}
		called := r.CalledAt
		if s.LastCallAt == nil || called.After(*s.LastCallAt) {
			s.LastCallAt = &called
		}
	}
	s.Failed = s.Total - s.Successful
	return s, nil
}

var errBoom = errors.New("boom")
