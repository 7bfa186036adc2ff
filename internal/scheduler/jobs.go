package scheduler

import (
	"sort"
	"sync"
	"time"

	"hermes/internal/types"
)

// Job is the scheduler's cached view of one active configuration.
type Job struct {
	ConfigID   string        `json:"config_id"`
	NextFireAt time.Time     `json:"next_fire_at"`
	Interval   time.Duration `json:"interval"`
	StopAt     time.Time     `json:"stop_at"`
}

// Due reports whether the job's boundary has been reached.
func (j Job) Due(now time.Time) bool {
	return !j.NextFireAt.After(now)
}

// Expired reports whether the job's window has closed.
func (j Job) Expired(now time.Time) bool {
	return !now.Before(j.StopAt)
}

// jobFromConfig builds a job from an active configuration row.
func jobFromConfig(c *types.MonitorConfig) (Job, bool) {
	if !c.IsActive || c.NextFireAt == nil {
		return Job{}, false
	}
	return Job{
		ConfigID:   c.ConfigID,
		NextFireAt: c.NextFireAt.UTC(),
		Interval:   c.Interval(),
		StopAt:     c.StopAt.UTC(),
	}, true
}

// jobFromSchedule builds a job from a ListActive row. Rows without a
// boundary are skipped; activation always sets one.
func jobFromSchedule(s types.Schedule) (Job, bool) {
	if s.NextFireAt == nil {
		return Job{}, false
	}
	return Job{
		ConfigID:   s.ConfigID,
		NextFireAt: s.NextFireAt.UTC(),
		Interval:   types.MinutesToDuration(s.IntervalMinutes),
		StopAt:     s.StopAt.UTC(),
	}, true
}

// nextBoundaryAfter returns the first boundary anchor + k*interval strictly
// after now. An anchor already in the future is returned unchanged.
func nextBoundaryAfter(anchor time.Time, interval time.Duration, now time.Time) time.Time {
	if anchor.After(now) {
		return anchor
	}
	if interval <= 0 {
		return now.Add(time.Millisecond)
	}
	steps := now.Sub(anchor)/interval + 1
	return anchor.Add(steps * interval)
}

// latestBoundaryAtOrBefore returns the last boundary anchor + k*interval
// that is not after now. An anchor already in the future is returned
// unchanged.
func latestBoundaryAtOrBefore(anchor time.Time, interval time.Duration, now time.Time) time.Time {
	if anchor.After(now) || interval <= 0 {
		return anchor
	}
	steps := now.Sub(anchor) / interval
	return anchor.Add(steps * interval)
}

// JobSet is the in-memory set of active jobs, keyed by config id so a
// configuration is held at most once. Safe for concurrent use.
type JobSet struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

// NewJobSet returns an empty set.
func NewJobSet() *JobSet {
	return &JobSet{jobs: make(map[string]Job)}
}

// Put inserts or replaces a job.
func (s *JobSet) Put(j Job) {
	s.mu.Lock()
	s.jobs[j.ConfigID] = j
	s.mu.Unlock()
}

// Remove drops a job; unknown ids are ignored.
func (s *JobSet) Remove(configID string) {
	s.mu.Lock()
	delete(s.jobs, configID)
	s.mu.Unlock()
}

// Get returns the job for configID.
func (s *JobSet) Get(configID string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[configID]
	return j, ok
}

// Replace swaps the whole set for jobs.
func (s *JobSet) Replace(jobs map[string]Job) {
	s.mu.Lock()
	s.jobs = jobs
	s.mu.Unlock()
}

// Len returns the number of jobs held.
func (s *JobSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Due returns the jobs whose boundary is at or before now, earliest first.
func (s *JobSet) Due(now time.Time) []Job {
	s.mu.RLock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.Due(now) {
			out = append(out, j)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].NextFireAt.Equal(out[b].NextFireAt) {
			return out[a].ConfigID < out[b].ConfigID
		}
		return out[a].NextFireAt.Before(out[b].NextFireAt)
	})
	return out
}

// advance moves a job to next if it still sits on fireAt. A concurrent
// Activate or sync that already moved it wins.
func (s *JobSet) advance(configID string, fireAt, next time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[configID]; ok && j.NextFireAt.Equal(fireAt) {
		j.NextFireAt = next
		s.jobs[configID] = j
	}
}

// removeAt drops a job only if it still sits on fireAt.
func (s *JobSet) removeAt(configID string, fireAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[configID]; ok && j.NextFireAt.Equal(fireAt) {
		delete(s.jobs, configID)
	}
}
