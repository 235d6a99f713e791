package store

import (
	"context"
	"sync"

	"github.com/diagramforge/broker/internal/job"
)

// MemoryStore is an in-process Store implementation, used for local
// development and tests. It is not durable across restarts.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]*job.Job
	usage  []job.UsageRecord
	epochs map[string]int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*job.Job),
		epochs: make(map[string]int64),
	}
}

func cloneJob(j *job.Job) *job.Job {
	cp := *j
	return &cp
}

func (s *MemoryStore) CreateJob(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = cloneJob(j)
	return nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = cloneJob(j)
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) ListNonTerminalJobs(ctx context.Context) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*job.Job
	for _, j := range s.jobs {
		if !j.State.Terminal() {
			out = append(out, cloneJob(j))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListRetryScheduledJobs(ctx context.Context) ([]*job.Job, error) {
	// Retry-scheduled jobs are simply Queued jobs with attempts > 0 — the
	// executor pushed them back to Queued after a retryable failure (§4.3
	// step 8). Restore reinserts all non-terminal jobs into C6 (or C7 if
	// attempts > 0), so this is a filtered view over the same set.
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*job.Job
	for _, j := range s.jobs {
		if j.State == job.StateQueued && j.Attempts > 0 {
			out = append(out, cloneJob(j))
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendUsage(ctx context.Context, rec job.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, rec)
	return nil
}

func (s *MemoryStore) AggregateUsage(ctx context.Context, subject string, w UsageWindow) (UsageAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var agg UsageAggregate
	for _, rec := range s.usage {
		if rec.Subject != subject {
			continue
		}
		if rec.Timestamp.Before(w.Start) || !rec.Timestamp.Before(w.End) {
			continue
		}
		agg.Count++
		agg.Tokens += rec.TokensIn + rec.TokensOut
	}
	return agg, nil
}

func (s *MemoryStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epochs[resourceID]++
	return s.epochs[resourceID], nil
}

func (s *MemoryStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epochs[resourceID], nil
}
