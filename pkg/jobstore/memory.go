package jobstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/3leaps/godetonate/pkg/job"
)

// Memory is a volatile Store for tests and throwaway runs.
type Memory struct {
	mu        sync.RWMutex
	jobs      map[string]job.Job
	byUUID    map[string]string
	summaries map[string][]byte
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[string]job.Job),
		byUUID:    make(map[string]string),
		summaries: make(map[string][]byte),
	}
}

func (m *Memory) Create(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.JobID]; ok {
		return fmt.Errorf("%w: %s", job.ErrDuplicateJobID, j.JobID)
	}
	return m.putLocked(j)
}

func (m *Memory) Put(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(j)
}

func (m *Memory) putLocked(j *job.Job) error {
	if owner, ok := m.byUUID[j.JobUUID]; ok && owner != j.JobID {
		return fmt.Errorf("job_uuid %s already belongs to %s", j.JobUUID, owner)
	}
	m.jobs[j.JobID] = j.Snapshot()
	m.byUUID[j.JobUUID] = j.JobID
	return nil
}

func (m *Memory) Get(_ context.Context, jobID string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, job.ErrNotFound
	}
	snap := j.Snapshot()
	return &snap, nil
}

func (m *Memory) GetByUUID(ctx context.Context, jobUUID string) (*job.Job, error) {
	m.mu.RLock()
	id, ok := m.byUUID[jobUUID]
	m.mu.RUnlock()
	if !ok {
		return nil, job.ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *Memory) List(_ context.Context, f Filter) ([]job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if f.Matches(&j) {
			out = append(out, j.Snapshot())
		}
	}
	sortNewestFirst(out)
	return applyLimit(out, f.Limit), nil
}

func (m *Memory) Delete(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[jobID]; ok {
		delete(m.byUUID, j.JobUUID)
	}
	delete(m.jobs, jobID)
	delete(m.summaries, jobID)
	return nil
}

func (m *Memory) PutSummary(_ context.Context, jobID string, summary []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return job.ErrNotFound
	}
	m.summaries[jobID] = append([]byte(nil), summary...)
	return nil
}

func (m *Memory) GetSummary(_ context.Context, jobID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.summaries[jobID]
	if !ok {
		return nil, job.ErrNotFound
	}
	return append([]byte(nil), s...), nil
}

func (m *Memory) Close() error { return nil }
