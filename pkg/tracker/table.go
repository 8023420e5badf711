package tracker

import (
	"context"
	"sort"
	"sync"

	"github.com/3leaps/godetonate/pkg/bus"
	"github.com/3leaps/godetonate/pkg/job"
)

// Entry is one admitted job. Its mutex serializes every transition of that
// job; the table lock is never held while an entry lock is taken.
type Entry struct {
	id   string
	uuid string

	mu  sync.Mutex
	job *job.Job

	// cancelProvision aborts an in-flight Create once the job leaves
	// Provisioning by another path.
	cancelProvision context.CancelFunc

	// early holds a completion event that arrived while Create was still
	// returning.
	early *bus.CompletionEvent
}

// JobID returns the job_id of the entry.
func (e *Entry) JobID() string { return e.id }

// JobUUID returns the job_uuid of the entry.
func (e *Entry) JobUUID() string { return e.uuid }

// Snapshot returns a copy of the job under the entry lock.
func (e *Entry) Snapshot() job.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Snapshot()
}

// Table is the admission table of live jobs, indexed by job_id and
// job_uuid. Its size is the admission count.
//
// Table is safe for concurrent use.
type Table struct {
	mu     sync.Mutex
	limit  int
	byID   map[string]*Entry
	byUUID map[string]*Entry
}

// NewTable returns a table admitting at most limit live jobs.
func NewTable(limit int) *Table {
	if limit <= 0 {
		limit = 1
	}
	return &Table{
		limit:  limit,
		byID:   make(map[string]*Entry),
		byUUID: make(map[string]*Entry),
	}
}

// Admit inserts j if a slot is free. It fails with job.ErrCapacityExceeded
// when the table is full and job.ErrDuplicateJobID when either identifier is
// already live.
func (t *Table) Admit(j *job.Job) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.byID) >= t.limit {
		return nil, job.ErrCapacityExceeded
	}
	return t.insertLocked(j)
}

// Restore inserts j regardless of the limit. Reconciliation uses it for jobs
// that were already live before a restart.
func (t *Table) Restore(j *job.Job) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(j)
}

func (t *Table) insertLocked(j *job.Job) (*Entry, error) {
	if _, ok := t.byID[j.JobID]; ok {
		return nil, job.ErrDuplicateJobID
	}
	if _, ok := t.byUUID[j.JobUUID]; ok {
		return nil, job.ErrDuplicateJobID
	}
	e := &Entry{id: j.JobID, uuid: j.JobUUID, job: j}
	t.byID[j.JobID] = e
	t.byUUID[j.JobUUID] = e
	return e, nil
}

// Release frees the slot held by jobID. Releasing an absent job is a no-op.
func (t *Table) Release(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[jobID]
	if !ok {
		return
	}
	delete(t.byID, jobID)
	delete(t.byUUID, e.uuid)
}

// Lookup returns the live entry for jobID.
func (t *Table) Lookup(jobID string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[jobID]
	return e, ok
}

// LookupUUID returns the live entry for jobUUID.
func (t *Table) LookupUUID(jobUUID string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byUUID[jobUUID]
	return e, ok
}

// Live returns the current entries ordered by job_id.
func (t *Table) Live() []*Entry {
	t.mu.Lock()
	ids := make([]string, 0, len(t.byID))
	for id := range t.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.byID[id])
	}
	t.mu.Unlock()
	return out
}

// Len returns the admission count.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// Limit returns the admission limit.
func (t *Table) Limit() int {
	return t.limit
}
