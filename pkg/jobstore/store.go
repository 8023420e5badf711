// Package jobstore persists job records so the tracker can recover its table
// after a restart, and keeps the ingested result summaries served by the API.
//
// The live admission table stays in memory (see package tracker); the store
// is the durable copy written on every transition.
package jobstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/3leaps/godetonate/pkg/job"
)

// Store persists job records. Implementations must be safe for concurrent use.
type Store interface {
	// Create inserts a new record. It fails with job.ErrDuplicateJobID when
	// a record with the same JobID already exists.
	Create(ctx context.Context, j *job.Job) error

	// Put inserts or replaces the record keyed by JobID.
	Put(ctx context.Context, j *job.Job) error

	// Get returns the record for jobID or job.ErrNotFound.
	Get(ctx context.Context, jobID string) (*job.Job, error)

	// GetByUUID returns the record for jobUUID or job.ErrNotFound.
	GetByUUID(ctx context.Context, jobUUID string) (*job.Job, error)

	// List returns matching records, newest submission first.
	List(ctx context.Context, f Filter) ([]job.Job, error)

	// Delete removes the record and its summary. Missing records are not an
	// error.
	Delete(ctx context.Context, jobID string) error

	// PutSummary stores the raw summary.json of a completed job.
	PutSummary(ctx context.Context, jobID string, summary []byte) error

	// GetSummary returns the stored summary or job.ErrNotFound.
	GetSummary(ctx context.Context, jobID string) ([]byte, error)

	Close() error
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	States      []job.State
	Environment job.Environment
	SampleHash  string

	// CompletedBefore keeps terminal jobs that finished before this instant.
	CompletedBefore time.Time

	Limit int
}

// Matches reports whether j satisfies f, ignoring Limit.
func (f Filter) Matches(j *job.Job) bool {
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if j.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Environment != "" && j.Environment != f.Environment {
		return false
	}
	if f.SampleHash != "" && !strings.EqualFold(j.SampleRef.Hash, f.SampleHash) {
		return false
	}
	if !f.CompletedBefore.IsZero() {
		if j.CompletedAt == nil || !j.CompletedAt.Before(f.CompletedBefore) {
			return false
		}
	}
	return true
}

// LiveStates are the states reloaded by reconciliation.
var LiveStates = []job.State{job.StateQueued, job.StateProvisioning, job.StateRunning}

// Driver names a backend.
type Driver string

const (
	DriverSQLite Driver = "sqlite"
	DriverFile   Driver = "file"
	DriverMemory Driver = "memory"
)

// Config selects and configures a backend.
type Config struct {
	Driver Driver

	// Path is the database file (sqlite) or root directory (file).
	Path string
}

// Open returns the configured backend, creating storage on first use.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		return OpenSQLite(ctx, cfg.Path)
	case DriverFile:
		return NewFileStore(cfg.Path)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown job store driver %q", cfg.Driver)
	}
}

func sortNewestFirst(jobs []job.Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if jobs[i].SubmittedAt.Equal(jobs[k].SubmittedAt) {
			return jobs[i].JobID < jobs[k].JobID
		}
		return jobs[i].SubmittedAt.After(jobs[k].SubmittedAt)
	})
}

func applyLimit(jobs []job.Job, limit int) []job.Job {
	if limit > 0 && len(jobs) > limit {
		return jobs[:limit]
	}
	return jobs
}
