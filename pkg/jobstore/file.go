package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/3leaps/godetonate/pkg/job"
)

// FileStore persists records as JSON documents in a directory tree.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//	<root>/<job_id>/summary.json
//
// Writes go through a temp file and rename, so a crash never leaves a torn
// record. GetByUUID scans the tree; use SQLiteStore for large job counts.
type FileStore struct {
	root string

	// mu serializes writers so the job_uuid uniqueness check is atomic.
	mu sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store rooted at root, creating it if needed.
func NewFileStore(root string) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("job store root dir is empty")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create job store root: %w", err)
	}
	return &FileStore{root: root}, nil
}

// RootDir returns the store directory.
func (s *FileStore) RootDir() string { return s.root }

func (s *FileStore) jobDir(jobID string) (string, error) {
	if err := job.ValidateJobID(jobID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, jobID), nil
}

func (s *FileStore) Create(ctx context.Context, j *job.Job) error {
	return s.write(ctx, j, true)
}

func (s *FileStore) Put(ctx context.Context, j *job.Job) error {
	return s.write(ctx, j, false)
}

func (s *FileStore) write(ctx context.Context, j *job.Job, create bool) error {
	if j == nil {
		return fmt.Errorf("job record is nil")
	}
	dir, err := s.jobDir(j.JobID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if create {
		if _, err := os.Stat(filepath.Join(dir, "job.json")); err == nil {
			return fmt.Errorf("%w: %s", job.ErrDuplicateJobID, j.JobID)
		}
	}
	if existing, err := s.getByUUIDLocked(ctx, j.JobUUID); err == nil && existing.JobID != j.JobID {
		return fmt.Errorf("job_uuid %s already belongs to %s", j.JobUUID, existing.JobID)
	}

	b, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	return writeAtomic(dir, "job.json", append(b, '\n'))
}

func writeAtomic(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, jobID string) (*job.Job, error) {
	dir, err := s.jobDir(jobID)
	if err != nil {
		return nil, job.ErrNotFound
	}
	return readJob(filepath.Join(dir, "job.json"))
}

func readJob(path string) (*job.Job, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("%s is empty", path)
	}
	var j job.Job
	if err := json.Unmarshal([]byte(trimmed), &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &j, nil
}

func (s *FileStore) GetByUUID(ctx context.Context, jobUUID string) (*job.Job, error) {
	return s.getByUUIDLocked(ctx, jobUUID)
}

func (s *FileStore) getByUUIDLocked(_ context.Context, jobUUID string) (*job.Job, error) {
	all, err := s.readAll()
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].JobUUID == jobUUID {
			return &all[i], nil
		}
	}
	return nil, job.ErrNotFound
}

func (s *FileStore) readAll() ([]job.Job, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}
	out := make([]job.Job, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		j, err := readJob(filepath.Join(s.root, entry.Name(), "job.json"))
		if err != nil {
			continue
		}
		out = append(out, *j)
	}
	return out, nil
}

func (s *FileStore) List(_ context.Context, f Filter) ([]job.Job, error) {
	all, err := s.readAll()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for i := range all {
		if f.Matches(&all[i]) {
			out = append(out, all[i])
		}
	}
	sortNewestFirst(out)
	return applyLimit(out, f.Limit), nil
}

func (s *FileStore) Delete(_ context.Context, jobID string) error {
	dir, err := s.jobDir(jobID)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

func (s *FileStore) PutSummary(_ context.Context, jobID string, summary []byte) error {
	dir, err := s.jobDir(jobID)
	if err != nil {
		return job.ErrNotFound
	}
	if _, err := os.Stat(filepath.Join(dir, "job.json")); err != nil {
		return job.ErrNotFound
	}
	return writeAtomic(dir, "summary.json", summary)
}

func (s *FileStore) GetSummary(_ context.Context, jobID string) ([]byte, error) {
	dir, err := s.jobDir(jobID)
	if err != nil {
		return nil, job.ErrNotFound
	}
	b, err := os.ReadFile(filepath.Join(dir, "summary.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, job.ErrNotFound
	}
	return b, err
}

func (s *FileStore) Close() error { return nil }
