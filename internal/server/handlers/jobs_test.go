package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/godetonate/internal/errors"
	"github.com/3leaps/godetonate/pkg/job"
	"github.com/3leaps/godetonate/pkg/jobstore"
	"github.com/3leaps/godetonate/pkg/tracker"
)

const testHash = "sha256:9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

type fakeJobs struct {
	mu        sync.Mutex
	jobs      map[string]*job.Job
	submitErr error
	lastSub   tracker.SubmitRequest
	filter    jobstore.Filter
	retention time.Duration
	summaries map[string][]byte
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[string]*job.Job), summaries: make(map[string][]byte)}
}

func (f *fakeJobs) Submit(_ context.Context, req tracker.SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSub = req
	if f.submitErr != nil {
		return "", f.submitErr
	}
	id := req.JobID
	if id == "" {
		id = fmt.Sprintf("job-%d", len(f.jobs)+1)
	}
	f.jobs[id] = job.New(id, "uuid-"+id, req.SampleRef, req.Environment, time.Now(), 15*time.Minute)
	return id, nil
}

func (f *fakeJobs) GetStatus(_ context.Context, id string) (job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return job.Job{}, job.ErrNotFound
	}
	return j.Snapshot(), nil
}

func (f *fakeJobs) List(_ context.Context, flt jobstore.Filter) ([]job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = flt
	var out []job.Job
	for _, j := range f.jobs {
		if flt.Matches(j) {
			out = append(out, j.Snapshot())
		}
	}
	return out, nil
}

func (f *fakeJobs) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	if j.State.IsTerminal() {
		return &job.TransitionError{JobID: id, From: j.State, To: job.StateFailed}
	}
	_, err := j.MarkFailed(job.CancelledMessage, time.Now())
	return err
}

func (f *fakeJobs) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	if !j.State.IsTerminal() {
		return fmt.Errorf("%w: %s", job.ErrNotTerminal, id)
	}
	delete(f.jobs, id)
	return nil
}

func (f *fakeJobs) GC(_ context.Context, retention time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retention = retention
	return 3, nil
}

func (f *fakeJobs) Summary(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.summaries[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return raw, nil
}

func newJobsRouter(svc JobService) http.Handler {
	r := chi.NewRouter()
	NewJobs(svc, 0).Routes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPErrorResponse {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestSubmit_Accepted(t *testing.T) {
	svc := newFakeJobs()
	h := newJobsRouter(svc)

	rec := do(t, h, http.MethodPost, "/v1/jobs", `{"sample_ref":"`+testHash+`","environment":"Windows-10-x64","job_id":"case-7"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp SubmitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "case-7", resp.JobID)
	assert.Equal(t, job.StateQueued, resp.State)
	assert.Equal(t, "/v1/jobs/case-7", rec.Header().Get("Location"))

	assert.Equal(t, job.EnvWindows10x64, svc.lastSub.Environment)
	assert.Equal(t, testHash, svc.lastSub.SampleRef.Hash)
}

func TestSubmit_RejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"sample_ref":`},
		{"unknown field", `{"sample_ref":"` + testHash + `","environment":"linux-generic","priority":1}`},
		{"bad hash", `{"sample_ref":"md5:abc","environment":"linux-generic"}`},
		{"bad environment", `{"sample_ref":"` + testHash + `","environment":"macos"}`},
		{"bad job id", `{"sample_ref":"` + testHash + `","environment":"linux-generic","job_id":"../x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, newJobsRouter(newFakeJobs()), http.MethodPost, "/v1/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, apperrors.CodeInvalidRequest, decodeError(t, rec).Error.Code)
		})
	}
}

func TestSubmit_CapacityExceeded(t *testing.T) {
	svc := newFakeJobs()
	svc.submitErr = job.ErrCapacityExceeded

	rec := do(t, newJobsRouter(svc), http.MethodPost, "/v1/jobs", `{"sample_ref":"`+testHash+`","environment":"linux-generic"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, apperrors.CodeCapacityExceeded, decodeError(t, rec).Error.Code)
}

func TestGetListCancelDelete(t *testing.T) {
	svc := newFakeJobs()
	h := newJobsRouter(svc)
	require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/v1/jobs", `{"sample_ref":"`+testHash+`","environment":"linux-generic","job_id":"a"}`).Code)

	rec := do(t, h, http.MethodGet, "/v1/jobs/a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got JobStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "a", got.JobID)
	assert.Equal(t, job.StateQueued, got.State)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/jobs/missing", "").Code)

	rec = do(t, h, http.MethodGet, "/v1/jobs?state=queued,running&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list ListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, []job.State{job.StateQueued, job.StateRunning}, svc.filter.States)
	assert.Equal(t, 10, svc.filter.Limit)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/jobs?state=exploded", "").Code)

	rec = do(t, h, http.MethodDelete, "/v1/jobs/a", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "live jobs cannot be deleted")

	rec = do(t, h, http.MethodPost, "/v1/jobs/a/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, job.StateFailed, got.State)
	assert.Equal(t, job.CancelledMessage, got.Error)

	rec = do(t, h, http.MethodPost, "/v1/jobs/a/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperrors.CodeConflict, decodeError(t, rec).Error.Code)

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/v1/jobs/a", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/jobs/a", "").Code)
}

func TestGet_HidesInstanceIdentity(t *testing.T) {
	svc := newFakeJobs()
	ref, err := job.ParseSampleRef(testHash)
	require.NoError(t, err)
	j := job.New("live", "uuid-live", ref, job.EnvWindows10x64, time.Now(), 15*time.Minute)
	require.NoError(t, j.MarkProvisioning("detonation-uuidlive"))
	require.NoError(t, j.MarkRunning("i-0abc123", time.Now()))
	svc.jobs["live"] = j
	h := newJobsRouter(svc)

	for _, path := range []string{"/v1/jobs/live", "/v1/jobs?state=running"} {
		rec := do(t, h, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code, path)
		body := rec.Body.String()
		assert.Contains(t, body, `"state":"running"`, path)
		assert.Contains(t, body, `"started_at"`, path)
		assert.NotContains(t, body, "i-0abc123", path)
		assert.NotContains(t, body, "uuid-live", path)
		assert.NotContains(t, body, "instance_handle", path)
	}
}

func TestForSample(t *testing.T) {
	svc := newFakeJobs()
	h := newJobsRouter(svc)
	require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/v1/jobs", `{"sample_ref":"`+testHash+`","environment":"linux-generic"}`).Code)

	digest := strings.TrimPrefix(testHash, "sha256:")
	rec := do(t, h, http.MethodGet, "/v1/samples/"+digest+"/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list ListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, testHash, svc.filter.SampleHash)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/samples/not-hex/jobs", "").Code)
}

func TestSummaryAndGC(t *testing.T) {
	svc := newFakeJobs()
	svc.summaries["done"] = []byte(`{"schema_version":1}`)
	h := newJobsRouter(svc)

	rec := do(t, h, http.MethodGet, "/v1/jobs/done/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"schema_version":1}`, rec.Body.String())
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/jobs/other/summary", "").Code)

	rec = do(t, h, http.MethodPost, "/v1/jobs/gc?retention=24h", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var gc GCResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&gc))
	assert.Equal(t, 3, gc.Deleted)
	assert.Equal(t, 24*time.Hour, svc.retention)

	do(t, h, http.MethodPost, "/v1/jobs/gc", "")
	assert.Equal(t, 7*24*time.Hour, svc.retention)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/jobs/gc?retention=-1h", "").Code)
}
