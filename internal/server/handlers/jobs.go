package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/godetonate/internal/errors"
	"github.com/3leaps/godetonate/pkg/job"
	"github.com/3leaps/godetonate/pkg/jobstore"
	"github.com/3leaps/godetonate/pkg/tracker"
)

const maxRequestBody = 64 << 10

// JobService is the orchestrator surface the API exposes.
// *tracker.Tracker implements it.
type JobService interface {
	Submit(ctx context.Context, req tracker.SubmitRequest) (string, error)
	GetStatus(ctx context.Context, jobID string) (job.Job, error)
	List(ctx context.Context, f jobstore.Filter) ([]job.Job, error)
	Cancel(ctx context.Context, jobID string) error
	Delete(ctx context.Context, jobID string) error
	GC(ctx context.Context, retention time.Duration) (int, error)
	Summary(ctx context.Context, jobID string) ([]byte, error)
}

var _ JobService = (*tracker.Tracker)(nil)

// SubmitRequest is the body of POST /v1/jobs.
type SubmitRequest struct {
	SampleRef   string `json:"sample_ref"`
	Environment string `json:"environment"`
	JobID       string `json:"job_id,omitempty"`
}

// SubmitResponse is returned with 202 Accepted.
type SubmitResponse struct {
	JobID string    `json:"job_id"`
	State job.State `json:"state"`
}

// JobStatus is the public view of a job. The job UUID and the instance
// handle stay internal.
type JobStatus struct {
	JobID       string          `json:"job_id"`
	State       job.State       `json:"state"`
	SampleRef   job.SampleRef   `json:"sample_ref"`
	Environment job.Environment `json:"environment"`
	SubmittedAt time.Time       `json:"submitted_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Deadline    time.Time       `json:"deadline"`
	ResultRef   string          `json:"result_ref,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// StatusOf returns the public view of j.
func StatusOf(j job.Job) JobStatus {
	return JobStatus{
		JobID:       j.JobID,
		State:       j.State,
		SampleRef:   j.SampleRef,
		Environment: j.Environment,
		SubmittedAt: j.SubmittedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		Deadline:    j.Deadline,
		ResultRef:   j.ResultRef,
		Error:       j.Error,
	}
}

// ListResponse wraps job listings.
type ListResponse struct {
	Jobs  []JobStatus `json:"jobs"`
	Count int         `json:"count"`
}

// GCResponse reports a garbage collection run.
type GCResponse struct {
	Deleted   int    `json:"deleted"`
	Retention string `json:"retention"`
}

// Jobs serves the /v1/jobs API.
type Jobs struct {
	svc              JobService
	defaultRetention time.Duration
}

// NewJobs returns handlers over svc. defaultRetention applies to gc requests
// without a retention parameter.
func NewJobs(svc JobService, defaultRetention time.Duration) *Jobs {
	if defaultRetention <= 0 {
		defaultRetention = 7 * 24 * time.Hour
	}
	return &Jobs{svc: svc, defaultRetention: defaultRetention}
}

// Routes mounts the job endpoints on r.
func (h *Jobs) Routes(r chi.Router) {
	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", h.Submit)
		r.Get("/", h.List)
		r.Post("/gc", h.GC)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/", h.Delete)
			r.Post("/cancel", h.Cancel)
			r.Get("/summary", h.Summary)
		})
	})
	r.Get("/v1/samples/{hash}/jobs", h.ForSample)
}

// Submit serves POST /v1/jobs.
func (h *Jobs) Submit(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		respondWithError(w, r, apperrors.NewInvalidRequest("malformed request body: %v", err))
		return
	}

	ref, err := job.ParseSampleRef(body.SampleRef)
	if err != nil {
		respondWithError(w, r, apperrors.NewInvalidRequest("invalid sample_ref: %v", err))
		return
	}
	env, err := job.ParseEnvironment(body.Environment)
	if err != nil {
		respondWithError(w, r, apperrors.NewInvalidRequest("%v", err).
			WithDetails(map[string]any{"supported": job.Environments()}))
		return
	}
	if body.JobID != "" {
		if err := job.ValidateJobID(body.JobID); err != nil {
			respondWithError(w, r, apperrors.NewInvalidRequest("invalid job_id: %v", err))
			return
		}
	}

	id, err := h.svc.Submit(r.Context(), tracker.SubmitRequest{JobID: body.JobID, SampleRef: ref, Environment: env})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+id)
	writeJSON(w, http.StatusAccepted, SubmitResponse{JobID: id, State: job.StateQueued})
}

// Get serves GET /v1/jobs/{id}.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusOf(j))
}

// List serves GET /v1/jobs with optional state, environment, sample_hash
// and limit query parameters. state may repeat or be comma separated.
func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	h.list(w, r, f)
}

// ForSample serves GET /v1/samples/{hash}/jobs.
func (h *Jobs) ForSample(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	hash := chi.URLParam(r, "hash")
	if !strings.Contains(hash, ":") {
		hash = "sha256:" + hash
	}
	ref, err := job.ParseSampleRef(hash)
	if err != nil {
		respondWithError(w, r, apperrors.NewInvalidRequest("invalid sample hash: %v", err))
		return
	}
	f.SampleHash = ref.Hash
	h.list(w, r, f)
}

func (h *Jobs) list(w http.ResponseWriter, r *http.Request, f jobstore.Filter) {
	jobs, err := h.svc.List(r.Context(), f)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, StatusOf(j))
	}
	writeJSON(w, http.StatusOK, ListResponse{Jobs: out, Count: len(out)})
}

// Cancel serves POST /v1/jobs/{id}/cancel and returns the updated job.
func (h *Jobs) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Cancel(r.Context(), id); err != nil {
		respondWithError(w, r, err)
		return
	}
	j, err := h.svc.GetStatus(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusOf(j))
}

// Delete serves DELETE /v1/jobs/{id}.
func (h *Jobs) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Summary serves GET /v1/jobs/{id}/summary, the raw summary.json.
func (h *Jobs) Summary(w http.ResponseWriter, r *http.Request) {
	raw, err := h.svc.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// GC serves POST /v1/jobs/gc?retention=<duration>.
func (h *Jobs) GC(w http.ResponseWriter, r *http.Request) {
	retention := h.defaultRetention
	if raw := r.URL.Query().Get("retention"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			respondWithError(w, r, apperrors.NewInvalidRequest("invalid retention %q", raw))
			return
		}
		retention = d
	}
	n, err := h.svc.GC(r.Context(), retention)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, GCResponse{Deleted: n, Retention: retention.String()})
}

func parseFilter(r *http.Request) (jobstore.Filter, error) {
	q := r.URL.Query()
	var f jobstore.Filter
	for _, raw := range q["state"] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s == "" {
				continue
			}
			st, err := job.ParseState(s)
			if err != nil {
				return f, apperrors.NewInvalidRequest("%v", err)
			}
			f.States = append(f.States, st)
		}
	}
	if raw := q.Get("environment"); raw != "" {
		env, err := job.ParseEnvironment(raw)
		if err != nil {
			return f, apperrors.NewInvalidRequest("%v", err)
		}
		f.Environment = env
	}
	if raw := q.Get("sample_hash"); raw != "" {
		if !strings.Contains(raw, ":") {
			raw = "sha256:" + raw
		}
		f.SampleHash = strings.ToLower(raw)
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, apperrors.NewInvalidRequest("invalid limit %q", raw)
		}
		f.Limit = n
	}
	return f, nil
}

// Unavailable serves every job route when no service is configured.
func Unavailable(w http.ResponseWriter, r *http.Request) {
	apperrors.RespondWithError(w, r, apperrors.NewServiceUnavailable("job service not configured"))
}
