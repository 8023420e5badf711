// Package job defines the detonation job record and its lifecycle.
//
// A job moves monotonically through
//
//	queued -> provisioning -> running -> {completed | failed | timed_out}
//
// and never revisits a state. The transition helpers on Job are the only
// place that mutates State, so the record invariants (instance handle only
// while live, exactly one of result_ref/error once terminal) hold for every
// caller.
package job

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// State is the lifecycle state of a detonation job.
//
// NOTE: These values are persisted and returned by the status API. They are
// part of the stable external contract.
type State string

const (
	StateQueued       State = "queued"
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateTimedOut     State = "timed_out"
)

// transitions lists the allowed forward edges of the state graph.
var transitions = map[State][]State{
	StateQueued:       {StateProvisioning, StateFailed, StateTimedOut},
	StateProvisioning: {StateRunning, StateFailed, StateTimedOut},
	StateRunning:      {StateCompleted, StateFailed, StateTimedOut},
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// IsLive reports whether the job may own a compute instance.
func (s State) IsLive() bool {
	return s == StateProvisioning || s == StateRunning
}

// CanTransition reports whether to is a legal successor of s.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateProvisioning, StateRunning, StateCompleted, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// ParseState parses a state name as returned by the status API.
func ParseState(s string) (State, error) {
	st := State(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown job state %q", s)
	}
	return st, nil
}

// Environment names one of the supported VM templates.
type Environment string

const (
	EnvLinuxGeneric  Environment = "linux-generic"
	EnvUbuntu2004    Environment = "ubuntu-20-04"
	EnvWindows10x64  Environment = "windows-10-x64"
	EnvWindows7x64   Environment = "windows-7-x64"
	platformLinux                = "linux"
	platformWindows              = "windows"
)

// Environments returns every supported environment in a stable order.
func Environments() []Environment {
	return []Environment{EnvLinuxGeneric, EnvUbuntu2004, EnvWindows10x64, EnvWindows7x64}
}

// ParseEnvironment validates an environment name.
func ParseEnvironment(s string) (Environment, error) {
	env := Environment(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Environments() {
		if env == known {
			return env, nil
		}
	}
	return "", fmt.Errorf("unsupported environment %q", s)
}

// Platform returns the guest OS family of the environment.
func (e Environment) Platform() string {
	if strings.HasPrefix(string(e), "windows") {
		return platformWindows
	}
	return platformLinux
}

func (e Environment) String() string { return string(e) }

var (
	hexDigest = regexp.MustCompile(`^[0-9a-f]+$`)
	jobIDRe   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
)

// ValidateJobID checks a caller-supplied job_id. IDs double as directory and
// URL path segments, so separators are rejected.
func ValidateJobID(id string) error {
	if !jobIDRe.MatchString(id) {
		return fmt.Errorf("job_id %q must be 1-128 characters of [A-Za-z0-9._-] starting with a letter or digit", id)
	}
	return nil
}

// SampleRef identifies the input binary: its content hash and its location in
// the samples store. It is immutable for the lifetime of a job.
type SampleRef struct {
	// Hash is the content address, e.g. "sha256:9f86d0...".
	Hash string `json:"hash"`

	// Path is the object key of the sample in the samples bucket.
	Path string `json:"path"`
}

// ParseSampleRef parses "sha256:<hex>" or "sha256:<hex>@<path>".
//
// When no path is given, the sample is assumed to live at
// "samples/<hex>", the content-addressed layout of the sample repository.
func ParseSampleRef(s string) (SampleRef, error) {
	s = strings.TrimSpace(s)
	hash, path, _ := strings.Cut(s, "@")
	ref := SampleRef{Hash: strings.ToLower(strings.TrimSpace(hash)), Path: strings.TrimSpace(path)}
	if ref.Path == "" && ref.Hash != "" {
		if _, digest, ok := strings.Cut(ref.Hash, ":"); ok {
			ref.Path = "samples/" + digest
		}
	}
	if err := ref.Validate(); err != nil {
		return SampleRef{}, err
	}
	return ref, nil
}

// Validate checks the hash algorithm and digest encoding.
func (r SampleRef) Validate() error {
	algo, digest, ok := strings.Cut(r.Hash, ":")
	if !ok || algo != "sha256" {
		return fmt.Errorf("sample hash must be of the form sha256:<hex>, got %q", r.Hash)
	}
	if digest == "" || !hexDigest.MatchString(digest) {
		return fmt.Errorf("sample digest must be lowercase hex, got %q", digest)
	}
	if strings.TrimSpace(r.Path) == "" {
		return fmt.Errorf("sample path is required")
	}
	return nil
}

// Digest returns the hex digest without the algorithm prefix.
func (r SampleRef) Digest() string {
	_, digest, _ := strings.Cut(r.Hash, ":")
	return digest
}

// String renders the reference in the form accepted by ParseSampleRef.
func (r SampleRef) String() string {
	if r.Path == "" {
		return r.Hash
	}
	return r.Hash + "@" + r.Path
}

// Job is the unit of work tracked by the orchestrator.
//
// JSON field names are the external status contract.
type Job struct {
	JobID       string      `json:"job_id"`
	JobUUID     string      `json:"job_uuid"`
	SampleRef   SampleRef   `json:"sample_ref"`
	Environment Environment `json:"environment"`
	State       State       `json:"state"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Deadline    time.Time  `json:"deadline"`

	// InstanceHandle is set only while the job is provisioning or running.
	// During provisioning it holds the reserved instance name; once the
	// instance exists it holds the provider handle.
	InstanceHandle string `json:"instance_handle,omitempty"`

	ResultRef string `json:"result_ref,omitempty"`
	Error     string `json:"error,omitempty"`
}

// New creates a queued job whose deadline is fixed at submittedAt+timeout.
func New(jobID, jobUUID string, ref SampleRef, env Environment, submittedAt time.Time, timeout time.Duration) *Job {
	submittedAt = submittedAt.UTC()
	return &Job{
		JobID:       jobID,
		JobUUID:     jobUUID,
		SampleRef:   ref,
		Environment: env,
		State:       StateQueued,
		SubmittedAt: submittedAt,
		Deadline:    submittedAt.Add(timeout),
	}
}

// Overdue reports whether a non-terminal job has passed its deadline.
func (j *Job) Overdue(now time.Time) bool {
	return !j.State.IsTerminal() && !now.Before(j.Deadline)
}

// Snapshot returns a deep copy safe to hand to readers.
func (j *Job) Snapshot() Job {
	out := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// MarkProvisioning moves a queued job to provisioning, reserving the
// instance name the provisioner will create.
func (j *Job) MarkProvisioning(reserved string) error {
	if err := j.check(StateProvisioning); err != nil {
		return err
	}
	j.State = StateProvisioning
	j.InstanceHandle = reserved
	return nil
}

// MarkRunning records a successfully provisioned instance.
func (j *Job) MarkRunning(handle string, at time.Time) error {
	if err := j.check(StateRunning); err != nil {
		return err
	}
	if strings.TrimSpace(handle) == "" {
		return fmt.Errorf("instance handle is required")
	}
	at = at.UTC()
	j.State = StateRunning
	j.StartedAt = &at
	j.InstanceHandle = handle
	return nil
}

// MarkCompleted finishes the job successfully. It returns the instance
// handle that must now be torn down.
func (j *Job) MarkCompleted(resultRef string, at time.Time) (string, error) {
	if strings.TrimSpace(resultRef) == "" {
		return "", fmt.Errorf("result_ref is required for a completed job")
	}
	if err := j.check(StateCompleted); err != nil {
		return "", err
	}
	handle := j.finish(StateCompleted, at)
	j.ResultRef = resultRef
	return handle, nil
}

// MarkFailed finishes the job with a failure reason.
func (j *Job) MarkFailed(reason string, at time.Time) (string, error) {
	if err := j.check(StateFailed); err != nil {
		return "", err
	}
	if strings.TrimSpace(reason) == "" {
		reason = "unknown error"
	}
	handle := j.finish(StateFailed, at)
	j.Error = reason
	return handle, nil
}

// MarkTimedOut finishes an overdue job.
func (j *Job) MarkTimedOut(at time.Time) (string, error) {
	if err := j.check(StateTimedOut); err != nil {
		return "", err
	}
	handle := j.finish(StateTimedOut, at)
	j.Error = DeadlineExceededMessage
	return handle, nil
}

func (j *Job) check(to State) error {
	if !j.State.CanTransition(to) {
		return &TransitionError{JobID: j.JobID, From: j.State, To: to}
	}
	return nil
}

func (j *Job) finish(to State, at time.Time) string {
	at = at.UTC()
	handle := j.InstanceHandle
	j.State = to
	j.CompletedAt = &at
	j.InstanceHandle = ""
	return handle
}
