package results

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SummaryVersion is the current summary.json schema version.
const SummaryVersion = 1

// Summary is the manifest describing one detonation.
type Summary struct {
	SchemaVersion int    `json:"schema_version"`
	JobUUID       string `json:"job_uuid"`
	JobID         string `json:"job_id"`

	Platform  Platform   `json:"platform"`
	Sample    SampleInfo `json:"sample"`
	Timeline  Timeline   `json:"timeline"`
	Execution Execution  `json:"execution"`

	Artifacts []Artifact `json:"artifacts"`

	// Captures lists the instrumentation outputs included in Artifacts.
	Captures []string `json:"captures,omitempty"`

	Archive ArchiveInfo `json:"archive"`
}

// Platform describes the guest that ran the sample.
type Platform struct {
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	Hostname string `json:"hostname,omitempty"`
}

// SampleInfo identifies the executed binary.
type SampleInfo struct {
	Hash string `json:"hash"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Timeline records when each agent stage happened. Unreached stages stay nil.
type Timeline struct {
	BootstrapAt              *time.Time `json:"bootstrap_at,omitempty"`
	DownloadAt               *time.Time `json:"download_at,omitempty"`
	InstrumentationStartedAt *time.Time `json:"instrumentation_started_at,omitempty"`
	ExecutionStartedAt       *time.Time `json:"execution_started_at,omitempty"`
	ExecutionEndedAt         *time.Time `json:"execution_ended_at,omitempty"`
	InstrumentationStoppedAt *time.Time `json:"instrumentation_stopped_at,omitempty"`
	PackagedAt               *time.Time `json:"packaged_at,omitempty"`
}

// Execution records how the sample run ended. Hitting the execution timeout
// is a normal outcome, flagged by TimedOut.
type Execution struct {
	ExitCode *int   `json:"exit_code,omitempty"`
	TimedOut bool   `json:"timed_out"`
	Error    string `json:"error,omitempty"`
}

// Artifact is one archive member.
type Artifact struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	BLAKE3 string `json:"blake3"`
}

// ArchiveInfo identifies the uploaded archive.
type ArchiveInfo struct {
	Key    string `json:"key"`
	Size   int64  `json:"size"`
	BLAKE3 string `json:"blake3"`
}

// ErrInstrumentationOrder reports execution that began before
// instrumentation was running.
var ErrInstrumentationOrder = errors.New("execution started before instrumentation")

// Validate checks identity fields and stage ordering.
func (s *Summary) Validate() error {
	if s.JobUUID == "" {
		return errors.New("summary: job_uuid is required")
	}
	tl := s.Timeline
	if tl.ExecutionStartedAt != nil {
		if tl.InstrumentationStartedAt == nil || !tl.InstrumentationStartedAt.Before(*tl.ExecutionStartedAt) {
			return ErrInstrumentationOrder
		}
	}
	if tl.ExecutionEndedAt != nil && tl.ExecutionStartedAt != nil && tl.ExecutionEndedAt.Before(*tl.ExecutionStartedAt) {
		return fmt.Errorf("summary: execution ended before it started")
	}
	return nil
}

// ParseSummary decodes and validates a summary document.
func ParseSummary(data []byte) (*Summary, error) {
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse summary: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Stamp returns a pointer to t in UTC, for Timeline fields.
func Stamp(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}
