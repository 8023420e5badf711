// Package bus carries job completion events from execution agents to the
// tracker.
//
// Delivery is at-least-once: a subscriber acknowledges a message only after
// its handler returns nil, so handlers must be idempotent. Agents and the
// tracker never share memory; even the single-host harness goes through a
// bus.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ActionJobUpdate is the only action carried on the bus.
const ActionJobUpdate = "job_update"

// Status is the outcome reported by an agent.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// CompletionEvent is the wire message published once per job by its agent.
type CompletionEvent struct {
	Action    string    `json:"action"`
	JobUUID   string    `json:"job_uuid"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	ResultRef string    `json:"result_ref,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ErrInvalidEvent marks a malformed event. Subscribers drop these instead of
// redelivering them forever.
var ErrInvalidEvent = errors.New("invalid completion event")

// Completed builds a success event.
func Completed(jobUUID, resultRef string, at time.Time) CompletionEvent {
	return CompletionEvent{Action: ActionJobUpdate, JobUUID: jobUUID, Status: StatusCompleted, Timestamp: at.UTC(), ResultRef: resultRef}
}

// Failed builds a failure event.
func Failed(jobUUID, reason string, at time.Time) CompletionEvent {
	return CompletionEvent{Action: ActionJobUpdate, JobUUID: jobUUID, Status: StatusFailed, Timestamp: at.UTC(), Error: reason}
}

// Validate checks the event shape: a completed event carries a result_ref
// and no error, a failed event carries an error and no result_ref.
func (e CompletionEvent) Validate() error {
	if e.Action != ActionJobUpdate {
		return fmt.Errorf("%w: action %q", ErrInvalidEvent, e.Action)
	}
	if strings.TrimSpace(e.JobUUID) == "" {
		return fmt.Errorf("%w: job_uuid is required", ErrInvalidEvent)
	}
	switch e.Status {
	case StatusCompleted:
		if e.ResultRef == "" || e.Error != "" {
			return fmt.Errorf("%w: completed event needs result_ref only", ErrInvalidEvent)
		}
	case StatusFailed:
		if e.Error == "" || e.ResultRef != "" {
			return fmt.Errorf("%w: failed event needs error only", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidEvent, e.Status)
	}
	return nil
}

// Handler processes one event. Returning nil acknowledges it.
type Handler func(ctx context.Context, ev CompletionEvent) error

// Publisher sends completion events.
type Publisher interface {
	Publish(ctx context.Context, ev CompletionEvent) error
}

// Subscriber consumes completion events until ctx is done.
type Subscriber interface {
	Receive(ctx context.Context, h Handler) error
}
