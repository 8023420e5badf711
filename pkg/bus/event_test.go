package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ts = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func TestCompletionEvent_Validate(t *testing.T) {
	tests := []struct {
		name string
		ev   CompletionEvent
		ok   bool
	}{
		{"completed", Completed("u", "jobs/u/results.zip", ts), true},
		{"failed", Failed("u", "sample download failed", ts), true},
		{"wrong action", CompletionEvent{Action: "job_create", JobUUID: "u", Status: StatusFailed, Error: "x"}, false},
		{"missing uuid", Failed("", "x", ts), false},
		{"completed without ref", Completed("u", "", ts), false},
		{"failed without error", Failed("u", "", ts), false},
		{"completed with error", CompletionEvent{Action: ActionJobUpdate, JobUUID: "u", Status: StatusCompleted, ResultRef: "r", Error: "e"}, false},
		{"unknown status", CompletionEvent{Action: ActionJobUpdate, JobUUID: "u", Status: "running"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidEvent)
			}
		})
	}
}

func TestCompletionEvent_WireFormat(t *testing.T) {
	data, err := json.Marshal(Completed("u-1", "jobs/u-1/results.zip", ts))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"action": "job_update",
		"job_uuid": "u-1",
		"status": "completed",
		"timestamp": "2026-10-18T12:00:00Z",
		"result_ref": "jobs/u-1/results.zip"
	}`, string(data))
}
