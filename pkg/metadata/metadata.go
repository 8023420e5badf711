// Package metadata defines the parameters handed from the orchestrator to the
// execution agent through instance metadata.
//
// The provisioner encodes Params into the instance at creation time; the
// agent reads them back through a Source during bootstrap. A missing
// required key is a fatal bootstrap error.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Metadata keys.
const (
	KeyJobUUID              = "job_uuid"
	KeyJobID                = "job_id"
	KeySampleRef            = "sample_ref"
	KeyResultsDestination   = "results_destination"
	KeyControlPlaneEndpoint = "control_plane_endpoint"

	// KeyExecutionTimeout is optional. Its value is a Go duration string.
	KeyExecutionTimeout = "execution_timeout"
)

// RequiredKeys lists the keys every instance must carry, in bootstrap order.
var RequiredKeys = []string{
	KeyJobUUID,
	KeySampleRef,
	KeyResultsDestination,
	KeyControlPlaneEndpoint,
	KeyJobID,
}

// Params is the decoded metadata contract.
type Params struct {
	JobUUID              string
	JobID                string
	SampleRef            string
	ResultsDestination   string
	ControlPlaneEndpoint string

	// ExecutionTimeout bounds sample execution. Zero means the agent default.
	ExecutionTimeout time.Duration
}

// Source reads metadata attached to the running instance.
type Source interface {
	// Fetch returns every metadata key/value pair.
	Fetch(ctx context.Context) (map[string]string, error)

	// InstanceID returns the provider identifier of the running instance.
	InstanceID(ctx context.Context) (string, error)
}

// MissingKeyError reports a required key absent from instance metadata.
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("metadata: required key %q missing", e.Key)
}

// Map renders p as metadata key/value pairs.
func (p Params) Map() map[string]string {
	m := map[string]string{
		KeyJobUUID:              p.JobUUID,
		KeyJobID:                p.JobID,
		KeySampleRef:            p.SampleRef,
		KeyResultsDestination:   p.ResultsDestination,
		KeyControlPlaneEndpoint: p.ControlPlaneEndpoint,
	}
	if p.ExecutionTimeout > 0 {
		m[KeyExecutionTimeout] = p.ExecutionTimeout.String()
	}
	return m
}

// Decode validates m and converts it to Params.
func Decode(m map[string]string) (Params, error) {
	for _, key := range RequiredKeys {
		if strings.TrimSpace(m[key]) == "" {
			return Params{}, &MissingKeyError{Key: key}
		}
	}

	p := Params{
		JobUUID:              m[KeyJobUUID],
		JobID:                m[KeyJobID],
		SampleRef:            m[KeySampleRef],
		ResultsDestination:   m[KeyResultsDestination],
		ControlPlaneEndpoint: m[KeyControlPlaneEndpoint],
	}
	if raw := strings.TrimSpace(m[KeyExecutionTimeout]); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return Params{}, fmt.Errorf("metadata: invalid %s %q", KeyExecutionTimeout, raw)
		}
		p.ExecutionTimeout = d
	}
	return p, nil
}

// Encode serializes p as a flat JSON object, the user-data payload.
func Encode(p Params) ([]byte, error) {
	return json.Marshal(p.Map())
}

// Parse decodes a JSON user-data payload produced by Encode.
func Parse(data []byte) (map[string]string, error) {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("metadata: parse user data: %w", err)
	}
	return m, nil
}
