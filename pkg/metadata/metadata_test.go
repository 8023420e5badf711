package metadata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleParams() Params {
	return Params{
		JobUUID:              "3f0c6f5e-0000-4000-8000-000000000001",
		JobID:                "job-1",
		SampleRef:            "sha256:abc",
		ResultsDestination:   "detonation-results",
		ControlPlaneEndpoint: "detonation-events",
		ExecutionTimeout:     58 * time.Minute,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	data, err := Encode(sampleParams())
	require.NoError(t, err)

	m, err := Parse(data)
	require.NoError(t, err)
	got, err := Decode(m)
	require.NoError(t, err)
	assert.Equal(t, sampleParams(), got)
}

func TestDecode_MissingKeyIsFatal(t *testing.T) {
	for _, key := range RequiredKeys {
		t.Run(key, func(t *testing.T) {
			m := sampleParams().Map()
			delete(m, key)

			_, err := Decode(m)
			var missing *MissingKeyError
			require.True(t, errors.As(err, &missing))
			assert.Equal(t, key, missing.Key)
		})
	}
}

func TestDecode_BlankValueCountsAsMissing(t *testing.T) {
	m := sampleParams().Map()
	m[KeySampleRef] = "  "
	_, err := Decode(m)
	var missing *MissingKeyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, KeySampleRef, missing.Key)
}

func TestDecode_ExecutionTimeoutOptional(t *testing.T) {
	p := sampleParams()
	p.ExecutionTimeout = 0
	m := p.Map()
	_, present := m[KeyExecutionTimeout]
	assert.False(t, present)

	got, err := Decode(m)
	require.NoError(t, err)
	assert.Zero(t, got.ExecutionTimeout)

	m[KeyExecutionTimeout] = "soon"
	_, err = Decode(m)
	assert.Error(t, err)
}

func TestParse_RejectsGarbage(t *testing.T) {
	_, err := Parse([]byte("#!/bin/bash\necho hi"))
	assert.Error(t, err)
}

func TestStatic(t *testing.T) {
	s := NewStatic(sampleParams(), "local-1")
	m, err := s.Fetch(context.Background())
	require.NoError(t, err)
	m[KeyJobID] = "mutated"

	again, err := s.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "job-1", again[KeyJobID])

	id, err := s.InstanceID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "local-1", id)
}
