package tracker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/godetonate/pkg/agent"
	"github.com/3leaps/godetonate/pkg/bus"
	"github.com/3leaps/godetonate/pkg/clock"
	"github.com/3leaps/godetonate/pkg/job"
	"github.com/3leaps/godetonate/pkg/jobstore"
	"github.com/3leaps/godetonate/pkg/metadata"
	"github.com/3leaps/godetonate/pkg/provider/file"
	"github.com/3leaps/godetonate/pkg/provisioner"
	"github.com/3leaps/godetonate/pkg/provisioner/local"
	"github.com/3leaps/godetonate/pkg/results"
)

type harness struct {
	tr    *Tracker
	prov  *local.Provisioner
	bus   *bus.Memory
	store jobstore.Store
	clock *clock.FakeClock
	stop  context.CancelFunc
	done  chan error
}

func startHarness(t *testing.T, run local.AgentFunc, res Results) *harness {
	t.Helper()
	h := &harness{
		bus:   bus.NewMemory(16, nil),
		store: jobstore.NewMemory(),
		clock: clock.Fake(t0),
		done:  make(chan error, 1),
	}
	h.prov = local.New(local.Config{Templates: provisioner.DefaultTemplates(), Run: run})

	tr, err := New(Config{
		MaxConcurrent: 5,
		JobTimeout:    60 * time.Minute,
		SweepInterval: 5 * time.Second,
		Clock:         h.clock,
	}, Deps{Provisioner: h.prov, Store: h.store, Events: h.bus, Results: res})
	require.NoError(t, err)
	h.tr = tr

	ctx, cancel := context.WithCancel(context.Background())
	h.stop = cancel
	go func() { h.done <- tr.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-h.done
		_ = h.prov.Close()
		_ = tr.Close()
	})
	return h
}

func (h *harness) wait(t *testing.T, id string, want job.State) job.Job {
	t.Helper()
	var got job.Job
	require.Eventually(t, func() bool {
		j, err := h.tr.GetStatus(context.Background(), id)
		got = j
		return err == nil && j.State == want
	}, 10*time.Second, 2*time.Millisecond, "last state %s", got.State)
	return got
}

func TestScenario_AgentReportsCompletion(t *testing.T) {
	// The agent stub reports through the bus like a real instance would.
	var h *harness
	run := func(ctx context.Context, src metadata.Source) {
		raw, err := src.Fetch(ctx)
		if err != nil {
			return
		}
		p, err := metadata.Decode(raw)
		if err != nil {
			return
		}
		_ = h.bus.Publish(ctx, bus.Completed(p.JobUUID, results.ArchiveKey(p.JobUUID), time.Now()))
	}
	h = startHarness(t, run, nil)

	id, err := h.tr.Submit(context.Background(), SubmitRequest{SampleRef: sampleABC, Environment: job.EnvLinuxGeneric})
	require.NoError(t, err)

	j := h.wait(t, id, job.StateCompleted)
	assert.Equal(t, "jobs/"+j.JobUUID+"/results.zip", j.ResultRef)
	assert.Empty(t, j.Error)
	assert.Empty(t, j.InstanceHandle)
	require.NotNil(t, j.StartedAt)
	require.NotNil(t, j.CompletedAt)

	require.Eventually(t, func() bool { return h.prov.Live() == 0 }, 5*time.Second, time.Millisecond)
}

func TestScenario_SilentAgentTimesOut(t *testing.T) {
	h := startHarness(t, nil, nil)

	id, err := h.tr.Submit(context.Background(), SubmitRequest{SampleRef: sampleABC, Environment: job.EnvLinuxGeneric})
	require.NoError(t, err)
	h.wait(t, id, job.StateRunning)
	require.Equal(t, 1, h.prov.Live())

	h.clock.Advance(60 * time.Minute)

	j := h.wait(t, id, job.StateTimedOut)
	assert.Equal(t, job.DeadlineExceededMessage, j.Error)
	assert.Empty(t, j.InstanceHandle)
	assert.Empty(t, j.ResultRef)
	require.Eventually(t, func() bool { return h.prov.Live() == 0 }, 5*time.Second, time.Millisecond)
}

type echoRunner struct{}

func (echoRunner) Run(_ context.Context, req agent.RunRequest) (agent.RunResult, error) {
	out := filepath.Join(req.OutputDir, "stdout.log")
	if err := os.WriteFile(out, []byte("detonated"), 0o600); err != nil {
		return agent.RunResult{}, err
	}
	code := 0
	return agent.RunResult{ExitCode: &code, Outputs: []string{out}}, nil
}

func TestScenario_InProcessAgentEndToEnd(t *testing.T) {
	artifacts, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	body := []byte("#!/bin/sh\necho pwned\n")
	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])
	require.NoError(t, artifacts.PutObject(context.Background(), "samples/"+digest, bytes.NewReader(body), int64(len(body))))

	pipeline := results.NewPipeline(artifacts)
	workDir := t.TempDir()

	var h *harness
	run := func(ctx context.Context, src metadata.Source) {
		a, err := agent.New(agent.Config{WorkDir: workDir, PublishBackoff: time.Millisecond}, agent.Deps{
			Metadata:   src,
			Samples:    artifacts,
			Results:    agent.StaticResults(pipeline),
			Bus:        agent.StaticBus(h.bus),
			Runner:     echoRunner{},
			Terminator: h.prov,
		})
		if err != nil {
			return
		}
		a.Run(ctx)
	}
	h = startHarness(t, run, pipeline)

	ref, err := job.ParseSampleRef("sha256:" + digest)
	require.NoError(t, err)
	id, err := h.tr.Submit(context.Background(), SubmitRequest{SampleRef: ref, Environment: job.EnvUbuntu2004})
	require.NoError(t, err)

	j := h.wait(t, id, job.StateCompleted)
	assert.Equal(t, results.ArchiveKey(j.JobUUID), j.ResultRef)

	var raw []byte
	require.Eventually(t, func() bool {
		raw, err = h.tr.Summary(context.Background(), id)
		return err == nil
	}, 5*time.Second, 2*time.Millisecond)
	s, err := results.ParseSummary(raw)
	require.NoError(t, err)
	assert.Equal(t, id, s.JobID)
	assert.Equal(t, int64(len(body)), s.Sample.Size)
	require.NotNil(t, s.Execution.ExitCode)
	assert.Equal(t, 0, *s.Execution.ExitCode)
	assert.True(t, s.Timeline.InstrumentationStartedAt.Before(*s.Timeline.ExecutionStartedAt))

	var stored []byte
	require.Eventually(t, func() bool {
		stored, err = h.store.GetSummary(context.Background(), id)
		return err == nil
	}, 5*time.Second, 2*time.Millisecond, "summary ingested into the job store")
	assert.JSONEq(t, string(raw), string(stored))
}
