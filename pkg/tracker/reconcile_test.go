package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/godetonate/pkg/job"
	"github.com/3leaps/godetonate/pkg/provisioner"
)

func storedJob(t *testing.T, f *fixture, id, uuid string, state job.State) *job.Job {
	t.Helper()
	j := job.New(id, uuid, sampleABC, job.EnvLinuxGeneric, t0, 60*time.Minute)
	if state != job.StateQueued {
		require.NoError(t, j.MarkProvisioning(provisioner.InstanceName(uuid)))
	}
	if state == job.StateRunning {
		require.NoError(t, j.MarkRunning(string(handleFor(uuid)), t0))
	}
	require.NoError(t, f.store.Put(context.Background(), j))
	return j
}

func TestReconcile(t *testing.T) {
	f := newFixture(t, 1)

	storedJob(t, f, "running-ok", "aaaaaaaa-0000-4000-8000-000000000001", job.StateRunning)
	storedJob(t, f, "running-lost", "bbbbbbbb-0000-4000-8000-000000000002", job.StateRunning)
	storedJob(t, f, "prov-ok", "cccccccc-0000-4000-8000-000000000003", job.StateProvisioning)
	done := storedJob(t, f, "finished", "dddddddd-0000-4000-8000-000000000004", job.StateRunning)
	_, err := done.MarkCompleted("jobs/d/results.zip", t0)
	require.NoError(t, err)
	require.NoError(t, f.store.Put(context.Background(), done))

	f.prov.managed = []provisioner.Instance{
		{Handle: handleFor("aaaaaaaa-0000-4000-8000-000000000001"), JobUUID: "aaaaaaaa-0000-4000-8000-000000000001"},
		{Handle: handleFor("cccccccc-0000-4000-8000-000000000003"), JobUUID: "cccccccc-0000-4000-8000-000000000003"},
		{Handle: handleFor("dddddddd-0000-4000-8000-000000000004"), JobUUID: "dddddddd-0000-4000-8000-000000000004"},
		{Handle: "i-stray", JobUUID: "eeeeeeee-0000-4000-8000-000000000005"},
	}

	report, err := f.tr.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Adopted: 2, Failed: 1, Destroyed: 2}, report)

	assert.ElementsMatch(t, []provisioner.Handle{
		handleFor("dddddddd-0000-4000-8000-000000000004"), "i-stray",
	}, f.prov.Destroyed())

	lost, err := f.tr.GetStatus(context.Background(), "running-lost")
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, lost.State)
	assert.Equal(t, LostInstanceMessage, lost.Error)
	assert.Empty(t, lost.InstanceHandle)

	prov, err := f.tr.GetStatus(context.Background(), "prov-ok")
	require.NoError(t, err)
	assert.Equal(t, job.StateRunning, prov.State)
	assert.Equal(t, string(handleFor("cccccccc-0000-4000-8000-000000000003")), prov.InstanceHandle)
	assert.Equal(t, t0.Add(60*time.Minute), prov.Deadline, "deadline survives restart")

	// Restored jobs may exceed the limit; new work waits for them to drain.
	assert.Equal(t, 2, f.tr.Table().Len())
	_, err = f.tr.Submit(context.Background(), SubmitRequest{SampleRef: sampleABC, Environment: job.EnvLinuxGeneric})
	assert.ErrorIs(t, err, job.ErrCapacityExceeded)

	// Adopted jobs are swept like any other.
	f.clock.Advance(61 * time.Minute)
	assert.Equal(t, 2, f.tr.SweepTimeouts(context.Background()))

	again, err := f.tr.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.Adopted)
	assert.Zero(t, again.Failed)
}
