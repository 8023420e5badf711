package local

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/godetonate/pkg/job"
	"github.com/3leaps/godetonate/pkg/metadata"
	"github.com/3leaps/godetonate/pkg/provisioner"
)

func params(uuid string) provisioner.Params {
	return provisioner.Params{JobUUID: uuid, JobID: "job-" + uuid, SampleRef: "sha256:abc", ResultsDestination: "r", ControlPlaneEndpoint: "e"}
}

func TestCreate_RunsAgentWithMetadata(t *testing.T) {
	got := make(chan metadata.Params, 1)
	p := New(Config{Run: func(ctx context.Context, src metadata.Source) {
		m, err := src.Fetch(ctx)
		if err != nil {
			return
		}
		decoded, err := metadata.Decode(m)
		if err != nil {
			return
		}
		got <- decoded
	}})
	defer p.Close()

	h, err := p.Create(context.Background(), "u-1", job.EnvLinuxGeneric, params("u-1"))
	require.NoError(t, err)
	assert.Equal(t, provisioner.Handle("local-detonation-u1"), h)

	select {
	case decoded := <-got:
		assert.Equal(t, params("u-1"), decoded)
	case <-time.After(time.Second):
		t.Fatal("agent did not run")
	}
}

func TestDestroy_CancelsAgent(t *testing.T) {
	var cancelled atomic.Bool
	p := New(Config{Run: func(ctx context.Context, _ metadata.Source) {
		<-ctx.Done()
		cancelled.Store(true)
	}})

	h, err := p.Create(context.Background(), "u-2", job.EnvLinuxGeneric, params("u-2"))
	require.NoError(t, err)
	assert.Equal(t, 1, p.Live())

	list, err := p.ListManaged(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "u-2", list[0].JobUUID)

	require.NoError(t, p.Destroy(context.Background(), h))
	require.NoError(t, p.Destroy(context.Background(), h))
	require.NoError(t, p.Close())
	assert.True(t, cancelled.Load())
	assert.Zero(t, p.Live())
}

func TestCreate_Failures(t *testing.T) {
	p := New(Config{Templates: provisioner.Templates{job.EnvLinuxGeneric: {Name: "x"}}})
	defer p.Close()

	_, err := p.Create(context.Background(), "u", job.EnvWindows7x64, params("u"))
	assert.True(t, provisioner.IsTemplateNotFound(err))

	p.CreateHook = func(string, job.Environment) error { return provisioner.ErrQuotaExceeded }
	_, err = p.Create(context.Background(), "u", job.EnvLinuxGeneric, params("u"))
	assert.True(t, provisioner.IsQuotaExceeded(err))
	assert.Zero(t, p.Live())

	var pe *provisioner.ProvisionError
	assert.True(t, errors.As(err, &pe))
}

func TestAdoptAndTerminate(t *testing.T) {
	p := New(Config{})
	p.Adopt(provisioner.Instance{Handle: "i-orphan", JobUUID: "gone"})
	assert.Equal(t, 1, p.Live())
	require.NoError(t, p.Terminate(context.Background(), "i-orphan"))
	assert.Zero(t, p.Live())
}
