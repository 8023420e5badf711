//go:build cloudintegration

package ec2

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/godetonate/pkg/job"
	"github.com/3leaps/godetonate/pkg/provisioner"
	"github.com/3leaps/godetonate/test/cloudtest"
)

func findManaged(t *testing.T, p *Provisioner, jobUUID string) (provisioner.Instance, bool) {
	t.Helper()
	instances, err := p.ListManaged(context.Background())
	require.NoError(t, err)
	for _, inst := range instances {
		if inst.JobUUID == jobUUID {
			return inst, true
		}
	}
	return provisioner.Instance{}, false
}

func TestProvisioner_Lifecycle(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	tpl := cloudtest.CreateLaunchTemplate(t, ctx)
	p := NewFromConfig(cloudtest.AWSConfigT(t), cloudtest.Endpoint, Config{
		Templates: provisioner.Templates{job.EnvLinuxGeneric: {Name: tpl}},
	})

	jobUUID := uuid.NewString()
	h, err := p.Create(ctx, jobUUID, job.EnvLinuxGeneric, provisioner.Params{
		JobUUID:   jobUUID,
		JobID:     "case-ec2",
		SampleRef: "sha256:abc",
	})
	require.NoError(t, err)
	require.NotEmpty(t, h)

	inst, ok := findManaged(t, p, jobUUID)
	require.True(t, ok, "launched instance must be listed as managed")
	assert.Equal(t, h, inst.Handle)
	assert.Equal(t, "case-ec2", inst.JobID)
	assert.Equal(t, job.EnvLinuxGeneric, inst.Environment)

	require.NoError(t, p.Destroy(ctx, h))
	_, ok = findManaged(t, p, jobUUID)
	assert.False(t, ok, "terminated instance must not be listed")

	require.NoError(t, p.Destroy(ctx, h), "destroying twice is not an error")
}

func TestProvisioner_UnknownTemplate(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)

	p := NewFromConfig(cloudtest.AWSConfigT(t), cloudtest.Endpoint, Config{
		Templates: provisioner.Templates{job.EnvWindows7x64: {Name: "missing-" + uuid.NewString()}},
	})
	_, err := p.Create(context.Background(), uuid.NewString(), job.EnvWindows7x64, provisioner.Params{})
	require.Error(t, err)

	var pe *provisioner.ProvisionError
	assert.ErrorAs(t, err, &pe)
}
