package provisioner

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/godetonate/pkg/job"
)

func TestInstanceName(t *testing.T) {
	assert.Equal(t, "detonation-3f0c6f5e", InstanceName("3f0c6f5e-1234-4000-8000-000000000001"))
	assert.Equal(t, "detonation-abc", InstanceName("abc"))
}

func TestLabels(t *testing.T) {
	labels := Labels(job.EnvWindows10x64, Params{JobUUID: "3f0c6f5e-1234", JobID: "job-1"})
	assert.Equal(t, map[string]string{
		LabelName:        "detonation-3f0c6f5e",
		LabelPurpose:     PurposeDetonation,
		LabelJobUUID:     "3f0c6f5e-1234",
		LabelJobID:       "job-1",
		LabelEnvironment: "windows-10-x64",
	}, labels)
}

func TestTemplates_Resolve(t *testing.T) {
	tpls := DefaultTemplates()
	for _, env := range job.Environments() {
		tpl, err := tpls.Resolve(env)
		require.NoError(t, err, env)
		assert.NotEmpty(t, tpl.Name)
	}

	_, err := Templates{}.Resolve(job.EnvLinuxGeneric)
	assert.True(t, IsTemplateNotFound(err))
}

func TestTemplate_String(t *testing.T) {
	assert.Equal(t, "detonation-win10-template", Template{Name: "detonation-win10-template"}.String())
	assert.Equal(t, "detonation-win10-template@7", Template{Name: "detonation-win10-template", Version: "7"}.String())
}

func TestLoadTemplates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
templates:
  windows-10-x64:
    name: win10-hardened
    version: "7"
  Linux-Generic:
    name: linux-min
`), 0o644))

	tpls, err := LoadTemplates(path)
	require.NoError(t, err)
	assert.Equal(t, Template{Name: "win10-hardened", Version: "7"}, tpls[job.EnvWindows10x64])
	assert.Equal(t, Template{Name: "linux-min"}, tpls[job.EnvLinuxGeneric])

	merged := DefaultTemplates().Merge(tpls)
	assert.Equal(t, "win10-hardened", merged[job.EnvWindows10x64].Name)
	assert.Equal(t, "detonation-win7-template", merged[job.EnvWindows7x64].Name)
}

func TestParseTemplates_Rejects(t *testing.T) {
	_, err := ParseTemplates([]byte("templates:\n  macos-14: {name: x}\n"))
	assert.Error(t, err)

	_, err = ParseTemplates([]byte("templates:\n  linux-generic: {version: \"1\"}\n"))
	assert.Error(t, err)

	_, err = LoadTemplates(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestProvisionError(t *testing.T) {
	err := &ProvisionError{Op: "Create", Environment: job.EnvLinuxGeneric, JobUUID: "u-1", Err: ErrQuotaExceeded}
	assert.Equal(t, "provision Create linux-generic (job u-1): instance quota exceeded", err.Error())
	assert.True(t, IsQuotaExceeded(err))

	var pe *ProvisionError
	assert.True(t, errors.As(error(err), &pe))
}
