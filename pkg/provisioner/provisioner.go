// Package provisioner creates and destroys the ephemeral instances that
// detonate samples.
//
// A Provisioner launches one instance per job from a named, versioned
// template and attaches the job parameters as instance metadata. Create
// either returns a usable handle or an error with nothing left running.
// Destroy is best effort; callers log its failures and rely on ListManaged
// based reconciliation to reap leftovers.
package provisioner

import (
	"context"
	"strings"
	"time"

	"github.com/3leaps/godetonate/pkg/job"
	"github.com/3leaps/godetonate/pkg/metadata"
)

// Handle is the provider identifier of a live instance.
type Handle string

// Params is the metadata contract attached to each instance.
type Params = metadata.Params

// Label keys and values attached to every managed instance.
const (
	LabelPurpose     = "purpose"
	LabelJobUUID     = "job-uuid"
	LabelJobID       = "job-id"
	LabelEnvironment = "environment"
	LabelName        = "Name"

	PurposeDetonation = "malware-detonation"
)

// Instance describes a managed instance found by ListManaged.
type Instance struct {
	Handle      Handle
	JobUUID     string
	JobID       string
	Environment job.Environment
	State       string
	LaunchedAt  time.Time
}

// Provisioner is the contract between the tracker and an instance backend.
// Implementations must be safe for concurrent use.
type Provisioner interface {
	// Create launches an instance for jobUUID from the template mapped to
	// env. Failures are returned as *ProvisionError.
	Create(ctx context.Context, jobUUID string, env job.Environment, params Params) (Handle, error)

	// Destroy terminates the instance. Destroying an already gone instance
	// is not an error.
	Destroy(ctx context.Context, h Handle) error

	// ListManaged returns every non-terminated instance carrying the
	// detonation purpose label.
	ListManaged(ctx context.Context) ([]Instance, error)
}

// InstanceName returns the conventional instance name for a job.
func InstanceName(jobUUID string) string {
	short := strings.ReplaceAll(jobUUID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return "detonation-" + short
}

// Labels returns the tag set for an instance.
func Labels(env job.Environment, p Params) map[string]string {
	return map[string]string{
		LabelName:        InstanceName(p.JobUUID),
		LabelPurpose:     PurposeDetonation,
		LabelJobUUID:     p.JobUUID,
		LabelJobID:       p.JobID,
		LabelEnvironment: env.String(),
	}
}
