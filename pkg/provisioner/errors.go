package provisioner

import (
	"errors"
	"fmt"

	"github.com/3leaps/godetonate/pkg/job"
)

// Sentinel causes carried by ProvisionError.
var (
	// ErrQuotaExceeded indicates the provider refused capacity.
	ErrQuotaExceeded = errors.New("instance quota exceeded")

	// ErrTemplateNotFound indicates no template exists for the environment
	// or the provider does not know the template.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrProviderUnavailable indicates a transient or unclassified provider
	// failure.
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// ProvisionError reports a failed Create or Destroy.
type ProvisionError struct {
	Op          string
	Environment job.Environment
	JobUUID     string
	Err         error
}

func (e *ProvisionError) Error() string {
	if e.JobUUID != "" {
		return fmt.Sprintf("provision %s %s (job %s): %v", e.Op, e.Environment, e.JobUUID, e.Err)
	}
	return fmt.Sprintf("provision %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// IsQuotaExceeded returns true if err reports exhausted provider capacity.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// IsTemplateNotFound returns true if err reports an unknown template.
func IsTemplateNotFound(err error) bool {
	return errors.Is(err, ErrTemplateNotFound)
}
