// Package provider defines the artifact store used for samples (input) and
// result bundles (output).
//
// Providers expose a small object surface: metadata, streaming reads and
// whole-object writes. Optional capabilities (delete, list) are detected with
// type assertions so that read-only stores stay trivial to implement.
// Authentication uses SDK default credential chains; providers do not
// implement custom auth logic.
package provider

import (
	"context"
	"io"
	"time"
)

// Provider abstracts an object store bucket.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// GetObject opens a stream over the object body. The caller closes it.
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)

	// PutObject writes the object. The write is durable when PutObject
	// returns nil.
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error

	// Close releases any resources held by the provider.
	Close() error
}

// ListOptions configures a List operation.
type ListOptions struct {
	// Prefix filters results to keys starting with this value.
	Prefix string

	// ContinuationToken resumes listing from a previous ListResult.
	ContinuationToken string

	// MaxKeys limits the number of objects per page. Zero uses the
	// provider default.
	MaxKeys int
}

// ListResult contains a page of objects.
type ListResult struct {
	Objects []ObjectSummary

	// ContinuationToken is empty when there are no more pages.
	ContinuationToken string

	IsTruncated bool
}

// ObjectSummary contains basic object metadata.
type ObjectSummary struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ObjectMeta contains full metadata for a single object.
type ObjectMeta struct {
	ObjectSummary

	ContentType string
	Metadata    map[string]string
}

// ProviderType identifies a storage backend.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"

	// ProviderFile represents a local directory, used on single-host setups
	// and in tests.
	ProviderFile ProviderType = "file"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}
