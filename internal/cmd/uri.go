package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// URI parsing errors
var (
	// ErrInvalidURI indicates the URI could not be parsed.
	ErrInvalidURI = errors.New("invalid URI")

	// ErrUnsupportedProvider indicates the URI scheme is not supported.
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrMissingBucket indicates the URI is missing a bucket name.
	ErrMissingBucket = errors.New("missing bucket name")
)

// Destination schemes handed to agents through instance metadata.
const (
	SchemeS3     = "s3"
	SchemeFile   = "file"
	SchemeSQS    = "sqs"
	SchemeMemory = "memory"
)

// Destination is a parsed results_destination or control_plane_endpoint.
//
// Example values:
//   - s3://results-bucket
//   - file:///var/lib/godetonate/artifacts
//   - sqs://detonation-events
//   - https://sqs.us-east-1.amazonaws.com/123456789012/detonation-events
//   - memory://
type Destination struct {
	// Scheme is one of s3, file, sqs or memory.
	Scheme string

	// Location is the bucket, directory or queue. A full SQS queue URL is
	// kept as is. Empty for memory.
	Location string
}

// String returns the destination in canonical form.
func (d *Destination) String() string {
	switch {
	case d.Scheme == SchemeSQS && isHTTPURL(d.Location):
		return d.Location
	case d.Scheme == SchemeFile:
		return "file://" + filepath.ToSlash(d.Location)
	default:
		return d.Scheme + "://" + d.Location
	}
}

// ParseDestination parses a destination URI.
//
// Supported formats:
//   - s3://bucket
//   - s3://bucket/
//   - file:///absolute/dir
//   - sqs://queue-name
//   - http(s)://... (an SQS queue URL)
//   - memory://
func ParseDestination(raw string) (*Destination, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty URI", ErrInvalidURI)
	}
	if isHTTPURL(raw) {
		if _, err := url.Parse(raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
		}
		return &Destination{Scheme: SchemeSQS, Location: raw}, nil
	}

	schemeEnd := strings.Index(raw, "://")
	if schemeEnd == -1 {
		return nil, fmt.Errorf("%w: missing scheme (expected s3://, file://, sqs:// or memory://)", ErrInvalidURI)
	}
	scheme := strings.ToLower(raw[:schemeEnd])
	remainder := raw[schemeEnd+3:]

	switch scheme {
	case SchemeS3:
		bucket := strings.TrimSuffix(remainder, "/")
		if bucket == "" {
			return nil, fmt.Errorf("%w: in %s", ErrMissingBucket, raw)
		}
		if strings.Contains(bucket, "/") {
			return nil, fmt.Errorf("%w: results destination must be a bucket, got %q", ErrInvalidURI, bucket)
		}
		if _, err := url.Parse("s3://" + bucket + "/"); err != nil {
			return nil, fmt.Errorf("%w: invalid bucket name %q", ErrInvalidURI, bucket)
		}
		return &Destination{Scheme: scheme, Location: bucket}, nil

	case SchemeFile:
		if remainder == "" {
			return nil, fmt.Errorf("%w: missing directory in %s", ErrInvalidURI, raw)
		}
		return &Destination{Scheme: scheme, Location: filepath.FromSlash(remainder)}, nil

	case SchemeSQS:
		queue := strings.Trim(remainder, "/")
		if queue == "" {
			return nil, fmt.Errorf("%w: missing queue name in %s", ErrInvalidURI, raw)
		}
		return &Destination{Scheme: scheme, Location: queue}, nil

	case SchemeMemory:
		return &Destination{Scheme: scheme}, nil

	default:
		return nil, fmt.Errorf("%w: %s (supported: s3, file, sqs, memory)", ErrUnsupportedProvider, scheme)
	}
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}
