// Package imds reads job metadata from the EC2 instance metadata service.
//
// The ec2 provisioner stores the JSON-encoded parameters as instance user
// data; Source fetches and parses it over IMDSv2.
package imds

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"

	"github.com/3leaps/godetonate/pkg/metadata"
)

// maxUserData is the EC2 user-data ceiling.
const maxUserData = 16 << 10

// Source implements metadata.Source on IMDS.
type Source struct {
	client *imds.Client
}

var _ metadata.Source = (*Source)(nil)

// New returns a Source using the SDK default IMDS endpoint. endpoint
// overrides it when non-empty (tests, emulators).
func New(endpoint string) *Source {
	return &Source{client: imds.New(imds.Options{Endpoint: endpoint})}
}

// NewFromConfig builds a Source from an SDK config.
func NewFromConfig(cfg aws.Config) *Source {
	return &Source{client: imds.NewFromConfig(cfg)}
}

func (s *Source) Fetch(ctx context.Context) (map[string]string, error) {
	out, err := s.client.GetUserData(ctx, &imds.GetUserDataInput{})
	if err != nil {
		return nil, fmt.Errorf("imds: get user data: %w", err)
	}
	defer func() { _ = out.Content.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Content, maxUserData+1))
	if err != nil {
		return nil, fmt.Errorf("imds: read user data: %w", err)
	}
	if len(data) > maxUserData {
		return nil, fmt.Errorf("imds: user data exceeds %d bytes", maxUserData)
	}
	return metadata.Parse(data)
}

func (s *Source) InstanceID(ctx context.Context) (string, error) {
	out, err := s.client.GetMetadata(ctx, &imds.GetMetadataInput{Path: "instance-id"})
	if err != nil {
		return "", fmt.Errorf("imds: get instance-id: %w", err)
	}
	defer func() { _ = out.Content.Close() }()

	data, err := io.ReadAll(out.Content)
	if err != nil {
		return "", fmt.Errorf("imds: read instance-id: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
