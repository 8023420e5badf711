// Package cloudtest provides helpers for cloud integration tests using moto.
//
// moto serves S3, SQS and EC2 on one local endpoint, so the artifact store,
// the completion bus and the provisioner can all be exercised without AWS
// credentials. Tests using this package should be tagged with
// //go:build cloudintegration.
//
//	cloudtest.SkipIfUnavailable(t)
//	samples := cloudtest.CreateBucket(t, ctx)
//	queue := cloudtest.CreateQueue(t, ctx)
//	tpl := cloudtest.CreateLaunchTemplate(t, ctx)
package cloudtest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/require"
)

const (
	// DefaultEndpoint is the default moto server endpoint.
	// Port 5555 avoids conflict with macOS AirTunes on 5000.
	DefaultEndpoint = "http://localhost:5555"

	// DefaultRegion is the default AWS region for tests.
	DefaultRegion = "us-east-1"

	// TestAccessKeyID is the access key used for moto (accepts any).
	TestAccessKeyID = "testing"

	// TestSecretAccessKey is the secret key used for moto (accepts any).
	TestSecretAccessKey = "testing"
)

var (
	// Endpoint is the moto server endpoint, configurable via MOTO_ENDPOINT env var.
	Endpoint = getEnvOrDefault("MOTO_ENDPOINT", DefaultEndpoint)

	// Region is the AWS region for tests, configurable via MOTO_REGION env var.
	Region = getEnvOrDefault("MOTO_REGION", DefaultRegion)

	awsCfg     aws.Config
	awsCfgOnce sync.Once
	awsCfgErr  error
)

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// Available checks if the moto server is reachable.
func Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", nil)
	if err != nil {
		return false
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode == http.StatusOK
}

// SkipIfUnavailable skips the test if moto server is not available.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	if !Available() {
		t.Skipf("moto server not available at %s (start with: moto_server -p 5555)", Endpoint)
	}
}

// AWSConfig returns a shared SDK config with static moto credentials. Service
// clients built from it must set BaseEndpoint to Endpoint.
func AWSConfig() (aws.Config, error) {
	awsCfgOnce.Do(func() {
		awsCfg, awsCfgErr = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				TestAccessKeyID,
				TestSecretAccessKey,
				"",
			)),
		)
		if awsCfgErr != nil {
			awsCfgErr = fmt.Errorf("load config: %w", awsCfgErr)
		}
	})
	return awsCfg, awsCfgErr
}

// AWSConfigT returns the shared config, failing the test on error.
func AWSConfigT(t *testing.T) aws.Config {
	t.Helper()
	cfg, err := AWSConfig()
	require.NoError(t, err)
	return cfg
}

// S3ClientT returns an S3 client configured for moto.
func S3ClientT(t *testing.T) *s3.Client {
	t.Helper()
	return s3.NewFromConfig(AWSConfigT(t), func(o *s3.Options) {
		o.BaseEndpoint = aws.String(Endpoint)
		o.UsePathStyle = true
	})
}

// SQSClientT returns an SQS client configured for moto.
func SQSClientT(t *testing.T) *sqs.Client {
	t.Helper()
	return sqs.NewFromConfig(AWSConfigT(t), func(o *sqs.Options) {
		o.BaseEndpoint = aws.String(Endpoint)
	})
}

// EC2ClientT returns an EC2 client configured for moto.
func EC2ClientT(t *testing.T) *ec2.Client {
	t.Helper()
	return ec2.NewFromConfig(AWSConfigT(t), func(o *ec2.Options) {
		o.BaseEndpoint = aws.String(Endpoint)
	})
}

// uniqueName derives a resource name from the test name.
func uniqueName(t *testing.T, maxLen int) string {
	name := strings.ToLower(t.Name())
	name = strings.ReplaceAll(name, "/", "-")
	name = strings.ReplaceAll(name, "_", "-")
	if len(name) > maxLen {
		name = name[:maxLen]
	}
	return fmt.Sprintf("%s-%d", name, time.Now().UnixNano()%100000)
}

// CreateBucket creates a test bucket with a unique name and registers cleanup.
func CreateBucket(t *testing.T, ctx context.Context) string {
	t.Helper()

	c := S3ClientT(t)
	name := uniqueName(t, 50)

	_, err := c.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)})
	require.NoError(t, err, "create bucket %s", name)

	t.Cleanup(func() { emptyAndDeleteBucket(t, c, name) })
	return name
}

// emptyAndDeleteBucket removes result bundles left by a test, then the bucket.
func emptyAndDeleteBucket(t *testing.T, c *s3.Client, bucket string) {
	ctx := context.Background()
	paginator := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			t.Logf("warning: failed to list objects in bucket %s: %v", bucket, err)
			return
		}
		for _, obj := range page.Contents {
			if _, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: obj.Key}); err != nil {
				t.Logf("warning: failed to delete object %s: %v", aws.ToString(obj.Key), err)
			}
		}
	}

	if _, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Logf("warning: failed to delete bucket %s: %v", bucket, err)
	}
}

// PutObject uploads an object to the bucket.
func PutObject(t *testing.T, ctx context.Context, bucket, key string, content []byte) {
	t.Helper()

	_, err := S3ClientT(t).PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(content),
	})
	require.NoError(t, err, "put object %s/%s", bucket, key)
}

// CreateQueue creates an SQS queue with a unique name and registers cleanup.
// It returns the queue name.
func CreateQueue(t *testing.T, ctx context.Context) string {
	t.Helper()

	c := SQSClientT(t)
	name := uniqueName(t, 60)

	out, err := c.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String(name)})
	require.NoError(t, err, "create queue %s", name)

	t.Cleanup(func() {
		if _, err := c.DeleteQueue(context.Background(), &sqs.DeleteQueueInput{QueueUrl: out.QueueUrl}); err != nil {
			t.Logf("warning: failed to delete queue %s: %v", name, err)
		}
	})
	return name
}

// CreateLaunchTemplate registers a launch template with a unique name and
// returns the name. moto accepts any image id unless AMI validation is on.
func CreateLaunchTemplate(t *testing.T, ctx context.Context) string {
	t.Helper()

	c := EC2ClientT(t)
	name := uniqueName(t, 100)

	out, err := c.CreateLaunchTemplate(ctx, &ec2.CreateLaunchTemplateInput{
		LaunchTemplateName: aws.String(name),
		LaunchTemplateData: &ec2types.RequestLaunchTemplateData{
			ImageId:      aws.String("ami-0d1e2f3a4b5c6d7e8"),
			InstanceType: ec2types.InstanceTypeT3Micro,
		},
	})
	require.NoError(t, err, "create launch template %s", name)

	t.Cleanup(func() {
		if _, err := c.DeleteLaunchTemplate(context.Background(), &ec2.DeleteLaunchTemplateInput{
			LaunchTemplateId: out.LaunchTemplate.LaunchTemplateId,
		}); err != nil {
			t.Logf("warning: failed to delete launch template %s: %v", name, err)
		}
	})
	return name
}
