//go:build cloudintegration

package s3_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/godetonate/pkg/provider"
	"github.com/3leaps/godetonate/pkg/provider/s3"
	"github.com/3leaps/godetonate/test/cloudtest"
)

func newMotoProvider(t *testing.T, ctx context.Context, bucket string) *s3.Provider {
	t.Helper()
	p, err := s3.New(ctx, s3.Config{
		Bucket:          bucket,
		Endpoint:        cloudtest.Endpoint,
		Region:          cloudtest.Region,
		AccessKeyID:     cloudtest.TestAccessKeyID,
		SecretAccessKey: cloudtest.TestSecretAccessKey,
		ForcePathStyle:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestProvider_GetObject_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	t.Run("streams sample body", func(t *testing.T) {
		bucket := cloudtest.CreateBucket(t, ctx)
		cloudtest.PutObject(t, ctx, bucket, "samples/abc", []byte("MZ\x90\x00payload"))
		p := newMotoProvider(t, ctx, bucket)

		body, n, err := p.GetObject(ctx, "samples/abc")
		require.NoError(t, err)
		defer body.Close()

		data, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), n)
		assert.Equal(t, "MZ\x90\x00payload", string(data))
	})

	t.Run("returns ErrNotFound for missing sample", func(t *testing.T) {
		bucket := cloudtest.CreateBucket(t, ctx)
		p := newMotoProvider(t, ctx, bucket)

		_, _, err := p.GetObject(ctx, "samples/missing")
		require.Error(t, err)
		assert.True(t, provider.IsNotFound(err))
	})

	t.Run("returns ErrBucketNotFound for missing bucket", func(t *testing.T) {
		p := newMotoProvider(t, ctx, "nonexistent-bucket-12345")

		_, _, err := p.GetObject(ctx, "samples/abc")
		require.Error(t, err)

		var provErr *provider.ProviderError
		require.ErrorAs(t, err, &provErr)
		assert.ErrorIs(t, provErr.Err, provider.ErrBucketNotFound)
	})
}

func TestProvider_PutObjectHead_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	p := newMotoProvider(t, ctx, bucket)

	content := []byte(`{"job_uuid":"u"}`)
	require.NoError(t, p.PutObject(ctx, "jobs/u/summary.json", bytes.NewReader(content), int64(len(content))))

	meta, err := p.Head(ctx, "jobs/u/summary.json")
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), meta.Size)
	assert.Equal(t, "application/json", meta.ContentType)
	assert.NotEmpty(t, meta.ETag)
	assert.False(t, meta.LastModified.IsZero())

	_, err = p.Head(ctx, "jobs/u/results.zip")
	assert.True(t, provider.IsNotFound(err))
}

func TestProvider_DeletePrefix_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	for i := 0; i < 5; i++ {
		cloudtest.PutObject(t, ctx, bucket, fmt.Sprintf("jobs/a/file%d", i), []byte("x"))
	}
	cloudtest.PutObject(t, ctx, bucket, "jobs/b/results.zip", []byte("y"))

	p, err := s3.New(ctx, s3.Config{
		Bucket:          bucket,
		Endpoint:        cloudtest.Endpoint,
		Region:          cloudtest.Region,
		AccessKeyID:     cloudtest.TestAccessKeyID,
		SecretAccessKey: cloudtest.TestSecretAccessKey,
		ForcePathStyle:  true,
		MaxKeys:         2,
	})
	require.NoError(t, err)

	n, err := provider.DeletePrefix(ctx, p, "jobs/a/")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	rest, err := p.List(ctx, provider.ListOptions{Prefix: "jobs/"})
	require.NoError(t, err)
	require.Len(t, rest.Objects, 1)
	assert.Equal(t, "jobs/b/results.zip", rest.Objects[0].Key)
}
