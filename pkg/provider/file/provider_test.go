package file

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/godetonate/pkg/provider"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := New(Config{BaseDir: filepath.Join(t.TempDir(), "store")})
	require.NoError(t, err)
	return p
}

func put(t *testing.T, p *Provider, key, body string) {
	t.Helper()
	require.NoError(t, p.PutObject(context.Background(), key, bytes.NewReader([]byte(body)), int64(len(body))))
}

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{BaseDir: "  "}.Validate())
	assert.NoError(t, Config{BaseDir: "/tmp/x"}.Validate())
}

func TestPutGetHead(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	put(t, p, "jobs/u1/summary.json", `{"ok":true}`)

	body, n, err := p.GetObject(ctx, "jobs/u1/summary.json")
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))
	assert.Equal(t, int64(11), n)

	meta, err := p.Head(ctx, "/jobs/u1/summary.json")
	require.NoError(t, err)
	assert.Equal(t, "jobs/u1/summary.json", meta.Key)
	assert.Equal(t, int64(11), meta.Size)
}

func TestMissingObjectIsNotFound(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	_, _, err := p.GetObject(ctx, "samples/none")
	assert.True(t, provider.IsNotFound(err))

	_, err = p.Head(ctx, "samples/none")
	assert.True(t, provider.IsNotFound(err))

	put(t, p, "samples/dir/x", "x")
	_, err = p.Head(ctx, "samples/dir")
	assert.True(t, provider.IsNotFound(err))
}

func TestKeysStayUnderBaseDir(t *testing.T) {
	p := newTestProvider(t)
	put(t, p, "../escape", "x")

	_, err := os.Stat(filepath.Join(p.BaseDir(), "escape"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(filepath.Dir(p.BaseDir()), "escape"))
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, p.PutObject(context.Background(), "", bytes.NewReader(nil), 0))
}

func TestPutObject_CancelledContext(t *testing.T) {
	p := newTestProvider(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.PutObject(ctx, "jobs/u/results.zip", bytes.NewReader([]byte("data")), 4)
	require.Error(t, err)

	_, err = p.Head(context.Background(), "jobs/u/results.zip")
	assert.True(t, provider.IsNotFound(err))
}

func TestList_PrefixAndPagination(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	for i := 0; i < 5; i++ {
		put(t, p, fmt.Sprintf("jobs/aaa/f%d", i), "x")
	}
	put(t, p, "jobs/aab/results.zip", "y")
	put(t, p, "samples/abc", "z")

	page1, err := p.List(ctx, provider.ListOptions{Prefix: "jobs/aaa/", MaxKeys: 3})
	require.NoError(t, err)
	assert.Len(t, page1.Objects, 3)
	assert.True(t, page1.IsTruncated)

	page2, err := p.List(ctx, provider.ListOptions{Prefix: "jobs/aaa/", MaxKeys: 3, ContinuationToken: page1.ContinuationToken})
	require.NoError(t, err)
	assert.Len(t, page2.Objects, 2)
	assert.False(t, page2.IsTruncated)

	partial, err := p.List(ctx, provider.ListOptions{Prefix: "jobs/aa"})
	require.NoError(t, err)
	assert.Len(t, partial.Objects, 6)

	none, err := p.List(ctx, provider.ListOptions{Prefix: "nothing/here/"})
	require.NoError(t, err)
	assert.Empty(t, none.Objects)
}

func TestDeletePrefix(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	put(t, p, "jobs/u1/results.zip", "a")
	put(t, p, "jobs/u1/summary.json", "b")
	put(t, p, "jobs/u2/results.zip", "c")

	n, err := provider.DeletePrefix(ctx, p, "jobs/u1/")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = os.Stat(filepath.Join(p.BaseDir(), "jobs", "u1"))
	assert.True(t, os.IsNotExist(err), "empty job directory pruned")

	rest, err := p.List(ctx, provider.ListOptions{Prefix: "jobs/"})
	require.NoError(t, err)
	require.Len(t, rest.Objects, 1)
	assert.Equal(t, "jobs/u2/results.zip", rest.Objects[0].Key)

	// Deleting again is a no-op.
	n, err = provider.DeletePrefix(ctx, p, "jobs/u1/")
	require.NoError(t, err)
	assert.Zero(t, n)
}

type readOnly struct{ provider.Provider }

func TestDeletePrefix_Unsupported(t *testing.T) {
	p := newTestProvider(t)
	_, err := provider.DeletePrefix(context.Background(), readOnly{p}, "jobs/")
	assert.ErrorIs(t, err, provider.ErrUnsupported)
}
