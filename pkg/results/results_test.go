package results

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/godetonate/pkg/provider"
	"github.com/3leaps/godetonate/pkg/provider/file"
)

var t0 = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func TestLayout(t *testing.T) {
	assert.Equal(t, "jobs/u-1/", Prefix("u-1"))
	assert.Equal(t, "jobs/u-1/results.zip", ArchiveKey("u-1"))
	assert.Equal(t, "jobs/u-1/summary.json", SummaryKey("u-1"))
	assert.True(t, strings.HasPrefix(ArchiveKey("u-1"), Prefix("u-1")))
}

func TestSummaryValidate_InstrumentationFirst(t *testing.T) {
	s := &Summary{JobUUID: "u"}
	s.Timeline.ExecutionStartedAt = Stamp(t0)
	assert.ErrorIs(t, s.Validate(), ErrInstrumentationOrder)

	s.Timeline.InstrumentationStartedAt = Stamp(t0)
	assert.ErrorIs(t, s.Validate(), ErrInstrumentationOrder, "equal timestamps are not strictly before")

	s.Timeline.InstrumentationStartedAt = Stamp(t0.Add(-time.Millisecond))
	assert.NoError(t, s.Validate())

	s.Timeline.ExecutionEndedAt = Stamp(t0.Add(-time.Second))
	assert.Error(t, s.Validate())
}

func TestArchiveBuilder(t *testing.T) {
	var buf bytes.Buffer
	b := NewArchiveBuilder(&buf, t0)

	a, err := b.Add("captures/net.log", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), a.Size)
	assert.Len(t, a.BLAKE3, 64)

	_, err = b.Add("/captures/net.log", strings.NewReader("again"))
	require.Error(t, err, "duplicate after cleaning")

	_, err = b.Add("../stdout.txt", strings.NewReader("out"))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	names := []string{}
	for _, a := range b.Artifacts() {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"captures/net.log", "stdout.txt"}, names)

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	_ = rc.Close()
	assert.Equal(t, "hello", string(data))
}

func TestArchiveBuilder_DigestMatchesDigestFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(p, []byte("payload"), 0o600))

	b := NewArchiveBuilder(io.Discard, t0)
	a, err := b.AddFile("a.bin", p)
	require.NoError(t, err)

	size, digest, err := DigestFile(p)
	require.NoError(t, err)
	assert.Equal(t, a.Size, size)
	assert.Equal(t, a.BLAKE3, digest)
}

func writeArchive(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "results.zip")
	f, err := os.Create(p)
	require.NoError(t, err)
	b := NewArchiveBuilder(f, t0)
	_, err = b.Add("stdout.txt", strings.NewReader("ran"))
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, f.Close())
	return p
}

func TestPipeline_PublishLoadDelete(t *testing.T) {
	ctx := context.Background()
	store, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	p := NewPipeline(store)

	archive := writeArchive(t)
	summary := &Summary{JobID: "job-1", Artifacts: []Artifact{{Name: "stdout.txt", Size: 3}}}
	ref, err := p.Publish(ctx, "u-1", archive, summary)
	require.NoError(t, err)
	assert.Equal(t, ArchiveKey("u-1"), ref)

	_, err = store.Head(ctx, ArchiveKey("u-1"))
	require.NoError(t, err)

	raw, got, err := p.LoadSummary(ctx, "u-1")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"job_id": "job-1"`)
	assert.Equal(t, "u-1", got.JobUUID)
	assert.Equal(t, SummaryVersion, got.SchemaVersion)
	assert.Equal(t, ref, got.Archive.Key)
	assert.Len(t, got.Archive.BLAKE3, 64)

	n, err := p.DeleteResults(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, _, err = p.LoadSummary(ctx, "u-1")
	assert.True(t, provider.IsNotFound(err))
}

// flaky fails the first n PutObject calls with a throttling error.
type flaky struct {
	provider.Provider
	failures int
	puts     []string
}

func (f *flaky) PutObject(ctx context.Context, key string, body io.Reader, n int64) error {
	if f.failures > 0 {
		f.failures--
		return &provider.ProviderError{Op: "PutObject", Key: key, Err: provider.ErrThrottled}
	}
	f.puts = append(f.puts, key)
	return f.Provider.PutObject(ctx, key, body, n)
}

func TestPipeline_RetriesThrottledUploads(t *testing.T) {
	store, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	fl := &flaky{Provider: store, failures: 2}
	p := NewPipeline(fl, WithRetry(3, 0))

	_, err = p.Publish(context.Background(), "u-2", writeArchive(t), &Summary{})
	require.NoError(t, err)
	assert.Equal(t, []string{ArchiveKey("u-2"), SummaryKey("u-2")}, fl.puts, "archive strictly before summary")
}

func TestPipeline_NoSummaryWhenArchiveFails(t *testing.T) {
	store, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	fl := &flaky{Provider: store, failures: 10}
	p := NewPipeline(fl, WithRetry(2, 0))

	_, err = p.Publish(context.Background(), "u-3", writeArchive(t), &Summary{})
	require.Error(t, err)
	assert.Empty(t, fl.puts)
	_, err = store.Head(context.Background(), SummaryKey("u-3"))
	assert.True(t, provider.IsNotFound(err))
}
