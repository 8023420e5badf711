package results

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/godetonate/pkg/provider"
)

// Default retry settings for uploads.
const (
	DefaultAttempts = 3
	DefaultBackoff  = 500 * time.Millisecond
)

// maxSummaryBytes bounds summary downloads.
const maxSummaryBytes = 4 << 20

// Pipeline moves result bundles in and out of the results store.
type Pipeline struct {
	store    provider.Provider
	logger   *zap.Logger
	attempts int
	backoff  time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRetry sets the attempt count and initial backoff for retryable store
// errors. The backoff doubles after each failed attempt.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(p *Pipeline) {
		if attempts > 0 {
			p.attempts = attempts
		}
		if backoff >= 0 {
			p.backoff = backoff
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPipeline returns a Pipeline over store.
func NewPipeline(store provider.Provider, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:    store,
		logger:   zap.NewNop(),
		attempts: DefaultAttempts,
		backoff:  DefaultBackoff,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish uploads the archive at archivePath and then the summary, and
// returns the result reference. The reference is returned only after both
// writes are durable.
func (p *Pipeline) Publish(ctx context.Context, jobUUID, archivePath string, summary *Summary) (string, error) {
	if summary == nil {
		return "", fmt.Errorf("publish %s: nil summary", jobUUID)
	}
	archiveKey := ArchiveKey(jobUUID)

	size, digest, err := DigestFile(archivePath)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", jobUUID, err)
	}

	err = p.retry(ctx, "archive", func() error {
		f, err := os.Open(archivePath)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		return p.store.PutObject(ctx, archiveKey, f, size)
	})
	if err != nil {
		return "", fmt.Errorf("publish %s archive: %w", jobUUID, err)
	}

	summary.SchemaVersion = SummaryVersion
	summary.JobUUID = jobUUID
	summary.Archive = ArchiveInfo{Key: archiveKey, Size: size, BLAKE3: digest}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("publish %s: encode summary: %w", jobUUID, err)
	}
	err = p.retry(ctx, "summary", func() error {
		return p.store.PutObject(ctx, SummaryKey(jobUUID), bytes.NewReader(data), int64(len(data)))
	})
	if err != nil {
		return "", fmt.Errorf("publish %s summary: %w", jobUUID, err)
	}

	p.logger.Info("Published results",
		zap.String("job_uuid", jobUUID),
		zap.String("archive", archiveKey),
		zap.Int64("size", size),
		zap.Int("artifacts", len(summary.Artifacts)))
	return archiveKey, nil
}

// LoadSummary fetches a job's summary. It returns the raw document alongside
// the decoded form. A missing summary yields provider.ErrNotFound.
func (p *Pipeline) LoadSummary(ctx context.Context, jobUUID string) ([]byte, *Summary, error) {
	body, _, err := p.store.GetObject(ctx, SummaryKey(jobUUID))
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(body, maxSummaryBytes+1))
	if err != nil {
		return nil, nil, fmt.Errorf("read summary %s: %w", jobUUID, err)
	}
	if len(raw) > maxSummaryBytes {
		return nil, nil, fmt.Errorf("summary %s exceeds %d bytes", jobUUID, maxSummaryBytes)
	}
	s, err := ParseSummary(raw)
	if err != nil {
		return nil, nil, err
	}
	return raw, s, nil
}

// DeleteResults removes every object under the job's prefix.
func (p *Pipeline) DeleteResults(ctx context.Context, jobUUID string) (int, error) {
	n, err := provider.DeletePrefix(ctx, p.store, Prefix(jobUUID))
	if err != nil {
		return n, fmt.Errorf("delete results %s: %w", jobUUID, err)
	}
	return n, nil
}

func (p *Pipeline) retry(ctx context.Context, what string, fn func() error) error {
	backoff := p.backoff
	var err error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !provider.IsRetryable(err) || attempt == p.attempts {
			return err
		}
		p.logger.Warn("Upload failed, retrying",
			zap.String("object", what),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return err
}
