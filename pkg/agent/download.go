package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/godetonate/pkg/provider"
)

// download fetches the sample into the job directory and verifies it against
// the sha256 digest in the sample reference.
func (a *Agent) download(ctx context.Context, s *session) error {
	body, err := a.fetchSample(ctx, s)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", s.ref.Path, err)
	}
	defer func() { _ = body.Close() }()

	name := path.Base(s.ref.Path)
	if name == "." || name == "/" || name == ".." {
		name = "sample"
	}
	sampleDir := filepath.Join(s.dir, "sample")
	if err := os.MkdirAll(sampleDir, 0o755); err != nil {
		return err
	}
	s.samplePath = filepath.Join(sampleDir, name)

	f, err := os.OpenFile(s.samplePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o700)
	if err != nil {
		return err
	}
	h := sha256.New()
	n, copyErr := io.Copy(io.MultiWriter(f, h), body)
	closeErr := f.Close()
	if copyErr != nil {
		return fmt.Errorf("write sample: %w", copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("write sample: %w", closeErr)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if got != s.ref.Digest() {
		return fmt.Errorf("%w: expected sha256:%s, got sha256:%s", ErrDigestMismatch, s.ref.Digest(), got)
	}
	s.summary.Sample.Size = n

	a.logger.Info("Sample downloaded",
		zap.String("job_uuid", s.params.JobUUID),
		zap.String("path", s.ref.Path),
		zap.Int64("size", n))
	return nil
}

// fetchSample opens the sample, retrying throttling and unavailability with
// the publish retry policy.
func (a *Agent) fetchSample(ctx context.Context, s *session) (io.ReadCloser, error) {
	limiter := rate.NewLimiter(rate.Every(a.cfg.PublishBackoff), 1)

	var err error
	for attempt := 1; attempt <= a.cfg.PublishAttempts; attempt++ {
		if werr := limiter.Wait(ctx); werr != nil {
			return nil, errors.Join(err, werr)
		}
		var body io.ReadCloser
		body, _, err = a.deps.Samples.GetObject(ctx, s.ref.Path)
		if err == nil {
			return body, nil
		}
		if !provider.IsRetryable(err) {
			return nil, err
		}
		a.logger.Warn("Sample fetch failed",
			zap.String("job_uuid", s.params.JobUUID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return nil, err
}
