package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/godetonate/pkg/results"
)

// pack builds results.zip in the job directory and fills the summary
// inventory. Runner outputs land under execution/, capture files under
// captures/.
func (a *Agent) pack(s *session) (string, error) {
	archivePath := filepath.Join(s.dir, "results.zip")
	f, err := os.Create(archivePath)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	b := results.NewArchiveBuilder(f, a.now())
	added := make(map[string]struct{})

	for _, p := range s.run.Outputs {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if _, err := b.AddFile("execution/"+filepath.Base(p), p); err != nil {
			return "", err
		}
		added[filepath.Clean(p)] = struct{}{}
	}

	var captureNames []string
	addCapture := func(p string) error {
		p = filepath.Clean(p)
		if _, dup := added[p]; dup {
			return nil
		}
		name := "captures/" + captureRel(s.capturesDir, p)
		if _, err := b.AddFile(name, p); err != nil {
			return err
		}
		added[p] = struct{}{}
		captureNames = append(captureNames, name)
		return nil
	}

	for _, p := range s.captures {
		if err := addCapture(p); err != nil {
			return "", err
		}
	}
	selected, err := a.selector.Select(os.DirFS(s.capturesDir))
	if err != nil {
		return "", fmt.Errorf("select captures: %w", err)
	}
	for _, rel := range selected {
		if err := addCapture(filepath.Join(s.capturesDir, filepath.FromSlash(rel))); err != nil {
			return "", err
		}
	}

	if err := b.Close(); err != nil {
		return "", err
	}
	if err := f.Sync(); err != nil {
		return "", err
	}

	s.summary.Artifacts = b.Artifacts()
	s.summary.Captures = captureNames
	s.summary.Timeline.PackagedAt = results.Stamp(a.now())

	a.logger.Info("Results packaged",
		zap.String("job_uuid", s.params.JobUUID),
		zap.Int("artifacts", len(s.summary.Artifacts)))
	return archivePath, nil
}

// captureRel names p relative to the capture directory, or by its base name
// when it lives elsewhere.
func captureRel(dir, p string) string {
	rel, err := filepath.Rel(dir, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return filepath.Base(p)
	}
	return filepath.ToSlash(rel)
}
