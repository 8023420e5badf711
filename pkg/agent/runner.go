package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RunRequest describes one sample execution.
type RunRequest struct {
	SamplePath string

	// Dir is the working directory of the sample process.
	Dir string

	// OutputDir receives stdout.log and stderr.log.
	OutputDir string

	Timeout time.Duration
}

// RunResult describes how a sample run ended.
type RunResult struct {
	// ExitCode is nil when the process was killed at the timeout.
	ExitCode *int
	TimedOut bool

	// Outputs are files produced by the runner itself (stdout/stderr logs).
	Outputs []string
}

// Runner executes a downloaded sample.
//
// Reaching the timeout is a successful outcome reported through
// RunResult.TimedOut. An error means the sample could not be run at all or the
// parent context was cancelled.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

// ProcessRunner executes the sample as a child process.
type ProcessRunner struct {
	// Launcher is prepended to the sample path, e.g. ["wine"] or
	// ["cmd", "/c"]. Empty runs the sample directly.
	Launcher []string

	// KillGrace bounds how long to wait for output pipes after the process
	// is killed. Zero uses 5 seconds.
	KillGrace time.Duration

	Logger *zap.Logger
}

// Run starts the sample and waits for it to exit or for the timeout.
func (r ProcessRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	if req.Timeout <= 0 {
		return RunResult{}, fmt.Errorf("execution timeout must be positive")
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return RunResult{}, fmt.Errorf("create output dir: %w", err)
	}
	stdoutPath := filepath.Join(req.OutputDir, "stdout.log")
	stderrPath := filepath.Join(req.OutputDir, "stderr.log")
	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return RunResult{}, fmt.Errorf("create stdout log: %w", err)
	}
	defer func() { _ = stdout.Close() }()
	stderr, err := os.Create(stderrPath)
	if err != nil {
		return RunResult{}, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() { _ = stderr.Close() }()

	if err := os.Chmod(req.SamplePath, 0o755); err != nil {
		return RunResult{}, fmt.Errorf("mark sample executable: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	argv := append(append([]string(nil), r.Launcher...), req.SamplePath)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = req.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = sampleEnv(req.Dir)
	cmd.WaitDelay = r.KillGrace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	if err := cmd.Start(); err != nil {
		return RunResult{}, fmt.Errorf("start sample: %w", err)
	}
	logger.Info("Sample started", zap.Int("pid", cmd.Process.Pid), zap.Duration("timeout", req.Timeout))

	waitErr := cmd.Wait()
	result := RunResult{Outputs: []string{stdoutPath, stderrPath}}

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		logger.Info("Sample reached execution timeout", zap.Duration("timeout", req.Timeout))
		return result, nil
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		code := 0
		result.ExitCode = &code
	case errors.As(waitErr, &exitErr):
		code := exitErr.ExitCode()
		result.ExitCode = &code
	default:
		return result, fmt.Errorf("wait for sample: %w", waitErr)
	}
	logger.Info("Sample exited", zap.Int("exit_code", *result.ExitCode))
	return result, nil
}

// sampleEnvKeys are inherited from the agent. Everything else, including
// credentials and GODETONATE_* settings, is withheld from the sample.
var sampleEnvKeys = []string{
	"PATH", "LANG", "TZ",
	"SYSTEMROOT", "SYSTEMDRIVE", "WINDIR", "COMSPEC", "PATHEXT",
	"PROGRAMFILES", "PROGRAMFILES(X86)", "PROGRAMDATA",
}

// sampleEnv builds the sample's environment. Home and temp directories point
// at dir.
func sampleEnv(dir string) []string {
	env := make([]string, 0, len(sampleEnvKeys)+5)
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		for _, allowed := range sampleEnvKeys {
			if strings.EqualFold(key, allowed) {
				env = append(env, kv)
				break
			}
		}
	}
	for _, key := range []string{"HOME", "USERPROFILE", "TMP", "TEMP", "TMPDIR"} {
		env = append(env, key+"="+dir)
	}
	return env
}
