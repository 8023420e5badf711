// Package agent implements the execution agent that runs on a detonation
// instance.
//
// The agent walks a fixed sequence of stages:
//
//	Bootstrapping -> Downloading -> Monitoring -> Executing ->
//	Packaging -> Uploading -> Notifying -> Terminating
//
// Any failure before Notifying skips straight to Notifying with a failed
// completion event. Exactly one event is published per run (with bounded
// retries) and the agent always reaches Terminating.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/godetonate/pkg/bus"
	"github.com/3leaps/godetonate/pkg/clock"
	"github.com/3leaps/godetonate/pkg/job"
	"github.com/3leaps/godetonate/pkg/metadata"
	"github.com/3leaps/godetonate/pkg/results"
)

// Stage is a step of the agent lifecycle.
type Stage string

const (
	StageBootstrapping Stage = "bootstrapping"
	StageDownloading   Stage = "downloading"
	StageMonitoring    Stage = "monitoring"
	StageExecuting     Stage = "executing"
	StagePackaging     Stage = "packaging"
	StageUploading     Stage = "uploading"
	StageNotifying     Stage = "notifying"
	StageTerminating   Stage = "terminating"
)

// Defaults applied by New.
const (
	DefaultGraceDelay       = 30 * time.Second
	DefaultPublishAttempts  = 5
	DefaultPublishBackoff   = 2 * time.Second
	DefaultExecutionTimeout = 10 * time.Minute

	terminateTimeout = 2 * time.Minute
)

// ObjectGetter reads sample objects.
type ObjectGetter interface {
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)
}

// ResultsSink stores a packaged result bundle and returns its reference.
// *results.Pipeline implements it.
type ResultsSink interface {
	Publish(ctx context.Context, jobUUID, archivePath string, summary *results.Summary) (string, error)
}

// ResultsOpener resolves the results_destination metadata value.
type ResultsOpener func(ctx context.Context, destination string) (ResultsSink, error)

// BusOpener resolves the control_plane_endpoint metadata value.
type BusOpener func(ctx context.Context, endpoint string) (bus.Publisher, error)

// StaticResults ignores the destination and always returns sink.
func StaticResults(sink ResultsSink) ResultsOpener {
	return func(context.Context, string) (ResultsSink, error) { return sink, nil }
}

// StaticBus ignores the endpoint and always returns pub.
func StaticBus(pub bus.Publisher) BusOpener {
	return func(context.Context, string) (bus.Publisher, error) { return pub, nil }
}

// Config tunes the agent.
type Config struct {
	// WorkDir holds one directory per job: the sample, runner output and
	// captures.
	WorkDir string

	// GraceDelay is waited before terminating the instance.
	GraceDelay time.Duration

	PublishAttempts int
	PublishBackoff  time.Duration

	// DefaultExecutionTimeout applies when metadata carries none.
	DefaultExecutionTimeout time.Duration

	// Capture selects files from the capture directory beyond those the
	// instrumentation reports.
	Capture SelectorConfig

	// KeepWorkDir leaves the job directory in place after the run.
	KeepWorkDir bool

	Logger *zap.Logger
	Clock  clock.Clock
}

// Deps are the agent's collaborators.
type Deps struct {
	Metadata        metadata.Source
	Samples         ObjectGetter
	Results         ResultsOpener
	Bus             BusOpener
	Instrumentation Instrumentation
	Runner          Runner
	Terminator      Terminator
}

// Outcome summarizes one agent run.
type Outcome struct {
	JobUUID   string
	Status    bus.Status
	ResultRef string

	// Err is the failure reported in the completion event, if any.
	Err error

	Published  bool
	Terminated bool

	// Stages lists the stages entered, in order.
	Stages []Stage

	Summary *results.Summary
}

// Agent runs a single job on the instance it lives on.
type Agent struct {
	cfg      Config
	deps     Deps
	selector *Selector
	logger   *zap.Logger
	clock    clock.Clock
}

// New validates deps and applies defaults.
func New(cfg Config, deps Deps) (*Agent, error) {
	switch {
	case deps.Metadata == nil:
		return nil, errors.New("agent: metadata source is required")
	case deps.Samples == nil:
		return nil, errors.New("agent: sample store is required")
	case deps.Results == nil:
		return nil, errors.New("agent: results opener is required")
	case deps.Bus == nil:
		return nil, errors.New("agent: bus opener is required")
	case deps.Runner == nil:
		return nil, errors.New("agent: runner is required")
	}
	if deps.Instrumentation == nil {
		deps.Instrumentation = NopInstrumentation{}
	}
	if deps.Terminator == nil {
		deps.Terminator = NopTerminator{}
	}

	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "godetonate")
	}
	if cfg.PublishAttempts <= 0 {
		cfg.PublishAttempts = DefaultPublishAttempts
	}
	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = DefaultPublishBackoff
	}
	if cfg.DefaultExecutionTimeout <= 0 {
		cfg.DefaultExecutionTimeout = DefaultExecutionTimeout
	}
	if cfg.GraceDelay < 0 {
		cfg.GraceDelay = 0
	}

	selector, err := NewSelector(cfg.Capture)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}

	a := &Agent{cfg: cfg, deps: deps, selector: selector, logger: cfg.Logger, clock: cfg.Clock}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	if a.clock == nil {
		a.clock = clock.Real()
	}
	return a, nil
}

// session is the mutable state of one run.
type session struct {
	params      metadata.Params
	ref         job.SampleRef
	instanceID  string
	dir         string
	capturesDir string
	outputDir   string
	samplePath  string

	publisher bus.Publisher
	sink      ResultsSink

	run      RunResult
	captures []string
	summary  results.Summary
}

// Run executes the full lifecycle. It never returns before Terminating has
// been attempted.
func (a *Agent) Run(ctx context.Context) Outcome {
	s := &session{}
	out := Outcome{}

	resultRef, err := a.execute(ctx, s, &out)
	out.JobUUID = s.params.JobUUID
	out.Summary = &s.summary

	var ev bus.CompletionEvent
	if err != nil {
		out.Status = bus.StatusFailed
		out.Err = err
		ev = bus.Failed(s.params.JobUUID, err.Error(), a.now())
		a.logger.Error("Job failed", zap.String("job_uuid", out.JobUUID), zap.String("kind", string(KindOf(err))), zap.Error(err))
	} else {
		out.Status = bus.StatusCompleted
		out.ResultRef = resultRef
		ev = bus.Completed(s.params.JobUUID, resultRef, a.now())
	}

	a.enter(&out, StageNotifying)
	switch {
	case s.publisher == nil || s.params.JobUUID == "":
		a.logger.Error("Cannot publish completion: no job identity or bus", zap.String("job_uuid", s.params.JobUUID))
	default:
		if perr := a.notify(ctx, s.publisher, ev); perr != nil {
			a.logger.Error("Completion event lost", zap.String("job_uuid", out.JobUUID), zap.Error(perr))
		} else {
			out.Published = true
		}
	}

	a.enter(&out, StageTerminating)
	out.Terminated = a.terminate(ctx, s)
	return out
}

func (a *Agent) execute(ctx context.Context, s *session, out *Outcome) (string, error) {
	a.enter(out, StageBootstrapping)
	s.summary.Timeline.BootstrapAt = results.Stamp(a.now())
	if err := a.bootstrap(ctx, s); err != nil {
		return "", &StageError{Stage: StageBootstrapping, Kind: KindBootstrap, Err: err}
	}

	a.enter(out, StageDownloading)
	if err := a.download(ctx, s); err != nil {
		return "", &StageError{Stage: StageDownloading, Kind: KindDownload, Err: err}
	}
	s.summary.Timeline.DownloadAt = results.Stamp(a.now())

	a.enter(out, StageMonitoring)
	if err := a.deps.Instrumentation.Start(ctx, s.capturesDir); err != nil {
		return "", &StageError{Stage: StageMonitoring, Kind: KindInstrumentation, Err: err}
	}
	instrumented := a.now()
	s.summary.Timeline.InstrumentationStartedAt = results.Stamp(instrumented)

	a.enter(out, StageExecuting)
	runErr := a.executeSample(ctx, s, instrumented)

	captures, stopErr := a.deps.Instrumentation.Stop(context.WithoutCancel(ctx))
	s.summary.Timeline.InstrumentationStoppedAt = results.Stamp(a.now())
	if stopErr != nil {
		a.logger.Warn("Instrumentation stopped with errors", zap.String("job_uuid", s.params.JobUUID), zap.Error(stopErr))
	}
	s.captures = captures
	if runErr != nil {
		return "", &StageError{Stage: StageExecuting, Kind: KindExecution, Err: runErr}
	}

	a.enter(out, StagePackaging)
	archivePath, err := a.pack(s)
	if err != nil {
		return "", &StageError{Stage: StagePackaging, Kind: KindPackaging, Err: err}
	}

	a.enter(out, StageUploading)
	ref, err := s.sink.Publish(ctx, s.params.JobUUID, archivePath, &s.summary)
	if err != nil {
		return "", &StageError{Stage: StageUploading, Kind: KindUpload, Err: err}
	}
	return ref, nil
}

func (a *Agent) bootstrap(ctx context.Context, s *session) error {
	raw, err := a.deps.Metadata.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}
	if id, err := a.deps.Metadata.InstanceID(ctx); err != nil {
		a.logger.Warn("Cannot resolve instance id", zap.Error(err))
	} else {
		s.instanceID = id
	}

	// Open the bus as soon as the job is identifiable so that later
	// bootstrap failures can still be reported.
	if uuid := raw[metadata.KeyJobUUID]; job.ValidateJobID(uuid) == nil {
		s.params.JobUUID = uuid
		pub, err := a.deps.Bus(ctx, raw[metadata.KeyControlPlaneEndpoint])
		if err != nil {
			a.logger.Error("Cannot open message bus", zap.String("job_uuid", uuid), zap.Error(err))
		} else {
			s.publisher = pub
		}
	}

	params, err := metadata.Decode(raw)
	if err != nil {
		return err
	}
	if err := job.ValidateJobID(params.JobUUID); err != nil {
		return fmt.Errorf("job_uuid: %w", err)
	}
	s.params = params

	ref, err := job.ParseSampleRef(params.SampleRef)
	if err != nil {
		return fmt.Errorf("sample_ref: %w", err)
	}
	s.ref = ref

	sink, err := a.deps.Results(ctx, params.ResultsDestination)
	if err != nil {
		return fmt.Errorf("results destination %q: %w", params.ResultsDestination, err)
	}
	s.sink = sink

	s.dir = filepath.Join(a.cfg.WorkDir, params.JobUUID)
	s.capturesDir = filepath.Join(s.dir, "captures")
	s.outputDir = filepath.Join(s.dir, "execution")
	for _, d := range []string{s.capturesDir, s.outputDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create work dir: %w", err)
		}
	}

	host, _ := os.Hostname()
	s.summary.JobUUID = params.JobUUID
	s.summary.JobID = params.JobID
	s.summary.Platform = results.Platform{OS: runtime.GOOS, Arch: runtime.GOARCH, Hostname: host}
	s.summary.Sample = results.SampleInfo{Hash: ref.Hash, Path: ref.Path}

	a.logger.Info("Agent bootstrapped",
		zap.String("job_uuid", params.JobUUID),
		zap.String("job_id", params.JobID),
		zap.String("instance_id", s.instanceID),
		zap.String("sample_ref", ref.String()))
	return nil
}

func (a *Agent) executeSample(ctx context.Context, s *session, instrumented time.Time) error {
	timeout := s.params.ExecutionTimeout
	if timeout <= 0 {
		timeout = a.cfg.DefaultExecutionTimeout
	}

	// Coarse clocks can repeat a reading; execution must be stamped strictly
	// after instrumentation start.
	started := a.now()
	if !started.After(instrumented) {
		started = instrumented.Add(time.Nanosecond)
	}
	s.summary.Timeline.ExecutionStartedAt = results.Stamp(started)

	res, err := a.deps.Runner.Run(ctx, RunRequest{
		SamplePath: s.samplePath,
		Dir:        s.dir,
		OutputDir:  s.outputDir,
		Timeout:    timeout,
	})

	ended := a.now()
	if ended.Before(started) {
		ended = started
	}
	s.summary.Timeline.ExecutionEndedAt = results.Stamp(ended)
	s.run = res

	if err != nil {
		s.summary.Execution.Error = err.Error()
		return err
	}
	s.summary.Execution = results.Execution{ExitCode: res.ExitCode, TimedOut: res.TimedOut}
	return nil
}

func (a *Agent) terminate(ctx context.Context, s *session) bool {
	if a.cfg.GraceDelay > 0 {
		select {
		case <-a.clock.After(a.cfg.GraceDelay):
		case <-ctx.Done():
		}
	}
	if !a.cfg.KeepWorkDir && s.dir != "" {
		if err := os.RemoveAll(s.dir); err != nil {
			a.logger.Warn("Cannot remove work dir", zap.String("dir", s.dir), zap.Error(err))
		}
	}

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminateTimeout)
	defer cancel()
	if err := a.deps.Terminator.Terminate(tctx, s.instanceID); err != nil {
		a.logger.Error("Self-termination failed", zap.String("instance_id", s.instanceID), zap.Error(err))
		return false
	}
	a.logger.Info("Instance terminating", zap.String("job_uuid", s.params.JobUUID), zap.String("instance_id", s.instanceID))
	return true
}

func (a *Agent) enter(out *Outcome, stage Stage) {
	out.Stages = append(out.Stages, stage)
	a.logger.Debug("Agent stage", zap.String("stage", string(stage)))
}

func (a *Agent) now() time.Time {
	return a.clock.Now().UTC()
}
