package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Instrumentation observes the guest while the sample runs.
//
// Start must return only once capture is active. Stop ends capture and
// returns the files it produced; partial output is returned alongside an
// error when some capture failed to stop cleanly.
type Instrumentation interface {
	Start(ctx context.Context, dir string) error
	Stop(ctx context.Context) ([]string, error)
}

// NopInstrumentation captures nothing. Used for local development.
type NopInstrumentation struct{}

func (NopInstrumentation) Start(context.Context, string) error { return nil }
func (NopInstrumentation) Stop(context.Context) ([]string, error) { return nil, nil }

// CaptureCommand is one capture tool launched for the duration of the run.
//
// The literal "{dir}" in Command arguments is replaced with the capture
// directory. Outputs lists files the tool writes, relative to that directory.
type CaptureCommand struct {
	Name    string   `mapstructure:"name" yaml:"name"`
	Command []string `mapstructure:"command" yaml:"command"`
	Outputs []string `mapstructure:"outputs" yaml:"outputs"`
}

// CommandInstrumentation runs external capture tools such as tcpdump or
// strace alongside the sample.
type CommandInstrumentation struct {
	Commands []CaptureCommand

	// Settle is waited after launching the tools so they are attached before
	// Start returns.
	Settle time.Duration

	// StopTimeout bounds how long a tool may take to exit after interrupt.
	// Zero uses 10 seconds.
	StopTimeout time.Duration

	Logger *zap.Logger

	mu      sync.Mutex
	dir     string
	running []*captureProc
}

type captureProc struct {
	spec CaptureCommand
	cmd  *exec.Cmd
	log  *os.File
	done chan error
}

// Start launches every configured tool. If any fails to launch, the ones
// already started are stopped and the error is returned.
func (c *CommandInstrumentation) Start(ctx context.Context, dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.running) > 0 {
		return errors.New("instrumentation already started")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create capture dir: %w", err)
	}
	c.dir = dir

	for _, spec := range c.Commands {
		proc, err := c.launch(dir, spec)
		if err != nil {
			c.stopLocked(context.WithoutCancel(ctx))
			return fmt.Errorf("start capture %s: %w", spec.Name, err)
		}
		c.running = append(c.running, proc)
		c.logger().Info("Capture started", zap.String("capture", spec.Name), zap.Int("pid", proc.cmd.Process.Pid))
	}

	if c.Settle > 0 {
		select {
		case <-ctx.Done():
			c.stopLocked(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-time.After(c.Settle):
		}
	}

	for _, proc := range c.running {
		select {
		case err := <-proc.done:
			proc.done <- err
			c.stopLocked(context.WithoutCancel(ctx))
			return fmt.Errorf("capture %s exited during startup: %v", proc.spec.Name, err)
		default:
		}
	}
	return nil
}

func (c *CommandInstrumentation) launch(dir string, spec CaptureCommand) (*captureProc, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("empty command")
	}
	name := spec.Name
	if name == "" {
		name = filepath.Base(spec.Command[0])
	}
	args := make([]string, len(spec.Command))
	for i, a := range spec.Command {
		args[i] = strings.ReplaceAll(a, "{dir}", dir)
	}

	log, err := os.Create(filepath.Join(dir, name+".log"))
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Stdout = log
	cmd.Stderr = log
	if err := cmd.Start(); err != nil {
		_ = log.Close()
		return nil, err
	}

	proc := &captureProc{spec: spec, cmd: cmd, log: log, done: make(chan error, 1)}
	proc.spec.Name = name
	go func() { proc.done <- cmd.Wait() }()
	return proc, nil
}

// Stop interrupts every tool, waits for them to exit, and returns the output
// files that exist.
func (c *CommandInstrumentation) Stop(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked(ctx)
}

func (c *CommandInstrumentation) stopLocked(ctx context.Context) ([]string, error) {
	timeout := c.StopTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var errs []error
	var files []string
	for _, proc := range c.running {
		if err := interrupt(proc.cmd.Process); err != nil {
			_ = proc.cmd.Process.Kill()
		}
		select {
		case <-proc.done:
		case <-time.After(timeout):
			_ = proc.cmd.Process.Kill()
			<-proc.done
			errs = append(errs, fmt.Errorf("capture %s killed after %s", proc.spec.Name, timeout))
		case <-ctx.Done():
			_ = proc.cmd.Process.Kill()
			<-proc.done
			errs = append(errs, ctx.Err())
		}
		_ = proc.log.Close()

		files = append(files, proc.log.Name())
		for _, out := range proc.spec.Outputs {
			p := filepath.Join(c.dir, filepath.FromSlash(out))
			if _, err := os.Stat(p); err == nil {
				files = append(files, p)
			} else {
				errs = append(errs, fmt.Errorf("capture %s: missing output %s", proc.spec.Name, out))
			}
		}
		c.logger().Info("Capture stopped", zap.String("capture", proc.spec.Name))
	}
	c.running = nil
	return files, errors.Join(errs...)
}

func (c *CommandInstrumentation) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// interrupt asks a capture tool to flush and exit. Windows has no SIGINT
// delivery to arbitrary processes, so it falls through to Kill.
func interrupt(p *os.Process) error {
	if runtime.GOOS == "windows" {
		return errors.New("interrupt unsupported")
	}
	return p.Signal(os.Interrupt)
}
