// Package local runs each job's execution agent as a goroutine on the
// control-plane host. It backs single-host development and the end-to-end
// tests; agents still report back only through the bus.
package local

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/godetonate/pkg/job"
	"github.com/3leaps/godetonate/pkg/metadata"
	"github.com/3leaps/godetonate/pkg/provisioner"
)

// AgentFunc runs one agent to completion. ctx is cancelled by Destroy.
type AgentFunc func(ctx context.Context, src metadata.Source)

// Config configures the provisioner.
type Config struct {
	Templates provisioner.Templates

	// Run starts the agent for a created instance. Nil creates inert
	// instances, which tests use to drive the bus by hand.
	Run AgentFunc

	Logger *zap.Logger
}

type instance struct {
	info   provisioner.Instance
	cancel context.CancelFunc
	done   chan struct{}
}

// Provisioner implements provisioner.Provisioner in-process.
type Provisioner struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	instances map[provisioner.Handle]*instance
	wg        sync.WaitGroup

	// CreateHook, when set, runs before each Create and may fail it.
	CreateHook func(jobUUID string, env job.Environment) error
}

var _ provisioner.Provisioner = (*Provisioner)(nil)

// New returns an empty local provisioner.
func New(cfg Config) *Provisioner {
	if cfg.Templates == nil {
		cfg.Templates = provisioner.DefaultTemplates()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{cfg: cfg, logger: logger, instances: make(map[provisioner.Handle]*instance)}
}

func (p *Provisioner) Create(ctx context.Context, jobUUID string, env job.Environment, params provisioner.Params) (provisioner.Handle, error) {
	if _, err := p.cfg.Templates.Resolve(env); err != nil {
		return "", &provisioner.ProvisionError{Op: "Create", Environment: env, JobUUID: jobUUID, Err: err}
	}
	if p.CreateHook != nil {
		if err := p.CreateHook(jobUUID, env); err != nil {
			return "", &provisioner.ProvisionError{Op: "Create", Environment: env, JobUUID: jobUUID, Err: err}
		}
	}
	if err := ctx.Err(); err != nil {
		return "", &provisioner.ProvisionError{Op: "Create", Environment: env, JobUUID: jobUUID, Err: err}
	}

	h := provisioner.Handle("local-" + provisioner.InstanceName(jobUUID))
	runCtx, cancel := context.WithCancel(context.Background())
	inst := &instance{
		info: provisioner.Instance{
			Handle:      h,
			JobUUID:     jobUUID,
			JobID:       params.JobID,
			Environment: env,
			State:       "running",
			LaunchedAt:  time.Now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	p.mu.Lock()
	p.instances[h] = inst
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(inst.done)
		if p.cfg.Run != nil {
			p.cfg.Run(runCtx, metadata.NewStatic(params, string(h)))
		} else {
			<-runCtx.Done()
		}
	}()

	p.logger.Info("Local instance started", zap.String("job_uuid", jobUUID), zap.String("instance_id", string(h)))
	return h, nil
}

// Destroy cancels the agent and forgets the instance. It does not wait for
// the agent goroutine; Close does.
func (p *Provisioner) Destroy(_ context.Context, h provisioner.Handle) error {
	p.mu.Lock()
	inst, ok := p.instances[h]
	delete(p.instances, h)
	p.mu.Unlock()
	if ok {
		inst.cancel()
	}
	return nil
}

// Terminate lets an in-process agent remove its own instance, the local
// counterpart of an instance shutting itself down.
func (p *Provisioner) Terminate(ctx context.Context, instanceID string) error {
	return p.Destroy(ctx, provisioner.Handle(instanceID))
}

func (p *Provisioner) ListManaged(_ context.Context) ([]provisioner.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]provisioner.Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		out = append(out, inst.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

// Adopt registers an inert instance, as if it survived a control-plane
// restart.
func (p *Provisioner) Adopt(info provisioner.Instance) {
	_, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instances[info.Handle] = &instance{info: info, cancel: cancel, done: make(chan struct{})}
}

// Live returns the number of instances not yet destroyed.
func (p *Provisioner) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

// Close cancels every instance and waits for agents to return.
func (p *Provisioner) Close() error {
	p.mu.Lock()
	for h, inst := range p.instances {
		inst.cancel()
		delete(p.instances, h)
	}
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}
