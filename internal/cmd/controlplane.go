package cmd

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/godetonate/internal/config"
	"github.com/3leaps/godetonate/pkg/agent"
	"github.com/3leaps/godetonate/pkg/jobstore"
	"github.com/3leaps/godetonate/pkg/metadata"
	"github.com/3leaps/godetonate/pkg/provisioner"
	"github.com/3leaps/godetonate/pkg/provisioner/local"
	"github.com/3leaps/godetonate/pkg/results"
	"github.com/3leaps/godetonate/pkg/tracker"
)

// controlPlane holds the collaborators behind serve and reconcile.
type controlPlane struct {
	Store       jobstore.Store
	Artifacts   artifactStores
	Bus         eventBus
	Provisioner provisioner.Provisioner
	Results     *results.Pipeline
	Tracker     *tracker.Tracker

	local  *local.Provisioner
	logger *zap.Logger
}

// buildControlPlane opens every backend named in cfg. With the local
// provisioner, agents run in-process against the memory bus.
func buildControlPlane(ctx context.Context, cfg *config.Config, logger *zap.Logger) (cp *controlPlane, err error) {
	cp = &controlPlane{logger: logger}
	defer func() {
		if err != nil {
			_ = cp.Close()
			cp = nil
		}
	}()

	if cp.Store, err = openJobStore(ctx, cfg.Store); err != nil {
		return cp, err
	}
	if cp.Artifacts, err = openArtifacts(ctx, cfg.Artifacts); err != nil {
		return cp, err
	}
	if cp.Bus, err = openBus(ctx, cfg.Bus, logger); err != nil {
		return cp, err
	}
	templates, err := resolveTemplates(cfg.Provisioner)
	if err != nil {
		return cp, err
	}

	cp.Results = results.NewPipeline(cp.Artifacts.Results, results.WithLogger(logger))

	switch cfg.Provisioner.Driver {
	case "local":
		if cp.Bus.Memory == nil {
			return cp, errors.New("the local provisioner requires the memory bus")
		}
		cp.local = openLocalProvisioner(templates, cp.runLocalAgent(cfg), logger)
		cp.Provisioner = cp.local
	case "ec2", "":
		if cp.Provisioner, err = openEC2Provisioner(ctx, cfg.Provisioner, templates, logger); err != nil {
			return cp, err
		}
	default:
		return cp, fmt.Errorf("%w: provisioner driver %q", ErrUnsupportedProvider, cfg.Provisioner.Driver)
	}

	endpoint := cfg.Provisioner.ControlPlaneEndpoint
	if endpoint == "" {
		endpoint = cp.Bus.Endpoint
	}

	cp.Tracker, err = tracker.New(tracker.Config{
		MaxConcurrent:        cfg.Tracker.MaxConcurrentJobs,
		JobTimeout:           cfg.Tracker.JobTimeout,
		SweepInterval:        cfg.Tracker.SweepInterval,
		ExecutionHeadroom:    cfg.Tracker.AgentHeadroom,
		ResultsDestination:   cp.Artifacts.Destination,
		ControlPlaneEndpoint: endpoint,
		Logger:               logger,
	}, tracker.Deps{
		Provisioner: cp.Provisioner,
		Store:       cp.Store,
		Events:      cp.Bus.Subscriber,
		Results:     cp.Results,
	})
	return cp, err
}

// runLocalAgent returns the agent body for in-process instances. The agent
// reaches the control plane through the memory bus and terminates its
// instance through the local provisioner.
func (cp *controlPlane) runLocalAgent(cfg *config.Config) local.AgentFunc {
	return func(ctx context.Context, src metadata.Source) {
		a, err := buildAgent(cfg, agent.Deps{
			Metadata:   src,
			Samples:    cp.Artifacts.Samples,
			Results:    agent.StaticResults(results.NewPipeline(cp.Artifacts.Results, results.WithRetry(cfg.Agent.PublishAttempts, cfg.Agent.PublishBackoff), results.WithLogger(cp.logger))),
			Bus:        agent.StaticBus(cp.Bus.Memory),
			Terminator: cp.local,
		}, cp.logger)
		if err != nil {
			cp.logger.Error("Local agent misconfigured", zap.Error(err))
			return
		}
		a.Run(ctx)
	}
}

// Close releases backends in reverse order of opening.
func (cp *controlPlane) Close() error {
	var errs []error
	if cp.Tracker != nil {
		errs = append(errs, cp.Tracker.Close())
	}
	if cp.local != nil {
		errs = append(errs, cp.local.Close())
	}
	if cp.Artifacts.Samples != nil {
		errs = append(errs, cp.Artifacts.Close())
	}
	if cp.Store != nil {
		errs = append(errs, cp.Store.Close())
	}
	return errors.Join(errs...)
}
