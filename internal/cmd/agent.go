package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/godetonate/internal/config"
	"github.com/3leaps/godetonate/internal/observability"
	"github.com/3leaps/godetonate/pkg/agent"
	"github.com/3leaps/godetonate/pkg/bus"
	"github.com/3leaps/godetonate/pkg/metadata"
	"github.com/3leaps/godetonate/pkg/metadata/imds"
	"github.com/3leaps/godetonate/pkg/provider"
	"github.com/3leaps/godetonate/pkg/provider/s3"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the execution agent for this instance's job",
	Long: `Run the execution agent on a detonation instance.

The agent reads its job parameters from instance metadata, downloads the
sample, starts instrumentation, executes the sample, uploads the result
bundle and publishes exactly one completion event before terminating the
instance.

For testing outside EC2, --params reads the metadata document from a JSON
file instead of the instance metadata service.

Examples:
  godetonate agent
  godetonate agent --params job.json --instance-id i-local --keep-work-dir`,
	RunE: runAgent,
}

var (
	agentParamsFile  string
	agentInstanceID  string
	agentKeepWorkDir bool
)

func init() {
	rootCmd.AddCommand(agentCmd)

	agentCmd.Flags().StringVar(&agentParamsFile, "params", "", "Read metadata from a JSON file instead of IMDS")
	agentCmd.Flags().StringVar(&agentInstanceID, "instance-id", "local", "Instance id reported with --params")
	agentCmd.Flags().BoolVar(&agentKeepWorkDir, "keep-work-dir", false, "Keep the job directory after the run")
}

func runAgent(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := config.GetConfig()
	logger := observability.ServerLogger

	src, err := agentMetadataSource(cfg)
	if err != nil {
		return exitError(ExitInvalidArgument, "Invalid agent metadata", err)
	}
	samples, err := openSamples(ctx, cfg.Artifacts)
	if err != nil {
		return exitError(ExitConfigInvalid, "Cannot open sample repository", err)
	}
	defer func() { _ = samples.Close() }()

	terminator, err := agentTerminator(ctx, cfg)
	if err != nil {
		return exitError(ExitConfigInvalid, "Cannot build terminator", err)
	}

	if agentKeepWorkDir {
		cfg.Agent.KeepWorkDir = true
	}
	a, err := buildAgent(cfg, agent.Deps{
		Metadata:   src,
		Samples:    samples,
		Results:    resultsOpener(cfg, logger),
		Bus:        busOpener(cfg, logger),
		Terminator: terminator,
	}, logger)
	if err != nil {
		return exitError(ExitConfigInvalid, "Invalid agent configuration", err)
	}

	out := a.Run(ctx)
	observability.CLILogger.Info("Agent finished",
		zap.String("job_uuid", out.JobUUID),
		zap.String("status", string(out.Status)),
		zap.String("result_ref", out.ResultRef),
		zap.Bool("published", out.Published),
		zap.Bool("terminated", out.Terminated),
		zap.Error(out.Err))

	if out.Status != bus.StatusCompleted {
		return exitError(ExitJobFailed, "Detonation failed", out.Err)
	}
	return nil
}

// buildAgent fills in the runner and instrumentation from configuration.
// deps.Runner and deps.Instrumentation are kept when already set.
func buildAgent(cfg *config.Config, deps agent.Deps, logger *zap.Logger) (*agent.Agent, error) {
	if deps.Runner == nil {
		deps.Runner = agent.ProcessRunner{Launcher: cfg.Agent.Launcher, Logger: logger}
	}
	if deps.Instrumentation == nil && len(cfg.Agent.Commands) > 0 {
		deps.Instrumentation = &agent.CommandInstrumentation{
			Commands: cfg.Agent.Commands,
			Settle:   cfg.Agent.Settle,
			Logger:   logger,
		}
	}
	return agent.New(agent.Config{
		WorkDir:                 cfg.Agent.WorkDir,
		GraceDelay:              cfg.Agent.GraceDelay,
		PublishAttempts:         cfg.Agent.PublishAttempts,
		PublishBackoff:          cfg.Agent.PublishBackoff,
		DefaultExecutionTimeout: cfg.Agent.ExecutionTimeout,
		Capture:                 cfg.Agent.Capture.Selector(),
		KeepWorkDir:             cfg.Agent.KeepWorkDir,
		Logger:                  logger,
	}, deps)
}

func agentMetadataSource(cfg *config.Config) (metadata.Source, error) {
	if agentParamsFile == "" {
		return imds.New(cfg.Agent.MetadataEndpoint), nil
	}
	data, err := os.ReadFile(agentParamsFile)
	if err != nil {
		return nil, err
	}
	raw, err := metadata.Parse(data)
	if err != nil {
		return nil, err
	}
	params, err := metadata.Decode(raw)
	if err != nil {
		return nil, err
	}
	return metadata.NewStatic(params, agentInstanceID), nil
}

func openSamples(ctx context.Context, cfg config.ArtifactsConfig) (provider.Provider, error) {
	switch cfg.Provider {
	case SchemeFile:
		return openFileArtifacts(cfg.BaseDir)
	case SchemeS3, "":
		if cfg.SamplesBucket == "" {
			return nil, errors.New("artifacts.samples_bucket is required")
		}
		awsCfg, err := loadAWSConfig(ctx, cfg.Region, cfg.Endpoint, cfg.Profile)
		if err != nil {
			return nil, err
		}
		return s3.NewFromAWSConfig(awsCfg, s3Config(cfg, cfg.SamplesBucket)), nil
	default:
		return nil, fmt.Errorf("%w: artifacts provider %q", ErrUnsupportedProvider, cfg.Provider)
	}
}

func agentTerminator(ctx context.Context, cfg *config.Config) (agent.Terminator, error) {
	switch cfg.Agent.Terminate {
	case "ec2":
		awsCfg, err := loadAWSConfig(ctx, cfg.Provisioner.Region, cfg.Provisioner.Endpoint, "")
		if err != nil {
			return nil, err
		}
		return agent.NewEC2Terminator(awsCfg, cfg.Provisioner.Endpoint), nil
	case "none":
		return agent.NopTerminator{}, nil
	case "shutdown", "":
		return agent.ShutdownTerminator{}, nil
	default:
		return nil, fmt.Errorf("unknown agent.terminate %q", cfg.Agent.Terminate)
	}
}
