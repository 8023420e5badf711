package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"go.uber.org/zap"

	"github.com/3leaps/godetonate/internal/config"
	"github.com/3leaps/godetonate/pkg/agent"
	"github.com/3leaps/godetonate/pkg/bus"
	"github.com/3leaps/godetonate/pkg/bus/sqs"
	"github.com/3leaps/godetonate/pkg/job"
	"github.com/3leaps/godetonate/pkg/jobstore"
	"github.com/3leaps/godetonate/pkg/provider"
	"github.com/3leaps/godetonate/pkg/provider/file"
	"github.com/3leaps/godetonate/pkg/provider/s3"
	"github.com/3leaps/godetonate/pkg/provisioner"
	"github.com/3leaps/godetonate/pkg/provisioner/ec2"
	"github.com/3leaps/godetonate/pkg/provisioner/local"
	"github.com/3leaps/godetonate/pkg/results"
)

// memoryBusCapacity bounds the in-process bus used with the local provisioner.
const memoryBusCapacity = 256

func openJobStore(ctx context.Context, cfg config.StoreConfig) (jobstore.Store, error) {
	store, err := jobstore.Open(ctx, jobstore.Config{Driver: jobstore.Driver(cfg.Driver), Path: cfg.Path})
	if err != nil {
		return nil, fmt.Errorf("open job store (%s): %w", cfg.Driver, err)
	}
	return store, nil
}

func loadAWSConfig(ctx context.Context, region, endpoint, profile string) (aws.Config, error) {
	awsCfg, err := s3.LoadAWSConfig(ctx, s3.Config{Region: region, Endpoint: endpoint, Profile: profile})
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	return awsCfg, nil
}

// artifactStores are the sample repository and the results store, plus the
// results_destination handed to agents.
type artifactStores struct {
	Samples     provider.Provider
	Results     provider.Provider
	Destination string
}

func (a artifactStores) Close() error {
	err := a.Samples.Close()
	if a.Results != a.Samples {
		err = errors.Join(err, a.Results.Close())
	}
	return err
}

func openArtifacts(ctx context.Context, cfg config.ArtifactsConfig) (artifactStores, error) {
	switch cfg.Provider {
	case SchemeFile:
		p, err := openFileArtifacts(cfg.BaseDir)
		if err != nil {
			return artifactStores{}, err
		}
		return artifactStores{Samples: p, Results: p, Destination: (&Destination{Scheme: SchemeFile, Location: p.BaseDir()}).String()}, nil

	case SchemeS3, "":
		if cfg.SamplesBucket == "" || cfg.ResultsBucket == "" {
			return artifactStores{}, errors.New("artifacts: samples_bucket and results_bucket are required for s3")
		}
		samplesCfg, resultsCfg := s3Config(cfg, cfg.SamplesBucket), s3Config(cfg, cfg.ResultsBucket)
		if err := resultsCfg.Validate(); err != nil {
			return artifactStores{}, err
		}
		awsCfg, err := loadAWSConfig(ctx, cfg.Region, cfg.Endpoint, cfg.Profile)
		if err != nil {
			return artifactStores{}, err
		}
		return artifactStores{
			Samples:     s3.NewFromAWSConfig(awsCfg, samplesCfg),
			Results:     s3.NewFromAWSConfig(awsCfg, resultsCfg),
			Destination: (&Destination{Scheme: SchemeS3, Location: cfg.ResultsBucket}).String(),
		}, nil

	default:
		return artifactStores{}, fmt.Errorf("%w: artifacts provider %q", ErrUnsupportedProvider, cfg.Provider)
	}
}

func openFileArtifacts(dir string) (*file.Provider, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("artifacts: resolve %s: %w", dir, err)
	}
	return file.New(file.Config{BaseDir: abs})
}

func s3Config(cfg config.ArtifactsConfig, bucket string) s3.Config {
	return s3.Config{
		Bucket:         bucket,
		Region:         cfg.Region,
		Endpoint:       cfg.Endpoint,
		Profile:        cfg.Profile,
		ForcePathStyle: cfg.ForcePathStyle,
		Encryption:     cfg.Encryption,
		KMSKeyID:       cfg.KMSKeyID,
	}
}

// eventBus is the completion event transport as seen by the control plane.
type eventBus struct {
	Publisher  bus.Publisher
	Subscriber bus.Subscriber

	// Endpoint is the control_plane_endpoint handed to agents.
	Endpoint string

	// Memory is set for the in-process driver.
	Memory *bus.Memory
}

func openBus(ctx context.Context, cfg config.BusConfig, logger *zap.Logger) (eventBus, error) {
	switch cfg.Driver {
	case SchemeMemory:
		m := bus.NewMemory(memoryBusCapacity, logger)
		return eventBus{Publisher: m, Subscriber: m, Endpoint: "memory://", Memory: m}, nil

	case SchemeSQS, "":
		queue := cfg.Subscription
		if queue == "" {
			queue = cfg.Topic
		}
		b, err := newSQSBus(ctx, cfg, queue, logger)
		if err != nil {
			return eventBus{}, err
		}
		return eventBus{Publisher: b, Subscriber: b, Endpoint: sqsEndpoint(cfg.Topic)}, nil

	default:
		return eventBus{}, fmt.Errorf("%w: bus driver %q", ErrUnsupportedProvider, cfg.Driver)
	}
}

func newSQSBus(ctx context.Context, cfg config.BusConfig, queue string, logger *zap.Logger) (*sqs.Bus, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg.Region, cfg.Endpoint, "")
	if err != nil {
		return nil, err
	}
	return sqs.NewFromConfig(awsCfg, cfg.Endpoint, sqs.Config{
		Queue:      queue,
		WaitTime:   cfg.WaitTime,
		Visibility: cfg.Visibility,
		Logger:     logger,
	})
}

func sqsEndpoint(queue string) string {
	if isHTTPURL(queue) {
		return queue
	}
	return (&Destination{Scheme: SchemeSQS, Location: queue}).String()
}

// resolveTemplates merges the stock templates, the config file's templates
// section and the templates file, later sources winning.
func resolveTemplates(cfg config.ProvisionerConfig) (provisioner.Templates, error) {
	fromConfig := make(provisioner.Templates, len(cfg.Templates))
	for raw, tpl := range cfg.Templates {
		env, err := job.ParseEnvironment(raw)
		if err != nil {
			return nil, fmt.Errorf("provisioner.templates: %w", err)
		}
		if strings.TrimSpace(tpl.Name) == "" {
			return nil, fmt.Errorf("provisioner.templates: template for %s has no name", env)
		}
		fromConfig[env] = tpl
	}
	templates := provisioner.DefaultTemplates().Merge(fromConfig)

	if cfg.TemplatesFile != "" {
		fromFile, err := provisioner.LoadTemplates(cfg.TemplatesFile)
		if err != nil {
			return nil, err
		}
		templates = templates.Merge(fromFile)
	}
	return templates, nil
}

func openEC2Provisioner(ctx context.Context, cfg config.ProvisionerConfig, templates provisioner.Templates, logger *zap.Logger) (*ec2.Provisioner, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg.Region, cfg.Endpoint, "")
	if err != nil {
		return nil, err
	}
	return ec2.NewFromConfig(awsCfg, cfg.Endpoint, ec2.Config{
		Templates: templates,
		RateLimit: cfg.RateLimit,
		Logger:    logger,
	}), nil
}

func openLocalProvisioner(templates provisioner.Templates, run local.AgentFunc, logger *zap.Logger) *local.Provisioner {
	return local.New(local.Config{Templates: templates, Run: run, Logger: logger})
}

// resultsOpener resolves results_destination on an instance. Bundles are
// uploaded with the agent's publish retry policy.
func resultsOpener(cfg *config.Config, logger *zap.Logger) agent.ResultsOpener {
	return func(ctx context.Context, destination string) (agent.ResultsSink, error) {
		dest, err := ParseDestination(destination)
		if err != nil {
			return nil, err
		}
		var store provider.Provider
		switch dest.Scheme {
		case SchemeS3:
			awsCfg, err := loadAWSConfig(ctx, cfg.Artifacts.Region, cfg.Artifacts.Endpoint, cfg.Artifacts.Profile)
			if err != nil {
				return nil, err
			}
			store = s3.NewFromAWSConfig(awsCfg, s3Config(cfg.Artifacts, dest.Location))
		case SchemeFile:
			p, err := openFileArtifacts(dest.Location)
			if err != nil {
				return nil, err
			}
			store = p
		default:
			return nil, fmt.Errorf("%w: results destination %s", ErrUnsupportedProvider, dest.Scheme)
		}
		return results.NewPipeline(store,
			results.WithRetry(cfg.Agent.PublishAttempts, cfg.Agent.PublishBackoff),
			results.WithLogger(logger)), nil
	}
}

// busOpener resolves control_plane_endpoint on an instance. Only SQS is
// reachable from outside the control plane process.
func busOpener(cfg *config.Config, logger *zap.Logger) agent.BusOpener {
	return func(ctx context.Context, endpoint string) (bus.Publisher, error) {
		dest, err := ParseDestination(endpoint)
		if err != nil {
			return nil, err
		}
		if dest.Scheme != SchemeSQS {
			return nil, fmt.Errorf("%w: control plane endpoint %s is not reachable from an instance", ErrUnsupportedProvider, dest.Scheme)
		}
		return newSQSBus(ctx, cfg.Bus, dest.Location, logger)
	}
}
