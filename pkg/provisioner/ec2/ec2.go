// Package ec2 provisions detonation instances on Amazon EC2 from launch
// templates.
//
// Job parameters travel as JSON user data, read back on the instance through
// IMDS. Every instance is tagged with the detonation purpose and its job so
// that ListManaged can drive reconciliation.
package ec2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/godetonate/pkg/job"
	"github.com/3leaps/godetonate/pkg/metadata"
	"github.com/3leaps/godetonate/pkg/provisioner"
)

// API is the subset of the EC2 client used by the provisioner.
type API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// Config configures the provisioner.
type Config struct {
	Templates provisioner.Templates

	// RateLimit caps EC2 API calls per second. Zero disables limiting.
	RateLimit float64

	Logger *zap.Logger
}

// Provisioner implements provisioner.Provisioner on EC2.
type Provisioner struct {
	api       API
	templates provisioner.Templates
	limiter   *rate.Limiter
	logger    *zap.Logger
}

var _ provisioner.Provisioner = (*Provisioner)(nil)

// New returns a provisioner over api.
func New(api API, cfg Config) *Provisioner {
	p := &Provisioner{
		api:       api,
		templates: cfg.Templates,
		logger:    cfg.Logger,
	}
	if p.templates == nil {
		p.templates = provisioner.DefaultTemplates()
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if cfg.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return p
}

// NewFromConfig builds a provisioner with a real EC2 client.
func NewFromConfig(awsCfg aws.Config, endpoint string, cfg Config) *Provisioner {
	client := ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return New(client, cfg)
}

func (p *Provisioner) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

// Create launches one instance. The job UUID doubles as the RunInstances
// client token, so a retried call cannot launch a second instance.
func (p *Provisioner) Create(ctx context.Context, jobUUID string, env job.Environment, params provisioner.Params) (provisioner.Handle, error) {
	fail := func(err error) (provisioner.Handle, error) {
		return "", &provisioner.ProvisionError{Op: "Create", Environment: env, JobUUID: jobUUID, Err: err}
	}

	tpl, err := p.templates.Resolve(env)
	if err != nil {
		return fail(err)
	}
	userData, err := metadata.Encode(params)
	if err != nil {
		return fail(err)
	}
	if err := p.wait(ctx); err != nil {
		return fail(err)
	}

	spec := &types.LaunchTemplateSpecification{LaunchTemplateName: aws.String(tpl.Name)}
	if tpl.Version != "" {
		spec.Version = aws.String(tpl.Version)
	}

	out, err := p.api.RunInstances(ctx, &ec2.RunInstancesInput{
		MinCount:       aws.Int32(1),
		MaxCount:       aws.Int32(1),
		LaunchTemplate: spec,
		ClientToken:    aws.String(jobUUID),
		UserData:       aws.String(base64.StdEncoding.EncodeToString(userData)),
		TagSpecifications: []types.TagSpecification{
			{ResourceType: types.ResourceTypeInstance, Tags: toTags(provisioner.Labels(env, params))},
		},
	})
	if err != nil {
		return fail(classify(err))
	}

	ids := make([]string, 0, len(out.Instances))
	for _, inst := range out.Instances {
		if id := aws.ToString(inst.InstanceId); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) != 1 {
		if len(ids) > 0 {
			p.terminate(context.WithoutCancel(ctx), ids)
		}
		return fail(fmt.Errorf("%w: RunInstances returned %d instances", provisioner.ErrProviderUnavailable, len(ids)))
	}

	p.logger.Info("Instance launched",
		zap.String("job_uuid", jobUUID),
		zap.String("instance_id", ids[0]),
		zap.String("template", tpl.String()))
	return provisioner.Handle(ids[0]), nil
}

func (p *Provisioner) terminate(ctx context.Context, ids []string) {
	if _, err := p.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids}); err != nil {
		p.logger.Warn("Failed to terminate unusable reservation", zap.Strings("instance_ids", ids), zap.Error(err))
	}
}

// Destroy terminates the instance.
func (p *Provisioner) Destroy(ctx context.Context, h provisioner.Handle) error {
	if h == "" {
		return nil
	}
	if err := p.wait(ctx); err != nil {
		return err
	}
	_, err := p.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{string(h)}})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidInstanceID.NotFound" {
			return nil
		}
		return &provisioner.ProvisionError{Op: "Destroy", Err: fmt.Errorf("terminate %s: %w", h, classify(err))}
	}
	return nil
}

// ListManaged pages through non-terminated instances carrying the purpose
// tag.
func (p *Provisioner) ListManaged(ctx context.Context) ([]provisioner.Instance, error) {
	pager := ec2.NewDescribeInstancesPaginator(p.api, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + provisioner.LabelPurpose), Values: []string{provisioner.PurposeDetonation}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	})

	var out []provisioner.Instance
	for pager.HasMorePages() {
		if err := p.wait(ctx); err != nil {
			return nil, err
		}
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, &provisioner.ProvisionError{Op: "ListManaged", Err: classify(err)}
		}
		for _, res := range page.Reservations {
			for _, inst := range res.Instances {
				out = append(out, toInstance(inst))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

func toInstance(inst types.Instance) provisioner.Instance {
	tags := make(map[string]string, len(inst.Tags))
	for _, t := range inst.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	i := provisioner.Instance{
		Handle:      provisioner.Handle(aws.ToString(inst.InstanceId)),
		JobUUID:     tags[provisioner.LabelJobUUID],
		JobID:       tags[provisioner.LabelJobID],
		Environment: job.Environment(tags[provisioner.LabelEnvironment]),
		LaunchedAt:  aws.ToTime(inst.LaunchTime),
	}
	if inst.State != nil {
		i.State = string(inst.State.Name)
	}
	return i
}

func toTags(labels map[string]string) []types.Tag {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tags := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(labels[k])})
	}
	return tags
}

// classify maps EC2 error codes onto provisioner sentinels, keeping the
// original error in the chain.
func classify(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %w", provisioner.ErrProviderUnavailable, err)
	}
	switch apiErr.ErrorCode() {
	case "InstanceLimitExceeded", "VcpuLimitExceeded", "InsufficientInstanceCapacity":
		return fmt.Errorf("%w: %w", provisioner.ErrQuotaExceeded, err)
	case "InvalidLaunchTemplateName.NotFoundException", "InvalidLaunchTemplateId.NotFound",
		"InvalidLaunchTemplateId.VersionNotFound", "InvalidLaunchTemplateName.MalformedException":
		return fmt.Errorf("%w: %w", provisioner.ErrTemplateNotFound, err)
	}
	return fmt.Errorf("%w: %w", provisioner.ErrProviderUnavailable, err)
}
