package agent

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

// Terminator ends the instance the agent runs on.
type Terminator interface {
	Terminate(ctx context.Context, instanceID string) error
}

// NopTerminator leaves the instance running.
type NopTerminator struct{}

func (NopTerminator) Terminate(context.Context, string) error { return nil }

// ShutdownTerminator powers the guest off. Instances launched with
// shutdown-behavior=terminate are then reclaimed by the provider.
type ShutdownTerminator struct {
	// Command overrides the platform default.
	Command []string
}

func (t ShutdownTerminator) Terminate(ctx context.Context, _ string) error {
	argv := t.Command
	if len(argv) == 0 {
		argv = []string{"shutdown", "-h", "now"}
		if runtime.GOOS == "windows" {
			argv = []string{"shutdown", "/s", "/t", "0"}
		}
	}
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("shutdown: %w: %s", err, out)
	}
	return nil
}

// TerminateAPI is the EC2 call the agent needs to end its own instance.
type TerminateAPI interface {
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// EC2Terminator terminates the agent's own instance through the EC2 API.
type EC2Terminator struct {
	API TerminateAPI
}

// NewEC2Terminator builds a terminator from resolved AWS configuration.
func NewEC2Terminator(awsCfg aws.Config, endpoint string) EC2Terminator {
	client := ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return EC2Terminator{API: client}
}

func (t EC2Terminator) Terminate(ctx context.Context, instanceID string) error {
	if instanceID == "" {
		return errors.New("terminate: unknown instance id")
	}
	_, err := t.API.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return fmt.Errorf("terminate %s: %w", instanceID, err)
	}
	return nil
}
