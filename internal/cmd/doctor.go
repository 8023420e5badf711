package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	appconfig "github.com/3leaps/godetonate/internal/config"
	"github.com/3leaps/godetonate/internal/observability"
)

var (
	doctorProvider string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  godetonate doctor                # Environment, config, store and templates
  godetonate doctor --provider aws # Also check AWS credentials`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (aws)")
}

// doctorCheck is one diagnostic. run returns the detail printed after the
// check mark; a non-nil error fails the check.
type doctorCheck struct {
	name string
	run  func(ctx context.Context, cfg *appconfig.Config) (string, error)
	help func()

	// warn reports a failure as a warning. fatal stops the run, since later
	// checks depend on this one.
	warn  bool
	fatal bool
}

func localChecks() []doctorCheck {
	return []doctorCheck{
		{name: "Go version", warn: true, run: func(context.Context, *appconfig.Config) (string, error) {
			v := runtime.Version()
			if v < "go1.23" {
				return v, fmt.Errorf("%s is older than go1.23", v)
			}
			return v, nil
		}},
		{name: "config directory", warn: true, run: func(context.Context, *appconfig.Config) (string, error) {
			return os.UserConfigDir()
		}},
		{name: "job store", run: func(ctx context.Context, cfg *appconfig.Config) (string, error) {
			store, err := openJobStore(ctx, cfg.Store)
			if err != nil {
				return "", err
			}
			defer func() { _ = store.Close() }()
			if err := (storeHealthChecker{store: store}).CheckHealth(ctx); err != nil {
				return "", err
			}
			return strings.TrimSpace(cfg.Store.Driver + " " + cfg.Store.Path), nil
		}},
		{name: "environment templates", run: func(_ context.Context, cfg *appconfig.Config) (string, error) {
			templates, err := resolveTemplates(cfg.Provisioner)
			if err != nil {
				return "", err
			}
			for env, tpl := range templates {
				observability.CLILogger.Debug("Template", zap.String("environment", string(env)), zap.String("template", tpl.String()))
			}
			return fmt.Sprintf("%d environments", len(templates)), nil
		}},
		{name: "platform", run: func(context.Context, *appconfig.Config) (string, error) {
			return runtime.GOOS + "/" + runtime.GOARCH, nil
		}},
	}
}

func awsChecks() []doctorCheck {
	var awsCfg aws.Config
	return []doctorCheck{
		{name: "AWS credentials", fatal: true, help: printAWSCredentialsHelp, run: func(ctx context.Context, cfg *appconfig.Config) (string, error) {
			var opts []func(*config.LoadOptions) error
			if cfg.Artifacts.Profile != "" {
				opts = append(opts, config.WithSharedConfigProfile(cfg.Artifacts.Profile))
			}
			var err error
			if awsCfg, err = config.LoadDefaultConfig(ctx, opts...); err != nil {
				return "", fmt.Errorf("load AWS config: %w", err)
			}
			creds, err := awsCfg.Credentials.Retrieve(ctx)
			if err != nil {
				return "", fmt.Errorf("retrieve credentials: %w", err)
			}
			return fmt.Sprintf("%s (%s)", maskAccessKey(creds.AccessKeyID), creds.Source), nil
		}},
		{name: "AWS region", warn: true, run: func(context.Context, *appconfig.Config) (string, error) {
			if awsCfg.Region == "" {
				return "", errors.New("not set (set provisioner.region or AWS_REGION)")
			}
			return awsCfg.Region, nil
		}},
	}
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	log := observability.CLILogger
	bannerName := "doctor"
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		bannerName = id.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")
	log.Info("")

	checks := localChecks()
	if doctorProvider == "aws" {
		checks = append(checks, awsChecks()...)
	}

	cfg := appconfig.GetConfig()
	healthy := true
	for i, c := range checks {
		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		detail, err := c.run(cmd.Context(), cfg)
		switch {
		case err == nil:
			log.Info(prefix + " ✅ " + detail)
			continue
		case c.warn:
			log.Warn(prefix+" ⚠️  "+detail, zap.Error(err))
		default:
			log.Error(prefix+" ❌ "+detail, zap.Error(err))
		}
		healthy = false
		if c.help != nil {
			c.help()
		}
		if c.fatal {
			break
		}
	}

	log.Info("")
	if !healthy {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
		return exitError(ExitFailure, "Diagnostics failed", nil)
	}
	log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	return nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("The control plane needs EC2 and SQS access plus read/write on the")
	observability.CLILogger.Info("results bucket. Instances need read on samples, write on results and")
	observability.CLILogger.Info("SQS SendMessage through their instance profile.")
	observability.CLILogger.Info("")
}
