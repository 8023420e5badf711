// Package cmd implements the godetonate command line.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/godetonate/internal/config"
	"github.com/3leaps/godetonate/internal/observability"
	"github.com/3leaps/godetonate/internal/server/handlers"
)

type buildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = buildInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

var (
	cfgFile    string
	logLevel   string
	logProfile string
	readOnly   bool

	appIdentity *config.Identity
)

var rootCmd = &cobra.Command{
	Use:   "godetonate",
	Short: "Detonation orchestrator for malware analysis sandboxes",
	Long: `godetonate runs suspicious binaries inside disposable cloud instances.

The control plane (serve) accepts detonation jobs over HTTP, provisions one
instance per job and tracks it to completion. The execution agent (agent)
runs on each instance: it downloads the sample, starts instrumentation,
executes the sample, uploads the result bundle and reports back over the
message bus.

Configuration is read from godetonate.yaml (current directory, user config
directory or /etc/godetonate) and GODETONATE_* environment variables.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: godetonate.yaml in the search path)")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&logProfile, "log-profile", "", "Log profile: structured or console")
	pf.BoolVar(&readOnly, "readonly", false, "Refuse commands that change jobs or instances")

	_ = viper.BindPFlag("readonly", pf.Lookup("readonly"))
	_ = viper.BindEnv("readonly", "GODETONATE_READONLY")
}

// initRuntime loads configuration and initializes the loggers before any
// subcommand runs.
func initRuntime(cmd *cobra.Command, _ []string) error {
	config.SetConfigFile(cfgFile)

	overrides := map[string]any{}
	if logLevel != "" {
		overrides["logging.level"] = logLevel
	}
	if logProfile != "" {
		overrides["logging.profile"] = logProfile
	}

	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(ExitConfigInvalid, "Failed to load configuration", err)
	}

	appIdentity = config.GetIdentity()
	name := "godetonate"
	if appIdentity != nil && appIdentity.BinaryName != "" {
		name = appIdentity.BinaryName
	}

	verbose := strings.EqualFold(cfg.Logging.Level, "debug")
	observability.InitCLILogger(name, verbose)
	observability.InitServerLogger(name, cfg.Logging.Level, cfg.Logging.Profile)

	observability.CLILogger.Debug("Configuration loaded",
		zap.String("config_file", cfgFile),
		zap.String("log_level", cfg.Logging.Level),
		zap.Bool("readonly", IsReadOnly()))
	return nil
}

// IsReadOnly reports whether --readonly or GODETONATE_READONLY is set.
func IsReadOnly() bool {
	return readOnly || viper.GetBool("readonly")
}

func requireWritable(action string) error {
	if IsReadOnly() {
		return exitError(ExitInvalidArgument, "readonly mode enabled: refusing to "+action,
			errors.New("disable --readonly or unset GODETONATE_READONLY"))
	}
	return nil
}

// SetVersionInfo records build metadata for the version command and the
// /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity loaded with the configuration, or nil
// before the first command runs.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

// Execute runs the root command and exits with the command's exit code.
func Execute() {
	err := rootCmd.Execute()
	observability.Sync()
	if err == nil {
		return
	}
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(exitCodeOf(err))
}
