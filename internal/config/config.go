package config

import (
	"time"

	"github.com/3leaps/godetonate/pkg/agent"
	"github.com/3leaps/godetonate/pkg/provisioner"
)

// Config is the complete godetonate configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Health      HealthConfig      `mapstructure:"health"`
	Tracker     TrackerConfig     `mapstructure:"tracker"`
	Store       StoreConfig       `mapstructure:"store"`
	Artifacts   ArtifactsConfig   `mapstructure:"artifacts"`
	Bus         BusConfig         `mapstructure:"bus"`
	Provisioner ProvisionerConfig `mapstructure:"provisioner"`
	Agent       AgentConfig       `mapstructure:"agent"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig selects level and output profile (STRUCTURED or CONSOLE).
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TrackerConfig tunes admission and timeouts.
type TrackerConfig struct {
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`

	// AgentHeadroom is subtracted from the job timeout to get the agent's
	// execution budget.
	AgentHeadroom time.Duration `mapstructure:"agent_headroom"`

	// Retention is the default age for jobs gc.
	Retention time.Duration `mapstructure:"retention"`
}

// StoreConfig selects the job store backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// ArtifactsConfig locates samples and result bundles.
type ArtifactsConfig struct {
	Provider       string `mapstructure:"provider"`
	SamplesBucket  string `mapstructure:"samples_bucket"`
	ResultsBucket  string `mapstructure:"results_bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`

	// Encryption is the server-side encryption for uploaded bundles:
	// AES256 or aws:kms. Empty keeps the bucket default.
	Encryption string `mapstructure:"encryption"`
	KMSKeyID   string `mapstructure:"kms_key_id"`

	// BaseDir roots the file provider. Samples live under samples/ and
	// result bundles under jobs/.
	BaseDir string `mapstructure:"base_dir"`
}

// BusConfig selects the completion event transport.
type BusConfig struct {
	Driver string `mapstructure:"driver"`

	// Topic is the queue agents publish to.
	Topic string `mapstructure:"topic"`

	// Subscription is the queue the tracker consumes. With SQS both name the
	// same queue.
	Subscription string `mapstructure:"subscription"`

	Endpoint   string        `mapstructure:"endpoint"`
	Region     string        `mapstructure:"region"`
	WaitTime   time.Duration `mapstructure:"wait_time"`
	Visibility time.Duration `mapstructure:"visibility"`
}

// ProvisionerConfig selects the instance backend.
type ProvisionerConfig struct {
	Driver    string  `mapstructure:"driver"`
	Region    string  `mapstructure:"region"`
	Endpoint  string  `mapstructure:"endpoint"`
	RateLimit float64 `mapstructure:"rate_limit"`

	// Templates override the stock environment templates.
	Templates map[string]provisioner.Template `mapstructure:"templates"`

	// TemplatesFile is a YAML file merged over Templates.
	TemplatesFile string `mapstructure:"templates_file"`

	// ControlPlaneEndpoint is handed to agents through metadata. Empty
	// derives it from the bus config.
	ControlPlaneEndpoint string `mapstructure:"control_plane_endpoint"`
}

// AgentConfig tunes the execution agent.
type AgentConfig struct {
	WorkDir          string        `mapstructure:"work_dir"`
	GraceDelay       time.Duration `mapstructure:"grace_delay"`
	PublishAttempts  int           `mapstructure:"publish_attempts"`
	PublishBackoff   time.Duration `mapstructure:"publish_backoff"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
	KeepWorkDir      bool          `mapstructure:"keep_work_dir"`

	// Launcher prefixes the sample path when executing it, e.g. ["wine"].
	Launcher []string `mapstructure:"launcher"`

	Capture   CaptureConfig          `mapstructure:"capture"`
	Commands  []agent.CaptureCommand `mapstructure:"commands"`
	Settle    time.Duration          `mapstructure:"settle"`
	Terminate string                 `mapstructure:"terminate"`

	// MetadataEndpoint overrides the IMDS endpoint.
	MetadataEndpoint string `mapstructure:"metadata_endpoint"`
}

// CaptureConfig selects capture files to package.
type CaptureConfig struct {
	Includes      []string `mapstructure:"includes"`
	Excludes      []string `mapstructure:"excludes"`
	IncludeHidden bool     `mapstructure:"include_hidden"`
	MaxSize       int64    `mapstructure:"max_size"`
}

// Selector converts the capture config for the agent.
func (c CaptureConfig) Selector() agent.SelectorConfig {
	return agent.SelectorConfig{
		Includes:      c.Includes,
		Excludes:      c.Excludes,
		IncludeHidden: c.IncludeHidden,
		MaxSize:       c.MaxSize,
	}
}
