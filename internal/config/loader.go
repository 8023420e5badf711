// Package config loads godetonate configuration.
//
// Sources, highest precedence first: runtime overrides passed to Load,
// GODETONATE_* environment variables, the YAML config file, defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the application for config discovery and env binding.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the godetonate identity.
var DefaultIdentity = Identity{
	BinaryName: "godetonate",
	EnvPrefix:  "GODETONATE_",
	ConfigName: "godetonate",
}

var (
	configMu    sync.RWMutex
	appConfig   *Config
	appIdentity *Identity
	configFile  string
)

type envSpec struct {
	Name string
	Path string
}

// SetConfigFile pins the config file used by subsequent loads. Empty
// restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// GetIdentity returns the identity of the last load, or nil before any.
func GetIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// GetConfig returns the last loaded config, or nil before any.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Load reads configuration from every source and makes it the current
// config. Each override is a nested map keyed like the YAML file.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	explicit := configFile
	configMu.Unlock()

	v := viper.New()
	v.SetConfigType("yaml")
	SetDefaults(v)

	if err := readConfigFile(v, explicit); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}
	if err := applyTimeoutMinutes(v); err != nil {
		return nil, err
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Profile = strings.ToUpper(cfg.Logging.Profile)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("health.enabled", true)

	v.SetDefault("tracker.max_concurrent_jobs", 5)
	v.SetDefault("tracker.job_timeout", "15m")
	v.SetDefault("tracker.sweep_interval", "5s")
	v.SetDefault("tracker.agent_headroom", "2m")
	v.SetDefault("tracker.retention", "168h")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "godetonate.db")

	v.SetDefault("artifacts.provider", "s3")
	v.SetDefault("artifacts.samples_bucket", "")
	v.SetDefault("artifacts.results_bucket", "")
	v.SetDefault("artifacts.region", "")
	v.SetDefault("artifacts.endpoint", "")
	v.SetDefault("artifacts.profile", "")
	v.SetDefault("artifacts.force_path_style", false)
	v.SetDefault("artifacts.encryption", "")
	v.SetDefault("artifacts.kms_key_id", "")
	v.SetDefault("artifacts.base_dir", "artifacts")

	v.SetDefault("bus.driver", "sqs")
	v.SetDefault("bus.topic", "detonation-events")
	v.SetDefault("bus.subscription", "")
	v.SetDefault("bus.endpoint", "")
	v.SetDefault("bus.region", "")
	v.SetDefault("bus.wait_time", "20s")
	v.SetDefault("bus.visibility", "60s")

	v.SetDefault("provisioner.driver", "ec2")
	v.SetDefault("provisioner.region", "")
	v.SetDefault("provisioner.endpoint", "")
	v.SetDefault("provisioner.rate_limit", 2.0)
	v.SetDefault("provisioner.templates_file", "")
	v.SetDefault("provisioner.control_plane_endpoint", "")

	v.SetDefault("agent.work_dir", filepath.Join(os.TempDir(), "godetonate"))
	v.SetDefault("agent.grace_delay", "30s")
	v.SetDefault("agent.publish_attempts", 5)
	v.SetDefault("agent.publish_backoff", "2s")
	v.SetDefault("agent.execution_timeout", "10m")
	v.SetDefault("agent.keep_work_dir", false)
	v.SetDefault("agent.settle", "2s")
	v.SetDefault("agent.terminate", "shutdown")
	v.SetDefault("agent.metadata_endpoint", "")
	v.SetDefault("agent.capture.includes", []string{"**"})
	v.SetDefault("agent.capture.include_hidden", false)
	v.SetDefault("agent.capture.max_size", 0)
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Tracker.MaxConcurrentJobs <= 0 {
		errs = append(errs, errors.New("tracker.max_concurrent_jobs must be positive"))
	}
	if c.Tracker.JobTimeout <= 0 {
		errs = append(errs, errors.New("tracker.job_timeout must be positive"))
	}
	if c.Tracker.AgentHeadroom < 0 {
		errs = append(errs, errors.New("tracker.agent_headroom must not be negative"))
	}
	if err := oneOf("store.driver", c.Store.Driver, "sqlite", "file", "memory"); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("artifacts.provider", c.Artifacts.Provider, "s3", "file"); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("artifacts.encryption", c.Artifacts.Encryption, "", "AES256", "aws:kms"); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("bus.driver", c.Bus.Driver, "sqs", "memory"); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("provisioner.driver", c.Provisioner.Driver, "ec2", "local"); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("agent.terminate", c.Agent.Terminate, "ec2", "shutdown", "none"); err != nil {
		errs = append(errs, err)
	}
	if c.Provisioner.Driver == "local" && c.Bus.Driver != "memory" {
		errs = append(errs, errors.New("provisioner.driver local requires bus.driver memory"))
	}
	return errors.Join(errs...)
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s %q must be one of %s", key, value, strings.Join(allowed, ", "))
}

func readConfigFile(v *viper.Viper, explicit string) error {
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	id := GetIdentity()
	if id == nil {
		return nil
	}
	v.SetConfigName(id.ConfigName)
	v.AddConfigPath(".")
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// getUserConfigPaths lists config directories searched after the working
// directory.
func getUserConfigPaths() []string {
	id := GetIdentity()
	if id == nil {
		return []string{}
	}
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, id.ConfigName))
	}
	paths = append(paths, filepath.Join("/etc", id.ConfigName))
	return paths
}

// getEnvSpecs lists every environment variable bound to a config path.
func getEnvSpecs() []envSpec {
	id := GetIdentity()
	if id == nil {
		return []envSpec{}
	}
	p := id.EnvPrefix
	return []envSpec{
		{p + "HOST", "server.host"},
		{p + "PORT", "server.port"},
		{p + "READ_TIMEOUT", "server.read_timeout"},
		{p + "WRITE_TIMEOUT", "server.write_timeout"},
		{p + "IDLE_TIMEOUT", "server.idle_timeout"},
		{p + "SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{p + "LOG_LEVEL", "logging.level"},
		{p + "LOG_PROFILE", "logging.profile"},
		{p + "MAX_CONCURRENT_JOBS", "tracker.max_concurrent_jobs"},
		{p + "JOB_TIMEOUT", "tracker.job_timeout"},
		{p + "SWEEP_INTERVAL", "tracker.sweep_interval"},
		{p + "AGENT_HEADROOM", "tracker.agent_headroom"},
		{p + "STORE_DRIVER", "store.driver"},
		{p + "STORE_PATH", "store.path"},
		{p + "ARTIFACTS_PROVIDER", "artifacts.provider"},
		{p + "SAMPLES_BUCKET", "artifacts.samples_bucket"},
		{p + "RESULTS_BUCKET", "artifacts.results_bucket"},
		{p + "ARTIFACTS_REGION", "artifacts.region"},
		{p + "ARTIFACTS_ENDPOINT", "artifacts.endpoint"},
		{p + "ARTIFACTS_ENCRYPTION", "artifacts.encryption"},
		{p + "ARTIFACTS_KMS_KEY_ID", "artifacts.kms_key_id"},
		{p + "ARTIFACTS_BASE_DIR", "artifacts.base_dir"},
		{p + "BUS_DRIVER", "bus.driver"},
		{p + "BUS_TOPIC", "bus.topic"},
		{p + "BUS_SUBSCRIPTION", "bus.subscription"},
		{p + "BUS_ENDPOINT", "bus.endpoint"},
		{p + "PROVISIONER_DRIVER", "provisioner.driver"},
		{p + "PROVISIONER_REGION", "provisioner.region"},
		{p + "PROVISIONER_ENDPOINT", "provisioner.endpoint"},
		{p + "TEMPLATES_FILE", "provisioner.templates_file"},
		{p + "CONTROL_PLANE_ENDPOINT", "provisioner.control_plane_endpoint"},
		{p + "AGENT_WORK_DIR", "agent.work_dir"},
		{p + "AGENT_GRACE_DELAY", "agent.grace_delay"},
		{p + "AGENT_TERMINATE", "agent.terminate"},
		{p + "METADATA_ENDPOINT", "agent.metadata_endpoint"},
	}
}

// applyTimeoutMinutes honours <PREFIX>JOB_TIMEOUT_MINUTES, an integer count
// of minutes. It wins over the duration form.
func applyTimeoutMinutes(v *viper.Viper) error {
	id := GetIdentity()
	if id == nil {
		return nil
	}
	name := id.EnvPrefix + "JOB_TIMEOUT_MINUTES"
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil || minutes <= 0 {
		return fmt.Errorf("%s: want a positive integer, got %q", name, raw)
	}
	v.Set("tracker.job_timeout", time.Duration(minutes)*time.Minute)
	return nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
