package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/godetonate/internal/config"
	"github.com/3leaps/godetonate/internal/observability"
	"github.com/3leaps/godetonate/internal/server"
	"github.com/3leaps/godetonate/internal/server/handlers"
	"github.com/3leaps/godetonate/pkg/jobstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the detonation control plane",
	Long: `Run the control plane: the HTTP job API, the job tracker and the
completion event consumer.

On startup the tracker reconciles the job store with the instances the
provider still runs: live jobs with an instance are adopted, live jobs
without one are failed and orphaned instances are destroyed.

With provisioner.driver=local, instances are goroutines in this process and
samples execute on this host. Use it for development only.

Examples:
  godetonate serve
  godetonate serve --port 9000 --host 0.0.0.0
  godetonate serve --config /etc/godetonate/godetonate.yaml`,
	RunE: runServe,
}

var (
	serveHost          string
	servePort          int
	serveSkipReconcile bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides server.port)")
	serveCmd.Flags().BoolVar(&serveSkipReconcile, "skip-reconcile", false, "Do not reconcile instances on startup")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.GetConfig()
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	logger := observability.ServerLogger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cp, err := buildControlPlane(ctx, cfg, logger)
	if err != nil {
		return exitError(ExitConfigInvalid, "Cannot start control plane", err)
	}
	defer func() {
		if cerr := cp.Close(); cerr != nil {
			logger.Warn("Shutdown incomplete", zap.Error(cerr))
		}
	}()

	if !serveSkipReconcile {
		report, err := cp.Tracker.Reconcile(ctx)
		if err != nil {
			return exitError(ExitServiceUnavailable, "Startup reconciliation failed", err)
		}
		logger.Info("Startup reconciliation complete",
			zap.Int("adopted", report.Adopted),
			zap.Int("failed", report.Failed),
			zap.Int("destroyed", report.Destroyed))
	}

	if cfg.Health.Enabled {
		registerHealthChecks(cp.Store)
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithJobs(cp.Tracker, cfg.Tracker.Retention),
		server.WithLogger(logger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout))

	errc := make(chan error, 2)
	go func() { errc <- srv.Start() }()
	go func() {
		if err := cp.Tracker.Run(ctx); err != nil {
			errc <- err
		}
	}()

	logger.Info("Control plane started",
		zap.String("addr", srv.Addr()),
		zap.String("provisioner", cfg.Provisioner.Driver),
		zap.String("bus", cfg.Bus.Driver),
		zap.String("store", cfg.Store.Driver),
		zap.Int("max_concurrent_jobs", cfg.Tracker.MaxConcurrentJobs),
		zap.Duration("job_timeout", cfg.Tracker.JobTimeout))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case runErr = <-errc:
		if runErr != nil {
			logger.Error("Control plane stopped", zap.Error(runErr))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	if runErr != nil {
		return exitError(ExitServiceUnavailable, "Control plane failed", runErr)
	}
	return nil
}

func registerHealthChecks(store jobstore.Store) {
	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()

	id := GetAppIdentity()
	if id == nil {
		id = &config.DefaultIdentity
	}
	hm.RegisterChecker("identity", identityHealthChecker{
		binaryName: id.BinaryName,
		envPrefix:  id.EnvPrefix,
		configName: id.ConfigName,
	})
	hm.RegisterChecker("store", storeHealthChecker{store: store})
	hm.RegisterChecker("signal", signalHealthChecker{})
}

// signalHealthChecker reports the signal handler as installed.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error { return nil }

// storeHealthChecker runs a one-row query against the job store.
type storeHealthChecker struct {
	store jobstore.Store
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.store == nil {
		return errors.New("job store not initialized")
	}
	if _, err := c.store.List(ctx, jobstore.Filter{Limit: 1}); err != nil {
		return fmt.Errorf("job store: %w", err)
	}
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("app identity missing binary name")
	case c.envPrefix == "":
		return errors.New("app identity missing env prefix")
	case c.configName == "":
		return errors.New("app identity missing config name")
	}
	return nil
}
