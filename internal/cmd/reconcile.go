package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/godetonate/internal/config"
	"github.com/3leaps/godetonate/internal/observability"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Align the job store with running instances",
	Long: `Run one reconciliation pass without starting the server.

Live jobs whose instance no longer exists are failed with
"instance lost during control-plane restart", and instances belonging to
unknown or finished jobs are destroyed. serve runs the same pass on startup.

Do not run this while a control plane is serving the same store.`,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	if err := requireWritable("reconcile instances"); err != nil {
		return err
	}
	cfg := config.GetConfig()
	cp, err := buildControlPlane(cmd.Context(), cfg, observability.ServerLogger)
	if err != nil {
		return exitError(ExitConfigInvalid, "Cannot open control plane backends", err)
	}
	defer func() { _ = cp.Close() }()

	report, err := cp.Tracker.Reconcile(cmd.Context())
	if err != nil {
		return exitError(ExitServiceUnavailable, "Reconciliation failed", err)
	}
	// Teardown runs in the background; wait for it before exiting.
	cp.Tracker.Wait()

	observability.CLILogger.Info("Reconciliation complete",
		zap.Int("adopted", report.Adopted),
		zap.Int("failed", report.Failed),
		zap.Int("destroyed", report.Destroyed))
	_, _ = fmt.Fprintf(jobsOutputWriter, "adopted=%d failed=%d destroyed=%d\n", report.Adopted, report.Failed, report.Destroyed)
	return nil
}
