package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/godetonate/internal/config"
	"github.com/3leaps/godetonate/internal/observability"
	"github.com/3leaps/godetonate/internal/server/handlers"
	"github.com/3leaps/godetonate/pkg/job"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Submit and manage detonation jobs",
	Long: `Submit and manage detonation jobs through the control plane API.

The server is taken from --server, GODETONATE_SERVER_URL, or the
server.host and server.port settings, in that order.

Commands that change jobs (submit, cancel, delete, gc) are refused in
--readonly mode.`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit <sample_ref>",
	Short: "Submit a sample for detonation",
	Long: `Submit a sample for detonation.

sample_ref is sha256:<hex>, optionally followed by @<path> when the sample
is not stored under samples/<hex>.

Examples:
  godetonate jobs submit sha256:9f86d0... --env windows-10-x64
  godetonate jobs submit sha256:9f86d0... --env linux-generic --job-id case-42 --wait`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsSubmit,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE:  runJobsList,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Cancel a live job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job_id>",
	Short: "Delete a finished job and its results",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDelete,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete finished jobs older than the retention period",
	RunE:  runJobsGC,
}

var jobsSummaryCmd = &cobra.Command{
	Use:   "summary <job_id>",
	Short: "Print the result summary of a completed job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsSummary,
}

var (
	jobsJSON         bool
	jobsTimeout      time.Duration
	submitEnv        string
	submitJobID      string
	submitWait       bool
	submitPoll       time.Duration
	listStates       []string
	listEnvironment  string
	listSample       string
	listLimit        int
	gcRetention      time.Duration
	jobsOutputWriter io.Writer = os.Stdout
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd, jobsStatusCmd, jobsListCmd, jobsCancelCmd, jobsDeleteCmd, jobsGCCmd, jobsSummaryCmd)

	pf := jobsCmd.PersistentFlags()
	pf.String("server", "", "Control plane base URL (e.g. http://localhost:8080)")
	pf.BoolVar(&jobsJSON, "json", false, "Output as JSON")
	pf.DurationVar(&jobsTimeout, "timeout", 30*time.Second, "HTTP request timeout")
	_ = viper.BindPFlag("server_url", pf.Lookup("server"))
	_ = viper.BindEnv("server_url", "GODETONATE_SERVER_URL")

	jobsSubmitCmd.Flags().StringVarP(&submitEnv, "env", "e", string(job.EnvLinuxGeneric),
		"Environment: "+strings.Join(environmentNames(), ", "))
	jobsSubmitCmd.Flags().StringVar(&submitJobID, "job-id", "", "Caller-chosen job id (default: generated)")
	jobsSubmitCmd.Flags().BoolVar(&submitWait, "wait", false, "Wait for the job to finish")
	jobsSubmitCmd.Flags().DurationVar(&submitPoll, "poll", 5*time.Second, "Status poll interval with --wait")

	jobsListCmd.Flags().StringSliceVar(&listStates, "state", nil, "Filter by state (repeatable or comma separated)")
	jobsListCmd.Flags().StringVar(&listEnvironment, "env", "", "Filter by environment")
	jobsListCmd.Flags().StringVar(&listSample, "sample", "", "Filter by sample hash")
	jobsListCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum number of jobs (0 = all)")

	jobsGCCmd.Flags().DurationVar(&gcRetention, "retention", 0, "Delete finished jobs older than this (default: tracker.retention on the server)")
}

func environmentNames() []string {
	envs := job.Environments()
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = string(e)
	}
	return out
}

func serverURL() string {
	if u := viper.GetString("server_url"); u != "" {
		return u
	}
	host, port := "localhost", 8080
	if cfg := config.GetConfig(); cfg != nil {
		if cfg.Server.Host != "" && cfg.Server.Host != "0.0.0.0" {
			host = cfg.Server.Host
		}
		port = cfg.Server.Port
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

func newJobsClient() (*Client, error) {
	c, err := NewClient(serverURL(), jobsTimeout)
	if err != nil {
		return nil, exitError(ExitInvalidArgument, "Invalid server URL", err)
	}
	return c, nil
}

func clientError(message string, err error) error {
	observability.CLILogger.Debug(message, zap.String("server", serverURL()), zap.Error(err))
	return exitError(clientExitCode(err), message, err)
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	if err := requireWritable("submit jobs"); err != nil {
		return err
	}
	if _, err := job.ParseSampleRef(args[0]); err != nil {
		return exitError(ExitInvalidArgument, "Invalid sample_ref", err)
	}
	if _, err := job.ParseEnvironment(submitEnv); err != nil {
		return exitError(ExitInvalidArgument, "Invalid --env", err)
	}

	c, err := newJobsClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	resp, err := c.Submit(ctx, handlers.SubmitRequest{SampleRef: args[0], Environment: submitEnv, JobID: submitJobID})
	if err != nil {
		return clientError("Submit failed", err)
	}
	observability.CLILogger.Info("Job submitted", zap.String("job_id", resp.JobID))

	if !submitWait {
		return printJSONOr(resp, func(w io.Writer) {
			_, _ = fmt.Fprintf(w, "job_id=%s\nstate=%s\n", resp.JobID, resp.State)
		})
	}

	j, err := waitForJob(ctx, c, resp.JobID, submitPoll)
	if err != nil {
		return clientError("Wait failed", err)
	}
	if err := printJob(j); err != nil {
		return err
	}
	if j.State != job.StateCompleted {
		return exitError(ExitJobFailed, "Job did not complete", fmt.Errorf("%s: %s", j.State, j.Error))
	}
	return nil
}

// waitForJob polls until the job reaches a terminal state.
func waitForJob(ctx context.Context, c *Client, jobID string, interval time.Duration) (handlers.JobStatus, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := job.State("")
	for {
		j, err := c.Get(ctx, jobID)
		if err != nil {
			return handlers.JobStatus{}, err
		}
		if j.State != last {
			observability.CLILogger.Info("Job state", zap.String("job_id", jobID), zap.String("state", string(j.State)))
			last = j.State
		}
		if j.State.IsTerminal() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-ticker.C:
		}
	}
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	c, err := newJobsClient()
	if err != nil {
		return err
	}
	j, err := c.Get(cmd.Context(), strings.TrimSpace(args[0]))
	if err != nil {
		return clientError("Status failed", err)
	}
	return printJob(j)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	c, err := newJobsClient()
	if err != nil {
		return err
	}
	resp, err := c.List(cmd.Context(), ListOptions{
		States:      listStates,
		Environment: listEnvironment,
		SampleHash:  listSample,
		Limit:       listLimit,
	})
	if err != nil {
		return clientError("List failed", err)
	}
	return printJSONOr(resp, func(w io.Writer) {
		if len(resp.Jobs) == 0 {
			_, _ = fmt.Fprintln(w, "No jobs found")
			return
		}
		writeJobTable(w, resp.Jobs, time.Now())
	})
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	if err := requireWritable("cancel jobs"); err != nil {
		return err
	}
	c, err := newJobsClient()
	if err != nil {
		return err
	}
	j, err := c.Cancel(cmd.Context(), strings.TrimSpace(args[0]))
	if err != nil {
		return clientError("Cancel failed", err)
	}
	return printJob(j)
}

func runJobsDelete(cmd *cobra.Command, args []string) error {
	if err := requireWritable("delete jobs"); err != nil {
		return err
	}
	c, err := newJobsClient()
	if err != nil {
		return err
	}
	id := strings.TrimSpace(args[0])
	if err := c.Delete(cmd.Context(), id); err != nil {
		return clientError("Delete failed", err)
	}
	observability.CLILogger.Info("Job deleted", zap.String("job_id", id))
	return nil
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	if err := requireWritable("garbage collect jobs"); err != nil {
		return err
	}
	c, err := newJobsClient()
	if err != nil {
		return err
	}
	resp, err := c.GC(cmd.Context(), gcRetention)
	if err != nil {
		return clientError("GC failed", err)
	}
	return printJSONOr(resp, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "deleted=%d retention=%s\n", resp.Deleted, resp.Retention)
	})
}

func runJobsSummary(cmd *cobra.Command, args []string) error {
	c, err := newJobsClient()
	if err != nil {
		return err
	}
	raw, err := c.Summary(cmd.Context(), strings.TrimSpace(args[0]))
	if err != nil {
		return clientError("Summary failed", err)
	}
	var pretty any
	if err := json.Unmarshal(raw, &pretty); err != nil {
		return fmt.Errorf("summary is not JSON: %w", err)
	}
	return encodeJSON(jobsOutputWriter, pretty)
}

func printJob(j handlers.JobStatus) error {
	return printJSONOr(j, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "job_id=%s\n", j.JobID)
		_, _ = fmt.Fprintf(w, "state=%s\n", j.State)
		_, _ = fmt.Fprintf(w, "environment=%s\n", j.Environment)
		_, _ = fmt.Fprintf(w, "sample=%s\n", j.SampleRef.Hash)
		_, _ = fmt.Fprintf(w, "submitted_at=%s\n", j.SubmittedAt.UTC().Format(time.RFC3339))
		if j.StartedAt != nil {
			_, _ = fmt.Fprintf(w, "started_at=%s\n", j.StartedAt.UTC().Format(time.RFC3339))
		}
		if j.CompletedAt != nil {
			_, _ = fmt.Fprintf(w, "completed_at=%s\n", j.CompletedAt.UTC().Format(time.RFC3339))
		}
		if !j.State.IsTerminal() {
			_, _ = fmt.Fprintf(w, "deadline=%s\n", j.Deadline.UTC().Format(time.RFC3339))
		}
		if j.ResultRef != "" {
			_, _ = fmt.Fprintf(w, "result_ref=%s\n", j.ResultRef)
		}
		if j.Error != "" {
			_, _ = fmt.Fprintf(w, "error=%s\n", j.Error)
		}
	})
}

func writeJobTable(w io.Writer, jobs []handlers.JobStatus, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	_, _ = fmt.Fprintln(tw, "JOB ID\tSTATE\tENVIRONMENT\tSAMPLE\tSUBMITTED\tDURATION\tRESULT")
	for _, j := range jobs {
		duration := "-"
		if j.StartedAt != nil {
			end := now
			if j.CompletedAt != nil {
				end = *j.CompletedAt
			}
			duration = end.Sub(*j.StartedAt).Round(time.Second).String()
		}
		result := j.ResultRef
		if result == "" {
			result = j.Error
		}
		if result == "" {
			result = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.JobID,
			j.State,
			j.Environment,
			shortHash(j.SampleRef.Hash),
			humanize.RelTime(j.SubmittedAt, now, "ago", "from now"),
			duration,
			result,
		)
	}
}

func shortHash(hash string) string {
	_, digest, ok := strings.Cut(hash, ":")
	if !ok {
		digest = hash
	}
	if len(digest) > 12 {
		digest = digest[:12]
	}
	return digest
}

func printJSONOr(v any, text func(io.Writer)) error {
	if jobsJSON {
		return encodeJSON(jobsOutputWriter, v)
	}
	text(jobsOutputWriter)
	return nil
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
