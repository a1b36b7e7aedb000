package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/3leaps/feedstore/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect recorded jobs",
	Long: `Inspect records of jobs run by 'feedstore serve'.

Records live under jobs.dir as <job_id>/job.json. A record left in the
running state by a server that is gone is reported as unknown.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show the recorded status of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete old finished job records",
	Args:  cobra.NoArgs,
	RunE:  runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsGCCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsGCCmd.Flags().Duration("max-age", 7*24*time.Hour, "Delete finished jobs that ended longer ago than this")
}

func jobStore() (*jobregistry.Store, error) {
	cfg, err := currentConfig()
	if err != nil {
		return nil, err
	}
	dir, err := cfg.Jobs.JobsDir()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return nil, fmt.Errorf("jobs.dir is not set")
	}
	return jobregistry.NewStore(dir), nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	store, err := jobStore()
	if err != nil {
		return err
	}
	jobs, err := store.List()
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "JOB ID\tTYPE\tSTATE\tOWNER\tENDED\tMESSAGE")
	for _, j := range jobs {
		owner := j.Owner
		if owner == "" {
			owner = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortJobID(j.JobID), j.Type, j.State, owner, formatOptionalTime(j.EndedAt), j.Status.Message)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	store, err := jobStore()
	if err != nil {
		return err
	}
	rec, err := store.Get(args[0])
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("job %q not found", args[0])
		}
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}
	_, _ = fmt.Fprintf(out, "Job:       %s\n", rec.JobID)
	_, _ = fmt.Fprintf(out, "Name:      %s\n", rec.Name)
	_, _ = fmt.Fprintf(out, "Type:      %s\n", rec.Type)
	_, _ = fmt.Fprintf(out, "State:     %s\n", rec.State)
	_, _ = fmt.Fprintf(out, "Message:   %s\n", rec.Status.Message)
	_, _ = fmt.Fprintf(out, "Progress:  %.0f%%\n", rec.Status.PercentComplete)
	_, _ = fmt.Fprintf(out, "Started:   %s\n", formatOptionalTime(rec.StartedAt))
	_, _ = fmt.Fprintf(out, "Ended:     %s\n", formatOptionalTime(rec.EndedAt))
	return nil
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	maxAge, _ := cmd.Flags().GetDuration("max-age")
	store, err := jobStore()
	if err != nil {
		return err
	}
	n, err := store.Prune(maxAge, time.Now().UTC())
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d job record(s)\n", n)
	return nil
}

func shortJobID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatOptionalTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", t.UTC().Format(time.RFC3339), humanize.Time(*t))
}
