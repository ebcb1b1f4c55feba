package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/conveyormq/conveyor/internal/cli/output"
	"github.com/conveyormq/conveyor/pkg/config"
	"github.com/conveyormq/conveyor/pkg/store"
	"github.com/conveyormq/conveyor/pkg/store/models"
)

var (
	jobsStore   string
	jobsOutput  string
	jobSchedule string
	jobTopic    string
	jobPayload  string
	jobDisabled bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage recurring jobs",
	Long: `Manage recurring cron jobs.

Jobs are stored per dispatch store and materialized into outbox messages
by the scheduler when they come due.

Examples:
  # List jobs
  conveyor jobs list

  # Create or update a job
  conveyor jobs upsert nightly-report --schedule "0 3 * * *" --topic reports.nightly

  # Run a job immediately
  conveyor jobs trigger nightly-report

  # Remove a job and its pending runs
  conveyor jobs delete nightly-report`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured jobs",
	RunE:  runJobsList,
}

var jobsUpsertCmd = &cobra.Command{
	Use:   "upsert NAME",
	Short: "Create or update a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsUpsert,
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a job and its pending runs",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDelete,
}

var jobsTriggerCmd = &cobra.Command{
	Use:   "trigger NAME",
	Short: "Run a job immediately",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsTrigger,
}

func init() {
	jobsCmd.PersistentFlags().StringVar(&jobsStore, "store", "", "Store key (defaults to the sole configured store)")
	jobsListCmd.Flags().StringVarP(&jobsOutput, "output", "o", "table", "Output format (table|json|yaml)")
	jobsUpsertCmd.Flags().StringVar(&jobSchedule, "schedule", "", "Cron schedule, 5 or 6 fields, evaluated in UTC")
	jobsUpsertCmd.Flags().StringVar(&jobTopic, "topic", "", "Topic the job run is dispatched on")
	jobsUpsertCmd.Flags().StringVar(&jobPayload, "payload", "", "Payload delivered with every run")
	jobsUpsertCmd.Flags().BoolVar(&jobDisabled, "disabled", false, "Create the job disabled")
	_ = jobsUpsertCmd.MarkFlagRequired("schedule")
	_ = jobsUpsertCmd.MarkFlagRequired("topic")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsUpsertCmd)
	jobsCmd.AddCommand(jobsDeleteCmd)
	jobsCmd.AddCommand(jobsTriggerCmd)
}

// withJobStore loads the configuration, opens the selected store and runs fn.
func withJobStore(fn func(ctx context.Context, s *store.Store) error) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	s, _, err := openStore(cfg, jobsStore)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	return fn(context.Background(), s)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	return withJobStore(func(ctx context.Context, s *store.Store) error {
		jobs, err := s.ListJobs(ctx)
		if err != nil {
			return err
		}

		format, err := output.ParseFormat(jobsOutput)
		if err != nil {
			return err
		}
		switch format {
		case output.FormatJSON:
			return output.PrintJSON(os.Stdout, jobs)
		case output.FormatYAML:
			return output.PrintYAML(os.Stdout, jobs)
		}

		table := output.NewTableData("NAME", "SCHEDULE", "TOPIC", "ENABLED", "NEXT DUE", "LAST RUN", "LAST STATUS")
		for _, j := range jobs {
			table.AddRow(
				j.JobName,
				j.CronSchedule,
				j.Topic,
				fmt.Sprintf("%t", j.IsEnabled),
				j.NextDueTime.Format(time.RFC3339),
				formatLastRun(j),
				j.LastRunStatus,
			)
		}
		return output.PrintTable(os.Stdout, table)
	})
}

func formatLastRun(j *models.JobDefinition) string {
	if j.LastRunTime == nil {
		return "never"
	}
	return j.LastRunTime.Format(time.RFC3339)
}

func runJobsUpsert(cmd *cobra.Command, args []string) error {
	return withJobStore(func(ctx context.Context, s *store.Store) error {
		var payload []byte
		if jobPayload != "" {
			payload = []byte(jobPayload)
		}
		job, err := s.UpsertJob(ctx, store.UpsertJobParams{
			JobName:      args[0],
			Topic:        jobTopic,
			CronSchedule: jobSchedule,
			Payload:      payload,
			IsEnabled:    !jobDisabled,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Job %q scheduled, next due %s\n", job.JobName, job.NextDueTime.Format(time.RFC3339))
		return nil
	})
}

func runJobsDelete(cmd *cobra.Command, args []string) error {
	return withJobStore(func(ctx context.Context, s *store.Store) error {
		if err := s.DeleteJob(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Job %q deleted\n", args[0])
		return nil
	})
}

func runJobsTrigger(cmd *cobra.Command, args []string) error {
	return withJobStore(func(ctx context.Context, s *store.Store) error {
		runID, err := s.TriggerJob(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Job %q triggered, run %s\n", args[0], runID)
		return nil
	})
}
