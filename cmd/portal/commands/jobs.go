package commands

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/portal/errors"
	"github.com/teranos/portal/internal/util"
	"github.com/teranos/portal/logger"
	"github.com/teranos/portal/pulse/jobs"
	"github.com/teranos/portal/sym"
)

// JobsCmd represents the jobs command
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Jobs + " Define scheduled jobs and inspect their runs",
	Long: sym.Jobs + ` jobs - Define scheduled jobs and inspect their runs

Jobs belong to an organization and run a registered handler on a one-off
or periodic schedule. Definitions live in TOML files applied with "apply";
applying the same file twice changes nothing.

Examples:
  portal jobs apply -f jobs.toml
  portal jobs ls --org 5b0e3c1e-...
  portal jobs show <job-id> --org 5b0e3c1e-...
  portal jobs runs <job-id> --org 5b0e3c1e-... --status failed`,
}

var jobsApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create or update jobs from a TOML file",
	RunE:  runJobsApply,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	Long:  "List an organization's jobs, or every organization's jobs when --org is omitted",
	RunE:  runJobsLs,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job, its next run and its last execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsRmCmd = &cobra.Command{
	Use:   "rm <job-id>",
	Short: "Remove a job",
	Long:  "Remove a job definition. Its run record is kept, so re-adding it does not replay past slots.",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRm,
}

var jobsRunsCmd = &cobra.Command{
	Use:   "runs <job-id>",
	Short: "Show a job's execution history",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRuns,
}

var (
	jobsOrgFlag     string
	jobsFileFlag    string
	jobsHandlerFlag string
	jobsLimitFlag   int
	jobsOffsetFlag  int
	runsLimitFlag   int
	jobsStatusFlag  string
)

func init() {
	JobsCmd.PersistentFlags().StringVar(&jobsOrgFlag, "org", "", "Organization ID")

	jobsApplyCmd.Flags().StringVarP(&jobsFileFlag, "file", "f", "", "Job definitions file (TOML)")
	jobsApplyCmd.MarkFlagRequired("file")

	jobsLsCmd.Flags().StringVar(&jobsHandlerFlag, "handler", "", "Only list jobs running this handler")
	jobsLsCmd.Flags().IntVar(&jobsLimitFlag, "limit", 50, "Maximum jobs to list per organization")
	jobsLsCmd.Flags().IntVar(&jobsOffsetFlag, "offset", 0, "Jobs to skip")

	jobsRunsCmd.Flags().IntVar(&runsLimitFlag, "limit", 20, "Maximum executions to show")
	jobsRunsCmd.Flags().StringVar(&jobsStatusFlag, "status", "", "Filter by status (running, completed, failed)")

	JobsCmd.AddCommand(jobsApplyCmd)
	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsShowCmd)
	JobsCmd.AddCommand(jobsRmCmd)
	JobsCmd.AddCommand(jobsRunsCmd)
}

// jobStores holds the open SQLite job repository and execution history
type jobStores struct {
	db         *sql.DB
	repo       *jobs.SQLStore
	executions *jobs.ExecutionStore
}

func openJobStores(ctx context.Context) (*jobStores, error) {
	database, err := openDatabase("")
	if err != nil {
		return nil, err
	}

	repo := jobs.NewSQLStore(database, logger.Logger)
	if err := repo.Open(ctx); err != nil {
		database.Close()
		return nil, err
	}
	return &jobStores{db: database, repo: repo, executions: jobs.NewExecutionStore(database)}, nil
}

func (s *jobStores) Close(ctx context.Context) {
	s.repo.Close(ctx)
	s.db.Close()
}

func runJobsApply(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	file, err := loadJobsFile(jobsFileFlag)
	if err != nil {
		return err
	}
	org, err := file.organization(jobsOrgFlag)
	if err != nil {
		return err
	}
	defs, err := file.build(time.Now())
	if err != nil {
		return err
	}

	stores, err := openJobStores(ctx)
	if err != nil {
		return err
	}
	defer stores.Close(ctx)

	for _, job := range defs {
		if err := stores.repo.AddOrUpdateJob(ctx, job, org); err != nil {
			return errors.Wrapf(err, "failed to apply job %s", job.DisplayName())
		}
		pterm.Success.Printf("%s %s (%s) %s\n", job.ID, job.DisplayName(), job.HandlerName, job.Schedule)
	}
	pterm.Info.Printf("Applied %d jobs to organization %s\n", len(defs), org)
	return nil
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	stores, err := openJobStores(ctx)
	if err != nil {
		return err
	}
	defer stores.Close(ctx)

	var orgs []uuid.UUID
	if jobsOrgFlag != "" {
		org, err := parseOrganization(jobsOrgFlag)
		if err != nil {
			return err
		}
		orgs = []uuid.UUID{org}
	} else if orgs, err = stores.repo.Organizations(ctx); err != nil {
		return err
	}

	data := pterm.TableData{{"Organization", "ID", "Name", "Handler", "Schedule", "Last run", "Next run"}}
	total := 0
	for _, org := range orgs {
		result, err := jobs.JobQuery{
			Organization: org,
			HandlerName:  jobsHandlerFlag,
			Offset:       jobsOffsetFlag,
			Limit:        jobsLimitFlag,
		}.Execute(ctx, stores.repo)
		if err != nil {
			return err
		}
		total += result.Total

		for _, job := range result.Jobs {
			last, err := stores.repo.GetLastRun(ctx, job.ID, org)
			if err != nil {
				return err
			}
			data = append(data, []string{
				org.String(), job.ID.String(), job.Name, job.HandlerName,
				job.Schedule.String(), formatInstant(last), formatInstant(job.Schedule.NextRun(last)),
			})
		}
	}

	if len(data) == 1 {
		pterm.Info.Println("No jobs found")
		return nil
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	pterm.Info.Printf("Showing %d of %d jobs\n", len(data)-1, total)
	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, org, err := jobTarget(args[0])
	if err != nil {
		return err
	}

	stores, err := openJobStores(ctx)
	if err != nil {
		return err
	}
	defer stores.Close(ctx)

	job, err := stores.repo.GetJob(ctx, id, org)
	if err != nil {
		return err
	}
	last, err := stores.repo.GetLastRun(ctx, id, org)
	if err != nil {
		return err
	}

	pterm.DefaultSection.Printf("%s %s", sym.Jobs, job.DisplayName())
	data := pterm.TableData{
		{"ID", job.ID.String()},
		{"Organization", org.String()},
		{"Handler", job.HandlerName},
		{"Schedule", job.Schedule.String()},
		{"Payload", string(job.Payload)},
		{"Created", job.CreatedAt.Format(time.RFC3339)},
		{"Last run", formatInstant(last)},
		{"Next run", formatInstant(job.Schedule.NextRun(last))},
	}

	exec, err := stores.executions.LastExecution(ctx, org, id)
	switch {
	case err == nil:
		data = append(data, []string{"Last execution", fmt.Sprintf("%s %s", exec.ID, exec.Status)})
		if exec.ErrorMessage != nil {
			data = append(data, []string{"Last error", *exec.ErrorMessage})
		}
	case errors.IsNotFoundError(err):
		data = append(data, []string{"Last execution", "-"})
	default:
		return err
	}

	return pterm.DefaultTable.WithData(data).Render()
}

func runJobsRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, org, err := jobTarget(args[0])
	if err != nil {
		return err
	}

	stores, err := openJobStores(ctx)
	if err != nil {
		return err
	}
	defer stores.Close(ctx)

	if err := stores.repo.RemoveJob(ctx, id, org); err != nil {
		return err
	}
	pterm.Success.Printf("Removed job %s\n", id)
	return nil
}

func runJobsRuns(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, org, err := jobTarget(args[0])
	if err != nil {
		return err
	}

	stores, err := openJobStores(ctx)
	if err != nil {
		return err
	}
	defer stores.Close(ctx)

	executions, total, err := stores.executions.ListExecutions(ctx, org, id, runsLimitFlag, 0, jobsStatusFlag)
	if err != nil {
		return err
	}
	if len(executions) == 0 {
		pterm.Info.Println("No executions recorded")
		return nil
	}

	data := pterm.TableData{{"Execution", "Scheduled", "Status", "Started", "Duration", "Result"}}
	for _, exec := range executions {
		duration := "-"
		if exec.DurationMs != nil {
			duration = (time.Duration(*exec.DurationMs) * time.Millisecond).String()
		}
		result := util.Deref(exec.ErrorMessage, util.Deref(exec.ResultSummary, ""))
		data = append(data, []string{exec.ID, exec.ScheduledAt, exec.Status, exec.StartedAt, duration, result})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	pterm.Info.Printf("Showing %d of %d executions\n", len(executions), total)
	return nil
}

// jobTarget parses a job ID argument and the required --org flag
func jobTarget(rawID string) (uuid.UUID, uuid.UUID, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return uuid.Nil, uuid.Nil, errors.Wrapf(errors.ErrInvalidRequest, "invalid job id %q", rawID)
	}
	org, err := parseOrganization(jobsOrgFlag)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return id, org, nil
}

func formatInstant(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
