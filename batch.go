package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hgrams/gmail-to-group/config"
	"github.com/hgrams/gmail-to-group/report"
	"github.com/hgrams/gmail-to-group/runner"
)

func newBatchCmd() *cobra.Command {
	var (
		specPath string
		onlyUser string
	)

	batchCmd := &cobra.Command{
		Use:   "batch",
		Short: "Migrate several Gmail accounts into their group archives, one at a time",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := config.LoadBatch(specPath)
			if err != nil {
				return err
			}
			if err := spec.Validate(); err != nil {
				return err
			}

			jobs := spec.Jobs()
			if onlyUser != "" {
				job, err := spec.JobFor(onlyUser)
				if err != nil {
					return err
				}
				jobs = []config.Job{job}
			}

			logger, cleanup, err := setupLogger(spec.LogDir, spec.LogLevel)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			logger.Info("starting batch migration", "spec", specPath, "users", len(jobs))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			batch := runner.NewBatch(func(ctx context.Context, job config.Job) (runner.Result, error) {
				return runJob(ctx, job, logger.With("account", job.GmailAccount))
			}, spec.InterAccountDelay(), logger)

			results := batch.Run(ctx, jobs)

			rep := report.NewBatch(specPath, results)
			reportDir := spec.ReportDir
			if reportDir == "" {
				reportDir = "reports"
			}
			path, err := report.WriteBatch(reportDir, rep)
			if err != nil {
				return fmt.Errorf("write batch report: %w", err)
			}

			logger.Info("batch migration completed",
				"users", rep.TotalUsers, "successful", rep.SuccessfulUsers, "failed", rep.FailedUsers,
				"emailsProcessed", rep.TotalEmailsProcessed, "emailsFailed", rep.TotalEmailsFailed,
				"report", path)

			if rep.FailedUsers > 0 {
				for _, result := range results {
					if result.Status != runner.StatusSuccess {
						logger.Warn("user migration failed", "account", result.GmailAccount, "err", result.Error)
					}
				}
			}

			return ctx.Err()
		},
	}

	batchCmd.Flags().StringVarP(&specPath, "config", "c", "", "Batch spec file")
	batchCmd.Flags().StringVar(&onlyUser, "user", "", "Migrate only this account from the batch spec")
	_ = batchCmd.MarkFlagRequired("config")

	return batchCmd
}
