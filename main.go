package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hgrams/gmail-to-group/auth"
	"github.com/hgrams/gmail-to-group/config"
	"github.com/hgrams/gmail-to-group/gmail"
	"github.com/hgrams/gmail-to-group/groups"
	"github.com/hgrams/gmail-to-group/mboxout"
	"github.com/hgrams/gmail-to-group/progress"
	"github.com/hgrams/gmail-to-group/report"
	"github.com/hgrams/gmail-to-group/runner"
	"github.com/hgrams/gmail-to-group/state"
	"github.com/hgrams/gmail-to-group/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gmail-to-group",
		Short: "Migrate a Gmail mailbox into a Google Group archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(job.LogDir, job.LogLevel)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			logger.Info("starting gmail-to-group", "account", job.GmailAccount, "group", job.GroupEmail, "dryRun", job.DryRun)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			_, err = runJob(ctx, job, logger)
			return err
		},
	}

	config.RegisterFlags(rootCmd)
	rootCmd.AddCommand(newBatchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runJob wires one account's migration: authentication for both API
// surfaces, clients, progress store, driver, and the end-of-run report.
func runJob(ctx context.Context, job config.Job, logger *slog.Logger) (runner.Result, error) {
	provider := auth.NewProvider(job.TokenDir, logger)

	gmailTS, err := provider.GmailTokenSource(ctx, job.GmailCredentialsFile, job.GmailAccount)
	if err != nil {
		return runner.Result{}, fmt.Errorf("gmail authentication: %w", err)
	}
	adminTS, err := provider.AdminTokenSource(ctx, job.AdminCredentialsFile)
	if err != nil {
		return runner.Result{}, fmt.Errorf("admin authentication: %w", err)
	}

	source, err := gmail.NewClient(ctx, gmailTS, logger)
	if err != nil {
		return runner.Result{}, err
	}
	archive, err := groups.NewClient(ctx, adminTS, logger)
	if err != nil {
		return runner.Result{}, err
	}

	store, err := state.NewFileStore(job.StateDir, job.GmailAccount, logger)
	if err != nil {
		return runner.Result{}, err
	}

	publisher := stats.NewPublisher()
	reporter := stats.NewReporter(publisher, logger)
	display := progress.New(job.LogLevel)
	publisher.Subscribe(display.Observe)

	var salvage runner.Salvage
	if job.SalvageDir != "" {
		writer, err := mboxout.Open(job.SalvageDir, job.GmailAccount)
		if err != nil {
			return runner.Result{}, err
		}
		defer func() {
			_ = writer.Close()
		}()
		salvage = writer
	}

	driver, err := runner.New(runner.Options{
		Account:   job.GmailAccount,
		Group:     job.GroupEmail,
		Query:     job.GmailQuery,
		BatchSize: job.BatchSize,
		ItemDelay: job.ItemDelay(),
		Cooldown:  job.CooldownDuration(),
		PageDelay: 100 * time.Millisecond,
		MaxItems:  job.MaxEmails,
		DryRun:    job.DryRun,
	}, source, archive, store, publisher, salvage, logger)
	if err != nil {
		return runner.Result{}, err
	}

	result, runErr := driver.Run(ctx)
	display.Stop(reporter.Summary())
	reporter.Log()

	if runErr == nil && !job.DryRun {
		rep := report.NewAccount(job.GmailAccount, job.GroupEmail, job.GmailQuery, store)
		path, err := report.WriteAccount(job.ReportDir, rep)
		if err != nil {
			logger.Error("could not write migration report", "err", err)
		} else {
			logger.Info("migration report saved", "path", path)
		}
	}

	return result, runErr
}

func setupLogger(logDir, logLevel string) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	switch logLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(logDir, fmt.Sprintf("gmail-to-group-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
