package runner

import (
	"context"
	"log/slog"
	"time"

	"github.com/hgrams/gmail-to-group/config"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// AccountResult is the per-account outcome of a batch run, in the shape the
// batch report persists.
type AccountResult struct {
	GmailAccount   string    `json:"gmail_account"`
	GroupEmail     string    `json:"group_email"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	TotalProcessed int       `json:"total_processed"`
	TotalFailed    int       `json:"total_failed"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
}

// JobRunner executes one account's migration end to end: authentication,
// access verification, driving, reporting.
type JobRunner func(ctx context.Context, job config.Job) (Result, error)

// Batch sequences several accounts, one at a time, with a pause between
// them. One account's failure never aborts the rest.
type Batch struct {
	run    JobRunner
	delay  time.Duration
	logger *slog.Logger
	sleep  SleepFunc
	now    func() time.Time
}

func NewBatch(run JobRunner, delay time.Duration, logger *slog.Logger) *Batch {
	return &Batch{
		run:    run,
		delay:  delay,
		logger: logger,
		sleep:  sleepContext,
		now:    time.Now,
	}
}

func (b *Batch) Run(ctx context.Context, jobs []config.Job) []AccountResult {
	results := make([]AccountResult, 0, len(jobs))

	for i, job := range jobs {
		if b.logger != nil {
			b.logger.Info("processing account", "index", i+1, "total", len(jobs), "account", job.GmailAccount, "group", job.GroupEmail)
		}

		result := AccountResult{
			GmailAccount: job.GmailAccount,
			GroupEmail:   job.GroupEmail,
			Status:       StatusFailed,
			StartTime:    b.now(),
		}

		res, err := b.run(ctx, job)
		result.EndTime = b.now()
		result.TotalProcessed = res.TotalMigrated
		result.TotalFailed = res.TotalFailed
		if err != nil {
			result.Error = err.Error()
			if b.logger != nil {
				b.logger.Error("account migration failed", "account", job.GmailAccount, "err", err)
			}
		} else {
			result.Status = StatusSuccess
			if b.logger != nil {
				b.logger.Info("account migration completed", "account", job.GmailAccount, "processed", result.TotalProcessed, "failed", result.TotalFailed)
			}
		}
		results = append(results, result)

		if ctx.Err() != nil {
			break
		}
		if i < len(jobs)-1 && b.delay > 0 {
			if b.logger != nil {
				b.logger.Info("waiting before next account", "delay", b.delay)
			}
			if err := b.sleep(ctx, b.delay); err != nil {
				break
			}
		}
	}

	return results
}
