package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hgrams/gmail-to-group/model"
	"github.com/hgrams/gmail-to-group/runner"
	"github.com/hgrams/gmail-to-group/state"
)

// Account is the end-of-run report for one migrated mailbox.
type Account struct {
	MigrationDate   time.Time       `json:"migration_date"`
	GmailAccount    string          `json:"gmail_account"`
	GroupEmail      string          `json:"group_email"`
	GmailQuery      string          `json:"gmail_query"`
	TotalProcessed  int             `json:"total_processed"`
	TotalFailed     int             `json:"total_failed"`
	ProcessedEmails []string        `json:"processed_emails"`
	FailedEmails    []model.Failure `json:"failed_emails"`
}

// Batch aggregates the per-account outcomes of a multi-account run.
type Batch struct {
	BatchMigrationDate   time.Time              `json:"batch_migration_date"`
	SpecFile             string                 `json:"spec_file"`
	TotalUsers           int                    `json:"total_users"`
	SuccessfulUsers      int                    `json:"successful_users"`
	FailedUsers          int                    `json:"failed_users"`
	TotalEmailsProcessed int                    `json:"total_emails_processed"`
	TotalEmailsFailed    int                    `json:"total_emails_failed"`
	UserResults          []runner.AccountResult `json:"user_results"`
}

// NewAccount assembles an account report from the progress store.
func NewAccount(account, group, query string, store state.Store) Account {
	processed := store.MigratedIDs()
	failed := store.Failures()
	if processed == nil {
		processed = []string{}
	}
	if failed == nil {
		failed = []model.Failure{}
	}
	return Account{
		MigrationDate:   time.Now(),
		GmailAccount:    account,
		GroupEmail:      group,
		GmailQuery:      query,
		TotalProcessed:  len(processed),
		TotalFailed:     len(failed),
		ProcessedEmails: processed,
		FailedEmails:    failed,
	}
}

// NewBatch assembles the batch summary from per-account results.
func NewBatch(specFile string, results []runner.AccountResult) Batch {
	batch := Batch{
		BatchMigrationDate: time.Now(),
		SpecFile:           specFile,
		TotalUsers:         len(results),
		UserResults:        results,
	}
	for _, result := range results {
		if result.Status == runner.StatusSuccess {
			batch.SuccessfulUsers++
			batch.TotalEmailsProcessed += result.TotalProcessed
			batch.TotalEmailsFailed += result.TotalFailed
		} else {
			batch.FailedUsers++
		}
	}
	return batch
}

// WriteAccount persists the account report under dir, named after the
// account's state key.
func WriteAccount(dir string, rep Account) (string, error) {
	path := filepath.Join(dir, state.Key(rep.GmailAccount)+"_migration_report.json")
	if err := write(dir, path, rep); err != nil {
		return "", err
	}
	return path, nil
}

// WriteBatch persists the batch summary report under dir.
func WriteBatch(dir string, rep Batch) (string, error) {
	path := filepath.Join(dir, "batch_migration_report.json")
	if err := write(dir, path, rep); err != nil {
		return "", err
	}
	return path, nil
}

func write(dir, path string, v any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}
