package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hgrams/gmail-to-group/state"
)

const (
	DefaultQuery      = "in:all"
	DefaultBatchSize  = 10
	DefaultBatchDelay = 1
	DefaultUserDelay  = 5
	DefaultCooldown   = 60
)

// Job describes the migration of one Gmail account into one group archive.
// Delay fields are in seconds, as in the YAML specs this tool consumes.
type Job struct {
	GmailAccount         string `yaml:"gmail_account"`
	GroupEmail           string `yaml:"group_email"`
	GmailCredentialsFile string `yaml:"gmail_credentials_file"`
	AdminCredentialsFile string `yaml:"admin_credentials_file"`
	GmailQuery           string `yaml:"gmail_query"`
	BatchSize            int    `yaml:"batch_size"`
	BatchDelay           int    `yaml:"batch_delay"`
	Cooldown             int    `yaml:"cooldown"`
	MaxEmails            int    `yaml:"max_emails"`
	DryRun               bool   `yaml:"dry_run"`
	TokenDir             string `yaml:"token_dir"`
	StateDir             string `yaml:"state_dir"`
	ReportDir            string `yaml:"report_dir"`
	SalvageDir           string `yaml:"salvage_dir"`
	LogDir               string `yaml:"log_dir"`
	LogLevel             string `yaml:"log_level"`
}

// BatchSpec describes a multi-account run: shared defaults plus a user
// list. Per-user fields override the defaults.
type BatchSpec struct {
	GmailCredentialsFile string      `yaml:"gmail_credentials_file"`
	AdminCredentialsFile string      `yaml:"admin_credentials_file"`
	GmailQuery           string      `yaml:"gmail_query"`
	BatchSize            int         `yaml:"batch_size"`
	BatchDelay           int         `yaml:"batch_delay"`
	Cooldown             int         `yaml:"cooldown"`
	UserDelay            int         `yaml:"user_delay"`
	Domain               string      `yaml:"domain"`
	TokenDir             string      `yaml:"token_dir"`
	StateDir             string      `yaml:"state_dir"`
	ReportDir            string      `yaml:"report_dir"`
	SalvageDir           string      `yaml:"salvage_dir"`
	LogDir               string      `yaml:"log_dir"`
	LogLevel             string      `yaml:"log_level"`
	Users                []BatchUser `yaml:"users"`
}

type BatchUser struct {
	GmailAccount string `yaml:"gmail_account"`
	GroupEmail   string `yaml:"group_email"`
	GmailQuery   string `yaml:"gmail_query"`
	BatchSize    int    `yaml:"batch_size"`
	BatchDelay   int    `yaml:"batch_delay"`
	MaxEmails    int    `yaml:"max_emails"`
}

// ItemDelay is the inter-item pacing pause. A negative batch_delay
// disables pacing.
func (j Job) ItemDelay() time.Duration {
	if j.BatchDelay < 0 {
		return 0
	}
	return time.Duration(j.BatchDelay) * time.Second
}

func (j Job) CooldownDuration() time.Duration {
	return time.Duration(j.Cooldown) * time.Second
}

func (j Job) Key() string {
	return state.Key(j.GmailAccount)
}

func (b BatchSpec) InterAccountDelay() time.Duration {
	return time.Duration(b.UserDelay) * time.Second
}

// LoadJob reads a single-account job spec from a YAML file. An unreadable
// or unparsable spec is fatal to the program, so errors here abort before
// any work begins.
func LoadJob(path string) (Job, error) {
	var job Job
	if err := decodeYAML(path, &job); err != nil {
		return Job{}, err
	}
	job.applyDefaults()
	return job, nil
}

// LoadBatch reads a multi-account spec from a YAML file.
func LoadBatch(path string) (BatchSpec, error) {
	var spec BatchSpec
	if err := decodeYAML(path, &spec); err != nil {
		return BatchSpec{}, err
	}
	spec.applyDefaults()
	return spec, nil
}

func decodeYAML(path string, out any) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open spec %s: %w", path, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("parse spec %s: %w", path, err)
	}
	return nil
}

func (j *Job) applyDefaults() {
	if j.GmailCredentialsFile == "" {
		j.GmailCredentialsFile = "gmail_credentials.json"
	}
	if j.AdminCredentialsFile == "" {
		j.AdminCredentialsFile = "admin_credentials.json"
	}
	if j.GmailQuery == "" {
		j.GmailQuery = DefaultQuery
	}
	if j.BatchSize <= 0 {
		j.BatchSize = DefaultBatchSize
	}
	if j.BatchDelay == 0 {
		j.BatchDelay = DefaultBatchDelay
	}
	if j.Cooldown <= 0 {
		j.Cooldown = DefaultCooldown
	}
	if j.TokenDir == "" {
		j.TokenDir = "."
	}
	if j.StateDir == "" {
		j.StateDir = "."
	}
	if j.ReportDir == "" {
		j.ReportDir = "reports"
	}
	if j.LogDir == "" {
		j.LogDir = "logs"
	}
	if j.LogLevel == "" {
		j.LogLevel = "info"
	}
	j.LogLevel = normalizeLogLevel(j.LogLevel)
	if j.DryRun && j.MaxEmails <= 0 {
		// Dry runs inspect a single item unless the spec says otherwise.
		j.MaxEmails = 1
	}
}

func (b *BatchSpec) applyDefaults() {
	if b.GmailQuery == "" {
		b.GmailQuery = DefaultQuery
	}
	if b.BatchSize <= 0 {
		b.BatchSize = DefaultBatchSize
	}
	if b.BatchDelay == 0 {
		b.BatchDelay = DefaultBatchDelay
	}
	if b.Cooldown <= 0 {
		b.Cooldown = DefaultCooldown
	}
	if b.UserDelay <= 0 {
		b.UserDelay = DefaultUserDelay
	}
}

// Jobs expands the batch spec into one fully resolved Job per user.
func (b BatchSpec) Jobs() []Job {
	jobs := make([]Job, 0, len(b.Users))
	for _, user := range b.Users {
		job := Job{
			GmailAccount:         user.GmailAccount,
			GroupEmail:           user.GroupEmail,
			GmailCredentialsFile: b.GmailCredentialsFile,
			AdminCredentialsFile: b.AdminCredentialsFile,
			GmailQuery:           firstNonEmpty(user.GmailQuery, b.GmailQuery),
			BatchSize:            firstPositive(user.BatchSize, b.BatchSize),
			BatchDelay:           firstPositive(user.BatchDelay, b.BatchDelay),
			Cooldown:             b.Cooldown,
			MaxEmails:            user.MaxEmails,
			TokenDir:             b.TokenDir,
			StateDir:             b.StateDir,
			ReportDir:            b.ReportDir,
			SalvageDir:           b.SalvageDir,
			LogDir:               b.LogDir,
			LogLevel:             b.LogLevel,
		}
		job.applyDefaults()
		jobs = append(jobs, job)
	}
	return jobs
}

// JobFor resolves the job for one account out of the batch spec, for the
// single-user selector.
func (b BatchSpec) JobFor(account string) (Job, error) {
	for _, job := range b.Jobs() {
		if job.GmailAccount == account {
			return job, nil
		}
	}
	return Job{}, fmt.Errorf("user %s not found in batch spec", account)
}

func (j Job) Validate() error {
	if j.GmailAccount == "" {
		return fmt.Errorf("gmail_account is required")
	}
	if j.GroupEmail == "" {
		return fmt.Errorf("group_email is required")
	}
	if j.GmailCredentialsFile == "" {
		return fmt.Errorf("gmail_credentials_file is required")
	}
	if j.AdminCredentialsFile == "" {
		return fmt.Errorf("admin_credentials_file is required")
	}
	switch j.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", j.LogLevel)
	}
	return nil
}

func (b BatchSpec) Validate() error {
	if len(b.Users) == 0 {
		return fmt.Errorf("no users in batch spec")
	}
	for _, job := range b.Jobs() {
		if err := job.Validate(); err != nil {
			return fmt.Errorf("user %s: %w", job.GmailAccount, err)
		}
	}
	return nil
}

// RegisterFlags attaches the single-job CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringP("config", "c", "", "Path to a YAML job spec (flags override file values)")
	flags.String("gmail-account", "", "Gmail account to migrate from")
	flags.String("group-email", "", "Google Group email to migrate to")
	flags.String("gmail-credentials", "", "Gmail OAuth client credentials file")
	flags.String("admin-credentials", "", "Admin OAuth client credentials file")
	flags.String("query", "", "Gmail search query selecting messages to migrate")
	flags.Int("batch-size", 0, "Number of items between progress reports")
	flags.Int("batch-delay", 0, "Seconds to pause between items (negative disables pacing)")
	flags.Int("max-emails", 0, "Maximum number of items to process (0 = unlimited)")
	flags.Bool("dry-run", false, "Fetch a single item and report without submitting")
	flags.String("token-dir", "", "Directory for cached OAuth tokens")
	flags.String("state-dir", "", "Directory for migration progress files")
	flags.String("report-dir", "", "Output directory for migration reports")
	flags.String("salvage-dir", "", "Directory for mbox archives of failed messages (disabled if empty)")
	flags.String("log-dir", "", "Directory for log files")
	flags.String("log-level", "", "Logging level: debug, info, warn, error")
}

// LoadConfig merges the optional spec file with the parsed flags into a
// validated Job. Flags win over file values.
func LoadConfig(cmd *cobra.Command) (Job, error) {
	flags := cmd.Flags()

	configPath, err := flags.GetString("config")
	if err != nil {
		return Job{}, err
	}

	var job Job
	if configPath != "" {
		job, err = LoadJob(configPath)
		if err != nil {
			return Job{}, err
		}
	}

	if value, err := flags.GetString("gmail-account"); err != nil {
		return Job{}, err
	} else if value != "" {
		job.GmailAccount = value
	}
	if value, err := flags.GetString("group-email"); err != nil {
		return Job{}, err
	} else if value != "" {
		job.GroupEmail = value
	}
	if value, err := flags.GetString("gmail-credentials"); err != nil {
		return Job{}, err
	} else if value != "" {
		job.GmailCredentialsFile = value
	}
	if value, err := flags.GetString("admin-credentials"); err != nil {
		return Job{}, err
	} else if value != "" {
		job.AdminCredentialsFile = value
	}
	if value, err := flags.GetString("query"); err != nil {
		return Job{}, err
	} else if value != "" {
		job.GmailQuery = value
	}
	if value, err := flags.GetInt("batch-size"); err != nil {
		return Job{}, err
	} else if value > 0 {
		job.BatchSize = value
	}
	if value, err := flags.GetInt("batch-delay"); err != nil {
		return Job{}, err
	} else if value != 0 {
		job.BatchDelay = value
	}
	if value, err := flags.GetInt("max-emails"); err != nil {
		return Job{}, err
	} else if value > 0 {
		job.MaxEmails = value
	}
	if value, err := flags.GetBool("dry-run"); err != nil {
		return Job{}, err
	} else if value {
		job.DryRun = true
	}
	if value, err := flags.GetString("token-dir"); err != nil {
		return Job{}, err
	} else if value != "" {
		job.TokenDir = value
	}
	if value, err := flags.GetString("state-dir"); err != nil {
		return Job{}, err
	} else if value != "" {
		job.StateDir = value
	}
	if value, err := flags.GetString("report-dir"); err != nil {
		return Job{}, err
	} else if value != "" {
		job.ReportDir = value
	}
	if value, err := flags.GetString("salvage-dir"); err != nil {
		return Job{}, err
	} else if value != "" {
		job.SalvageDir = value
	}
	if value, err := flags.GetString("log-dir"); err != nil {
		return Job{}, err
	} else if value != "" {
		job.LogDir = value
	}
	if value, err := flags.GetString("log-level"); err != nil {
		return Job{}, err
	} else if value != "" {
		job.LogLevel = normalizeLogLevel(value)
	}

	job.applyDefaults()
	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}

func normalizeLogLevel(level string) string {
	level = strings.ToLower(level)
	if level == "warning" {
		level = "warn"
	}
	return level
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, value := range values {
		if value > 0 {
			return value
		}
	}
	return 0
}
