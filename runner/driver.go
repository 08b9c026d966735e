package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hgrams/gmail-to-group/gmail"
	"github.com/hgrams/gmail-to-group/groups"
	"github.com/hgrams/gmail-to-group/model"
	"github.com/hgrams/gmail-to-group/state"
	"github.com/hgrams/gmail-to-group/stats"
)

// DefaultMaxAttempts bounds rate-limit retries per item per run. After the
// bound the item is terminal for this run; a later run starts it fresh.
const DefaultMaxAttempts = 5

// Options configures a single-account migration job.
type Options struct {
	Account string
	Group   string
	Query   string
	// BatchSize is a reporting granularity only; it has no effect on retry
	// or correctness.
	BatchSize int
	// ItemDelay is slept after every item, success or failure.
	ItemDelay time.Duration
	// Cooldown is slept before re-attempting after a rate-limit signal.
	Cooldown time.Duration
	// PageDelay paces source page listings.
	PageDelay time.Duration
	// MaxItems caps attempted items this run (dry runs); zero is unlimited.
	MaxItems int
	// MaxAttempts bounds submissions per item per run; zero means
	// DefaultMaxAttempts.
	MaxAttempts int
	// DryRun fetches and counts items without submitting or recording.
	DryRun bool
}

// Salvage receives the raw payload of terminally failed items.
type Salvage interface {
	Append(id string, raw []byte) error
}

// Result summarizes one driver run. Attempted counts items handled this
// run; the Total fields reflect the whole progress record.
type Result struct {
	Attempted     int
	Succeeded     int
	Failed        int
	TotalMigrated int
	TotalFailed   int
}

// Driver walks pending items and moves each through
// PENDING -> SUCCEEDED | FAILED_TERMINAL, with bounded rate-limit retries
// in between. Execution is strictly sequential: one item in flight, every
// pause an explicit sleep.
type Driver struct {
	opts    Options
	source  gmail.Source
	archive groups.Archive
	store   state.Store
	events  *stats.Publisher
	salvage Salvage
	logger  *slog.Logger
	sleep   SleepFunc
}

func New(opts Options, source gmail.Source, archive groups.Archive, store state.Store, events *stats.Publisher, salvage Salvage, logger *slog.Logger) (*Driver, error) {
	if opts.Account == "" {
		return nil, fmt.Errorf("account is empty")
	}
	if opts.Group == "" {
		return nil, fmt.Errorf("group is empty")
	}
	if source == nil || archive == nil || store == nil {
		return nil, fmt.Errorf("source, archive and store must not be nil")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if events == nil {
		events = stats.NewPublisher()
	}
	return &Driver{
		opts:    opts,
		source:  source,
		archive: archive,
		store:   store,
		events:  events,
		salvage: salvage,
		logger:  logger,
		sleep:   sleepContext,
	}, nil
}

// Run migrates all pending items for the account. It returns an error only
// for account-level failures (inaccessible group, listing failure,
// cancellation); per-item failures are recorded and the run continues.
// Progress is persisted after every item, so re-invoking Run after an
// interruption resumes where the previous run left off.
func (d *Driver) Run(ctx context.Context) (Result, error) {
	var res Result

	if err := d.archive.VerifyAccess(ctx, d.opts.Group); err != nil {
		return res, fmt.Errorf("verify group access: %w", err)
	}

	enum := NewEnumerator(d.source, EnumeratorOptions{
		Query:     d.opts.Query,
		Cap:       d.opts.MaxItems,
		Cooldown:  d.opts.Cooldown,
		PageDelay: d.opts.PageDelay,
	}, d.store.AlreadyMigrated, d.logger)
	enum.sleep = d.sleep
	enum.onSkip = func(id string) {
		d.events.Publish(stats.Event{Type: stats.EventTypeSkipped, ItemID: id})
	}
	enum.onFetchError = func(id string, err error) {
		d.recordFailure(&res, id, nil, err)
	}

	d.logInfo("starting migration", "account", d.opts.Account, "group", d.opts.Group, "query", d.opts.Query, "dryRun", d.opts.DryRun)

	for {
		item, err := enum.Next(ctx)
		if errors.Is(err, ErrDone) {
			break
		}
		if err != nil {
			return d.finish(res, err)
		}

		res.Attempted++
		d.events.Publish(stats.Event{Type: stats.EventTypeFetched, ItemID: item.ID})

		if d.opts.DryRun {
			d.events.Publish(stats.Event{Type: stats.EventTypeDryRun, ItemID: item.ID})
			d.logInfo("dry run, not submitting", "id", item.ID, "size", len(item.Raw), "thread", item.ThreadID)
		} else if err := d.submit(ctx, item); err != nil {
			if ctx.Err() != nil {
				return d.finish(res, ctx.Err())
			}
			res.Failed++
			d.recordFailure(&res, item.ID, item.Raw, err)
		} else {
			res.Succeeded++
			d.store.RecordSuccess(item.ID)
			d.persist()
			d.events.Publish(stats.Event{Type: stats.EventTypeMigrated, ItemID: item.ID})
			if d.logger != nil {
				d.logger.Debug("migrated", "id", item.ID, "group", d.opts.Group)
			}
		}

		if d.opts.BatchSize > 0 && res.Attempted%d.opts.BatchSize == 0 {
			d.logInfo("progress", "attempted", res.Attempted, "succeeded", res.Succeeded, "failed", res.Failed)
		}

		if err := d.sleep(ctx, d.opts.ItemDelay); err != nil {
			return d.finish(res, err)
		}
	}

	return d.finish(res, nil)
}

// submit pushes one item into the archive, retrying the same item after a
// cooldown on each rate-limit signal, up to the per-run attempt bound.
func (d *Driver) submit(ctx context.Context, item model.Item) error {
	for attempt := 1; ; attempt++ {
		err := d.archive.Submit(ctx, d.opts.Group, item.Raw)
		if err == nil {
			return nil
		}
		if !errors.Is(err, groups.ErrRateLimited) {
			return err
		}
		if attempt >= d.opts.MaxAttempts {
			return fmt.Errorf("rate limited after %d attempts: %w", attempt, err)
		}

		d.events.Publish(stats.Event{Type: stats.EventTypeRetried, ItemID: item.ID, Attempt: attempt, Err: err})
		if d.logger != nil {
			d.logger.Warn("archive rate limited, cooling down", "id", item.ID, "attempt", attempt, "cooldown", d.opts.Cooldown)
		}
		if err := d.sleep(ctx, d.opts.Cooldown); err != nil {
			return err
		}
	}
}

func (d *Driver) recordFailure(res *Result, id string, raw []byte, err error) {
	d.store.RecordFailure(id, err.Error())
	d.persist()
	d.events.Publish(stats.Event{Type: stats.EventTypeFailed, ItemID: id, Err: err})
	if d.logger != nil {
		d.logger.Warn("item failed", "id", id, "err", err)
	}
	if d.salvage != nil && len(raw) > 0 {
		if salvageErr := d.salvage.Append(id, raw); salvageErr != nil && d.logger != nil {
			d.logger.Warn("could not salvage failed item", "id", id, "err", salvageErr)
		}
	}
}

// finish flushes progress one last time, including on cancellation, so no
// recorded outcome is left behind.
func (d *Driver) finish(res Result, err error) (Result, error) {
	d.persist()
	snap := d.store.Snapshot()
	res.TotalMigrated = snap.Migrated
	res.TotalFailed = snap.Failed

	if err != nil {
		if d.logger != nil {
			d.logger.Error("migration stopped", "account", d.opts.Account, "attempted", res.Attempted, "err", err)
		}
		return res, err
	}

	d.logInfo("migration completed", "account", d.opts.Account,
		"attempted", res.Attempted, "succeeded", res.Succeeded, "failed", res.Failed,
		"totalMigrated", res.TotalMigrated, "totalFailed", res.TotalFailed)
	return res, nil
}

func (d *Driver) persist() {
	if err := d.store.Persist(); err != nil && d.logger != nil {
		d.logger.Error("could not persist progress", "err", err)
	}
}

func (d *Driver) logInfo(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Info(msg, args...)
	}
}
