package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hgrams/gmail-to-group/gmail"
	"github.com/hgrams/gmail-to-group/model"
)

// ErrDone signals normal exhaustion of the enumeration.
var ErrDone = errors.New("enumeration complete")

// EnumeratorOptions configures one enumeration pass over the source.
type EnumeratorOptions struct {
	// Query is passed through to the source mailbox unchanged.
	Query string
	// Cap bounds the number of yielded items (post-filter). Zero means
	// unlimited.
	Cap int
	// Cooldown is how long to suspend the whole enumeration after a
	// rate-limit signal before repeating the same call.
	Cooldown time.Duration
	// PageDelay is a short pause between page listings.
	PageDelay time.Duration
}

// Enumerator walks the paged source and yields pending items one at a time.
// It is restartable from scratch each run, not resumable mid-page;
// resumption correctness comes entirely from the skip filter, which is
// consulted before the expensive payload fetch.
type Enumerator struct {
	src  gmail.Source
	opts EnumeratorOptions

	// skip reports whether an identifier is already migrated. Such
	// identifiers are never yielded and never fetched.
	skip func(id string) bool
	// onSkip and onFetchError observe filtered identifiers and per-item
	// fetch failures. Fetch failures are recorded and enumeration
	// continues; they are not fatal to the run.
	onSkip       func(id string)
	onFetchError func(id string, err error)

	sleep  SleepFunc
	logger *slog.Logger

	pageToken string
	queue     []string
	started   bool
	finished  bool
	yielded   int
}

func NewEnumerator(src gmail.Source, opts EnumeratorOptions, skip func(id string) bool, logger *slog.Logger) *Enumerator {
	return &Enumerator{
		src:    src,
		opts:   opts,
		skip:   skip,
		sleep:  sleepContext,
		logger: logger,
	}
}

// Next returns the next pending item, ErrDone on exhaustion, or an error
// that ends the enumeration (listing failures and cancellation).
func (e *Enumerator) Next(ctx context.Context) (model.Item, error) {
	if e.finished {
		return model.Item{}, ErrDone
	}

	for {
		if err := ctx.Err(); err != nil {
			return model.Item{}, err
		}
		if e.opts.Cap > 0 && e.yielded >= e.opts.Cap {
			e.finished = true
			return model.Item{}, ErrDone
		}

		if len(e.queue) == 0 {
			if e.started && e.pageToken == "" {
				e.finished = true
				return model.Item{}, ErrDone
			}
			if err := e.listPage(ctx); err != nil {
				return model.Item{}, err
			}
			continue
		}

		id := e.queue[0]
		e.queue = e.queue[1:]

		if e.skip != nil && e.skip(id) {
			if e.onSkip != nil {
				e.onSkip(id)
			}
			continue
		}

		item, err := e.fetch(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return model.Item{}, ctx.Err()
			}
			if e.logger != nil {
				e.logger.Error("fetch failed", "id", id, "err", err)
			}
			if e.onFetchError != nil {
				e.onFetchError(id, err)
			}
			continue
		}

		e.yielded++
		return item, nil
	}
}

// listPage fetches the next page of identifiers. A rate-limit signal
// suspends the enumeration for the cooldown and repeats the same call, so
// no page is skipped or dropped.
func (e *Enumerator) listPage(ctx context.Context) error {
	if e.started && e.opts.PageDelay > 0 {
		if err := e.sleep(ctx, e.opts.PageDelay); err != nil {
			return err
		}
	}

	for {
		ids, next, err := e.src.ListIDs(ctx, e.opts.Query, e.pageToken)
		if errors.Is(err, gmail.ErrRateLimited) {
			if e.logger != nil {
				e.logger.Warn("mailbox rate limited while listing, cooling down", "cooldown", e.opts.Cooldown)
			}
			if err := e.sleep(ctx, e.opts.Cooldown); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("list page: %w", err)
		}

		e.started = true
		e.queue = ids
		e.pageToken = next
		if len(ids) == 0 && next == "" {
			e.finished = true
			return ErrDone
		}
		return nil
	}
}

// fetch retrieves one item's payload, repeating the same fetch after a
// cooldown whenever the source throttles.
func (e *Enumerator) fetch(ctx context.Context, id string) (model.Item, error) {
	for {
		item, err := e.src.Fetch(ctx, id)
		if errors.Is(err, gmail.ErrRateLimited) {
			if e.logger != nil {
				e.logger.Warn("mailbox rate limited while fetching, cooling down", "id", id, "cooldown", e.opts.Cooldown)
			}
			if sleepErr := e.sleep(ctx, e.opts.Cooldown); sleepErr != nil {
				return model.Item{}, sleepErr
			}
			continue
		}
		return item, err
	}
}
