package runner

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hgrams/gmail-to-group/groups"
	"github.com/hgrams/gmail-to-group/state"
	"github.com/hgrams/gmail-to-group/stats"
)

func newTestDriver(t *testing.T, opts Options, source *fakeSource, archive *fakeArchive, store state.Store) (*Driver, *sleepRecorder) {
	t.Helper()
	if opts.Account == "" {
		opts.Account = "alice@example.com"
	}
	if opts.Group == "" {
		opts.Group = "archive@example.com"
	}
	driver, err := New(opts, source, archive, store, nil, nil, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	recorder := &sleepRecorder{}
	driver.sleep = recorder.sleep
	return driver, recorder
}

func TestDriverMigratesAllPending(t *testing.T) {
	// The reference scenario: 25 items, 5 already migrated, no cap, the
	// archive accepts everything.
	source := newFakeSource(ids(10, "a"), ids(10, "b"), ids(5, "c"))
	archive := newFakeArchive()
	store := state.NewMemoryStore()
	for _, id := range []string{"a01", "a05", "b03", "b10", "c02"} {
		store.RecordSuccess(id)
	}

	driver, _ := newTestDriver(t, Options{}, source, archive, store)
	res, err := driver.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(archive.submitted) != 20 {
		t.Fatalf("expected 20 submissions, got %d", len(archive.submitted))
	}
	if res.Succeeded != 20 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.TotalMigrated != 25 || res.TotalFailed != 0 {
		t.Fatalf("expected migrated to grow to 25 with no failures, got %+v", res)
	}
}

func TestDriverIdempotentResumption(t *testing.T) {
	pages := [][]string{ids(10, "a"), ids(5, "b")}
	archive := newFakeArchive()
	store := state.NewMemoryStore()

	first, _ := newTestDriver(t, Options{}, newFakeSource(pages...), archive, store)
	if _, err := first.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if len(archive.submitted) != 15 {
		t.Fatalf("expected 15 submissions in run 1, got %d", len(archive.submitted))
	}

	second, _ := newTestDriver(t, Options{}, newFakeSource(pages...), archive, store)
	if _, err := second.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(archive.submitted) != 15 {
		t.Fatalf("second run must re-submit nothing, got %d total submissions", len(archive.submitted))
	}
}

func TestDriverRateLimitRetryBound(t *testing.T) {
	source := newFakeSource([]string{"a01"})
	archive := newFakeArchive()
	rateLimited := fmt.Errorf("throttled: %w", groups.ErrRateLimited)
	// More scripted errors than the bound allows.
	archive.submitErrs["a01"] = []error{rateLimited, rateLimited, rateLimited, rateLimited, rateLimited, rateLimited, rateLimited}
	store := state.NewMemoryStore()

	cooldown := 60 * time.Second
	driver, recorder := newTestDriver(t, Options{Cooldown: cooldown, MaxAttempts: 3}, source, archive, store)

	res, err := driver.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(archive.submitted) != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", len(archive.submitted))
	}
	if recorder.count(cooldown) != 2 {
		t.Fatalf("expected 2 cooldown sleeps between 3 attempts, got %v", recorder.slept)
	}
	if res.Failed != 1 {
		t.Fatalf("exhausted item must be terminal for the run: %+v", res)
	}
	if store.AlreadyMigrated("a01") {
		t.Fatal("failed item must stay pending for later runs")
	}
	failures := store.Failures()
	if len(failures) != 1 || failures[0].ID != "a01" {
		t.Fatalf("expected one failure record for a01, got %+v", failures)
	}
}

func TestDriverRateLimitThenSuccess(t *testing.T) {
	source := newFakeSource([]string{"a01"})
	archive := newFakeArchive()
	archive.submitErrs["a01"] = []error{fmt.Errorf("throttled: %w", groups.ErrRateLimited)}
	store := state.NewMemoryStore()

	driver, _ := newTestDriver(t, Options{Cooldown: time.Minute}, source, archive, store)
	res, err := driver.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(archive.submitted) != 2 {
		t.Fatalf("expected retry of the same item, got %d submissions", len(archive.submitted))
	}
	if res.Succeeded != 1 || !store.AlreadyMigrated("a01") {
		t.Fatalf("item must succeed after the cooldown: %+v", res)
	}
}

func TestDriverTerminalErrorsDoNotStopRun(t *testing.T) {
	source := newFakeSource([]string{"a01", "a02", "a03"})
	archive := newFakeArchive()
	archive.submitErrs["a01"] = []error{fmt.Errorf("no: %w", groups.ErrAccessDenied)}
	archive.submitErrs["a02"] = []error{fmt.Errorf("gone: %w", groups.ErrNotFound)}
	store := state.NewMemoryStore()

	driver, _ := newTestDriver(t, Options{}, source, archive, store)
	res, err := driver.Run(context.Background())
	if err != nil {
		t.Fatalf("per-item errors must not abort the run: %v", err)
	}

	if res.Failed != 2 || res.Succeeded != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !store.AlreadyMigrated("a03") {
		t.Fatal("run must continue past terminal items")
	}
	if len(store.Failures()) != 2 {
		t.Fatalf("expected 2 failure records, got %+v", store.Failures())
	}
}

func TestDriverVerifyAccessFailureAbortsBeforeAnyItem(t *testing.T) {
	source := newFakeSource([]string{"a01"})
	archive := newFakeArchive()
	archive.verifyErr = fmt.Errorf("nope: %w", groups.ErrAccessDenied)
	store := state.NewMemoryStore()

	driver, _ := newTestDriver(t, Options{}, source, archive, store)
	_, err := driver.Run(context.Background())
	if !errors.Is(err, groups.ErrAccessDenied) {
		t.Fatalf("expected access-denied error, got %v", err)
	}
	if len(archive.submitted) != 0 || len(source.fetched) != 0 {
		t.Fatal("no item may be attempted when the group is inaccessible")
	}
}

func TestDriverFetchFailureRecorded(t *testing.T) {
	source := newFakeSource([]string{"a01", "a02"})
	source.fetchErrs["a01"] = []error{errors.New("payload unreadable")}
	archive := newFakeArchive()
	store := state.NewMemoryStore()

	driver, _ := newTestDriver(t, Options{}, source, archive, store)
	res, err := driver.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.TotalFailed != 1 {
		t.Fatalf("fetch failure must be recorded: %+v", res)
	}
	if len(archive.submitted) != 1 || archive.submitted[0] != "a02" {
		t.Fatalf("expected only a02 submitted, got %v", archive.submitted)
	}
}

func TestDriverItemDelayAppliedAfterEveryItem(t *testing.T) {
	source := newFakeSource([]string{"a01", "a02", "a03"})
	archive := newFakeArchive()
	store := state.NewMemoryStore()

	delay := time.Second
	driver, recorder := newTestDriver(t, Options{ItemDelay: delay}, source, archive, store)
	if _, err := driver.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if recorder.count(delay) != 3 {
		t.Fatalf("expected 3 pacing sleeps, got %v", recorder.slept)
	}
}

func TestDriverDryRunSubmitsNothing(t *testing.T) {
	source := newFakeSource(ids(5, "a"))
	archive := newFakeArchive()
	store := state.NewMemoryStore()

	driver, _ := newTestDriver(t, Options{DryRun: true, MaxItems: 1}, source, archive, store)
	res, err := driver.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(archive.submitted) != 0 {
		t.Fatal("dry run must not submit")
	}
	if res.Attempted != 1 {
		t.Fatalf("dry run cap not honored: %+v", res)
	}
	if store.Snapshot().Migrated != 0 {
		t.Fatal("dry run must not mutate progress")
	}
}

func TestDriverMaxItemsCap(t *testing.T) {
	source := newFakeSource(ids(10, "a"))
	archive := newFakeArchive()
	store := state.NewMemoryStore()
	store.RecordSuccess("a01")

	driver, _ := newTestDriver(t, Options{MaxItems: 4}, source, archive, store)
	res, err := driver.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Attempted != 4 || len(archive.submitted) != 4 {
		t.Fatalf("cap of 4 pending items not enforced: %+v, submitted %v", res, archive.submitted)
	}
}

func TestDriverPersistsAfterEveryOutcome(t *testing.T) {
	source := newFakeSource([]string{"a01", "a02", "a03"})
	archive := newFakeArchive()
	archive.submitErrs["a02"] = []error{fmt.Errorf("gone: %w", groups.ErrNotFound)}
	store := &persistCounter{MemoryStore: state.NewMemoryStore()}

	driver, _ := newTestDriver(t, Options{}, source, archive, store)
	if _, err := driver.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// One persist per outcome plus the final flush.
	if store.persists < 4 {
		t.Fatalf("expected a persist after every item outcome, got %d", store.persists)
	}
}

type persistCounter struct {
	*state.MemoryStore
	persists int
}

func (p *persistCounter) Persist() error {
	p.persists++
	return nil
}

func TestDriverCancellationPersistsProgress(t *testing.T) {
	source := newFakeSource(ids(5, "a"))
	archive := newFakeArchive()
	store := &persistCounter{MemoryStore: state.NewMemoryStore()}

	ctx, cancel := context.WithCancel(context.Background())
	archive.onSubmit = func(id string) {
		if id == "a02" {
			cancel()
		}
	}

	driver, _ := newTestDriver(t, Options{}, source, archive, store)
	_, err := driver.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation to surface, got %v", err)
	}

	if !store.AlreadyMigrated("a01") {
		t.Fatal("completed items must survive cancellation")
	}
	if store.persists == 0 {
		t.Fatal("progress must be flushed on cancellation")
	}
}

type salvageRecorder struct {
	ids []string
}

func (s *salvageRecorder) Append(id string, raw []byte) error {
	s.ids = append(s.ids, id)
	return nil
}

func TestDriverSalvagesTerminalFailures(t *testing.T) {
	source := newFakeSource([]string{"a01", "a02"})
	archive := newFakeArchive()
	archive.submitErrs["a01"] = []error{fmt.Errorf("no: %w", groups.ErrAccessDenied)}
	store := state.NewMemoryStore()
	salvage := &salvageRecorder{}

	driver, err := New(Options{Account: "alice@example.com", Group: "archive@example.com"},
		source, archive, store, stats.NewPublisher(), salvage, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	driver.sleep = (&sleepRecorder{}).sleep

	if _, err := driver.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(salvage.ids) != 1 || salvage.ids[0] != "a01" {
		t.Fatalf("expected a01 salvaged, got %v", salvage.ids)
	}
}

func TestDriverEventStream(t *testing.T) {
	source := newFakeSource([]string{"a01", "a02"})
	archive := newFakeArchive()
	archive.submitErrs["a02"] = []error{fmt.Errorf("gone: %w", groups.ErrNotFound)}
	store := state.NewMemoryStore()
	store.RecordSuccess("a03") // not listed, just ensures skip path is safe

	publisher := stats.NewPublisher()
	collector := stats.NewCollector()
	publisher.Subscribe(collector.Observe)

	driver, err := New(Options{Account: "alice@example.com", Group: "archive@example.com"},
		source, archive, store, publisher, nil, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	driver.sleep = (&sleepRecorder{}).sleep

	if _, err := driver.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	summary := collector.Snapshot()
	if summary.Fetched != 2 || summary.Migrated != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.LastError == nil || !errors.Is(summary.LastError, groups.ErrNotFound) {
		t.Fatalf("expected last error to carry the not-found cause, got %v", summary.LastError)
	}
}
