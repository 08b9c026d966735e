package progress

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/hgrams/gmail-to-group/stats"
)

// Display renders a live migration status line. The item total is not
// known up front (the source is paged and filtered lazily), so a spinner
// with running counters is used instead of a bounded bar.
type Display struct {
	spinner  *pterm.SpinnerPrinter
	enabled  bool
	migrated int
	failed   int
	skipped  int
	dryRun   int
}

// New creates a display. It is active only at the info log level; at other
// levels the structured log is the sole output.
func New(logLevel string) *Display {
	display := &Display{enabled: logLevel == "info"}
	if display.enabled {
		spinner, _ := pterm.DefaultSpinner.Start("Preparing migration")
		display.spinner = spinner
	}
	return display
}

// Observe updates the status line from a migration event.
func (d *Display) Observe(evt stats.Event) {
	if !d.enabled || d.spinner == nil {
		return
	}

	switch evt.Type {
	case stats.EventTypeMigrated:
		d.migrated++
	case stats.EventTypeFailed:
		d.failed++
		if evt.Err != nil {
			pterm.Error.Printf("%s: %v\n", evt.ItemID, evt.Err)
		}
	case stats.EventTypeSkipped:
		d.skipped++
	case stats.EventTypeDryRun:
		d.dryRun++
	case stats.EventTypeRetried:
		pterm.Warning.Printf("%s: rate limited, retrying (attempt %d)\n", evt.ItemID, evt.Attempt)
	default:
		return
	}

	d.spinner.UpdateText(fmt.Sprintf("Migrating  migrated=%d failed=%d skipped=%d", d.migrated, d.failed, d.skipped))
}

// Stop finalizes the status line with the run summary.
func (d *Display) Stop(summary stats.Summary) {
	if !d.enabled || d.spinner == nil {
		return
	}
	_ = d.spinner.Stop()

	if summary.Failed > 0 {
		pterm.Warning.Printf("Migration finished: %d migrated, %d failed, %d skipped\n", summary.Migrated, summary.Failed, summary.Skipped)
		return
	}
	if summary.DryRun > 0 {
		pterm.Info.Printf("Dry run finished: %d inspected, %d skipped\n", summary.DryRun, summary.Skipped)
		return
	}
	pterm.Success.Printf("Migration finished: %d migrated, %d skipped\n", summary.Migrated, summary.Skipped)
}
