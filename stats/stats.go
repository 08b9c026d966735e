package stats

import (
	"log/slog"
	"time"
)

type EventType string

const (
	EventTypeSkipped  EventType = "skipped"
	EventTypeFetched  EventType = "fetched"
	EventTypeMigrated EventType = "migrated"
	EventTypeRetried  EventType = "retried"
	EventTypeDryRun   EventType = "dry_run"
	EventTypeFailed   EventType = "failed"
)

type Event struct {
	Type    EventType
	ItemID  string
	Attempt int
	Err     error
}

// Publisher fans events out to registered observers synchronously. The
// migration is strictly sequential, so no channels or locking are needed.
type Publisher struct {
	observers []func(Event)
}

func NewPublisher() *Publisher {
	return &Publisher{}
}

func (p *Publisher) Subscribe(fn func(Event)) {
	if fn != nil {
		p.observers = append(p.observers, fn)
	}
}

func (p *Publisher) Publish(evt Event) {
	for _, fn := range p.observers {
		fn(evt)
	}
}

type Summary struct {
	Skipped   int
	Fetched   int
	Migrated  int
	Retried   int
	DryRun    int
	Failed    int
	LastError error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"skipped", s.Skipped,
		"fetched", s.Fetched,
		"migrated", s.Migrated,
		"retried", s.Retried,
		"dryRun", s.DryRun,
		"failed", s.Failed,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Collector accumulates a Summary from events.
type Collector struct {
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Observe(evt Event) {
	switch evt.Type {
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeFetched:
		c.summary.Fetched++
	case EventTypeMigrated:
		c.summary.Migrated++
	case EventTypeRetried:
		c.summary.Retried++
	case EventTypeDryRun:
		c.summary.DryRun++
	case EventTypeFailed:
		c.summary.Failed++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

func (c *Collector) Snapshot() Summary {
	return c.summary
}

// Reporter logs the final summary when the run ends.
type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(publisher *Publisher, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	publisher.Subscribe(reporter.collector.Observe)
	return reporter
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

func (r *Reporter) Log() {
	if r.logger == nil {
		return
	}
	attrs := append(r.Summary().LogAttrs(), "duration", time.Since(r.started))
	r.logger.Info("migration summary", attrs...)
}
