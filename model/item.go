package model

import "time"

// Item represents a single message fetched from the source mailbox.
// It is immutable once fetched; Raw holds the full RFC 822 encoding.
type Item struct {
	ID           string
	ThreadID     string
	Labels       []string
	Snippet      string
	SizeEstimate int64
	Raw          []byte
}

// Failure records one failed migration attempt for an item. An item may
// accumulate multiple failures across runs; only success is terminal.
type Failure struct {
	ID        string    `json:"id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}
