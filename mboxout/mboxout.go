package mboxout

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/hgrams/gmail-to-group/state"
)

// Writer appends terminally failed messages to a per-account mbox archive
// so they can be inspected or replayed with standard mail tooling.
type Writer struct {
	file *os.File
	mbox *mboxlib.Writer
	now  func() time.Time
}

// Open creates or appends to the salvage archive for the given account.
func Open(dir, account string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create salvage directory: %w", err)
	}

	path := filepath.Join(dir, state.Key(account)+"_failed.mbox")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open salvage archive %s: %w", path, err)
	}

	return &Writer{
		file: file,
		mbox: mboxlib.NewWriter(file),
		now:  time.Now,
	}, nil
}

// Append writes one raw message to the archive. The identifier goes into
// the From_ separator line so entries stay traceable to source items.
func (w *Writer) Append(id string, raw []byte) error {
	msg, err := w.mbox.CreateMessage(id, w.now())
	if err != nil {
		return fmt.Errorf("start salvage entry %s: %w", id, err)
	}
	if _, err := msg.Write(raw); err != nil {
		return fmt.Errorf("write salvage entry %s: %w", id, err)
	}
	return nil
}

func (w *Writer) Close() error {
	var firstErr error
	if err := w.mbox.Close(); err != nil {
		firstErr = fmt.Errorf("close salvage writer: %w", err)
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close salvage archive: %w", err)
	}
	return firstErr
}
