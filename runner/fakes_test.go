package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hgrams/gmail-to-group/gmail"
	"github.com/hgrams/gmail-to-group/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource serves pages of identifiers and scripted per-call errors.
type fakeSource struct {
	pages [][]string

	// listErrs[n] is returned by the n-th ListIDs call (0-based) instead
	// of a page; the call is not consumed, so a retry sees the real page.
	listErrs map[int]error
	listCall int

	// fetchErrs holds error sequences popped per fetch of an id.
	fetchErrs map[string][]error
	fetched   []string
}

func newFakeSource(pages ...[]string) *fakeSource {
	return &fakeSource{
		pages:     pages,
		listErrs:  map[int]error{},
		fetchErrs: map[string][]error{},
	}
}

func (s *fakeSource) ListIDs(ctx context.Context, query, pageToken string) ([]string, string, error) {
	call := s.listCall
	s.listCall++
	if err, ok := s.listErrs[call]; ok {
		return nil, "", err
	}

	page := 0
	if pageToken != "" {
		fmt.Sscanf(pageToken, "page-%d", &page)
	}
	if page >= len(s.pages) {
		return nil, "", nil
	}

	next := ""
	if page+1 < len(s.pages) {
		next = fmt.Sprintf("page-%d", page+1)
	}
	return s.pages[page], next, nil
}

func (s *fakeSource) Fetch(ctx context.Context, id string) (model.Item, error) {
	if errs := s.fetchErrs[id]; len(errs) > 0 {
		err := errs[0]
		s.fetchErrs[id] = errs[1:]
		return model.Item{}, err
	}
	s.fetched = append(s.fetched, id)
	// Raw carries the id so the fake archive can attribute submissions.
	return model.Item{ID: id, Raw: []byte(id)}, nil
}

var _ gmail.Source = (*fakeSource)(nil)

// fakeArchive records submissions and serves scripted error sequences.
type fakeArchive struct {
	verifyErr  error
	submitErrs map[string][]error
	submitted  []string
	onSubmit   func(id string)
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{submitErrs: map[string][]error{}}
}

func (a *fakeArchive) VerifyAccess(ctx context.Context, groupEmail string) error {
	return a.verifyErr
}

func (a *fakeArchive) Submit(ctx context.Context, groupEmail string, raw []byte) error {
	id := string(raw)
	a.submitted = append(a.submitted, id)
	if a.onSubmit != nil {
		a.onSubmit(id)
	}
	if errs := a.submitErrs[id]; len(errs) > 0 {
		err := errs[0]
		a.submitErrs[id] = errs[1:]
		return err
	}
	return nil
}

// sleepRecorder replaces real sleeps with a log of requested durations.
type sleepRecorder struct {
	slept []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d > 0 {
		r.slept = append(r.slept, d)
	}
	return nil
}

func (r *sleepRecorder) count(d time.Duration) int {
	n := 0
	for _, got := range r.slept {
		if got == d {
			n++
		}
	}
	return n
}

func ids(n int, prefix string) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%02d", prefix, i+1)
	}
	return out
}
