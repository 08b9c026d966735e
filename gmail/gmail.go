package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/hgrams/gmail-to-group/model"
)

// ErrRateLimited marks an error returned because the mailbox API throttled
// the caller. Callers match it with errors.Is and retry after a cooldown.
var ErrRateLimited = errors.New("mailbox rate limited")

// listPageSize is the maximum the messages.list endpoint accepts.
const listPageSize = 500

// Source lists and fetches messages from the account being migrated.
// Listing identifiers is cheap; fetching the full payload is the expensive
// step and is done per item.
type Source interface {
	ListIDs(ctx context.Context, query, pageToken string) (ids []string, nextPageToken string, err error)
	Fetch(ctx context.Context, id string) (model.Item, error)
}

// Client implements Source against the Gmail API.
type Client struct {
	svc    *gmailv1.Service
	logger *slog.Logger
}

func NewClient(ctx context.Context, tokenSource oauth2.TokenSource, logger *slog.Logger) (*Client, error) {
	if tokenSource == nil {
		return nil, fmt.Errorf("token source must not be nil")
	}
	svc, err := gmailv1.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return &Client{svc: svc, logger: logger}, nil
}

func (c *Client) ListIDs(ctx context.Context, query, pageToken string) ([]string, string, error) {
	call := c.svc.Users.Messages.List("me").
		Q(query).
		MaxResults(listPageSize)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, "", classify(fmt.Errorf("list messages: %w", err))
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		ids = append(ids, msg.Id)
	}

	if c.logger != nil {
		c.logger.Debug("listed message page", "count", len(ids), "more", resp.NextPageToken != "")
	}

	return ids, resp.NextPageToken, nil
}

func (c *Client) Fetch(ctx context.Context, id string) (model.Item, error) {
	msg, err := c.svc.Users.Messages.Get("me", id).Format("raw").Context(ctx).Do()
	if err != nil {
		return model.Item{}, classify(fmt.Errorf("get message %s: %w", id, err))
	}

	raw, err := decodeRaw(msg.Raw)
	if err != nil {
		return model.Item{}, fmt.Errorf("decode message %s: %w", id, err)
	}

	return model.Item{
		ID:           msg.Id,
		ThreadID:     msg.ThreadId,
		Labels:       msg.LabelIds,
		Snippet:      msg.Snippet,
		SizeEstimate: msg.SizeEstimate,
		Raw:          raw,
	}, nil
}

// decodeRaw decodes the URL-safe base64 payload the Gmail API returns. The
// API omits padding, but older responses carried it, so both are accepted.
func decodeRaw(encoded string) ([]byte, error) {
	if raw, err := base64.RawURLEncoding.DecodeString(encoded); err == nil {
		return raw, nil
	}
	return base64.URLEncoding.DecodeString(encoded)
}

// classify folds HTTP 429 responses into ErrRateLimited so the retry loop
// can distinguish throttling from real failures.
func classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return err
}
