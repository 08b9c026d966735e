package groups

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"
	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/groupsmigration/v1"
	"google.golang.org/api/option"
)

// Sentinel errors classifying submission outcomes. ErrRateLimited is the
// only retriable one; the others are terminal for the item or the account.
var (
	ErrRateLimited  = errors.New("archive rate limited")
	ErrAccessDenied = errors.New("archive access denied")
	ErrNotFound     = errors.New("group not found")
)

// Archive is the destination side of a migration: a group archive that
// accepts full RFC 822 messages.
type Archive interface {
	VerifyAccess(ctx context.Context, groupEmail string) error
	Submit(ctx context.Context, groupEmail string, raw []byte) error
}

// Client implements Archive against the Admin SDK (access checks) and the
// Groups Migration API (archive inserts).
type Client struct {
	directory *admin.Service
	migration *groupsmigration.Service
	logger    *slog.Logger
}

func NewClient(ctx context.Context, tokenSource oauth2.TokenSource, logger *slog.Logger) (*Client, error) {
	if tokenSource == nil {
		return nil, fmt.Errorf("token source must not be nil")
	}

	directory, err := admin.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, fmt.Errorf("create directory service: %w", err)
	}
	migration, err := groupsmigration.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, fmt.Errorf("create groups migration service: %w", err)
	}

	return &Client{directory: directory, migration: migration, logger: logger}, nil
}

// VerifyAccess confirms the group exists and the admin credentials can see
// it. Called once per account, before any item is attempted.
func (c *Client) VerifyAccess(ctx context.Context, groupEmail string) error {
	group, err := c.directory.Groups.Get(groupEmail).Context(ctx).Do()
	if err != nil {
		return Classify(fmt.Errorf("get group %s: %w", groupEmail, err))
	}
	if c.logger != nil {
		c.logger.Info("group is accessible", "group", groupEmail, "name", group.Name)
	}
	return nil
}

// Submit inserts one raw message into the group archive. The Groups
// Migration API preserves the original headers, timestamps and threading.
func (c *Client) Submit(ctx context.Context, groupEmail string, raw []byte) error {
	call := c.migration.Archive.Insert(groupEmail).
		Media(bytes.NewReader(raw), googleapi.ContentType("message/rfc822"))

	if _, err := call.Context(ctx).Do(); err != nil {
		return Classify(fmt.Errorf("insert archive entry: %w", err))
	}
	return nil
}

// Classify maps HTTP status codes onto the outcome sentinels so callers can
// use errors.Is instead of inspecting googleapi errors themselves.
func Classify(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	switch apiErr.Code {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
