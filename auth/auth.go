package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	admin "google.golang.org/api/admin/directory/v1"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/groupsmigration/v1"

	"github.com/hgrams/gmail-to-group/state"
)

// GmailScopes covers the read side of the migration.
var GmailScopes = []string{gmailv1.GmailReadonlyScope}

// AdminScopes covers the write side: directory group lookup plus the
// groups migration archive insert.
var AdminScopes = []string{
	admin.AdminDirectoryGroupScope,
	admin.AdminDirectoryGroupMemberScope,
	groupsmigration.AppsGroupsMigrationScope,
}

// Provider turns installed-app OAuth client credentials into token sources,
// caching tokens per user so subsequent runs skip the browser dance.
type Provider struct {
	tokenDir string
	logger   *slog.Logger
	// prompt obtains an authorization code for the given URL. The default
	// prints the URL and reads the code from stdin; tests replace it.
	prompt func(authURL string) (string, error)
}

func NewProvider(tokenDir string, logger *slog.Logger) *Provider {
	return &Provider{
		tokenDir: tokenDir,
		logger:   logger,
		prompt:   consolePrompt,
	}
}

// GmailTokenSource authenticates the mailbox-read side for one account.
func (p *Provider) GmailTokenSource(ctx context.Context, credentialsFile, account string) (oauth2.TokenSource, error) {
	tokenFile := filepath.Join(p.tokenDir, state.Key(account)+"_gmail_token.json")
	return p.tokenSource(ctx, credentialsFile, tokenFile, GmailScopes)
}

// AdminTokenSource authenticates the directory/archive side. One admin
// token is shared by all accounts in a batch.
func (p *Provider) AdminTokenSource(ctx context.Context, credentialsFile string) (oauth2.TokenSource, error) {
	tokenFile := filepath.Join(p.tokenDir, "admin_token.json")
	return p.tokenSource(ctx, credentialsFile, tokenFile, AdminScopes)
}

func (p *Provider) tokenSource(ctx context.Context, credentialsFile, tokenFile string, scopes []string) (oauth2.TokenSource, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read client credentials %s: %w", credentialsFile, err)
	}
	cfg, err := google.ConfigFromJSON(data, scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse client credentials %s: %w", credentialsFile, err)
	}

	token, err := tokenFromFile(tokenFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) && p.logger != nil {
			p.logger.Warn("cached token unreadable, re-authorizing", "path", tokenFile, "err", err)
		}
		token, err = p.authorize(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := saveToken(tokenFile, token); err != nil {
			return nil, err
		}
		if p.logger != nil {
			p.logger.Info("token saved", "path", tokenFile)
		}
	}

	// The token source refreshes expired tokens transparently.
	return cfg.TokenSource(ctx, token), nil
}

// authorize runs the out-of-band installed-app flow: the user opens the
// URL, grants access and pastes the code back.
func (p *Provider) authorize(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error) {
	authURL := cfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	code, err := p.prompt(authURL)
	if err != nil {
		return nil, fmt.Errorf("read authorization code: %w", err)
	}
	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return token, nil
}

func consolePrompt(authURL string) (string, error) {
	fmt.Printf("Open the following link in your browser, authorize the app and paste the code here:\n%v\n> ", authURL)
	var code string
	if _, err := fmt.Scan(&code); err != nil {
		return "", err
	}
	return code, nil
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	token := &oauth2.Token{}
	if err := json.Unmarshal(data, token); err != nil {
		return nil, fmt.Errorf("parse token %s: %w", path, err)
	}
	return token, nil
}

func saveToken(path string, token *oauth2.Token) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create token directory: %w", err)
		}
	}
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write token %s: %w", path, err)
	}
	return nil
}
