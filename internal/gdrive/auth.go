package gdrive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/filebarn/filebarn/internal/drive"
)

// OAuth2 endpoints for the remote drive identity provider.
const (
	authURL          = "https://accounts.google.com/o/oauth2/v2/auth"
	tokenURL         = "https://oauth2.googleapis.com/token" //nolint:gosec // endpoint URL, not a credential
	defaultRevokeURL = "https://oauth2.googleapis.com/revoke"
)

// TokenPersister writes a refreshed credential bundle back onto the account
// record. The store implements it.
type TokenPersister interface {
	UpdateTokens(ctx context.Context, accountID, accessToken, refreshToken string, expiry time.Time) error
}

// accountTokenSource adapts oauth2.TokenSource to gdrive.TokenSource and
// persists every silently refreshed token back to the account record, so a
// process restart picks up where the refresh left off.
type accountTokenSource struct {
	mu        sync.Mutex
	src       oauth2.TokenSource
	accountID string
	lastToken string
	persist   TokenPersister
	logger    *slog.Logger
}

// NewAccountTokenSource builds a self-refreshing token source from the
// account's stored credential bundle. ctx must outlive the source — it is
// bound to the underlying oauth2 refresh transport.
func NewAccountTokenSource(
	ctx context.Context,
	account *drive.Account,
	clientID, clientSecret string,
	persist TokenPersister,
	logger *slog.Logger,
) TokenSource {
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  authURL,
			TokenURL: tokenURL,
		},
	}

	tok := &oauth2.Token{
		AccessToken:  account.AccessToken,
		RefreshToken: account.RefreshToken,
		Expiry:       account.TokenExpiry,
	}

	return &accountTokenSource{
		src:       cfg.TokenSource(ctx, tok),
		accountID: account.ID,
		lastToken: account.AccessToken,
		persist:   persist,
		logger:    logger,
	}
}

// Token returns a valid bearer token, refreshing transparently. A changed
// access token is persisted before being handed out; persistence failures
// are logged but do not fail the request (the refreshed token still works
// for this process).
func (a *accountTokenSource) Token() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, err := a.src.Token()
	if err != nil {
		a.logger.Warn("token acquisition failed",
			slog.String("account_id", a.accountID),
			slog.String("error", err.Error()),
		)

		return "", fmt.Errorf("gdrive: obtaining token: %w", err)
	}

	if t.AccessToken != a.lastToken {
		a.logger.Info("token refreshed",
			slog.String("account_id", a.accountID),
			slog.Time("new_expiry", t.Expiry),
		)

		persistErr := a.persist.UpdateTokens(
			context.Background(), a.accountID, t.AccessToken, t.RefreshToken, t.Expiry,
		)
		if persistErr != nil {
			a.logger.Warn("failed to persist refreshed token",
				slog.String("account_id", a.accountID),
				slog.String("error", persistErr.Error()),
			)
		} else {
			a.lastToken = t.AccessToken
		}
	}

	return t.AccessToken, nil
}

// revokeCredential posts the token to the revocation endpoint. Best-effort:
// the caller logs failures and proceeds with account deletion regardless.
func revokeCredential(ctx context.Context, httpClient *http.Client, revokeURL, token string) error {
	form := url.Values{"token": {token}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("gdrive: creating revoke request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gdrive: revoke request failed: %w", err)
	}
	defer resp.Body.Close()

	if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
		return fmt.Errorf("gdrive: draining revoke response: %w", drainErr)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gdrive: revoke returned status %d", resp.StatusCode)
	}

	return nil
}
