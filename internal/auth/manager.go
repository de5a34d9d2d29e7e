// Package auth owns the credential lifecycle of an account: refresh-token
// exchange, per-audience access tokens and the device authorization flow.
//
// The Manager mutates the account it is given but never persists it; callers
// hold the account lock and save afterwards.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/mixelka/mailsync/internal/apperr"
	"github.com/mixelka/mailsync/internal/logging"
	"github.com/mixelka/mailsync/internal/metrics"
	"github.com/mixelka/mailsync/internal/proxy"
	"github.com/mixelka/mailsync/internal/retry"
	"github.com/mixelka/mailsync/pkg/models"
)

// RouteSource resolves the outbound route for an account
type RouteSource interface {
	ForAccount(ctx context.Context, account *models.Account) (*proxy.Route, error)
}

// Config configures the Manager
type Config struct {
	TokenURL        string
	DeviceCodeURL   string
	DefaultClientID string
	Scope           string // primary audience, stored on the account
	DeviceScope     string
	SafetyMargin    time.Duration
	RequestTimeout  time.Duration
	Retry           retry.Policy
}

type scopeKey struct {
	accountID int64
	scope     string
}

// Manager issues valid access tokens for accounts
type Manager struct {
	cfg     Config
	routes  RouteSource
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	scoped   map[scopeKey]*oauth2.Token
	sessions map[int64]*DeviceSession
}

// NewManager creates a token manager
func NewManager(cfg Config, routes RouteSource, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = 60 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	return &Manager{
		cfg:      cfg,
		routes:   routes,
		metrics:  m,
		logger:   logging.Component(logger, "token_manager"),
		now:      time.Now,
		scoped:   make(map[scopeKey]*oauth2.Token),
		sessions: make(map[int64]*DeviceSession),
	}
}

// Fingerprint identifies a refresh token without storing it twice
func Fingerprint(refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return hex.EncodeToString(sum[:8])
}

// CredentialRevoked reports whether the provider already rejected the
// account's current refresh token. Replacing the token clears the condition.
func CredentialRevoked(account *models.Account) bool {
	return account.AuthRevokedFor != "" && account.AuthRevokedFor == Fingerprint(account.RefreshToken)
}

func (m *Manager) clientID(account *models.Account) string {
	if account.ClientID != "" {
		return account.ClientID
	}
	return m.cfg.DefaultClientID
}

func (m *Manager) usable(expiry *time.Time, token string) bool {
	return token != "" && expiry != nil && expiry.After(m.now().Add(m.cfg.SafetyMargin))
}

// EnsureValidToken returns an access token valid for at least the safety
// margin, refreshing it when needed.
func (m *Manager) EnsureValidToken(ctx context.Context, account *models.Account) (string, error) {
	if m.usable(account.TokenExpiresAt, account.AccessToken) {
		return account.AccessToken, nil
	}
	return m.Refresh(ctx, account)
}

// Refresh exchanges the refresh token regardless of the current expiry
func (m *Manager) Refresh(ctx context.Context, account *models.Account) (string, error) {
	tok, err := m.exchange(ctx, account, m.cfg.Scope)
	if err != nil {
		m.recordFailure(account, err)
		return "", err
	}

	m.apply(account, tok)
	m.logger.Debug("token refreshed",
		logging.Account(account.ID, account.Email),
		"access_token", logging.SanitizeToken(tok.AccessToken),
		"expires_at", tok.Expiry)
	return tok.AccessToken, nil
}

// ScopedToken returns an access token for a secondary audience such as
// IMAP or POP3. Tokens are cached in memory per account and scope.
func (m *Manager) ScopedToken(ctx context.Context, account *models.Account, scope string) (string, error) {
	key := scopeKey{account.ID, scope}

	m.mu.Lock()
	cached := m.scoped[key]
	m.mu.Unlock()
	if cached != nil && m.usable(&cached.Expiry, cached.AccessToken) {
		return cached.AccessToken, nil
	}

	tok, err := m.exchange(ctx, account, scope)
	if err != nil {
		var ae *apperr.AuthError
		if errors.As(err, &ae) && ae.Kind == apperr.RevokedCredential && ae.Code != "invalid_grant" && ae.Code != "missing_refresh_token" {
			// the credential is fine, this audience is not granted
			return "", &apperr.AuthError{Kind: apperr.Unavailable, Code: ae.Code, Err: ae.Err}
		}
		m.recordFailure(account, err)
		return "", err
	}

	if tok.RefreshToken != "" {
		account.RefreshToken = tok.RefreshToken
	}
	m.mu.Lock()
	m.scoped[key] = tok
	m.mu.Unlock()
	return tok.AccessToken, nil
}

func (m *Manager) exchange(ctx context.Context, account *models.Account, scope string) (*oauth2.Token, error) {
	if account.RefreshToken == "" {
		m.metrics.TokenRefresh(metrics.ResultRevoked)
		return nil, apperr.Revoked("missing_refresh_token", errors.New("no refresh token, device authorization required"))
	}

	route, err := m.routes.ForAccount(ctx, account)
	if err != nil {
		return nil, &apperr.AuthError{Kind: apperr.Unavailable, Err: err}
	}
	client := route.HTTPClient(m.cfg.RequestTimeout)

	form := url.Values{
		"grant_type":    {grantRefreshToken},
		"client_id":     {m.clientID(account)},
		"refresh_token": {account.RefreshToken},
	}
	if scope != "" {
		form.Set("scope", scope)
	}

	var tok *oauth2.Token
	err = retry.Do(ctx, m.cfg.Retry, func(ctx context.Context) error {
		t, err := m.postToken(ctx, client, form)
		if err != nil {
			if _, ok := apperr.IsThrottle(err); ok {
				m.metrics.TokenRefresh(metrics.ResultThrottled)
			}
			return err
		}
		tok = t
		return nil
	})
	switch {
	case err == nil:
		m.metrics.TokenRefresh(metrics.ResultSuccess)
		return tok, nil
	case apperr.IsRevoked(err):
		m.metrics.TokenRefresh(metrics.ResultRevoked)
		return nil, err
	default:
		m.metrics.TokenRefresh(metrics.ResultUnavailable)
		if _, ok := apperr.IsThrottle(err); ok {
			return nil, err
		}
		var ae *apperr.AuthError
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, &apperr.AuthError{Kind: apperr.Unavailable, Err: err}
	}
}

// apply replaces the stored credential with a fresh exchange result
func (m *Manager) apply(account *models.Account, tok *oauth2.Token) {
	now := m.now()
	expiry := tok.Expiry
	account.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		account.RefreshToken = tok.RefreshToken
	}
	account.TokenExpiresAt = &expiry
	account.LastRefreshAt = &now
	account.AuthRevokedFor = ""
}

func (m *Manager) recordFailure(account *models.Account, err error) {
	if !apperr.IsRevoked(err) {
		m.logger.Warn("token refresh unavailable", logging.Account(account.ID, account.Email), logging.Err(err))
		return
	}
	account.MarkFailed(fmt.Sprintf("token refresh failed: %v", err))
	account.AuthRevokedFor = Fingerprint(account.RefreshToken)
	m.forget(account.ID)
	m.logger.Warn("credential revoked, re-authorization required", logging.Account(account.ID, account.Email), logging.Err(err))
}

// forget drops cached secondary tokens for the account
func (m *Manager) forget(accountID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.scoped {
		if k.accountID == accountID {
			delete(m.scoped, k)
		}
	}
}
