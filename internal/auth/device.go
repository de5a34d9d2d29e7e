package auth

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/mixelka/mailsync/internal/apperr"
	"github.com/mixelka/mailsync/internal/logging"
	"github.com/mixelka/mailsync/pkg/models"
)

// DeviceStatus is the state of a device authorization session
type DeviceStatus string

const (
	DevicePending DeviceStatus = "pending"
	DeviceSuccess DeviceStatus = "success"
	DeviceError   DeviceStatus = "error"
)

const (
	minPollInterval   = 5 * time.Second
	slowDownIncrement = 5 * time.Second
	defaultDeviceTTL  = 15 * time.Minute
)

// ErrNoDeviceSession is returned when polling an account without a live session
var ErrNoDeviceSession = errors.New("no device authorization session")

// DeviceSession is the per-account state of one device authorization attempt.
// Terminal sessions are removed; polling them yields ErrNoDeviceSession.
type DeviceSession struct {
	AccountID       int64
	ClientID        string
	DeviceCode      string
	UserCode        string
	VerificationURI string
	Interval        time.Duration
	ExpiresAt       time.Time
	Status          DeviceStatus

	lastPoll time.Time
}

// StartDeviceAuthorization requests a device code for the account and
// replaces any prior session.
func (m *Manager) StartDeviceAuthorization(ctx context.Context, account *models.Account) (*DeviceSession, error) {
	route, err := m.routes.ForAccount(ctx, account)
	if err != nil {
		return nil, &apperr.AuthError{Kind: apperr.Unavailable, Err: err}
	}

	clientID := m.clientID(account)
	cfg := &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: m.cfg.DeviceCodeURL,
			TokenURL:      m.cfg.TokenURL,
			AuthStyle:     oauth2.AuthStyleInParams,
		},
		Scopes: strings.Fields(m.cfg.DeviceScope),
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, route.HTTPClient(m.cfg.RequestTimeout))
	resp, err := cfg.DeviceAuth(ctx)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return nil, classifyTokenError(re)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &apperr.AuthError{Kind: apperr.Unavailable, Err: err}
	}

	now := m.now()
	interval := max(time.Duration(resp.Interval)*time.Second, minPollInterval)
	expires := resp.Expiry
	if expires.IsZero() {
		expires = now.Add(defaultDeviceTTL)
	}

	sess := &DeviceSession{
		AccountID:       account.ID,
		ClientID:        clientID,
		DeviceCode:      resp.DeviceCode,
		UserCode:        resp.UserCode,
		VerificationURI: resp.VerificationURI,
		Interval:        interval,
		ExpiresAt:       expires,
		Status:          DevicePending,
	}

	m.mu.Lock()
	m.sessions[account.ID] = sess
	m.mu.Unlock()

	m.logger.Info("device authorization started",
		logging.Account(account.ID, account.Email),
		"verification_uri", sess.VerificationURI,
		"expires_at", sess.ExpiresAt)

	out := *sess
	return &out, nil
}

// PollDeviceAuthorization performs at most one poll of the token endpoint.
// Calls made sooner than the session interval report pending without
// contacting the provider.
func (m *Manager) PollDeviceAuthorization(ctx context.Context, account *models.Account) (DeviceStatus, error) {
	m.mu.Lock()
	sess := m.sessions[account.ID]
	if sess == nil {
		m.mu.Unlock()
		return "", ErrNoDeviceSession
	}
	now := m.now()
	if now.After(sess.ExpiresAt) {
		delete(m.sessions, account.ID)
		m.mu.Unlock()
		m.metrics.DevicePoll(string(DeviceError))
		return DeviceError, apperr.Revoked("expired_token", errors.New("device code expired"))
	}
	if !sess.lastPoll.IsZero() && now.Sub(sess.lastPoll) < sess.Interval {
		m.mu.Unlock()
		return DevicePending, nil
	}
	sess.lastPoll = now
	form := url.Values{
		"grant_type":  {grantDeviceCode},
		"client_id":   {sess.ClientID},
		"device_code": {sess.DeviceCode},
	}
	m.mu.Unlock()

	route, err := m.routes.ForAccount(ctx, account)
	if err != nil {
		return "", &apperr.AuthError{Kind: apperr.Unavailable, Err: err}
	}

	tok, err := m.postToken(ctx, route.HTTPClient(m.cfg.RequestTimeout), form)
	if err != nil {
		var ae *apperr.AuthError
		if !errors.As(err, &ae) || ae.Kind != apperr.RevokedCredential {
			// transient, the session stays pending
			return "", err
		}
		switch ae.Code {
		case "authorization_pending":
			m.metrics.DevicePoll(string(DevicePending))
			return DevicePending, nil
		case "slow_down":
			m.mu.Lock()
			sess.Interval += slowDownIncrement
			m.mu.Unlock()
			m.metrics.DevicePoll(string(DevicePending))
			return DevicePending, nil
		}
		m.endSession(account.ID, sess)
		m.metrics.DevicePoll(string(DeviceError))
		m.logger.Warn("device authorization failed", logging.Account(account.ID, account.Email), logging.Err(err))
		return DeviceError, err
	}

	m.endSession(account.ID, sess)
	m.forget(account.ID)
	m.apply(account, tok)
	if sess.ClientID != account.ClientID {
		account.ClientID = sess.ClientID
	}
	account.Status = models.StatusActive
	account.LastError = ""
	m.metrics.DevicePoll(string(DeviceSuccess))
	m.logger.Info("device authorization completed", logging.Account(account.ID, account.Email))
	return DeviceSuccess, nil
}

// CancelDeviceAuthorization destroys the account's session, if any
func (m *Manager) CancelDeviceAuthorization(accountID int64) {
	m.mu.Lock()
	delete(m.sessions, accountID)
	m.mu.Unlock()
}

// DeviceSession returns a copy of the account's live session
func (m *Manager) DeviceSession(accountID int64) (DeviceSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[accountID]
	if !ok {
		return DeviceSession{}, false
	}
	return *sess, true
}

func (m *Manager) endSession(accountID int64, sess *DeviceSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[accountID] == sess {
		delete(m.sessions, accountID)
	}
}
