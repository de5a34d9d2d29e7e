package auth

import (
	"context"
	"net/http"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailsync/internal/apperr"
	"github.com/mixelka/mailsync/pkg/models"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// deviceProvider answers device code requests and token polls until confirmed
func deviceProvider(confirmed *atomic.Bool, denial string) func(url.Values) (int, any) {
	return func(form url.Values) (int, any) {
		if form.Get("grant_type") == "" {
			return http.StatusOK, map[string]any{
				"device_code":      "dev-123",
				"user_code":        "ABCD-EFGH",
				"verification_uri": "https://microsoft.com/devicelogin",
				"expires_in":       900,
				"interval":         5,
			}
		}
		if form.Get("device_code") != "dev-123" {
			return http.StatusBadRequest, map[string]string{"error": "bad_verification_code"}
		}
		if denial != "" {
			return http.StatusBadRequest, map[string]string{"error": denial}
		}
		if !confirmed.Load() {
			return http.StatusBadRequest, map[string]string{"error": "authorization_pending"}
		}
		return tokenOK("device-access", "device-refresh")(form)
	}
}

func newDeviceManager(t *testing.T, confirmed *atomic.Bool, denial string) (*Manager, *tokenServer, *fakeClock) {
	ts := newTokenServer(t, deviceProvider(confirmed, denial))
	m := newTestManager(ts)
	clock := &fakeClock{t: time.Now()}
	m.now = clock.Now
	return m, ts, clock
}

func TestDeviceAuthorizationScenario(t *testing.T) {
	var confirmed atomic.Bool
	m, ts, clock := newDeviceManager(t, &confirmed, "")
	ctx := context.Background()

	acct := &models.Account{ID: 4, Email: "u@outlook.com", Status: models.StatusError, LastError: "revoked", RefreshToken: "dead"}
	acct.AuthRevokedFor = Fingerprint("dead")

	sess, err := m.StartDeviceAuthorization(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, "ABCD-EFGH", sess.UserCode)
	assert.Equal(t, "https://microsoft.com/devicelogin", sess.VerificationURI)
	assert.Equal(t, 5*time.Second, sess.Interval)
	assert.Equal(t, "default-client", ts.lastForm().Get("client_id"))
	assert.Equal(t, "offline_access mail", ts.lastForm().Get("scope"))

	for i := 0; i < 3; i++ {
		status, err := m.PollDeviceAuthorization(ctx, acct)
		require.NoError(t, err)
		assert.Equal(t, DevicePending, status)
		clock.Advance(sess.Interval)
	}
	assert.Equal(t, "dead", acct.RefreshToken)

	confirmed.Store(true)
	status, err := m.PollDeviceAuthorization(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, DeviceSuccess, status)
	assert.Equal(t, "device-refresh", acct.RefreshToken)
	assert.Equal(t, "device-access", acct.AccessToken)
	assert.Equal(t, models.StatusActive, acct.Status)
	assert.Empty(t, acct.LastError)
	assert.False(t, CredentialRevoked(acct))

	form := ts.lastForm()
	assert.Equal(t, grantDeviceCode, form.Get("grant_type"))
	assert.Equal(t, "dev-123", form.Get("device_code"))

	clock.Advance(sess.Interval)
	_, err = m.PollDeviceAuthorization(ctx, acct)
	assert.ErrorIs(t, err, ErrNoDeviceSession, "a completed session is not re-enterable")
}

func TestDevicePollRespectsInterval(t *testing.T) {
	var confirmed atomic.Bool
	m, ts, clock := newDeviceManager(t, &confirmed, "")
	ctx := context.Background()
	acct := &models.Account{ID: 1}

	_, err := m.StartDeviceAuthorization(ctx, acct)
	require.NoError(t, err)
	base := ts.calls()

	_, err = m.PollDeviceAuthorization(ctx, acct)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)
	status, err := m.PollDeviceAuthorization(ctx, acct)
	require.NoError(t, err)

	assert.Equal(t, DevicePending, status)
	assert.Equal(t, base+1, ts.calls(), "early poll must not reach the provider")
}

func TestDevicePollDenied(t *testing.T) {
	var confirmed atomic.Bool
	m, _, _ := newDeviceManager(t, &confirmed, "access_denied")
	ctx := context.Background()
	acct := &models.Account{ID: 1, RefreshToken: "old"}

	_, err := m.StartDeviceAuthorization(ctx, acct)
	require.NoError(t, err)

	status, err := m.PollDeviceAuthorization(ctx, acct)
	assert.Equal(t, DeviceError, status)
	var ae *apperr.AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "access_denied", ae.Code)
	assert.Equal(t, "old", acct.RefreshToken)

	_, ok := m.DeviceSession(acct.ID)
	assert.False(t, ok)
}

func TestDevicePollExpired(t *testing.T) {
	var confirmed atomic.Bool
	m, _, clock := newDeviceManager(t, &confirmed, "")
	ctx := context.Background()
	acct := &models.Account{ID: 1}

	sess, err := m.StartDeviceAuthorization(ctx, acct)
	require.NoError(t, err)
	clock.t = sess.ExpiresAt.Add(time.Second)

	status, err := m.PollDeviceAuthorization(ctx, acct)
	assert.Equal(t, DeviceError, status)
	assert.True(t, apperr.IsRevoked(err))

	_, err = m.PollDeviceAuthorization(ctx, acct)
	assert.ErrorIs(t, err, ErrNoDeviceSession)
}

func TestDeviceStartReplacesAndCancel(t *testing.T) {
	var confirmed atomic.Bool
	m, _, _ := newDeviceManager(t, &confirmed, "")
	ctx := context.Background()
	acct := &models.Account{ID: 1, ClientID: "acct-client"}

	first, err := m.StartDeviceAuthorization(ctx, acct)
	require.NoError(t, err)
	second, err := m.StartDeviceAuthorization(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, "acct-client", second.ClientID)

	live, ok := m.DeviceSession(acct.ID)
	require.True(t, ok)
	assert.Equal(t, second.ExpiresAt, live.ExpiresAt)
	assert.Equal(t, first.UserCode, live.UserCode)

	m.CancelDeviceAuthorization(acct.ID)
	_, err = m.PollDeviceAuthorization(ctx, acct)
	assert.ErrorIs(t, err, ErrNoDeviceSession)
}

func TestDeviceStartRejectedClient(t *testing.T) {
	ts := newTokenServer(t, oauthError(http.StatusBadRequest, "unauthorized_client"))
	m := newTestManager(ts)

	_, err := m.StartDeviceAuthorization(context.Background(), &models.Account{ID: 1})
	require.Error(t, err)
	var ae *apperr.AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.RevokedCredential, ae.Kind)
	assert.Equal(t, "unauthorized_client", ae.Code)
}
