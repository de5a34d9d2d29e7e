package email

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailsync/internal/apperr"
	"github.com/mixelka/mailsync/internal/graph"
	"github.com/mixelka/mailsync/internal/proxy"
	"github.com/mixelka/mailsync/internal/retry"
	"github.com/mixelka/mailsync/pkg/models"
)

type fakeTransport struct {
	method   Method
	protocol models.Protocol
	probe    func(ctx context.Context, s Session) error
	list     func(ctx context.Context, s Session) (*models.MessagePage, error)
	detail   func(ctx context.Context, s Session, id string) (*models.MessageDetail, error)
	calls    atomic.Int32
}

func (f *fakeTransport) Method() Method            { return f.method }
func (f *fakeTransport) Protocol() models.Protocol { return f.protocol }

func (f *fakeTransport) Probe(ctx context.Context, s Session) error {
	f.calls.Add(1)
	if f.probe == nil {
		return nil
	}
	return f.probe(ctx, s)
}

func (f *fakeTransport) List(ctx context.Context, s Session, _ string, _, _ int) (*models.MessagePage, error) {
	f.calls.Add(1)
	if f.list == nil {
		return &models.MessagePage{Total: 1, Messages: []models.Message{{ID: string(f.method)}}}, nil
	}
	return f.list(ctx, s)
}

func (f *fakeTransport) FetchDetail(ctx context.Context, s Session, _, id string) (*models.MessageDetail, error) {
	f.calls.Add(1)
	if f.detail == nil {
		return &models.MessageDetail{Message: models.Message{ID: id}}, nil
	}
	return f.detail(ctx, s, id)
}

type fakeTokens struct {
	ensureErr error
	scopedErr error
}

func (f *fakeTokens) EnsureValidToken(context.Context, *models.Account) (string, error) {
	if f.ensureErr != nil {
		return "", f.ensureErr
	}
	return "graph-token", nil
}

func (f *fakeTokens) ScopedToken(_ context.Context, _ *models.Account, scope string) (string, error) {
	if f.scopedErr != nil {
		return "", f.scopedErr
	}
	return "token-for-" + scope, nil
}

type directRoutes struct{}

func (directRoutes) ForAccount(context.Context, *models.Account) (*proxy.Route, error) {
	return proxy.Direct, nil
}

type fakeSet struct {
	graph, imapOAuth, imapPassword, pop3 *fakeTransport
}

func newFakeSet() *fakeSet {
	return &fakeSet{
		graph:        &fakeTransport{method: MethodGraph, protocol: models.ProtocolGraph},
		imapOAuth:    &fakeTransport{method: MethodIMAPOAuth, protocol: models.ProtocolIMAP},
		imapPassword: &fakeTransport{method: MethodIMAPPassword, protocol: models.ProtocolIMAP},
		pop3:         &fakeTransport{method: MethodPOP3, protocol: models.ProtocolPOP3},
	}
}

func (fs *fakeSet) all() []Transport {
	return []Transport{fs.graph, fs.imapOAuth, fs.imapPassword, fs.pop3}
}

func newTestChain(fs *fakeSet, tokens TokenSource) *Chain {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewChain(fs.all(), Options{
		ProbeTimeout:   100 * time.Millisecond,
		RequestTimeout: time.Second,
		IMAPScope:      "imap-scope",
		POP3Scope:      "pop-scope",
	}, tokens, directRoutes{}, nil, logger)
}

func testAccount() *models.Account {
	return &models.Account{
		ID:           1,
		Email:        "user@outlook.com",
		Password:     "pw",
		RefreshToken: "rt",
	}
}

func noSleep(t *testing.T) *atomic.Int32 {
	t.Helper()
	var n atomic.Int32
	orig := retry.Sleep
	retry.Sleep = func(ctx context.Context, _ time.Duration) error {
		n.Add(1)
		return ctx.Err()
	}
	t.Cleanup(func() { retry.Sleep = orig })
	return &n
}

func TestListMessagesReportsIMAPWhenGraphDisabled(t *testing.T) {
	fs := newFakeSet()
	chain := newTestChain(fs, &fakeTokens{})

	acct := testAccount()
	acct.GraphEnabled = models.CapDisabled
	acct.IMAPEnabled = models.CapEnabled

	page, err := chain.ListMessages(context.Background(), acct, "inbox", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, string(MethodIMAPOAuth), page.Method)
	assert.Zero(t, fs.graph.calls.Load())
}

func TestListMessagesFallsThroughAndUpdatesFlags(t *testing.T) {
	fs := newFakeSet()
	fs.graph.list = func(context.Context, Session) (*models.MessagePage, error) {
		return nil, apperr.Transport("graph", "list", errors.New("connection reset"))
	}
	var gotToken string
	fs.imapOAuth.list = func(_ context.Context, s Session) (*models.MessagePage, error) {
		gotToken = s.Cred.Token
		return &models.MessagePage{Total: 3, Unread: 2}, nil
	}
	chain := newTestChain(fs, &fakeTokens{})

	acct := testAccount()
	page, err := chain.ListMessages(context.Background(), acct, "inbox", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, string(MethodIMAPOAuth), page.Method)
	assert.Equal(t, 2, page.Unread)
	assert.Equal(t, "token-for-imap-scope", gotToken)
	assert.Equal(t, models.CapDisabled, acct.GraphEnabled)
	assert.Equal(t, models.CapEnabled, acct.IMAPEnabled)
	assert.Equal(t, models.CapUnknown, acct.POP3Enabled)
}

func TestListMessagesRevokedCredentialPropagates(t *testing.T) {
	fs := newFakeSet()
	chain := newTestChain(fs, &fakeTokens{ensureErr: apperr.Revoked("invalid_grant", errors.New("token revoked"))})

	_, err := chain.ListMessages(context.Background(), testAccount(), "inbox", 10, 0)
	require.Error(t, err)
	assert.True(t, apperr.IsRevoked(err))
	for _, tr := range fs.all() {
		assert.Zero(t, tr.(*fakeTransport).calls.Load(), tr.Method())
	}
}

func TestListMessagesUsesPasswordWithoutRefreshToken(t *testing.T) {
	fs := newFakeSet()
	var cred Credential
	fs.imapPassword.list = func(_ context.Context, s Session) (*models.MessagePage, error) {
		cred = s.Cred
		return &models.MessagePage{}, nil
	}
	chain := newTestChain(fs, &fakeTokens{})

	acct := testAccount()
	acct.RefreshToken = ""
	page, err := chain.ListMessages(context.Background(), acct, "inbox", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, string(MethodIMAPPassword), page.Method)
	assert.Equal(t, "pw", cred.Password)
	assert.Zero(t, fs.graph.calls.Load())
	assert.Zero(t, fs.imapOAuth.calls.Load())
}

func TestListMessagesAllFail(t *testing.T) {
	fs := newFakeSet()
	for i, tr := range fs.all() {
		f := tr.(*fakeTransport)
		msg := []string{"graph down", "xoauth2 rejected", "login rejected", "pop3 down"}[i]
		f.list = func(context.Context, Session) (*models.MessagePage, error) {
			return nil, apperr.Transport(string(f.method), "list", errors.New(msg))
		}
	}
	chain := newTestChain(fs, &fakeTokens{})

	acct := testAccount()
	_, err := chain.ListMessages(context.Background(), acct, "inbox", 10, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pop3 down")
	assert.False(t, apperr.IsRevoked(err))

	var te *apperr.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "pop3", te.Protocol)
	assert.Equal(t, models.Capabilities{Graph: models.CapDisabled, IMAP: models.CapDisabled, POP3: models.CapDisabled}, acct.Capabilities())
}

func TestListMessagesTriesEverythingWhenAllGated(t *testing.T) {
	fs := newFakeSet()
	chain := newTestChain(fs, &fakeTokens{})

	acct := testAccount()
	acct.GraphEnabled = models.CapDisabled
	acct.IMAPEnabled = models.CapDisabled
	acct.POP3Enabled = models.CapDisabled

	page, err := chain.ListMessages(context.Background(), acct, "inbox", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, string(MethodGraph), page.Method)
	assert.Equal(t, models.CapEnabled, acct.GraphEnabled)
}

func TestListMessagesRetriesThrottleOnce(t *testing.T) {
	sleeps := noSleep(t)
	fs := newFakeSet()
	var n atomic.Int32
	fs.graph.list = func(context.Context, Session) (*models.MessagePage, error) {
		if n.Add(1) == 1 {
			return nil, apperr.Transport("graph", "list", &apperr.ThrottleError{RetryAfter: time.Second})
		}
		return &models.MessagePage{}, nil
	}
	chain := newTestChain(fs, &fakeTokens{})

	acct := testAccount()
	page, err := chain.ListMessages(context.Background(), acct, "inbox", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, string(MethodGraph), page.Method)
	assert.EqualValues(t, 2, n.Load())
	assert.EqualValues(t, 1, sleeps.Load())
}

func TestListMessagesPersistentThrottleKeepsFlag(t *testing.T) {
	noSleep(t)
	fs := newFakeSet()
	fs.graph.list = func(context.Context, Session) (*models.MessagePage, error) {
		return nil, apperr.Transport("graph", "list", &apperr.ThrottleError{})
	}
	chain := newTestChain(fs, &fakeTokens{})

	acct := testAccount()
	acct.GraphEnabled = models.CapEnabled
	page, err := chain.ListMessages(context.Background(), acct, "inbox", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, string(MethodIMAPOAuth), page.Method)
	assert.Equal(t, models.CapEnabled, acct.GraphEnabled)
}

func TestFetchDetailNotFoundIsNotFallenThrough(t *testing.T) {
	fs := newFakeSet()
	fs.graph.detail = func(context.Context, Session, string) (*models.MessageDetail, error) {
		return nil, apperr.Transport("graph", "fetch", apperr.ErrNotFound)
	}
	chain := newTestChain(fs, &fakeTokens{})

	_, err := chain.FetchDetail(context.Background(), testAccount(), "inbox", "gone")
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))
	assert.Zero(t, fs.imapOAuth.calls.Load())
}

func TestFetchDetailViaUsesNamedTransport(t *testing.T) {
	fs := newFakeSet()
	chain := newTestChain(fs, &fakeTokens{})

	d, err := chain.FetchDetailVia(context.Background(), testAccount(), MethodPOP3, "inbox", "uid-7")
	require.NoError(t, err)
	assert.Equal(t, "uid-7", d.ID)
	assert.EqualValues(t, 1, fs.pop3.calls.Load())
	assert.Zero(t, fs.graph.calls.Load())
}

func TestProbeCapabilitiesIndependent(t *testing.T) {
	fs := newFakeSet()
	fs.graph.probe = func(ctx context.Context, _ Session) error {
		<-ctx.Done()
		return ctx.Err()
	}
	fs.imapOAuth.probe = func(context.Context, Session) error {
		return errors.New("AUTHENTICATE failed")
	}
	fs.pop3.probe = func(context.Context, Session) error {
		panic("broken server")
	}
	chain := newTestChain(fs, &fakeTokens{})

	acct := testAccount()
	start := time.Now()
	caps := chain.ProbeCapabilities(context.Background(), acct)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, models.CapDisabled, caps.Graph)
	assert.Equal(t, models.CapEnabled, caps.IMAP, "password login succeeds after XOAUTH2 fails")
	assert.Equal(t, models.CapDisabled, caps.POP3)
	assert.Equal(t, caps, acct.Capabilities())
}

func TestProbeCapabilitiesWithoutCredentials(t *testing.T) {
	fs := newFakeSet()
	chain := newTestChain(fs, &fakeTokens{})

	acct := &models.Account{ID: 2, Email: "nobody@outlook.com"}
	caps := chain.ProbeCapabilities(context.Background(), acct)
	assert.Equal(t, models.Capabilities{Graph: models.CapDisabled, IMAP: models.CapDisabled, POP3: models.CapDisabled}, caps)
	for _, tr := range fs.all() {
		assert.Zero(t, tr.(*fakeTransport).calls.Load())
	}
}

// stallingTokens blocks EnsureValidToken until release is closed, ignoring
// ctx, and rotates the refresh token on scoped requests.
type stallingTokens struct {
	release chan struct{}
}

func (s *stallingTokens) EnsureValidToken(context.Context, *models.Account) (string, error) {
	<-s.release
	return "graph-token", nil
}

func (s *stallingTokens) ScopedToken(_ context.Context, a *models.Account, scope string) (string, error) {
	a.RefreshToken = "rotated-" + scope
	return "token-for-" + scope, nil
}

func TestProbeCapabilitiesTokenStallBounded(t *testing.T) {
	fs := newFakeSet()
	tokens := &stallingTokens{release: make(chan struct{})}
	t.Cleanup(func() { close(tokens.release) })
	chain := newTestChain(fs, tokens)

	acct := testAccount()
	start := time.Now()
	caps := chain.ProbeCapabilities(context.Background(), acct)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, models.CapDisabled, caps.Graph)
	assert.Equal(t, models.CapEnabled, caps.IMAP)
	assert.Equal(t, models.CapEnabled, caps.POP3)
	assert.Zero(t, fs.graph.calls.Load())
	assert.Contains(t, acct.RefreshToken, "rotated-", "rotated refresh token is merged back")
}

type failingRoutes struct{}

func (failingRoutes) ForAccount(context.Context, *models.Account) (*proxy.Route, error) {
	return nil, errors.New("failed to load group 7: database is locked")
}

func TestProbeCapabilitiesNeverBypassesProxy(t *testing.T) {
	fs := newFakeSet()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	chain := NewChain(fs.all(), Options{ProbeTimeout: 100 * time.Millisecond}, &fakeTokens{}, failingRoutes{}, nil, logger)

	acct := testAccount()
	acct.GraphEnabled = models.CapEnabled
	caps := chain.ProbeCapabilities(context.Background(), acct)

	assert.Equal(t, models.Capabilities{Graph: models.CapEnabled}, caps, "cached flags are kept")
	for _, tr := range fs.all() {
		assert.Zero(t, tr.(*fakeTransport).calls.Load(), "no transport dialed without its route")
	}
}

func TestMergeCredentials(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	orig := models.Account{RefreshToken: "rt", AccessToken: "old", Status: models.StatusActive}
	dst := orig

	got := orig
	got.AccessToken = "new"
	got.TokenExpiresAt = &exp
	mergeCredentials(&dst, &orig, &got)
	assert.Equal(t, "new", dst.AccessToken)
	assert.Equal(t, &exp, dst.TokenExpiresAt)
	assert.Equal(t, "rt", dst.RefreshToken)

	revoked := orig
	revoked.AuthRevokedFor = "fp"
	revoked.Status = models.StatusError
	revoked.LastError = "invalid_grant"
	mergeCredentials(&dst, &orig, &revoked)
	assert.Equal(t, "fp", dst.AuthRevokedFor)
	assert.Equal(t, models.StatusError, dst.Status)
	assert.Equal(t, "new", dst.AccessToken, "unchanged fields are not reverted")
}

func TestGraphUnauthorizedDropsAccessToken(t *testing.T) {
	fs := newFakeSet()
	fs.graph.list = func(context.Context, Session) (*models.MessagePage, error) {
		return nil, apperr.Transport("graph", "list", &graph.APIError{StatusCode: 401, Code: "InvalidAuthenticationToken"})
	}
	chain := newTestChain(fs, &fakeTokens{})

	acct := testAccount()
	exp := time.Now().Add(time.Hour)
	acct.AccessToken = "stale-at"
	acct.TokenExpiresAt = &exp

	page, err := chain.ListMessages(context.Background(), acct, "inbox", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, string(MethodIMAPOAuth), page.Method)
	assert.Empty(t, acct.AccessToken)
	assert.Nil(t, acct.TokenExpiresAt)
	assert.Equal(t, models.CapDisabled, acct.GraphEnabled)
}
