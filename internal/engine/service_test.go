package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailsync/internal/apperr"
	"github.com/mixelka/mailsync/internal/auth"
	"github.com/mixelka/mailsync/internal/database"
	"github.com/mixelka/mailsync/internal/email"
	"github.com/mixelka/mailsync/internal/proxy"
	"github.com/mixelka/mailsync/internal/scheduler"
	"github.com/mixelka/mailsync/internal/synclog"
	"github.com/mixelka/mailsync/pkg/models"
)

type fakeTokens struct{}

func (fakeTokens) EnsureValidToken(context.Context, *models.Account) (string, error) {
	return "at", nil
}

func (fakeTokens) Refresh(_ context.Context, a *models.Account) (string, error) {
	if a.RefreshToken == "bad" {
		return "", apperr.Revoked("invalid_grant", errors.New("token revoked"))
	}
	now := time.Now()
	a.LastRefreshAt = &now
	return "at", nil
}

type fakeMail struct {
	mu      sync.Mutex
	probeFn func(a *models.Account) models.Capabilities
	via     email.Method
}

func (f *fakeMail) ProbeCapabilities(_ context.Context, a *models.Account) models.Capabilities {
	caps := models.Capabilities{Graph: models.CapDisabled, IMAP: models.CapEnabled, POP3: models.CapEnabled}
	if f.probeFn != nil {
		caps = f.probeFn(a)
	}
	a.GraphEnabled, a.IMAPEnabled, a.POP3Enabled = caps.Graph, caps.IMAP, caps.POP3
	return caps
}

func (f *fakeMail) ListMessages(_ context.Context, a *models.Account, _ string, _, _ int) (*models.MessagePage, error) {
	a.IMAPEnabled = models.CapEnabled
	return &models.MessagePage{
		Messages: []models.Message{{ID: "1", Subject: "hello"}},
		Total:    1,
		Unread:   1,
		Method:   string(email.MethodIMAPOAuth),
	}, nil
}

func (f *fakeMail) FetchDetail(_ context.Context, _ *models.Account, _, id string) (*models.MessageDetail, error) {
	if id == "gone" {
		return nil, apperr.Transport("graph", "fetch", apperr.ErrNotFound)
	}
	return &models.MessageDetail{Message: models.Message{ID: id}}, nil
}

func (f *fakeMail) FetchDetailVia(_ context.Context, _ *models.Account, m email.Method, _, id string) (*models.MessageDetail, error) {
	f.mu.Lock()
	f.via = m
	f.mu.Unlock()
	return &models.MessageDetail{Message: models.Message{ID: id}}, nil
}

type fakeDevice struct {
	confirmed bool
	sessions  map[int64]bool
}

func (f *fakeDevice) StartDeviceAuthorization(_ context.Context, a *models.Account) (*auth.DeviceSession, error) {
	if f.sessions == nil {
		f.sessions = make(map[int64]bool)
	}
	f.sessions[a.ID] = true
	return &auth.DeviceSession{
		AccountID:       a.ID,
		DeviceCode:      "dev-code",
		UserCode:        "ABCD-EFGH",
		VerificationURI: "https://microsoft.com/devicelogin",
		Interval:        5 * time.Second,
		ExpiresAt:       time.Now().Add(15 * time.Minute),
		Status:          auth.DevicePending,
	}, nil
}

func (f *fakeDevice) PollDeviceAuthorization(_ context.Context, a *models.Account) (auth.DeviceStatus, error) {
	if !f.sessions[a.ID] {
		return "", auth.ErrNoDeviceSession
	}
	if !f.confirmed {
		return auth.DevicePending, nil
	}
	delete(f.sessions, a.ID)
	a.RefreshToken = "fresh-rt"
	a.Status = models.StatusActive
	a.LastError = ""
	return auth.DeviceSuccess, nil
}

func (f *fakeDevice) CancelDeviceAuthorization(id int64) {
	delete(f.sessions, id)
}

type fakeProxy struct{}

func (fakeProxy) Test(_ context.Context, g *models.Group) proxy.TestResult {
	if g.ProxyURL == "" {
		return proxy.TestResult{OK: false, Message: "no proxy configured"}
	}
	return proxy.TestResult{OK: true, Message: "reachable"}
}

type fixture struct {
	svc    *Service
	db     *database.DB
	mail   *fakeMail
	device *fakeDevice
	group  *models.Group
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	g := &models.Group{Name: "main", ProxyURL: "socks5://127.0.0.1:1080", AutoSync: true, SyncIntervalMinutes: 10, SyncBatchSize: 2}
	require.NoError(t, db.CreateGroup(ctx, g))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	log := synclog.New(50, nil)
	mail := &fakeMail{}
	sched := scheduler.New(scheduler.Deps{
		Store:  db,
		Groups: db,
		Tokens: fakeTokens{},
		Mail:   mail,
		Log:    log,
		Logger: logger,
	}, scheduler.Config{DefaultInterval: 10 * time.Minute, DefaultBatchSize: 2, AccountTimeout: 5 * time.Second})

	device := &fakeDevice{}
	svc := New(Deps{
		Store:     db,
		Groups:    db,
		Scheduler: sched,
		History:   db,
		Device:    device,
		Mail:      mail,
		Proxy:     fakeProxy{},
		Log:       log,
		Logger:    logger,
	})
	return &fixture{svc: svc, db: db, mail: mail, device: device, group: g}
}

func (f *fixture) addAccount(t *testing.T, addr string) *models.Account {
	t.Helper()
	a := &models.Account{Email: addr, RefreshToken: "rt", GroupID: &f.group.ID}
	require.NoError(t, f.db.CreateAccount(context.Background(), a))
	return a
}

func TestSyncPersistsResult(t *testing.T) {
	f := newFixture(t)
	a := f.addAccount(t, "user@outlook.com")

	res, err := f.svc.Sync(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.UnreadCount)
	assert.Equal(t, "imap_oauth", res.Method)
	assert.Equal(t, 1, res.New)

	stored, err := f.db.GetAccount(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, stored.Status)
	assert.Equal(t, models.CapEnabled, stored.IMAPEnabled)
	assert.NotNil(t, stored.LastSynced)

	logs := f.svc.Logs(1)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Message, "synced via imap_oauth")
}

func TestRefreshAllStreamsEvents(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "a@outlook.com")
	f.addAccount(t, "b@outlook.com")

	var events []scheduler.ProgressEvent
	for ev := range f.svc.RefreshAll(context.Background()) {
		events = append(events, ev)
	}
	require.Len(t, events, 4)
	assert.Equal(t, scheduler.EventStart, events[0].Type)
	assert.Equal(t, 2, events[0].Total)
	last := events[3]
	assert.Equal(t, scheduler.EventDone, last.Type)
	assert.Equal(t, 2, last.SuccessCount)
	assert.Zero(t, last.FailCount)
}

func TestDeviceAuthFlow(t *testing.T) {
	f := newFixture(t)
	a := f.addAccount(t, "user@outlook.com")
	ctx := context.Background()

	start, err := f.svc.StartDeviceAuth(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "ABCD-EFGH", start.UserCode)
	assert.Equal(t, 5, start.Interval)
	assert.InDelta(t, 900, start.ExpiresIn, 2)

	poll, err := f.svc.PollDeviceAuth(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, auth.DevicePending, poll.Status)

	f.device.confirmed = true
	poll, err = f.svc.PollDeviceAuth(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, auth.DeviceSuccess, poll.Status)

	stored, err := f.db.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "fresh-rt", stored.RefreshToken)

	_, err = f.svc.PollDeviceAuth(ctx, a.ID)
	assert.ErrorIs(t, err, auth.ErrNoDeviceSession)
}

func TestCancelDeviceAuth(t *testing.T) {
	f := newFixture(t)
	a := f.addAccount(t, "user@outlook.com")
	ctx := context.Background()

	_, err := f.svc.StartDeviceAuth(ctx, a.ID)
	require.NoError(t, err)
	f.svc.CancelDeviceAuth(a.ID)

	_, err = f.svc.PollDeviceAuth(ctx, a.ID)
	assert.ErrorIs(t, err, auth.ErrNoDeviceSession)
}

func TestCheckProtocolsStoresFlags(t *testing.T) {
	f := newFixture(t)
	a := f.addAccount(t, "user@outlook.com")

	caps, err := f.svc.CheckProtocols(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CapDisabled, caps.Graph)

	stored, err := f.db.GetAccount(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, *caps, stored.Capabilities())
}

func TestCheckProtocolsBatchIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	a := f.addAccount(t, "a@outlook.com")
	b := f.addAccount(t, "b@outlook.com")

	results := f.svc.CheckProtocolsBatch(context.Background(), []int64{a.ID, 9999, b.ID})
	require.Len(t, results, 3)

	assert.Equal(t, a.ID, results[0].ID)
	require.NotNil(t, results[0].Result)
	assert.Empty(t, results[0].Error)

	assert.Equal(t, int64(9999), results[1].ID)
	assert.Nil(t, results[1].Result)
	assert.Contains(t, results[1].Error, "not found")

	require.NotNil(t, results[2].Result)
	assert.Equal(t, models.CapEnabled, results[2].Result.IMAP)
}

func TestTestProxy(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.TestProxy(context.Background(), f.group.ID)
	require.NoError(t, err)
	assert.True(t, res.OK)

	_, err = f.svc.TestProxy(context.Background(), 404)
	assert.True(t, apperr.IsNotFound(err))
}

func TestMessageReads(t *testing.T) {
	f := newFixture(t)
	a := f.addAccount(t, "user@outlook.com")
	ctx := context.Background()

	page, err := f.svc.ListMessages(ctx, a.ID, "inbox", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, "imap_oauth", page.Method)

	d, err := f.svc.MessageDetail(ctx, a.ID, "inbox", "42", page.Method)
	require.NoError(t, err)
	assert.Equal(t, "42", d.ID)
	assert.Equal(t, email.MethodIMAPOAuth, f.mail.via)

	_, err = f.svc.MessageDetail(ctx, a.ID, "inbox", "gone", "")
	assert.True(t, apperr.IsNotFound(err))
	assert.False(t, errors.Is(err, context.Canceled))
}

func TestRetryFailedRefreshes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	good := f.addAccount(t, "good@outlook.com")
	bad := &models.Account{Email: "bad@outlook.com", RefreshToken: "bad", GroupID: &f.group.ID}
	require.NoError(t, f.db.CreateAccount(ctx, bad))
	f.addAccount(t, "untouched@outlook.com")
	for _, a := range []*models.Account{good, bad} {
		a.RefreshStatus = models.RefreshFailed
		require.NoError(t, f.db.SaveAccount(ctx, a))
	}

	failed, err := f.svc.FailedRefreshes(ctx)
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	res, err := f.svc.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, &RetryResult{SuccessCount: 1, FailCount: 1}, res)

	stats, err := f.svc.RefreshStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.RefreshStats{Total: 3, Success: 1, Failed: 1, Unknown: 1}, *stats)

	page, err := f.svc.RefreshLogs(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Logs, 2)
	for _, l := range page.Logs {
		assert.Equal(t, models.RefreshRetry, l.Kind)
	}

	err = f.svc.RetryRefresh(ctx, bad.ID)
	assert.True(t, apperr.IsRevoked(err))
	stored, err := f.db.GetAccount(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefreshFailed, stored.RefreshStatus)
}

func TestRefreshLogsEmptyPage(t *testing.T) {
	f := newFixture(t)
	page, err := f.svc.RefreshLogs(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 50, page.PageSize)
	assert.NotNil(t, page.Logs)
	assert.Zero(t, page.Total)
}
