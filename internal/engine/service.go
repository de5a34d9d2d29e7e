// Package engine is the facade the API layer talks to. Every call that
// touches an account runs under that account's lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mixelka/mailsync/internal/apperr"
	"github.com/mixelka/mailsync/internal/auth"
	"github.com/mixelka/mailsync/internal/email"
	"github.com/mixelka/mailsync/internal/logging"
	"github.com/mixelka/mailsync/internal/proxy"
	"github.com/mixelka/mailsync/internal/scheduler"
	"github.com/mixelka/mailsync/internal/synclog"
	"github.com/mixelka/mailsync/pkg/models"
)

// DeviceAuthorizer runs the device authorization flow
type DeviceAuthorizer interface {
	StartDeviceAuthorization(ctx context.Context, account *models.Account) (*auth.DeviceSession, error)
	PollDeviceAuthorization(ctx context.Context, account *models.Account) (auth.DeviceStatus, error)
	CancelDeviceAuthorization(accountID int64)
}

// MailReader probes and reads mailboxes through the transport chain
type MailReader interface {
	ProbeCapabilities(ctx context.Context, account *models.Account) models.Capabilities
	ListMessages(ctx context.Context, account *models.Account, folder string, top, skip int) (*models.MessagePage, error)
	FetchDetail(ctx context.Context, account *models.Account, folder, id string) (*models.MessageDetail, error)
	FetchDetailVia(ctx context.Context, account *models.Account, method email.Method, folder, id string) (*models.MessageDetail, error)
}

// RefreshHistory reads the token refresh history and per-account refresh
// status
type RefreshHistory interface {
	RefreshStats(ctx context.Context) (*models.RefreshStats, error)
	FailedRefreshAccounts(ctx context.Context) ([]*models.Account, error)
	RefreshLogs(ctx context.Context, since time.Time, limit, offset int) ([]models.RefreshLog, int, error)
	PruneRefreshLogs(ctx context.Context, before time.Time) (int64, error)
}

// RefreshLogRetention is how long refresh history is kept
const RefreshLogRetention = 180 * 24 * time.Hour

// ProxyTester checks a group's proxy
type ProxyTester interface {
	Test(ctx context.Context, group *models.Group) proxy.TestResult
}

// Deps are the collaborators of the Service
type Deps struct {
	Store     scheduler.MailStore
	Groups    scheduler.GroupStore
	Scheduler *scheduler.Scheduler
	History   RefreshHistory
	Device    DeviceAuthorizer
	Mail      MailReader
	Proxy     ProxyTester
	Log       *synclog.Log
	Logger    *slog.Logger

	// BatchWidth bounds concurrent probes in CheckProtocolsBatch
	BatchWidth int
}

// DeviceStart is what the operator needs to complete device authorization
type DeviceStart struct {
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	DeviceCode      string `json:"device_code"`
	Interval        int    `json:"interval"`
	ExpiresIn       int    `json:"expires_in"`
}

// DevicePoll is the result of one poll
type DevicePoll struct {
	Status auth.DeviceStatus `json:"status"`
}

// ProbeResult is one entry of a batch protocol check
type ProbeResult struct {
	ID     int64                `json:"id"`
	Result *models.Capabilities `json:"result,omitempty"`
	Error  string               `json:"error,omitempty"`
}

// RefreshLogPage is one page of the refresh history
type RefreshLogPage struct {
	Logs     []models.RefreshLog `json:"logs"`
	Total    int                 `json:"total"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
}

// RetryResult summarizes a retry of failed refreshes
type RetryResult struct {
	SuccessCount int `json:"success_count"`
	FailCount    int `json:"fail_count"`
}

// Service exposes the engine operations
type Service struct {
	deps   Deps
	locks  *scheduler.Locks
	logger *slog.Logger
}

// New creates the service
func New(deps Deps) *Service {
	if deps.BatchWidth <= 0 {
		deps.BatchWidth = 5
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Log == nil {
		deps.Log = synclog.New(0, nil)
	}
	return &Service{
		deps:   deps,
		locks:  deps.Scheduler.Locks(),
		logger: logging.Component(deps.Logger, "engine"),
	}
}

// withAccount loads the account under its lock and saves it after fn
// returns, whatever fn reported.
func (s *Service) withAccount(ctx context.Context, id int64, fn func(*models.Account) error) error {
	release, err := s.locks.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	account, err := s.deps.Store.GetAccount(ctx, id)
	if err != nil {
		return err
	}

	fnErr := fn(account)
	if err := s.deps.Store.SaveAccount(context.WithoutCancel(ctx), account); err != nil {
		return errors.Join(fnErr, &apperr.PersistenceError{Op: "save account", Err: err})
	}
	return fnErr
}

// Sync syncs one account now
func (s *Service) Sync(ctx context.Context, id int64) (*scheduler.SyncResult, error) {
	return s.deps.Scheduler.SyncOne(ctx, id)
}

// RefreshAll force-refreshes every account and streams progress. The
// channel is closed after the done event.
func (s *Service) RefreshAll(ctx context.Context) <-chan scheduler.ProgressEvent {
	out := make(chan scheduler.ProgressEvent, 16)
	go func() {
		defer close(out)
		_, _, err := s.deps.Scheduler.SyncAll(ctx, func(ev scheduler.ProgressEvent) {
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		})
		if err != nil && ctx.Err() == nil {
			s.logger.Error("refresh all failed", logging.Err(err))
		}
	}()
	return out
}

// RetryRefresh exchanges the refresh token of one account again
func (s *Service) RetryRefresh(ctx context.Context, id int64) error {
	return s.deps.Scheduler.RefreshOne(ctx, id, models.RefreshRetry)
}

// RetryFailed retries every account whose last refresh failed, one at a
// time. Per-account failures are counted, not returned.
func (s *Service) RetryFailed(ctx context.Context) (*RetryResult, error) {
	accounts, err := s.deps.History.FailedRefreshAccounts(ctx)
	if err != nil {
		return nil, err
	}
	res := &RetryResult{}
	for _, a := range accounts {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := s.RetryRefresh(ctx, a.ID); err != nil {
			res.FailCount++
			continue
		}
		res.SuccessCount++
	}
	s.logger.Info("failed refreshes retried", "success", res.SuccessCount, "failed", res.FailCount)
	return res, nil
}

// RefreshStats counts accounts by last refresh outcome
func (s *Service) RefreshStats(ctx context.Context) (*models.RefreshStats, error) {
	return s.deps.History.RefreshStats(ctx)
}

// FailedRefreshes lists accounts whose last refresh failed
func (s *Service) FailedRefreshes(ctx context.Context) ([]*models.Account, error) {
	return s.deps.History.FailedRefreshAccounts(ctx)
}

// RefreshLogs returns one page of the refresh history, newest first.
// Entries past the retention window are deleted first.
func (s *Service) RefreshLogs(ctx context.Context, page, pageSize int) (*RefreshLogPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	cutoff := time.Now().Add(-RefreshLogRetention)
	if n, err := s.deps.History.PruneRefreshLogs(ctx, cutoff); err != nil {
		return nil, err
	} else if n > 0 {
		s.logger.Debug("refresh logs pruned", "count", n)
	}

	logs, total, err := s.deps.History.RefreshLogs(ctx, cutoff, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []models.RefreshLog{}
	}
	return &RefreshLogPage{Logs: logs, Total: total, Page: page, PageSize: pageSize}, nil
}

// Status returns the schedule state
func (s *Service) Status() scheduler.Status {
	return s.deps.Scheduler.Status()
}

// Logs returns up to n recent sync log entries, newest first
func (s *Service) Logs(n int) []synclog.Entry {
	return s.deps.Log.ReadRecent(n)
}

// Notifications returns and clears unread growth per account
func (s *Service) Notifications() map[int64]int {
	return s.deps.Scheduler.DrainNotifications()
}

// StartDeviceAuth begins device authorization for an account
func (s *Service) StartDeviceAuth(ctx context.Context, id int64) (*DeviceStart, error) {
	release, err := s.locks.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	account, err := s.deps.Store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	sess, err := s.deps.Device.StartDeviceAuthorization(ctx, account)
	if err != nil {
		s.deps.Log.Error(account.Email, fmt.Sprintf("device authorization failed to start: %v", err))
		return nil, err
	}
	s.deps.Log.Info(account.Email, "device authorization started")

	return &DeviceStart{
		UserCode:        sess.UserCode,
		VerificationURI: sess.VerificationURI,
		DeviceCode:      sess.DeviceCode,
		Interval:        int(sess.Interval / time.Second),
		ExpiresIn:       int(time.Until(sess.ExpiresAt).Round(time.Second) / time.Second),
	}, nil
}

// PollDeviceAuth polls once. On success the new credential is saved.
func (s *Service) PollDeviceAuth(ctx context.Context, id int64) (*DevicePoll, error) {
	var status auth.DeviceStatus
	var addr string
	err := s.withAccount(ctx, id, func(account *models.Account) error {
		addr = account.Email
		var err error
		status, err = s.deps.Device.PollDeviceAuthorization(ctx, account)
		return err
	})

	switch {
	case err != nil && status == auth.DeviceError:
		s.deps.Log.Error(addr, fmt.Sprintf("device authorization failed: %v", err))
		return &DevicePoll{Status: status}, err
	case err != nil:
		return nil, err
	case status == auth.DeviceSuccess:
		s.deps.Log.Info(addr, "device authorization completed")
	}
	return &DevicePoll{Status: status}, nil
}

// CancelDeviceAuth abandons the account's device authorization
func (s *Service) CancelDeviceAuth(id int64) {
	s.deps.Device.CancelDeviceAuthorization(id)
}

// CheckProtocols probes every transport for an account and stores the flags
func (s *Service) CheckProtocols(ctx context.Context, id int64) (*models.Capabilities, error) {
	var caps models.Capabilities
	var addr string
	err := s.withAccount(ctx, id, func(account *models.Account) error {
		addr = account.Email
		caps = s.deps.Mail.ProbeCapabilities(ctx, account)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.deps.Log.Info(addr, fmt.Sprintf("protocols checked: graph=%s imap=%s pop3=%s", caps.Graph, caps.IMAP, caps.POP3))
	return &caps, nil
}

// CheckProtocolsBatch probes several accounts. One account's failure is
// reported in its own entry and never fails the batch.
func (s *Service) CheckProtocolsBatch(ctx context.Context, ids []int64) []ProbeResult {
	results := make([]ProbeResult, len(ids))
	sem := make(chan struct{}, s.deps.BatchWidth)
	var wg sync.WaitGroup
	for i, id := range ids {
		results[i].ID = id
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i].Error = ctx.Err().Error()
				return
			}
			defer func() { <-sem }()

			caps, err := s.CheckProtocols(ctx, id)
			if err != nil {
				results[i].Error = err.Error()
				return
			}
			results[i].Result = caps
		}()
	}
	wg.Wait()
	return results
}

// TestProxy checks the proxy of a group
func (s *Service) TestProxy(ctx context.Context, groupID int64) (*proxy.TestResult, error) {
	g, err := s.deps.Groups.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	res := s.deps.Proxy.Test(ctx, g)
	return &res, nil
}

// ListMessages reads one page live through the transport chain
func (s *Service) ListMessages(ctx context.Context, id int64, folder string, top, skip int) (*models.MessagePage, error) {
	var page *models.MessagePage
	err := s.withAccount(ctx, id, func(account *models.Account) error {
		var err error
		page, err = s.deps.Mail.ListMessages(ctx, account, folder, top, skip)
		return err
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// MessageDetail fetches one message. A non-empty method pins the transport
// that listed it, since message ids are transport specific.
func (s *Service) MessageDetail(ctx context.Context, id int64, folder, messageID, method string) (*models.MessageDetail, error) {
	var detail *models.MessageDetail
	err := s.withAccount(ctx, id, func(account *models.Account) error {
		var err error
		if method != "" {
			detail, err = s.deps.Mail.FetchDetailVia(ctx, account, email.Method(method), folder, messageID)
		} else {
			detail, err = s.deps.Mail.FetchDetail(ctx, account, folder, messageID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}
