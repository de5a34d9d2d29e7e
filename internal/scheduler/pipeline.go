package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/mailsync/internal/apperr"
	"github.com/mixelka/mailsync/internal/logging"
	"github.com/mixelka/mailsync/internal/metrics"
	"github.com/mixelka/mailsync/pkg/models"
)

// ErrAccountDisabled is returned when syncing a disabled account
var ErrAccountDisabled = errors.New("account is disabled")

const inboxFolder = "inbox"

// SyncResult is the outcome of syncing one account
type SyncResult struct {
	AccountID    int64               `json:"account_id"`
	Email        string              `json:"email"`
	UnreadCount  int                 `json:"unread_count"`
	Capabilities models.Capabilities `json:"capabilities"`
	Method       string              `json:"method"`
	New          int                 `json:"new_messages"`
}

func (s *Scheduler) persist(ctx context.Context, account *models.Account) error {
	if err := s.deps.Store.SaveAccount(ctx, account); err != nil {
		return &apperr.PersistenceError{Op: "save account", Err: err}
	}
	return nil
}

// restoreStatus puts the stored status back after a save on the success
// path failed, so the row is not left syncing. Best-effort.
func (s *Scheduler) restoreStatus(ctx context.Context, id int64, status models.AccountStatus) {
	if status == models.StatusSyncing {
		status = models.StatusActive
	}
	ctx = context.WithoutCancel(ctx)
	stored, err := s.deps.Store.GetAccount(ctx, id)
	if err != nil {
		s.logger.Warn("failed to reload account after save error", "account_id", id, logging.Err(err))
		return
	}
	stored.Status = status
	if err := s.deps.Store.SaveAccount(ctx, stored); err != nil {
		s.logger.Warn("failed to restore account status", "account_id", id, logging.Err(err))
	}
}

// syncAccount runs refresh then fetch for one account. A non-empty kind
// forces a token exchange and records it in the refresh history. The
// caller holds the account lock.
func (s *Scheduler) syncAccount(ctx context.Context, id int64, kind models.RefreshKind) (*SyncResult, error) {
	start := s.now()

	account, err := s.deps.Store.GetAccount(ctx, id)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, err
		}
		return nil, &apperr.PersistenceError{Op: "load account", Err: err}
	}
	if account.Status == models.StatusDisabled {
		return nil, ErrAccountDisabled
	}
	logger := s.logger.With(logging.Account(account.ID, account.Email))

	firstSync := account.LastSynced == nil
	prevUnread := account.UnreadCount
	prevStatus := account.Status
	prevSynced := account.LastSynced

	account.Status = models.StatusSyncing
	if err := s.persist(ctx, account); err != nil {
		return nil, err
	}

	if kind != "" {
		_, err = s.deps.Tokens.Refresh(ctx, account)
		s.recordRefresh(ctx, account, kind, err)
	} else if account.RefreshToken != "" {
		_, err = s.deps.Tokens.EnsureValidToken(ctx, account)
	}
	if err != nil {
		return nil, s.fail(ctx, account, start, fmt.Errorf("token refresh failed: %w", err))
	}

	page, err := s.deps.Mail.ListMessages(ctx, account, inboxFolder, s.cfg.FetchTop, 0)
	if err != nil {
		return nil, s.fail(ctx, account, start, err)
	}

	now := s.now()
	account.UnreadCount = page.Unread
	account.LastSynced = &now
	account.Status = models.StatusActive
	account.LastError = ""
	if err := s.persist(ctx, account); err != nil {
		s.metrics.ObserveSync(metrics.ResultError, s.now().Sub(start))
		s.restoreStatus(ctx, account.ID, prevStatus)
		return nil, err
	}

	inserted, err := s.deps.Store.SaveMessages(ctx, account.ID, inboxFolder, page.Messages)
	if err != nil {
		// messages were not stored, so the account stays due
		account.LastSynced = prevSynced
		return nil, s.fail(ctx, account, start, &apperr.PersistenceError{Op: "save messages", Err: err})
	}

	if !firstSync && page.Unread > prevUnread {
		s.notify(account.ID, page.Unread-prevUnread)
	}

	s.metrics.ObserveSync(metrics.ResultSuccess, s.now().Sub(start))
	s.deps.Log.Info(account.Email, fmt.Sprintf("synced via %s: %d unread, %d new", page.Method, page.Unread, inserted))
	logger.Debug("account synced", logging.Method(page.Method), "unread", page.Unread, "new", inserted)

	return &SyncResult{
		AccountID:    account.ID,
		Email:        account.Email,
		UnreadCount:  account.UnreadCount,
		Capabilities: account.Capabilities(),
		Method:       page.Method,
		New:          inserted,
	}, nil
}

// fail records a sync failure on the account and returns cause, or the
// persistence error when the account could not be saved.
func (s *Scheduler) fail(ctx context.Context, account *models.Account, start time.Time, cause error) error {
	result := metrics.ResultError
	if apperr.IsRevoked(cause) {
		result = metrics.ResultRevoked
	}
	s.metrics.ObserveSync(result, s.now().Sub(start))

	account.MarkFailed(cause.Error())
	s.deps.Log.Error(account.Email, cause.Error())
	s.logger.Warn("account sync failed", logging.Account(account.ID, account.Email), logging.Err(cause))

	if err := s.persist(ctx, account); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// recordRefresh sets the refresh status on the account and appends a
// history entry. The account itself is saved by the caller.
func (s *Scheduler) recordRefresh(ctx context.Context, account *models.Account, kind models.RefreshKind, refreshErr error) {
	entry := &models.RefreshLog{
		AccountID:    account.ID,
		AccountEmail: account.Email,
		Kind:         kind,
		Status:       models.RefreshSuccess,
		CreatedAt:    s.now().UTC(),
	}
	if refreshErr != nil {
		entry.Status = models.RefreshFailed
		entry.Error = refreshErr.Error()
	}
	account.RefreshStatus = entry.Status

	// history is informational; a failed write must not fail the refresh
	if err := s.deps.Store.SaveRefreshLog(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Warn("failed to save refresh log", logging.Account(account.ID, account.Email), logging.Err(err))
	}
}

// refreshAccount exchanges the refresh token without fetching mail
func (s *Scheduler) refreshAccount(ctx context.Context, id int64, kind models.RefreshKind) error {
	account, err := s.deps.Store.GetAccount(ctx, id)
	if err != nil {
		if apperr.IsNotFound(err) {
			return err
		}
		return &apperr.PersistenceError{Op: "load account", Err: err}
	}
	if account.Status == models.StatusDisabled {
		return ErrAccountDisabled
	}

	_, refreshErr := s.deps.Tokens.Refresh(ctx, account)
	s.recordRefresh(ctx, account, kind, refreshErr)
	if refreshErr == nil && account.Status == models.StatusError {
		account.Status = models.StatusActive
		account.LastError = ""
	}
	if err := s.persist(ctx, account); err != nil {
		return errors.Join(refreshErr, err)
	}
	if refreshErr != nil {
		s.deps.Log.Error(account.Email, fmt.Sprintf("token refresh (%s) failed: %v", kind, refreshErr))
		return refreshErr
	}
	s.deps.Log.Info(account.Email, fmt.Sprintf("token refreshed (%s)", kind))
	return nil
}

func (s *Scheduler) notify(accountID int64, delta int) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.notifications[accountID] += delta
}

// DrainNotifications returns the unread growth per account since the last
// call and clears it.
func (s *Scheduler) DrainNotifications() map[int64]int {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	out := s.notifications
	s.notifications = make(map[int64]int)
	return out
}
