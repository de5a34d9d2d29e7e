package scheduler

import (
	"context"
	"sync"

	"github.com/mixelka/mailsync/pkg/models"
)

// Progress event types
const (
	EventStart    = "start"
	EventProgress = "progress"
	EventDone     = "done"
)

// ProgressEvent reports the progress of SyncAll
type ProgressEvent struct {
	Type         string `json:"type"`
	Total        int    `json:"total"`
	Current      int    `json:"current,omitempty"`
	Email        string `json:"email,omitempty"`
	Success      bool   `json:"success,omitempty"`
	Error        string `json:"error,omitempty"`
	SuccessCount int    `json:"success_count"`
	FailCount    int    `json:"fail_count"`
}

// SyncAll force-refreshes and syncs every enabled account holding a
// refresh token. emit is called from one goroutine at a time, in order.
func (s *Scheduler) SyncAll(ctx context.Context, emit func(ProgressEvent)) (success, failed int, err error) {
	if emit == nil {
		emit = func(ProgressEvent) {}
	}

	all, err := s.deps.Store.ListAccounts(ctx)
	if err != nil {
		return 0, 0, err
	}
	var targets []*models.Account
	for _, a := range all {
		if a.Status != models.StatusDisabled && a.RefreshToken != "" {
			targets = append(targets, a)
		}
	}
	total := len(targets)
	emit(ProgressEvent{Type: EventStart, Total: total})

	var (
		mu      sync.Mutex
		current int
		wg      sync.WaitGroup
		sem     = make(chan struct{}, s.cfg.DefaultBatchSize)
	)
	report := func(a *models.Account, syncErr error) {
		mu.Lock()
		defer mu.Unlock()
		current++
		ev := ProgressEvent{Type: EventProgress, Total: total, Current: current, Email: a.Email}
		if syncErr != nil {
			failed++
			ev.Error = syncErr.Error()
		} else {
			success++
			ev.Success = true
		}
		ev.SuccessCount, ev.FailCount = success, failed
		emit(ev)
	}

	for _, a := range targets {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			emit(ProgressEvent{Type: EventDone, Total: total, SuccessCount: success, FailCount: failed})
			return success, failed, ctx.Err()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			report(a, s.refreshAndSync(ctx, a.ID))
		}()
	}
	wg.Wait()

	emit(ProgressEvent{Type: EventDone, Total: total, SuccessCount: success, FailCount: failed})
	return success, failed, nil
}

func (s *Scheduler) refreshAndSync(ctx context.Context, id int64) error {
	release, err := s.deps.Locks.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.AccountTimeout)
	defer cancel()
	_, err = s.syncAccount(ctx, id, models.RefreshManual)
	return err
}
