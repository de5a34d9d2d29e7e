// Package scheduler drives periodic account synchronization: it selects due
// accounts per group policy, dispatches them in bounded batches and reports
// round and cooldown state.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mixelka/mailsync/internal/auth"
	"github.com/mixelka/mailsync/internal/logging"
	"github.com/mixelka/mailsync/internal/metrics"
	"github.com/mixelka/mailsync/internal/synclog"
	"github.com/mixelka/mailsync/pkg/models"
)

// Config holds scheduling defaults. Group settings override them.
type Config struct {
	DefaultInterval  time.Duration
	DefaultBatchSize int
	MaxBatchSize     int // ceiling on one cycle across all groups
	AccountTimeout   time.Duration
	FetchTop         int
}

// Deps are the collaborators of the scheduler
type Deps struct {
	Store   MailStore
	Groups  GroupStore
	Tokens  TokenManager
	Mail    MailClient
	Locks   *Locks
	Log     *synclog.Log
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Status is the externally visible schedule state
type Status struct {
	CurrentRound    int64      `json:"current_round"`
	InCooldown      bool       `json:"in_cooldown"`
	IntervalMinutes int        `json:"interval_minutes"`
	Running         bool       `json:"running"`
	LastPassAt      *time.Time `json:"last_pass_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	LastPassCycles  int        `json:"last_pass_cycles"`
}

// PassResult summarizes one pass over the due queue
type PassResult struct {
	Cycles    int
	Attempted int
	Failed    int
}

type job struct {
	accountID   int64
	email       string
	refreshOnly bool
}

// Scheduler owns the control loop
type Scheduler struct {
	deps    Deps
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// passMu serializes passes so the attempted set stays coherent
	passMu sync.Mutex

	mu         sync.Mutex
	round      int64
	inCooldown bool
	running    bool
	interval   time.Duration
	lastPassAt time.Time
	nextRunAt  time.Time
	lastCycles int
	cancel     context.CancelFunc
	done       chan struct{}

	trigger chan struct{}

	notifyMu      sync.Mutex
	notifications map[int64]int
}

// New creates a scheduler. It does not start the loop.
func New(deps Deps, cfg Config) *Scheduler {
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = 30 * time.Minute
	}
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = 5
	}
	if cfg.MaxBatchSize < cfg.DefaultBatchSize {
		cfg.MaxBatchSize = max(cfg.DefaultBatchSize, 20)
	}
	if cfg.AccountTimeout <= 0 {
		cfg.AccountTimeout = 2 * time.Minute
	}
	if cfg.FetchTop <= 0 {
		cfg.FetchTop = 30
	}
	if deps.Locks == nil {
		deps.Locks = NewLocks()
	}
	if deps.Log == nil {
		deps.Log = synclog.New(0, nil)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Scheduler{
		deps:          deps,
		cfg:           cfg,
		logger:        logging.Component(deps.Logger, "scheduler"),
		metrics:       deps.Metrics,
		now:           time.Now,
		interval:      cfg.DefaultInterval,
		trigger:       make(chan struct{}, 1),
		notifications: make(map[int64]int),
	}
}

// Locks returns the per-account lock table shared with manual operations
func (s *Scheduler) Locks() *Locks { return s.deps.Locks }

// Start launches the control loop. The first pass runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx, s.done)
	s.logger.Info("scheduler started")
	return nil
}

// Stop halts dispatch and waits for in-flight accounts to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.running = false
	s.nextRunAt = time.Time{}
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

// Trigger requests a pass without waiting for the next tick
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if _, err := s.RunPass(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sync pass failed", logging.Err(err))
		}

		interval := s.tickInterval(ctx)
		s.mu.Lock()
		s.interval = interval
		s.nextRunAt = s.now().Add(interval)
		s.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-s.trigger:
			timer.Stop()
		}
	}
}

// tickInterval is the smallest interval among auto-sync groups
func (s *Scheduler) tickInterval(ctx context.Context) time.Duration {
	groups, err := s.deps.Groups.ListGroups(ctx)
	if err != nil {
		return s.cfg.DefaultInterval
	}
	interval := time.Duration(0)
	for _, g := range groups {
		if !g.AutoSync {
			continue
		}
		if d := g.SyncInterval(s.cfg.DefaultInterval); interval == 0 || d < interval {
			interval = d
		}
	}
	if interval == 0 {
		return s.cfg.DefaultInterval
	}
	return interval
}

// RunPass drains the due queue in cycles of at most one batch per group.
// Each account is attempted at most once per pass. The round advances once
// per pass that dispatched work.
func (s *Scheduler) RunPass(ctx context.Context) (PassResult, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	s.mu.Lock()
	s.inCooldown = false
	round := s.round
	s.mu.Unlock()
	s.metrics.SetSchedule(round, false)

	groups, err := s.deps.Groups.ListGroups(ctx)
	if err != nil {
		return PassResult{}, err
	}

	var res PassResult
	attempted := make(map[int64]bool)
	for ctx.Err() == nil {
		jobs, err := s.collect(ctx, groups, attempted)
		if err != nil {
			if res.Cycles == 0 {
				return res, err
			}
			s.logger.Error("collecting due accounts failed", logging.Err(err))
			break
		}
		if len(jobs) == 0 {
			break
		}
		res.Cycles++
		res.Attempted += len(jobs)
		res.Failed += s.dispatch(ctx, jobs)
	}

	s.mu.Lock()
	if res.Cycles > 0 {
		s.round++
		s.inCooldown = true
	}
	s.lastPassAt = s.now()
	s.lastCycles = res.Cycles
	round, cooldown := s.round, s.inCooldown
	s.mu.Unlock()
	s.metrics.SetSchedule(round, cooldown)

	if res.Cycles > 0 {
		s.logger.Info("sync pass complete", "round", round, "cycles", res.Cycles, "accounts", res.Attempted, "failed", res.Failed)
	}
	return res, nil
}

// collect selects the next cycle of jobs, marking them attempted
func (s *Scheduler) collect(ctx context.Context, groups []*models.Group, attempted map[int64]bool) ([]job, error) {
	byID := make(map[int64]*models.Group, len(groups))
	var active []*models.Group
	for _, g := range groups {
		if g.AutoSync || g.AutoRefreshToken {
			byID[g.ID] = g
			active = append(active, g)
		}
	}
	if len(active) == 0 {
		return nil, nil
	}

	accounts, err := s.deps.Store.LoadDueAccounts(ctx, active)
	if err != nil {
		return nil, err
	}
	sortDue(accounts)

	now := s.now()
	perGroup := make(map[int64]int)
	var jobs []job
	for _, a := range accounts {
		if len(jobs) >= s.cfg.MaxBatchSize {
			break
		}
		if attempted[a.ID] || a.GroupID == nil || a.Status == models.StatusDisabled || auth.CredentialRevoked(a) {
			continue
		}
		g := byID[*a.GroupID]
		if g == nil || perGroup[g.ID] >= g.BatchSize(s.cfg.DefaultBatchSize) {
			continue
		}

		var j job
		switch {
		case g.AutoSync && s.syncDue(a, g, now):
			j = job{accountID: a.ID, email: a.Email}
		case g.AutoRefreshToken && refreshDue(a, g, now):
			j = job{accountID: a.ID, email: a.Email, refreshOnly: true}
		default:
			continue
		}
		attempted[a.ID] = true
		perGroup[g.ID]++
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *Scheduler) syncDue(a *models.Account, g *models.Group, now time.Time) bool {
	idle, ok := a.IdleSince(now)
	return !ok || idle >= g.SyncInterval(s.cfg.DefaultInterval)
}

func refreshDue(a *models.Account, g *models.Group, now time.Time) bool {
	if a.RefreshToken == "" {
		return false
	}
	return a.LastRefreshAt == nil || now.Sub(*a.LastRefreshAt) >= g.RefreshInterval()
}

// sortDue orders never-synced accounts first, then oldest sync, then ID
func sortDue(accounts []*models.Account) {
	sort.SliceStable(accounts, func(i, j int) bool {
		a, b := accounts[i], accounts[j]
		switch {
		case a.LastSynced == nil && b.LastSynced != nil:
			return true
		case a.LastSynced != nil && b.LastSynced == nil:
			return false
		case a.LastSynced != nil && !a.LastSynced.Equal(*b.LastSynced):
			return a.LastSynced.Before(*b.LastSynced)
		}
		return a.ID < b.ID
	})
}

// dispatch runs one cycle on a bounded pool and returns the failure count.
// Workers run detached from ctx so shutdown never interrupts an account
// mid-refresh; each is bounded by the account timeout instead.
func (s *Scheduler) dispatch(ctx context.Context, jobs []job) int {
	width := min(len(jobs), s.cfg.MaxBatchSize)
	queue := make(chan job)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for range width {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range queue {
				if err := s.runJob(ctx, j); err != nil {
					mu.Lock()
					failed++
					mu.Unlock()
				}
			}
		}()
	}

	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		queue <- j
	}
	close(queue)
	wg.Wait()
	return failed
}

func (s *Scheduler) runJob(ctx context.Context, j job) (err error) {
	release, ok := s.deps.Locks.TryAcquire(j.accountID)
	if !ok {
		s.logger.Debug("account busy, skipped", logging.Account(j.accountID, j.email))
		s.metrics.ObserveSync(metrics.ResultSkipped, 0)
		return nil
	}
	defer release()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("account worker panicked", logging.Account(j.accountID, j.email), "panic", r)
			err = errors.New("worker panic")
		}
	}()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.AccountTimeout)
	defer cancel()

	if j.refreshOnly {
		return s.refreshAccount(wctx, j.accountID, models.RefreshAuto)
	}
	_, err = s.syncAccount(wctx, j.accountID, "")
	return err
}

// SyncOne syncs a single account now, waiting for its lock
func (s *Scheduler) SyncOne(ctx context.Context, id int64) (*SyncResult, error) {
	release, err := s.deps.Locks.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.AccountTimeout)
	defer cancel()
	return s.syncAccount(ctx, id, "")
}

// RefreshOne exchanges the refresh token of a single account now, waiting
// for its lock. The attempt is recorded in the refresh history.
func (s *Scheduler) RefreshOne(ctx context.Context, id int64, kind models.RefreshKind) error {
	release, err := s.deps.Locks.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.AccountTimeout)
	defer cancel()
	return s.refreshAccount(ctx, id, kind)
}

// Status reports the schedule state
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		CurrentRound:    s.round,
		InCooldown:      s.inCooldown,
		IntervalMinutes: int(s.interval / time.Minute),
		Running:         s.running,
		LastPassCycles:  s.lastCycles,
	}
	if !s.lastPassAt.IsZero() {
		t := s.lastPassAt
		st.LastPassAt = &t
	}
	if !s.nextRunAt.IsZero() {
		t := s.nextRunAt
		st.NextRunAt = &t
	}
	return st
}
