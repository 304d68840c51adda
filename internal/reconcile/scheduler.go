package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bitget-ledger-sync/internal/config"
	"bitget-ledger-sync/internal/credentials"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Scheduler drives a sweep over every eligible user at a fixed interval.
// Passes run on a bounded worker pool; a user whose previous pass still holds
// its guard is skipped at submission rather than queued.
type Scheduler struct {
	svc         *Service
	users       credentials.Provider
	pool        *ants.Pool
	interval    time.Duration
	passTimeout time.Duration
	logger      *zap.Logger
	wg          sync.WaitGroup

	startTime time.Time
	running   atomic.Bool
	sweeps    atomic.Uint64
	passes    atomic.Uint64
	failures  atomic.Uint64
	skipped   atomic.Uint64
	lastSweep atomic.Value // SweepInfo
}

// SweepInfo describes the most recent sweep.
type SweepInfo struct {
	PassID    string    `json:"pass_id"`
	StartedAt time.Time `json:"started_at"`
	Users     int       `json:"users"`
}

// Status is a snapshot of the scheduler for the status endpoint.
type Status struct {
	Running        bool      `json:"running"`
	StartTime      time.Time `json:"start_time"`
	Uptime         string    `json:"uptime"`
	Interval       string    `json:"interval"`
	Workers        int       `json:"workers"`
	BusyWorkers    int       `json:"busy_workers"`
	Sweeps         uint64    `json:"sweeps"`
	Passes         uint64    `json:"passes"`
	Failures       uint64    `json:"failures"`
	Skipped        uint64    `json:"skipped"`
	LastSweep      SweepInfo `json:"last_sweep"`
	SuspendedUsers []uint    `json:"suspended_users"`
}

// NewScheduler creates a scheduler with cfg.Workers concurrent passes.
func NewScheduler(svc *Service, users credentials.Provider, cfg config.Reconcile, logger *zap.Logger) (*Scheduler, error) {
	logger = logger.Named("scheduler")
	pool, err := ants.NewPool(cfg.Workers, ants.WithPanicHandler(func(p any) {
		logger.Error("Worker panicked", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	s := &Scheduler{
		svc:         svc,
		users:       users,
		pool:        pool,
		interval:    cfg.Interval,
		passTimeout: cfg.PassTimeout,
		logger:      logger,
		startTime:   time.Now(),
	}
	s.lastSweep.Store(SweepInfo{})
	return s, nil
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Starting reconciliation loop", zap.Duration("interval", s.interval), zap.Int("workers", s.pool.Cap()))
	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping reconciliation loop...")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep submits one pass per eligible user. The user's guard is taken before
// the pass is handed to the pool, so a user still mid-pass is skipped on this
// tick instead of waiting for a free worker. Sweep returns once every pass has
// been handed to a worker; Wait blocks until they finish.
func (s *Scheduler) Sweep(ctx context.Context) {
	passID := uuid.NewString()
	users, err := s.users.EligibleUsers(ctx)
	if err != nil {
		s.logger.Error("Failed to list eligible users", zap.String("pass_id", passID), zap.Error(err))
		return
	}
	s.sweeps.Add(1)
	s.lastSweep.Store(SweepInfo{PassID: passID, StartedAt: time.Now().UTC(), Users: len(users)})
	s.logger.Debug("Sweep started", zap.String("pass_id", passID), zap.Int("users", len(users)))

	for _, userID := range users {
		if ctx.Err() != nil {
			return
		}
		release, err := s.svc.acquire(ctx, userID)
		if err != nil {
			s.record(passID, userID, err)
			continue
		}

		s.wg.Add(1)
		err = s.pool.Submit(func() {
			defer s.wg.Done()
			defer release()
			s.runUnit(ctx, passID, userID)
		})
		if err != nil {
			release()
			s.wg.Done()
			s.failures.Add(1)
			s.logger.Error("Failed to submit pass", zap.Uint("user_id", userID), zap.Error(err))
		}
	}
}

// runUnit runs one user's pass with the guard already held. Nothing escapes
// it: errors are logged by kind and panics are recovered.
func (s *Scheduler) runUnit(ctx context.Context, passID string, userID uint) {
	defer func() {
		if r := recover(); r != nil {
			s.failures.Add(1)
			s.logger.Error("Reconciliation pass panicked", zap.Uint("user_id", userID), zap.String("pass_id", passID), zap.Any("panic", r))
		}
	}()

	// The sweep may have been cancelled while this unit waited for a worker.
	if ctx.Err() != nil {
		s.skipped.Add(1)
		return
	}

	unitCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	_, err := s.svc.runPass(unitCtx, userID, passID, true)
	s.record(passID, userID, err)
}

// record counts the outcome of one user's unit and logs failures by kind.
func (s *Scheduler) record(passID string, userID uint, err error) {
	if err == nil {
		s.passes.Add(1)
		return
	}

	log := s.logger.With(zap.Uint("user_id", userID), zap.String("pass_id", passID), zap.Error(err))
	var se *SyncError
	errors.As(err, &se)
	switch {
	case se == nil:
		s.failures.Add(1)
		log.Error("Pass failed with an unclassified error")
	case se.Kind == KindBusy || se.Kind == KindSuspended:
		s.skipped.Add(1)
		log.Debug("User skipped this tick")
	case se.Kind == KindCredentials:
		s.skipped.Add(1)
		log.Warn("User skipped: credentials unavailable")
	case se.Retryable():
		s.failures.Add(1)
		log.Warn("Pass failed, retrying next tick")
	default:
		s.failures.Add(1)
		log.Error("Pass failed; user action required before the next successful pass")
	}
}

// Wait blocks until every submitted pass has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Stop waits up to timeout for running passes and releases the pool.
func (s *Scheduler) Stop(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("Timed out waiting for running passes")
	}
	return s.pool.ReleaseTimeout(timeout)
}

// Status returns a snapshot of the scheduler counters.
func (s *Scheduler) Status() Status {
	st := Status{
		Running:        s.running.Load(),
		StartTime:      s.startTime,
		Interval:       s.interval.String(),
		Workers:        s.pool.Cap(),
		BusyWorkers:    s.pool.Running(),
		Sweeps:         s.sweeps.Load(),
		Passes:         s.passes.Load(),
		Failures:       s.failures.Load(),
		Skipped:        s.skipped.Load(),
		LastSweep:      s.lastSweep.Load().(SweepInfo),
		SuspendedUsers: s.svc.Suspended(),
	}
	st.Uptime = time.Since(s.startTime).Round(time.Second).String()
	return st
}
