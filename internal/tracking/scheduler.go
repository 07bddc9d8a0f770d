package tracking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"candle-signal-bot/config"
	"candle-signal-bot/internal/database"
	"candle-signal-bot/internal/logging"
	"candle-signal-bot/internal/metrics"
)

// SweepStore is the claim surface the scheduler polls. Persisted due-times
// are the source of truth for what runs next; nothing is kept in in-process
// timers, so a restart picks up pending rounds automatically.
type SweepStore interface {
	ClaimDueSessions(ctx context.Context, now time.Time, reclaimAfter time.Duration, limit int) ([]database.TrackingSession, error)
	ForceErrorIdleSessions(ctx context.Context, cutoff time.Time) ([]database.TrackingSession, error)
}

// Scheduler polls for due round checks and dispatches them. One claim per
// session at a time: claiming pushes the due-time forward, so no session
// ever has two checks in flight.
type Scheduler struct {
	service *Service
	store   SweepStore
	locks   Locks
	cfg     config.TrackingConfig
	log     *logging.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates the tracking scheduler
func NewScheduler(service *Service, store SweepStore, locks Locks, cfg config.TrackingConfig, log *logging.Logger) *Scheduler {
	return &Scheduler{
		service:  service,
		store:    store,
		locks:    locks,
		cfg:      cfg,
		log:      log.WithComponent("tracking-scheduler"),
		stopChan: make(chan struct{}),
	}
}

// Start starts the scheduler loops
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("tracking scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	s.log.Info("starting tracking scheduler",
		"sweep_interval", s.cfg.SweepInterval.String(), "max_concurrent", s.cfg.MaxConcurrent)

	s.wg.Add(2)
	go s.runSweepLoop()
	go s.runRecoveryLoop()

	return nil
}

// Stop stops the scheduler and waits for in-flight checks
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("tracking scheduler not running")
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()

	s.log.Info("tracking scheduler stopped")
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) runSweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	// Run immediately on start so restarts catch up without waiting a tick.
	s.sweepDueSessions()

	for {
		select {
		case <-ticker.C:
			s.sweepDueSessions()
		case <-s.stopChan:
			return
		}
	}
}

func (s *Scheduler) sweepDueSessions() {
	ctx := context.Background()

	sessions, err := s.store.ClaimDueSessions(ctx, time.Now().UTC(), s.cfg.ClaimReclaim, s.cfg.MaxConcurrent*4)
	if err != nil {
		s.log.Error("failed to claim due sessions", "error", err)
		return
	}
	if len(sessions) == 0 {
		return
	}

	s.log.Debug("claimed due sessions", "count", len(sessions))

	semaphore := make(chan struct{}, s.cfg.MaxConcurrent)
	var wg sync.WaitGroup

	for _, session := range sessions {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(sess database.TrackingSession) {
			defer wg.Done()
			defer func() { <-semaphore }()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic recovered in round check",
						"session_id", sess.ID, "panic", fmt.Sprintf("%v", r))
				}
			}()

			s.service.CheckRound(ctx, &sess)
		}(session)
	}

	wg.Wait()
}

// runRecoveryLoop force-terminates sessions idle past the safety ceiling and
// releases their advisory locks. Recovery for leaked locks and stuck rows.
func (s *Scheduler) runRecoveryLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.recoverIdleSessions()
		case <-s.stopChan:
			return
		}
	}
}

func (s *Scheduler) recoverIdleSessions() {
	ctx := context.Background()

	cutoff := time.Now().UTC().Add(-s.cfg.IdleCeiling)
	sessions, err := s.store.ForceErrorIdleSessions(ctx, cutoff)
	if err != nil {
		s.log.Error("idle session recovery failed", "error", err)
		return
	}

	for _, sess := range sessions {
		s.locks.ReleaseTrackingLock(ctx, sess.UserID)
		metrics.SessionsFinished.WithLabelValues(database.SessionError).Inc()
		metrics.ActiveSessions.Dec()
		s.log.Warn("force-terminated idle session",
			"session_id", sess.ID, "user_id", sess.UserID, "last_activity", sess.LastActivityAt)
	}
}
