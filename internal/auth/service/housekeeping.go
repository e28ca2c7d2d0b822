package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aussiebroadwan/tavern/internal/auth/store"
)

// HousekeepingService periodically deletes expired sessions and consumed
// MFA codes so neither table grows without bound. Expired rows are already
// ignored by every lookup; this only reclaims space.
type HousekeepingService struct {
	Sessions store.Sessions
	Codes    store.ConsumedCodes
	Logger   *slog.Logger
	Interval time.Duration
	Now      func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewHousekeepingService creates the worker. If interval is 0 or negative,
// defaults to 1 hour.
func NewHousekeepingService(
	sessions store.Sessions,
	codes store.ConsumedCodes,
	logger *slog.Logger,
	interval time.Duration,
) *HousekeepingService {
	if interval <= 0 {
		interval = time.Hour
	}

	return &HousekeepingService{
		Sessions: sessions,
		Codes:    codes,
		Logger:   logger,
		Interval: interval,
		Now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the worker in the background. Call Stop to shut it down.
func (s *HousekeepingService) Start() {
	s.startOnce.Do(func() {
		s.started = true
		go s.run()
		s.Logger.Info("housekeeping service started", "interval", s.Interval)
	})
}

// Stop blocks until any in-progress cleanup has finished. Later calls, and
// calls before Start, return at once.
func (s *HousekeepingService) Stop() {
	s.stopOnce.Do(func() {
		// No Start after Stop.
		s.startOnce.Do(func() {})
		close(s.stopCh)
		if s.started {
			<-s.doneCh
		}
		s.Logger.Info("housekeeping service stopped")
	})
}

func (s *HousekeepingService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	// Run cleanup immediately on startup
	s.RunOnce(context.Background())

	for {
		select {
		case <-ticker.C:
			s.RunOnce(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// RunOnce performs a single cleanup pass. Each deletion is independent; a
// failure in one does not stop the other.
func (s *HousekeepingService) RunOnce(ctx context.Context) (sessions, codes int64) {
	now := s.Now().UTC()

	sessions, err := s.Sessions.DeleteExpiredSessions(ctx, now)
	if err != nil {
		s.Logger.Error("failed to delete expired sessions", "error", err)
	}

	if s.Codes != nil {
		codes, err = s.Codes.DeleteExpiredCodes(ctx, now)
		if err != nil {
			s.Logger.Error("failed to delete expired consumed codes", "error", err)
		}
	}

	s.Logger.Info("housekeeping cleanup completed", "sessions", sessions, "codes", codes)
	return sessions, codes
}
