package services

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/dineflow/chat-commerce-backend/internal/database"
)

// revokedTokenRetention is how long revoked ledger rows are kept for
// forensics before the nightly sweep drops them.
const revokedTokenRetention = 30 * 24 * time.Hour

// CronService manages scheduled background jobs
type CronService struct {
	cron             *cron.Cron
	sessionTokens    *database.SessionTokenRepository
	abandoned        *database.AbandonedRepository
	otpService       *OTPService
	rateLimitService *RateLimitService
	logger           *logrus.Logger
}

// NewCronService creates a new CronService
func NewCronService(
	sessionTokens *database.SessionTokenRepository,
	abandoned *database.AbandonedRepository,
	otpService *OTPService,
	rateLimitService *RateLimitService,
	logger *logrus.Logger,
) *CronService {
	// Seconds precision keeps the schedule format uniform across jobs
	c := cron.New(cron.WithSeconds())

	return &CronService{
		cron:             c,
		sessionTokens:    sessionTokens,
		abandoned:        abandoned,
		otpService:       otpService,
		rateLimitService: rateLimitService,
		logger:           logger,
	}
}

// Start starts all cron jobs
func (s *CronService) Start() error {
	s.logger.Info("Starting cron service...")

	// Job 1: Sweep the session-token ledger daily at 3 AM
	// Cron format: second minute hour day month weekday
	_, err := s.cron.AddFunc("0 0 3 * * *", s.sessionLedgerSweepJob)
	if err != nil {
		return fmt.Errorf("failed to schedule session ledger sweep: %w", err)
	}
	s.logger.Info("✓ Scheduled: Session ledger sweep (Daily at 3:00 AM)")

	// Job 2: Purge closed abandoned carts/bookings daily at 3:30 AM
	_, err = s.cron.AddFunc("0 30 3 * * *", s.abandonedPurgeJob)
	if err != nil {
		return fmt.Errorf("failed to schedule abandoned purge: %w", err)
	}
	s.logger.Info("✓ Scheduled: Abandoned cart/booking purge (Daily at 3:30 AM)")

	// Job 3: Drop expired OTPs and stale rate-limit rows daily at 4 AM
	_, err = s.cron.AddFunc("0 0 4 * * *", s.authCleanupJob)
	if err != nil {
		return fmt.Errorf("failed to schedule auth cleanup: %w", err)
	}
	s.logger.Info("✓ Scheduled: OTP and rate-limit cleanup (Daily at 4:00 AM)")

	s.cron.Start()
	s.logger.Info("✓ Cron service started successfully")

	return nil
}

// Stop stops all cron jobs and waits for running ones to finish
func (s *CronService) Stop() {
	s.logger.Info("Stopping cron service...")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("✓ Cron service stopped")
}

// sessionLedgerSweepJob deletes expired ledger rows and revoked rows past
// the retention window.
func (s *CronService) sessionLedgerSweepJob() {
	startTime := time.Now()

	expired, err := s.sessionTokens.CleanupExpiredTokens()
	if err != nil {
		s.logger.WithError(err).Error("[CRON] Session ledger sweep failed on expired rows")
		return
	}

	revoked, err := s.sessionTokens.CleanupRevokedTokens(revokedTokenRetention)
	if err != nil {
		s.logger.WithError(err).Error("[CRON] Session ledger sweep failed on revoked rows")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"expired_removed": expired,
		"revoked_removed": revoked,
		"duration":        time.Since(startTime).String(),
	}).Info("[CRON] ✓ Session ledger sweep complete")
}

// abandonedPurgeJob removes restored rows and rows whose restoration window
// has closed, for both carts and bookings.
func (s *CronService) abandonedPurgeJob() {
	startTime := time.Now()
	now := time.Now()

	carts, err := s.abandoned.PurgeCarts(now)
	if err != nil {
		s.logger.WithError(err).Error("[CRON] Abandoned purge failed on carts")
		return
	}

	bookings, err := s.abandoned.PurgeBookings(now)
	if err != nil {
		s.logger.WithError(err).Error("[CRON] Abandoned purge failed on bookings")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"carts_removed":    carts,
		"bookings_removed": bookings,
		"duration":         time.Since(startTime).String(),
	}).Info("[CRON] ✓ Abandoned purge complete")
}

// authCleanupJob drops expired OTP rows and rate-limit entries whose window
// has passed.
func (s *CronService) authCleanupJob() {
	startTime := time.Now()

	otps, err := s.otpService.CleanupExpiredOTPs()
	if err != nil {
		s.logger.WithError(err).Error("[CRON] Auth cleanup failed on OTP rows")
		return
	}

	rateLimits, err := s.rateLimitService.CleanupExpiredRateLimits()
	if err != nil {
		s.logger.WithError(err).Error("[CRON] Auth cleanup failed on rate-limit rows")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"otps_removed":        otps,
		"rate_limits_removed": rateLimits,
		"duration":            time.Since(startTime).String(),
	}).Info("[CRON] ✓ Auth cleanup complete")
}

// RunSessionSweepNow runs the session ledger sweep immediately (for testing)
func (s *CronService) RunSessionSweepNow() error {
	s.logger.Info("[MANUAL] Running session ledger sweep now...")
	s.sessionLedgerSweepJob()
	return nil
}

// RunAbandonedPurgeNow runs the abandoned purge immediately (for testing)
func (s *CronService) RunAbandonedPurgeNow() error {
	s.logger.Info("[MANUAL] Running abandoned purge now...")
	s.abandonedPurgeJob()
	return nil
}

// RunAuthCleanupNow runs the OTP and rate-limit cleanup immediately (for testing)
func (s *CronService) RunAuthCleanupNow() error {
	s.logger.Info("[MANUAL] Running auth cleanup now...")
	s.authCleanupJob()
	return nil
}

// GetJobStatus returns the status of scheduled jobs
func (s *CronService) GetJobStatus() map[string]interface{} {
	entries := s.cron.Entries()

	jobs := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		jobs = append(jobs, map[string]interface{}{
			"id":       entry.ID,
			"next_run": entry.Next,
			"prev_run": entry.Prev,
		})
	}

	return map[string]interface{}{
		"running":   len(entries) > 0,
		"job_count": len(entries),
		"jobs":      jobs,
	}
}
