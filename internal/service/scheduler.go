package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"waflow/internal/constants"
	"waflow/internal/database"
)

// Scheduler prunes old session logs on a fixed interval. Session rows
// themselves are kept; only the append-only log table grows unbounded.
type Scheduler struct {
	db            *database.Database
	retentionDays int
	intervalHours int
	logger        *logrus.Logger
	stopCh        chan struct{}
}

func NewScheduler(db *database.Database, retentionDays, intervalHours int, logger *logrus.Logger) *Scheduler {
	if retentionDays <= 0 {
		retentionDays = constants.DefaultRetentionDays
	}
	if intervalHours <= 0 {
		intervalHours = constants.DefaultCleanupIntervalHours
	}
	return &Scheduler{
		db:            db,
		retentionDays: retentionDays,
		intervalHours: intervalHours,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.intervalHours) * time.Hour)
	defer ticker.Stop()

	s.logger.Info("Starting cleanup scheduler")

	s.runCleanup()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Scheduler stop signal received, stopping")
			return
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) runCleanup() {
	s.logger.WithField("retentionDays", s.retentionDays).Info("Running scheduled cleanup")

	if err := s.db.CleanupOldSessionLogs(s.retentionDays); err != nil {
		s.logger.WithError(err).Error("Failed to cleanup old session logs")
	} else {
		s.logger.Info("Successfully completed cleanup")
	}
}
