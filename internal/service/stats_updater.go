package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultStatsSchedule = "@every 1m"

// StatsUpdater handles periodic statistics updates
type StatsUpdater struct {
	monitoringService *MonitoringService
	logger            *zap.Logger
	cron              *cron.Cron
	schedule          string
	retentionDays     int
}

// NewStatsUpdater creates a new stats updater. schedule is a cron expression such as "@every 1m".
func NewStatsUpdater(monitoringService *MonitoringService, logger *zap.Logger, schedule string) *StatsUpdater {
	if schedule == "" {
		schedule = defaultStatsSchedule
	}
	return &StatsUpdater{
		monitoringService: monitoringService,
		logger:            logger,
		cron:              cron.New(),
		schedule:          schedule,
		retentionDays:     90,
	}
}

// Start begins the periodic stats update process
func (s *StatsUpdater) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.updateStats(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@daily", func() { s.cleanup(ctx) }); err != nil {
		return err
	}

	s.logger.Info("Starting stats updater", zap.String("schedule", s.schedule))
	s.updateStats(ctx)
	s.cron.Start()
	return nil
}

// Stop stops the stats updater and waits for a running update.
func (s *StatsUpdater) Stop() {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("Timed out waiting for stats update to finish")
	}
	s.logger.Info("Stats updater stopped")
}

// updateStats performs the actual stats update
func (s *StatsUpdater) updateStats(ctx context.Context) {
	s.logger.Debug("Updating statistics")

	if err := s.monitoringService.UpdateTaskStats(ctx); err != nil {
		s.logger.Error("Failed to update task stats", zap.Error(err))
		return
	}

	s.logger.Debug("Statistics updated successfully")
}

func (s *StatsUpdater) cleanup(ctx context.Context) {
	// Clean up old data (keep last 90 days)
	if err := s.monitoringService.CleanupOldData(ctx, s.retentionDays); err != nil {
		s.logger.Error("Failed to cleanup old data", zap.Error(err))
	}
}
