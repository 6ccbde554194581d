package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lh20005/geo-xi-tong-sub013/internal/metrics"
	"github.com/lh20005/geo-xi-tong-sub013/internal/models"
)

const (
	LevelError = "ERROR"
	LevelWarn  = "WARN"
	LevelInfo  = "INFO"
)

type MonitoringService struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewMonitoringService(db *gorm.DB, logger *zap.Logger) *MonitoringService {
	return &MonitoringService{
		db:     db,
		logger: logger,
	}
}

// RecordError 记录错误日志
func (m *MonitoringService) RecordError(ctx context.Context, level, source, title, message string, options ...ErrorLogOption) error {
	errorLog := &models.ErrorLog{
		Level:   level,
		Source:  source,
		Title:   title,
		Message: message,
	}

	// 应用选项
	for _, option := range options {
		option(errorLog)
	}

	if err := m.db.WithContext(ctx).Create(errorLog).Error; err != nil {
		m.logger.Error("Failed to record error log",
			zap.String("source", source),
			zap.String("title", title),
			zap.Error(err))
		return err
	}
	return nil
}

// ErrorLogOption 错误日志选项
type ErrorLogOption func(*models.ErrorLog)

// WithPlatform 设置平台
func WithPlatform(platformID string) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.PlatformID = platformID
	}
}

// WithAccount 设置账号ID
func WithAccount(accountID string) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.AccountID = accountID
	}
}

// WithTask 设置任务ID
func WithTask(taskID string) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.TaskID = taskID
	}
}

// WithBatch 设置批次ID
func WithBatch(batchID string) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.BatchID = batchID
	}
}

// WithContext 设置上下文信息
func WithContext(context map[string]interface{}) ErrorLogOption {
	return func(e *models.ErrorLog) {
		if contextBytes, err := json.Marshal(context); err == nil {
			e.Context = string(contextBytes)
		}
	}
}

// GetRecentErrors 获取最近的错误日志
func (m *MonitoringService) GetRecentErrors(ctx context.Context, limit int, unresolvedOnly bool) ([]models.ErrorLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var logs []models.ErrorLog
	q := m.db.WithContext(ctx).Order("created_at desc").Limit(limit)
	if unresolvedOnly {
		q = q.Where("resolved = ?", false)
	}
	err := q.Find(&logs).Error
	return logs, err
}

// ResolveError 标记错误已处理
func (m *MonitoringService) ResolveError(ctx context.Context, id uint) error {
	now := time.Now()
	res := m.db.WithContext(ctx).Model(&models.ErrorLog{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"resolved": true, "resolved_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("error log %d not found", id)
	}
	return nil
}

// UpdateTaskStats 刷新各状态任务数量指标
func (m *MonitoringService) UpdateTaskStats(ctx context.Context) error {
	var rows []struct {
		Status models.TaskStatus
		Count  int64
	}
	err := m.db.WithContext(ctx).Model(&models.PublishingTask{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to count tasks: %w", err)
	}

	counts := map[models.TaskStatus]int64{}
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	for _, s := range []models.TaskStatus{
		models.TaskStatusPending,
		models.TaskStatusRunning,
		models.TaskStatusCompleted,
		models.TaskStatusFailed,
	} {
		metrics.TasksByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	return nil
}

// CleanupOldData 清理已解决的旧错误日志
func (m *MonitoringService) CleanupOldData(ctx context.Context, daysToKeep int) error {
	cutoffDate := time.Now().AddDate(0, 0, -daysToKeep)

	if err := m.db.WithContext(ctx).Where("created_at < ? AND resolved = ?", cutoffDate, true).Delete(&models.ErrorLog{}).Error; err != nil {
		return fmt.Errorf("failed to cleanup resolved errors: %w", err)
	}
	return nil
}
