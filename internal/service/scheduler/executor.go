package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lh20005/geo-xi-tong-sub013/internal/metrics"
	"github.com/lh20005/geo-xi-tong-sub013/internal/models"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/publisher"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/session"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/syncer"
	"github.com/lh20005/geo-xi-tong-sub013/internal/store"
	"github.com/lh20005/geo-xi-tong-sub013/pkg/retry"
)

// runTask executes one pending task end to end and leaves it terminal. While
// the account's session is busy the task stays pending and is retried every
// SessionWaitInterval. An error means the task store could not start the task,
// which is then still pending.
func (s *Scheduler) runTask(ctx context.Context, task *models.PublishingTask) error {
	logger := s.logger.With(
		zap.String("task_id", task.ID),
		zap.String("batch_id", task.Batch()),
		zap.String("platform", task.PlatformID),
		zap.String("account_id", task.AccountID))

	h, err := s.acquireSession(ctx, task, logger)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		// The task never started; record the failure against a running row.
		started, markErr := s.markRunning(ctx, task, logger)
		if started {
			s.finish(ctx, task, publisher.Failed(err), logger)
		}
		return markErr
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FinalizeTimeout)
		defer cancel()
		if err := s.deps.Sessions.Release(releaseCtx, h); err != nil {
			logger.Warn("Failed to release session", zap.Error(err))
		}
	}()

	started, err := s.markRunning(ctx, task, logger)
	if !started {
		return err
	}

	taskCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	outcome := s.execute(taskCtx, h, task, logger)
	if !outcome.Success && ctx.Err() != nil {
		cause := context.Cause(ctx)
		outcome = publisher.PublishOutcome{
			Message: "cancelled: " + cause.Error(),
			Reason:  fmt.Errorf("cancelled: %w", cause),
		}
	}
	s.finish(ctx, task, outcome, logger)
	return nil
}

func (s *Scheduler) markRunning(ctx context.Context, task *models.PublishingTask, logger *zap.Logger) (bool, error) {
	startedAt := s.clock.Now()
	ok, err := s.deps.Tasks.MarkRunning(ctx, task.ID, startedAt)
	if err != nil {
		return false, fmt.Errorf("failed to mark task %s running: %w", task.ID, err)
	}
	if !ok {
		logger.Info("Task is no longer pending, skipping")
		return false, nil
	}
	task.Status = models.TaskStatusRunning
	task.StartedAt = &startedAt
	logger.Info("Task started")
	return true, nil
}

func (s *Scheduler) acquireSession(ctx context.Context, task *models.PublishingTask, logger *zap.Logger) (*session.Handle, error) {
	for {
		h, err := s.deps.Sessions.Acquire(ctx, task.PlatformID, task.AccountID, session.ModePersistent)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, session.ErrSessionBusy) {
			return nil, err
		}

		logger.Info("Account session busy, waiting", zap.Duration("retry_in", s.cfg.SessionWaitInterval))
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-s.clock.After(s.cfg.SessionWaitInterval):
		}
	}
}

// execute logs in, loads the article, publishes and verifies. Publishing is
// retried on automation failures only; a missing success indicator is final
// because the article may already be live.
func (s *Scheduler) execute(ctx context.Context, h *session.Handle, task *models.PublishingTask, logger *zap.Logger) publisher.PublishOutcome {
	adapter, err := s.deps.Adapters.Get(task.PlatformID)
	if err != nil {
		return publisher.Failed(err)
	}

	login := adapter.Login(ctx, h, publisher.Credentials{OwnerUserID: task.OwnerUserID})
	if !login.LoggedIn() {
		if login.Status == publisher.LoginStatusRequiresManualLogin {
			s.expireAccount(ctx, task, login.Err(), logger)
		}
		return publisher.Failed(login.Err())
	}

	opts := retry.Options{OnRetry: func(attempt int, err error) {
		metrics.RetryAttempts.WithLabelValues("publish").Inc()
		logger.Warn("Publish attempt failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}}

	article, err := retry.WithRetry(ctx, func(ctx context.Context) (publisher.Article, error) {
		return s.deps.Articles.GetArticle(ctx, task.OwnerUserID, task.ArticleID)
	}, s.cfg.PublishMaxRetries, s.cfg.Backoff, retry.Options{OnRetry: func(int, error) {
		metrics.RetryAttempts.WithLabelValues("get_article").Inc()
	}})
	if err != nil {
		return publisher.Failed(fmt.Errorf("failed to load article %s: %w", task.ArticleID, err))
	}

	outcome, err := retry.WithRetry(ctx, func(ctx context.Context) (publisher.PublishOutcome, error) {
		out := adapter.Publish(ctx, h, article)
		if !out.Success {
			if errors.Is(out.Reason, publisher.ErrAutomationStepFailed) {
				return out, out.Reason
			}
			return out, retry.Permanent(out.Reason)
		}
		if !adapter.VerifyPublishSuccess(ctx, h) {
			return out, retry.Permanent(fmt.Errorf("%w: no publish success indicator", publisher.ErrVerificationTimeout))
		}
		return out, nil
	}, s.cfg.PublishMaxRetries, s.cfg.Backoff, opts)
	if err != nil {
		return publisher.Failed(err)
	}
	return outcome
}

func (s *Scheduler) expireAccount(ctx context.Context, task *models.PublishingTask, reason error, logger *zap.Logger) {
	if s.deps.Accounts == nil {
		return
	}
	if err := s.deps.Accounts.MarkStatus(context.WithoutCancel(ctx), task.AccountID, models.AccountStatusExpired, reason.Error()); err != nil {
		logger.Warn("Failed to mark account expired", zap.Error(err))
		return
	}
	logger.Warn("Account login expired, manual login required")
}

// finish reports the outcome through the sync coordinator and stores the
// terminal status. A result the backend did not confirm fails the task. The
// terminal timestamp is taken after the sync so batch intervals count from the
// moment the task really ended.
func (s *Scheduler) finish(ctx context.Context, task *models.PublishingTask, outcome publisher.PublishOutcome, logger *zap.Logger) {
	syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FinalizeTimeout)
	defer cancel()

	endedAt := s.clock.Now()
	status := models.TaskStatusCompleted
	message := outcome.Message
	if !outcome.Success {
		status = models.TaskStatusFailed
	}

	if _, err := s.deps.Results.RecordPublishResult(syncCtx, syncer.PublishResultDraft{
		Task:       task,
		Outcome:    outcome,
		FinishedAt: endedAt,
	}); err != nil {
		logger.Error("Publish result was not confirmed by the backend", zap.Error(err))
		status = models.TaskStatusFailed
		message = err.Error()
		if outcome.Success {
			message = fmt.Sprintf("published to %s but %s", outcome.URL, err.Error())
		}
	}

	finishedAt := s.clock.Now()
	if err := s.storeResult(ctx, task.ID, status, message, finishedAt, logger); err != nil {
		logger.Error("Failed to store task result", zap.Error(err))
		return
	}
	ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FinalizeTimeout)
	defer cancel()

	task.Status = status
	task.StatusMessage = message
	task.FinishedAt = &finishedAt

	platform := task.PlatformID
	metrics.TasksFinished.WithLabelValues(platform, string(status)).Inc()
	if task.StartedAt != nil {
		metrics.TaskDuration.WithLabelValues(platform).Observe(finishedAt.Sub(*task.StartedAt).Seconds())
	}

	if status == models.TaskStatusCompleted {
		if s.deps.Accounts != nil {
			if err := s.deps.Accounts.MarkUsed(ctx, task.AccountID, finishedAt); err != nil {
				logger.Warn("Failed to update account usage", zap.Error(err))
			}
		}
		logger.Info("Task completed", zap.String("url", outcome.URL))
		return
	}

	logger.Warn("Task failed", zap.String("reason", message))
	if s.deps.Errors != nil {
		if err := s.deps.Errors.RecordError(ctx, service.LevelError, "scheduler", "publish task failed", message,
			service.WithPlatform(task.PlatformID),
			service.WithAccount(task.AccountID),
			service.WithTask(task.ID),
			service.WithBatch(task.Batch()),
		); err != nil {
			logger.Warn("Failed to record task error", zap.Error(err))
		}
	}
}

// storeResult writes the terminal status, retrying store errors until the
// write succeeds or the scheduler shuts down. A row left running by shutdown
// is failed by the next Start.
func (s *Scheduler) storeResult(ctx context.Context, taskID string, status models.TaskStatus, message string, finishedAt time.Time, logger *zap.Logger) error {
	root := s.rootContext()
	if root == nil {
		root = ctx
	}
	for attempt := uint(0); ; attempt++ {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FinalizeTimeout)
		err := s.deps.Tasks.Finish(writeCtx, taskID, status, message, finishedAt)
		cancel()
		if err == nil || errors.Is(err, store.ErrNotFound) {
			return err
		}

		delay := s.cfg.Backoff.Delay(attempt)
		logger.Warn("Failed to store task result, retrying", zap.Duration("retry_in", delay), zap.Error(err))
		select {
		case <-root.Done():
			return err
		case <-s.clock.After(delay):
		}
	}
}
