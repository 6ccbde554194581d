// Package scheduler runs publishing batches: the tasks of one batch strictly
// in order with the configured pause between them, different batches in
// parallel.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lh20005/geo-xi-tong-sub013/internal/backend"
	"github.com/lh20005/geo-xi-tong-sub013/internal/metrics"
	"github.com/lh20005/geo-xi-tong-sub013/internal/models"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/publisher"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/session"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/syncer"
	"github.com/lh20005/geo-xi-tong-sub013/internal/store"
	"github.com/lh20005/geo-xi-tong-sub013/pkg/retry"
)

const (
	msgBatchStopped       = "batch stopped"
	msgShutdown           = "scheduler stopped"
	msgInterrupted        = "interrupted by restart"
	singleWorkerKeyPrefix = "task:"
)

// ErrInvalidRequest rejects a submission before anything is stored.
var ErrInvalidRequest = errors.New("invalid request")

type Config struct {
	// DiscoveryInterval is how often pending work submitted elsewhere is picked up.
	DiscoveryInterval    time.Duration
	MaxConcurrentBatches int64
	// TaskTimeout bounds login, publish and verification of one task.
	TaskTimeout         time.Duration
	SessionWaitInterval time.Duration
	PublishMaxRetries   int
	Backoff             retry.Schedule
	// FinalizeTimeout bounds result sync and bookkeeping once a task ends. It
	// must cover the sync coordinator's whole retry budget.
	FinalizeTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = 30 * time.Second
	}
	if c.MaxConcurrentBatches <= 0 {
		c.MaxConcurrentBatches = 10
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 15 * time.Minute
	}
	if c.SessionWaitInterval <= 0 {
		c.SessionWaitInterval = 30 * time.Second
	}
	if c.PublishMaxRetries < 0 {
		c.PublishMaxRetries = 0
	}
	if len(c.Backoff) == 0 {
		c.Backoff = retry.DefaultSchedule
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 2 * time.Minute
	}
}

// Sessions hands out account sessions.
type Sessions interface {
	Acquire(ctx context.Context, platformID, accountID string, mode session.Mode) (*session.Handle, error)
	Release(ctx context.Context, h *session.Handle) error
}

type Adapters interface {
	Get(platformID string) (publisher.Adapter, error)
}

type ResultSyncer interface {
	RecordPublishResult(ctx context.Context, draft syncer.PublishResultDraft) (*models.PublishRecord, error)
}

type AccountMarker interface {
	MarkStatus(ctx context.Context, id string, status models.AccountStatus, message string) error
	MarkUsed(ctx context.Context, id string, at time.Time) error
}

type ErrorRecorder interface {
	RecordError(ctx context.Context, level, source, title, message string, options ...service.ErrorLogOption) error
}

type Dependencies struct {
	Tasks    *store.TaskStore
	Accounts AccountMarker
	Sessions Sessions
	Adapters Adapters
	Articles backend.ArticleSource
	Results  ResultSyncer
	// Errors is optional.
	Errors ErrorRecorder
	// Clock defaults to the wall clock.
	Clock Clock
}

type worker struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

type Scheduler struct {
	cfg    Config
	logger *zap.Logger
	deps   Dependencies
	clock  Clock
	sem    *semaphore.Weighted
	cron   *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelCauseFunc
	workers map[string]*worker
	wg      sync.WaitGroup
}

func New(cfg Config, deps Dependencies, logger *zap.Logger) *Scheduler {
	cfg.applyDefaults()
	clock := deps.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Scheduler{
		cfg:     cfg,
		logger:  logger,
		deps:    deps,
		clock:   clock,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrentBatches),
		workers: make(map[string]*worker),
	}
}

type BatchRequest struct {
	OwnerUserID     string   `json:"-"`
	PlatformID      string   `json:"platform_id" binding:"required"`
	AccountID       string   `json:"account_id" binding:"required"`
	ArticleIDs      []string `json:"article_ids" binding:"required"`
	IntervalMinutes int      `json:"interval_minutes"`
}

type TaskRequest struct {
	OwnerUserID string `json:"-"`
	PlatformID  string `json:"platform_id" binding:"required"`
	AccountID   string `json:"account_id" binding:"required"`
	ArticleID   string `json:"article_id" binding:"required"`
}

func (s *Scheduler) validate(owner, platformID, accountID string) error {
	if owner == "" || platformID == "" || accountID == "" {
		return fmt.Errorf("%w: owner, platform and account are required", ErrInvalidRequest)
	}
	if s.deps.Adapters != nil {
		if _, err := s.deps.Adapters.Get(platformID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	return nil
}

// SubmitBatch stores one pending task per article, ordered as given, and
// starts the batch when the scheduler is running.
func (s *Scheduler) SubmitBatch(ctx context.Context, req BatchRequest) (string, error) {
	if err := s.validate(req.OwnerUserID, req.PlatformID, req.AccountID); err != nil {
		return "", err
	}
	if len(req.ArticleIDs) == 0 {
		return "", fmt.Errorf("%w: a batch needs at least one article", ErrInvalidRequest)
	}
	interval := req.IntervalMinutes
	if interval < 0 {
		interval = 0
	}

	batchID := uuid.NewString()
	tasks := make([]*models.PublishingTask, 0, len(req.ArticleIDs))
	for i, articleID := range req.ArticleIDs {
		tasks = append(tasks, &models.PublishingTask{
			ID:              uuid.NewString(),
			BatchID:         &batchID,
			BatchOrder:      i + 1,
			OwnerUserID:     req.OwnerUserID,
			PlatformID:      req.PlatformID,
			AccountID:       req.AccountID,
			ArticleID:       articleID,
			IntervalMinutes: interval,
			Status:          models.TaskStatusPending,
		})
	}
	if err := s.deps.Tasks.CreateBatch(ctx, tasks); err != nil {
		return "", fmt.Errorf("failed to create batch: %w", err)
	}

	s.logger.Info("Batch submitted",
		zap.String("batch_id", batchID),
		zap.String("platform", req.PlatformID),
		zap.String("account_id", req.AccountID),
		zap.Int("tasks", len(tasks)),
		zap.Int("interval_minutes", interval))

	s.startBatch(batchID)
	return batchID, nil
}

// SubmitTask stores an unbatched task and starts it when the scheduler is running.
func (s *Scheduler) SubmitTask(ctx context.Context, req TaskRequest) (*models.PublishingTask, error) {
	if err := s.validate(req.OwnerUserID, req.PlatformID, req.AccountID); err != nil {
		return nil, err
	}
	if req.ArticleID == "" {
		return nil, fmt.Errorf("%w: article is required", ErrInvalidRequest)
	}

	task := &models.PublishingTask{
		ID:          uuid.NewString(),
		OwnerUserID: req.OwnerUserID,
		PlatformID:  req.PlatformID,
		AccountID:   req.AccountID,
		ArticleID:   req.ArticleID,
		Status:      models.TaskStatusPending,
	}
	if err := s.deps.Tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	s.logger.Info("Task submitted", zap.String("task_id", task.ID), zap.String("platform", task.PlatformID))
	s.startSingle(task.ID)
	return task, nil
}

func (s *Scheduler) GetTaskStatus(ctx context.Context, taskID string) (*models.PublishingTask, error) {
	return s.deps.Tasks.Get(ctx, taskID)
}

// StopBatch fails the batch's pending tasks and cancels its running task.
// It returns how many pending tasks were failed.
func (s *Scheduler) StopBatch(ctx context.Context, batchID string) (int64, error) {
	n, err := s.deps.Tasks.FailPending(ctx, batchID, "cancelled: "+msgBatchStopped, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to stop batch %s: %w", batchID, err)
	}

	s.mu.Lock()
	w := s.workers[batchID]
	s.mu.Unlock()
	if w != nil {
		w.cancel(errors.New(msgBatchStopped))
	}

	s.logger.Info("Batch stopped",
		zap.String("batch_id", batchID),
		zap.Int64("cancelled_tasks", n),
		zap.Bool("was_executing", w != nil))
	return n, nil
}

// DeleteBatch stops the batch, waits for its worker to exit and removes its tasks.
func (s *Scheduler) DeleteBatch(ctx context.Context, batchID string) (int64, error) {
	if _, err := s.StopBatch(ctx, batchID); err != nil {
		return 0, err
	}
	if err := s.waitWorker(ctx, batchID); err != nil {
		return 0, err
	}

	n, err := s.deps.Tasks.DeleteBatch(ctx, batchID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete batch %s: %w", batchID, err)
	}
	if n == 0 {
		return 0, store.ErrNotFound
	}
	s.logger.Info("Batch deleted", zap.String("batch_id", batchID), zap.Int64("tasks", n))
	return n, nil
}

func (s *Scheduler) BatchInfo(ctx context.Context, batchID string) (models.BatchStats, error) {
	stats, err := s.deps.Tasks.BatchStats(ctx, batchID)
	if err != nil {
		return stats, err
	}
	s.mu.Lock()
	_, stats.Executing = s.workers[batchID]
	s.mu.Unlock()
	return stats, nil
}

// ExecutingBatches lists the batches that currently own a worker.
func (s *Scheduler) ExecutingBatches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.workers))
	for key := range s.workers {
		if strings.HasPrefix(key, singleWorkerKeyPrefix) {
			continue
		}
		ids = append(ids, key)
	}
	sort.Strings(ids)
	return ids
}

// OwnedExecutingBatches lists the executing batches submitted by owner.
func (s *Scheduler) OwnedExecutingBatches(ctx context.Context, owner string) ([]string, error) {
	return s.deps.Tasks.OwnedBatches(ctx, owner, s.ExecutingBatches())
}

// CheckBatchOwner returns store.ErrNotFound unless owner submitted the batch,
// so foreign batches look absent.
func (s *Scheduler) CheckBatchOwner(ctx context.Context, owner, batchID string) error {
	got, err := s.deps.Tasks.BatchOwner(ctx, batchID)
	if err != nil {
		return err
	}
	if got != owner {
		return fmt.Errorf("batch %s: %w", batchID, store.ErrNotFound)
	}
	return nil
}

// Start recovers tasks interrupted by a previous process, resumes pending
// work and schedules periodic discovery.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancelCause(ctx)
	s.mu.Unlock()

	n, err := s.deps.Tasks.FailInterrupted(ctx, msgInterrupted, s.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to recover interrupted tasks: %w", err)
	}
	if n > 0 {
		s.logger.Warn("Recovered interrupted tasks", zap.Int64("tasks", n))
	}

	s.discover()

	s.cron = cron.New()
	schedule := fmt.Sprintf("@every %s", s.cfg.DiscoveryInterval)
	if _, err := s.cron.AddFunc(schedule, s.discover); err != nil {
		return fmt.Errorf("invalid discovery interval: %w", err)
	}
	s.cron.Start()

	s.logger.Info("Scheduler started",
		zap.Duration("discovery_interval", s.cfg.DiscoveryInterval),
		zap.Int64("max_concurrent_batches", s.cfg.MaxConcurrentBatches))
	return nil
}

// Stop cancels every worker and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	cancel(errors.New(msgShutdown))
	s.wg.Wait()
	s.logger.Info("Scheduler shutdown completed")
}

func (s *Scheduler) discover() {
	ctx := s.rootContext()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	batches, err := s.deps.Tasks.PendingBatches(ctx)
	if err != nil {
		s.logger.Error("Failed to list pending batches", zap.Error(err))
	}
	for _, id := range batches {
		s.startBatch(id)
	}

	singles, err := s.deps.Tasks.PendingSingles(ctx)
	if err != nil {
		s.logger.Error("Failed to list pending tasks", zap.Error(err))
	}
	for _, id := range singles {
		s.startSingle(id)
	}
}

func (s *Scheduler) rootContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// spawn starts fn under key unless a worker already owns key.
func (s *Scheduler) spawn(key string, fn func(ctx context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil || s.ctx.Err() != nil {
		return false
	}
	if _, running := s.workers[key]; running {
		return false
	}

	ctx, cancel := context.WithCancelCause(s.ctx)
	w := &worker{cancel: cancel, done: make(chan struct{})}
	s.workers[key] = w
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.workers, key)
			s.mu.Unlock()
			cancel(nil)
			close(w.done)
		}()

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)
		fn(ctx)
	}()
	return true
}

func (s *Scheduler) startBatch(batchID string) {
	if s.spawn(batchID, func(ctx context.Context) { s.runBatch(ctx, batchID) }) {
		s.logger.Debug("Batch worker started", zap.String("batch_id", batchID))
	}
}

func (s *Scheduler) startSingle(taskID string) {
	s.spawn(singleWorkerKeyPrefix+taskID, func(ctx context.Context) {
		task, err := s.deps.Tasks.Get(ctx, taskID)
		if err != nil {
			s.logger.Error("Failed to load task", zap.String("task_id", taskID), zap.Error(err))
			return
		}
		if task.Status != models.TaskStatusPending {
			return
		}
		// A task left pending is picked up again by discovery.
		if err := s.runTask(ctx, task); err != nil {
			s.logger.Error("Task store unavailable, task stays pending", zap.String("task_id", taskID), zap.Error(err))
		}
	})
}

func (s *Scheduler) waitWorker(ctx context.Context, key string) error {
	s.mu.Lock()
	w := s.workers[key]
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runBatch executes the batch's pending tasks one at a time in batch order.
// Before each task it waits out the interval of the task that finished before it.
func (s *Scheduler) runBatch(ctx context.Context, batchID string) {
	metrics.ExecutingBatches.Inc()
	defer metrics.ExecutingBatches.Dec()

	logger := s.logger.With(zap.String("batch_id", batchID))
	logger.Info("Batch execution started")

	for ctx.Err() == nil {
		tasks, err := s.deps.Tasks.ListBatch(ctx, batchID)
		if err != nil {
			logger.Error("Failed to load batch", zap.Error(err))
			return
		}

		next, busy := nextPending(tasks)
		if busy {
			logger.Warn("Batch has a running task owned elsewhere, leaving it")
			return
		}
		if next == nil {
			logger.Info("Batch execution finished")
			return
		}

		if err := s.waitForInterval(ctx, batchID, next); err != nil {
			logger.Info("Batch interrupted while waiting", zap.String("reason", err.Error()))
			return
		}
		if err := s.runTask(ctx, next); err != nil {
			logger.Warn("Task store unavailable, retrying task",
				zap.String("task_id", next.ID),
				zap.Duration("retry_in", s.cfg.SessionWaitInterval),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(s.cfg.SessionWaitInterval):
			}
		}
	}
}

func nextPending(tasks []models.PublishingTask) (*models.PublishingTask, bool) {
	for i := range tasks {
		switch tasks[i].Status {
		case models.TaskStatusRunning:
			return nil, true
		case models.TaskStatusPending:
			return &tasks[i], false
		}
	}
	return nil, false
}

// waitForInterval blocks until the previous task's interval, counted from its
// terminal transition, has passed.
func (s *Scheduler) waitForInterval(ctx context.Context, batchID string, next *models.PublishingTask) error {
	prev, err := s.deps.Tasks.LastFinishedBefore(ctx, batchID, next.BatchOrder)
	if err != nil {
		return err
	}
	if prev == nil || prev.FinishedAt == nil {
		return nil
	}

	interval := prev.IntervalMinutes
	if interval < 0 {
		interval = 0
	}
	readyAt := prev.FinishedAt.Add(time.Duration(interval) * time.Minute)
	wait := readyAt.Sub(s.clock.Now())
	if wait <= 0 {
		return nil
	}

	s.logger.Info("Waiting before next task",
		zap.String("batch_id", batchID),
		zap.String("task_id", next.ID),
		zap.Duration("wait", wait))
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-s.clock.After(wait):
		return nil
	}
}
