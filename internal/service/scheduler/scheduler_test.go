package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lh20005/geo-xi-tong-sub013/internal/models"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/publisher"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/session"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/session/sessiontest"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/syncer"
	"github.com/lh20005/geo-xi-tong-sub013/internal/store"
	"github.com/lh20005/geo-xi-tong-sub013/internal/testutil"
	"github.com/lh20005/geo-xi-tong-sub013/pkg/retry"
)

// fakeClock advances by the requested duration whenever something waits on it.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.waits = append(c.waits, d)
	now := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

type fakeAdapter struct {
	mu        sync.Mutex
	login     publisher.LoginOutcome
	publish   func(ctx context.Context, call int, article publisher.Article) publisher.PublishOutcome
	verified  bool
	published []string
	calls     int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		login:    publisher.LoginOutcome{Status: publisher.LoginStatusLoggedIn},
		verified: true,
	}
}

func (a *fakeAdapter) PlatformID() string       { return "toutiao" }
func (a *fakeAdapter) PlatformName() string     { return "头条号" }
func (a *fakeAdapter) Signals() session.Signals { return session.Signals{} }

func (a *fakeAdapter) VerifyLoggedIn(context.Context, *session.Handle) bool { return true }

func (a *fakeAdapter) Login(context.Context, *session.Handle, publisher.Credentials) publisher.LoginOutcome {
	return a.login
}

func (a *fakeAdapter) Publish(ctx context.Context, _ *session.Handle, article publisher.Article) publisher.PublishOutcome {
	a.mu.Lock()
	a.calls++
	call := a.calls
	fn := a.publish
	a.mu.Unlock()

	out := publisher.Published("https://example.com/"+article.ID, "ok")
	if fn != nil {
		out = fn(ctx, call, article)
	}
	if out.Success {
		a.mu.Lock()
		a.published = append(a.published, article.ID)
		a.mu.Unlock()
	}
	return out
}

func (a *fakeAdapter) VerifyPublishSuccess(context.Context, *session.Handle) bool { return a.verified }

func (a *fakeAdapter) ExtractProfile(context.Context, *session.Handle) (publisher.Profile, error) {
	return publisher.Profile{}, nil
}

func (a *fakeAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *fakeAdapter) Published() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.published...)
}

type adapterSet map[string]publisher.Adapter

func (s adapterSet) Get(platformID string) (publisher.Adapter, error) {
	a, ok := s[platformID]
	if !ok {
		return nil, fmt.Errorf("platform %s not registered", platformID)
	}
	return a, nil
}

type fakeArticles struct{}

func (fakeArticles) GetArticle(_ context.Context, _ string, articleID string) (publisher.Article, error) {
	return publisher.Article{ID: articleID, Title: "title " + articleID, Body: "body"}, nil
}

type fakeResults struct {
	mu     sync.Mutex
	err    error
	drafts []syncer.PublishResultDraft
	// onRecord runs inside every sync, e.g. to let time pass.
	onRecord func()
}

func (r *fakeResults) RecordPublishResult(_ context.Context, d syncer.PublishResultDraft) (*models.PublishRecord, error) {
	if r.onRecord != nil {
		r.onRecord()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drafts = append(r.drafts, d)
	if r.err != nil {
		return nil, r.err
	}
	return &models.PublishRecord{ID: "rec-" + d.Task.ID, TaskID: d.Task.ID, Success: d.Outcome.Success}, nil
}

func (r *fakeResults) Drafts() []syncer.PublishResultDraft {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]syncer.PublishResultDraft(nil), r.drafts...)
}

type fakeAccounts struct {
	mu       sync.Mutex
	statuses map[string]models.AccountStatus
	used     int
}

func (a *fakeAccounts) MarkStatus(_ context.Context, id string, status models.AccountStatus, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.statuses == nil {
		a.statuses = make(map[string]models.AccountStatus)
	}
	a.statuses[id] = status
	return nil
}

func (a *fakeAccounts) MarkUsed(context.Context, string, time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used++
	return nil
}

type fakeErrors struct {
	mu     sync.Mutex
	titles []string
}

func (e *fakeErrors) RecordError(_ context.Context, _, _, title, _ string, _ ...service.ErrorLogOption) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.titles = append(e.titles, title)
	return nil
}

// busySessions rejects the first n acquisitions and records the task status
// seen while rejecting.
type busySessions struct {
	*session.Manager
	tasks    *store.TaskStore
	taskID   string
	mu       sync.Mutex
	n        int
	calls    int
	statuses []models.TaskStatus
}

func (b *busySessions) Acquire(ctx context.Context, platformID, accountID string, mode session.Mode) (*session.Handle, error) {
	b.mu.Lock()
	b.calls++
	busy := b.calls <= b.n
	taskID := b.taskID
	b.mu.Unlock()

	if busy {
		if task, err := b.tasks.Get(ctx, taskID); err == nil {
			b.mu.Lock()
			b.statuses = append(b.statuses, task.Status)
			b.mu.Unlock()
		}
		return nil, session.ErrSessionBusy
	}
	return b.Manager.Acquire(ctx, platformID, accountID, mode)
}

type harness struct {
	sched    *Scheduler
	db       *gorm.DB
	tasks    *store.TaskStore
	sessions *session.Manager
	adapter  *fakeAdapter
	results  *fakeResults
	accounts *fakeAccounts
	errors   *fakeErrors
	clock    *fakeClock
}

func newHarness(t *testing.T, clock Clock, mutate ...func(*Config, *Dependencies)) *harness {
	t.Helper()
	db := testutil.NewDB(t)

	h := &harness{
		db:       db,
		tasks:    store.NewTaskStore(db),
		adapter:  newFakeAdapter(),
		results:  &fakeResults{},
		accounts: &fakeAccounts{},
		errors:   &fakeErrors{},
	}
	if fc, ok := clock.(*fakeClock); ok {
		h.clock = fc
	}
	h.sessions = session.NewManager(&sessiontest.Driver{}, session.NewMemoryLocker(), store.NewPartitionStore(db), zap.NewNop())

	cfg := Config{
		DiscoveryInterval:   time.Hour,
		TaskTimeout:         time.Minute,
		SessionWaitInterval: 30 * time.Second,
		PublishMaxRetries:   2,
		Backoff:             retry.Schedule{time.Millisecond},
	}
	deps := Dependencies{
		Tasks:    h.tasks,
		Accounts: h.accounts,
		Sessions: h.sessions,
		Adapters: adapterSet{"toutiao": h.adapter},
		Articles: fakeArticles{},
		Results:  h.results,
		Errors:   h.errors,
		Clock:    clock,
	}
	for _, m := range mutate {
		m(&cfg, &deps)
	}

	h.sched = New(cfg, deps, zap.NewNop())
	require.NoError(t, h.sched.Start(context.Background()))
	t.Cleanup(h.sched.Stop)
	return h
}

func (h *harness) submit(t *testing.T, interval int, articles ...string) string {
	t.Helper()
	batchID, err := h.sched.SubmitBatch(context.Background(), BatchRequest{
		OwnerUserID:     "u1",
		PlatformID:      "toutiao",
		AccountID:       "42",
		ArticleIDs:      articles,
		IntervalMinutes: interval,
	})
	require.NoError(t, err)
	return batchID
}

func (h *harness) wait(t *testing.T, key string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.sched.waitWorker(ctx, key))
}

func (h *harness) batch(t *testing.T, batchID string) []models.PublishingTask {
	t.Helper()
	tasks, err := h.tasks.ListBatch(context.Background(), batchID)
	require.NoError(t, err)
	return tasks
}

func TestBatchRunsInOrderHonoringInterval(t *testing.T) {
	clock := newFakeClock()
	h := newHarness(t, clock)
	h.adapter.publish = func(_ context.Context, _ int, a publisher.Article) publisher.PublishOutcome {
		clock.Advance(2 * time.Minute)
		return publisher.Published("https://example.com/"+a.ID, "ok")
	}

	batchID := h.submit(t, 5, "a1", "a2", "a3")
	h.wait(t, batchID)

	assert.Equal(t, []string{"a1", "a2", "a3"}, h.adapter.Published())

	tasks := h.batch(t, batchID)
	require.Len(t, tasks, 3)
	for i, task := range tasks {
		assert.Equal(t, i+1, task.BatchOrder)
		assert.Equal(t, models.TaskStatusCompleted, task.Status, task.StatusMessage)
		assert.Equal(t, 1, task.Attempts)
		require.NotNil(t, task.StartedAt)
		require.NotNil(t, task.FinishedAt)
		if i > 0 {
			assert.Equal(t, 5*time.Minute, task.StartedAt.Sub(*tasks[i-1].FinishedAt))
		}
	}
	assert.Len(t, h.results.Drafts(), 3)
	assert.Equal(t, 3, h.accounts.used)
}

func TestIntervalCountsFromStoredResult(t *testing.T) {
	clock := newFakeClock()
	h := newHarness(t, clock)
	h.results.onRecord = func() { clock.Advance(2 * time.Minute) }

	batchID := h.submit(t, 5, "a1", "a2")
	h.wait(t, batchID)

	tasks := h.batch(t, batchID)
	require.Len(t, tasks, 2)
	drafts := h.results.Drafts()
	require.Len(t, drafts, 2)

	first := tasks[0]
	require.NotNil(t, first.FinishedAt)
	assert.Equal(t, 2*time.Minute, first.FinishedAt.Sub(drafts[0].FinishedAt), "the row is finished after the sync returned")
	require.NotNil(t, tasks[1].StartedAt)
	assert.Equal(t, 5*time.Minute, tasks[1].StartedAt.Sub(*first.FinishedAt))
	assert.Equal(t, 7*time.Minute, tasks[1].StartedAt.Sub(drafts[0].FinishedAt))
}

// failTaskUpdates makes the next n task updates that set status fail.
func failTaskUpdates(t *testing.T, db *gorm.DB, status models.TaskStatus, n int) {
	t.Helper()
	var mu sync.Mutex
	left := n
	err := db.Callback().Update().Before("gorm:update").Register("test:fail_"+string(status), func(tx *gorm.DB) {
		values, ok := tx.Statement.Dest.(map[string]interface{})
		if !ok || values["status"] != status {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if left > 0 {
			left--
			_ = tx.AddError(errors.New("database is locked"))
		}
	})
	require.NoError(t, err)
}

func TestStoreErrorsDoNotLoseBatch(t *testing.T) {
	clock := newFakeClock()
	h := newHarness(t, clock)
	failTaskUpdates(t, h.db, models.TaskStatusRunning, 1)
	failTaskUpdates(t, h.db, models.TaskStatusCompleted, 2)

	batchID := h.submit(t, 0, "a1", "a2")
	h.wait(t, batchID)

	tasks := h.batch(t, batchID)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, models.TaskStatusCompleted, task.Status, task.StatusMessage)
		assert.Equal(t, 1, task.Attempts)
	}
	assert.Equal(t, []string{"a1", "a2"}, h.adapter.Published())

	waits := clock.Waits()
	require.NotEmpty(t, waits)
	assert.Equal(t, 30*time.Second, waits[0], "a failed start pauses before the next try")
	assert.Equal(t, []time.Duration{30 * time.Second, time.Millisecond, time.Millisecond}, waits)
	assert.Zero(t, h.sessions.ActiveCount())
}

func TestFailedTaskDoesNotStopBatch(t *testing.T) {
	clock := newFakeClock()
	h := newHarness(t, clock, func(c *Config, _ *Dependencies) { c.PublishMaxRetries = 0 })
	h.adapter.publish = func(_ context.Context, _ int, a publisher.Article) publisher.PublishOutcome {
		clock.Advance(time.Minute)
		if a.ID == "a2" {
			return publisher.Failed(publisher.StepError("submit", "rejected"))
		}
		return publisher.Published("https://example.com/"+a.ID, "ok")
	}

	batchID := h.submit(t, 5, "a1", "a2", "a3")
	h.wait(t, batchID)

	tasks := h.batch(t, batchID)
	require.Len(t, tasks, 3)
	assert.Equal(t, models.TaskStatusCompleted, tasks[0].Status)
	assert.Equal(t, models.TaskStatusFailed, tasks[1].Status)
	assert.Contains(t, tasks[1].StatusMessage, "rejected")
	assert.Equal(t, models.TaskStatusCompleted, tasks[2].Status)
	assert.Equal(t, 5*time.Minute, tasks[2].StartedAt.Sub(*tasks[1].FinishedAt))

	drafts := h.results.Drafts()
	require.Len(t, drafts, 3)
	assert.False(t, drafts[1].Outcome.Success)
	assert.ErrorIs(t, drafts[1].Outcome.Reason, publisher.ErrAutomationStepFailed)
	assert.Equal(t, []string{"publish task failed"}, h.errors.titles)
}

func TestPublishRetriesAutomationFailures(t *testing.T) {
	h := newHarness(t, newFakeClock())
	h.adapter.publish = func(_ context.Context, call int, a publisher.Article) publisher.PublishOutcome {
		if call == 1 {
			return publisher.Failed(errors.New("editor not ready"))
		}
		return publisher.Published("https://example.com/"+a.ID, "ok")
	}

	batchID := h.submit(t, 0, "a1")
	h.wait(t, batchID)

	tasks := h.batch(t, batchID)
	assert.Equal(t, models.TaskStatusCompleted, tasks[0].Status)
	assert.Equal(t, 2, h.adapter.Calls())
}

func TestMissingSuccessIndicatorIsNotRetried(t *testing.T) {
	h := newHarness(t, newFakeClock())
	h.adapter.verified = false

	batchID := h.submit(t, 0, "a1")
	h.wait(t, batchID)

	tasks := h.batch(t, batchID)
	assert.Equal(t, models.TaskStatusFailed, tasks[0].Status)
	assert.Contains(t, tasks[0].StatusMessage, "verification timeout")
	assert.Equal(t, 1, h.adapter.Calls())
}

func TestManualLoginExpiresAccount(t *testing.T) {
	h := newHarness(t, newFakeClock())
	h.adapter.login = publisher.LoginOutcome{
		Status:  publisher.LoginStatusRequiresManualLogin,
		Message: "no stored credentials",
	}

	batchID := h.submit(t, 0, "a1")
	h.wait(t, batchID)

	tasks := h.batch(t, batchID)
	assert.Equal(t, models.TaskStatusFailed, tasks[0].Status)
	assert.Contains(t, tasks[0].StatusMessage, "requires manual login")
	assert.Equal(t, models.AccountStatusExpired, h.accounts.statuses["42"])
	assert.Zero(t, h.adapter.Calls())
}

func TestUnconfirmedResultFailsTask(t *testing.T) {
	h := newHarness(t, newFakeClock())
	h.results.err = fmt.Errorf("%w: backend unavailable", syncer.ErrBackendSyncFailed)

	batchID := h.submit(t, 0, "a1")
	h.wait(t, batchID)

	tasks := h.batch(t, batchID)
	assert.Equal(t, models.TaskStatusFailed, tasks[0].Status)
	assert.Contains(t, tasks[0].StatusMessage, "backend sync failed")
	assert.Contains(t, tasks[0].StatusMessage, "https://example.com/a1")
	assert.Zero(t, h.accounts.used)
}

func TestBusySessionKeepsTaskPending(t *testing.T) {
	clock := newFakeClock()
	var busy *busySessions
	h := newHarness(t, clock, func(_ *Config, d *Dependencies) {
		busy = &busySessions{Manager: d.Sessions.(*session.Manager), tasks: d.Tasks, n: 2}
		d.Sessions = busy
	})

	task, err := h.sched.SubmitTask(context.Background(), TaskRequest{
		OwnerUserID: "u1",
		PlatformID:  "toutiao",
		AccountID:   "42",
		ArticleID:   "a1",
	})
	require.NoError(t, err)
	busy.mu.Lock()
	busy.taskID = task.ID
	busy.mu.Unlock()
	h.wait(t, singleWorkerKeyPrefix+task.ID)

	got, err := h.sched.GetTaskStatus(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.Equal(t, 3, busy.calls)
	for _, status := range busy.statuses {
		assert.Equal(t, models.TaskStatusPending, status)
	}
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, clock.Waits())
}

func TestStopBatchCancelsRunningAndPendingTasks(t *testing.T) {
	h := newHarness(t, nil)
	started := make(chan struct{}, 1)
	h.adapter.publish = func(ctx context.Context, _ int, _ publisher.Article) publisher.PublishOutcome {
		started <- struct{}{}
		<-ctx.Done()
		return publisher.Failed(ctx.Err())
	}

	batchID := h.submit(t, 0, "a1", "a2", "a3")
	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("first task never started")
	}

	n, err := h.sched.StopBatch(context.Background(), batchID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	h.wait(t, batchID)

	for _, task := range h.batch(t, batchID) {
		assert.Equal(t, models.TaskStatusFailed, task.Status)
		assert.Equal(t, "cancelled: batch stopped", task.StatusMessage)
	}
	assert.Equal(t, 1, h.adapter.Calls())
	assert.Empty(t, h.sched.ExecutingBatches())
	assert.Zero(t, h.sessions.ActiveCount())
}

func TestStopBatchWhileWaitingForInterval(t *testing.T) {
	h := newHarness(t, nil)

	batchID := h.submit(t, 60, "a1", "a2")
	require.Eventually(t, func() bool {
		tasks := h.batch(t, batchID)
		return tasks[0].Status == models.TaskStatusCompleted
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{batchID}, h.sched.ExecutingBatches())

	n, err := h.sched.StopBatch(context.Background(), batchID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	h.wait(t, batchID)

	tasks := h.batch(t, batchID)
	assert.Equal(t, models.TaskStatusCompleted, tasks[0].Status)
	assert.Equal(t, models.TaskStatusFailed, tasks[1].Status)
	assert.Equal(t, 1, h.adapter.Calls())
}

func TestBatchInfoAndDelete(t *testing.T) {
	h := newHarness(t, newFakeClock())
	ctx := context.Background()

	batchID := h.submit(t, 3, "a1", "a2")
	h.wait(t, batchID)

	info, err := h.sched.BatchInfo(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Total)
	assert.Equal(t, 2, info.Completed)
	assert.Equal(t, 3, info.IntervalMinutes)
	assert.False(t, info.Executing)

	n, err := h.sched.DeleteBatch(ctx, batchID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = h.sched.BatchInfo(ctx, batchID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.sched.DeleteBatch(ctx, batchID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, newFakeClock())
	ctx := context.Background()

	_, err := h.sched.SubmitBatch(ctx, BatchRequest{OwnerUserID: "u1", PlatformID: "toutiao", AccountID: "42"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.sched.SubmitBatch(ctx, BatchRequest{OwnerUserID: "u1", PlatformID: "myspace", AccountID: "42", ArticleIDs: []string{"a1"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.sched.SubmitTask(ctx, TaskRequest{OwnerUserID: "u1", PlatformID: "toutiao", AccountID: "42"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	batchID := h.submit(t, -10, "a1")
	h.wait(t, batchID)
	tasks := h.batch(t, batchID)
	assert.Equal(t, 0, tasks[0].IntervalMinutes)
}

func TestStartRecoversInterruptedWork(t *testing.T) {
	clock := newFakeClock()
	db := testutil.NewDB(t)
	tasks := store.NewTaskStore(db)
	ctx := context.Background()

	batchID := "b-restart"
	seeded := []*models.PublishingTask{
		{ID: "t1", BatchID: &batchID, BatchOrder: 1, OwnerUserID: "u1", PlatformID: "toutiao", AccountID: "42", ArticleID: "a1", IntervalMinutes: 5, Status: models.TaskStatusPending},
		{ID: "t2", BatchID: &batchID, BatchOrder: 2, OwnerUserID: "u1", PlatformID: "toutiao", AccountID: "42", ArticleID: "a2", IntervalMinutes: 5, Status: models.TaskStatusPending},
	}
	require.NoError(t, tasks.CreateBatch(ctx, seeded))
	require.NoError(t, tasks.Create(ctx, &models.PublishingTask{
		ID: "single", OwnerUserID: "u1", PlatformID: "toutiao", AccountID: "7", ArticleID: "a9", Status: models.TaskStatusPending,
	}))
	ok, err := tasks.MarkRunning(ctx, "t1", clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	adapter := newFakeAdapter()
	sched := New(Config{DiscoveryInterval: time.Hour, Backoff: retry.Schedule{time.Millisecond}}, Dependencies{
		Tasks:    tasks,
		Sessions: session.NewManager(&sessiontest.Driver{}, session.NewMemoryLocker(), store.NewPartitionStore(db), zap.NewNop()),
		Adapters: adapterSet{"toutiao": adapter},
		Articles: fakeArticles{},
		Results:  &fakeResults{},
		Clock:    clock,
	}, zap.NewNop())
	require.NoError(t, sched.Start(ctx))
	t.Cleanup(sched.Stop)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, sched.waitWorker(waitCtx, batchID))
	require.NoError(t, sched.waitWorker(waitCtx, singleWorkerKeyPrefix+"single"))

	t1, err := tasks.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, t1.Status)
	assert.Equal(t, "interrupted by restart", t1.StatusMessage)

	t2, err := tasks.Get(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, t2.Status)
	assert.Equal(t, 5*time.Minute, t2.StartedAt.Sub(*t1.FinishedAt))

	single, err := tasks.Get(ctx, "single")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, single.Status)
}

func TestBatchesRunConcurrently(t *testing.T) {
	h := newHarness(t, nil)
	var entered sync.WaitGroup
	entered.Add(2)
	both := make(chan struct{})
	go func() {
		entered.Wait()
		close(both)
	}()
	h.adapter.publish = func(ctx context.Context, _ int, a publisher.Article) publisher.PublishOutcome {
		entered.Done()
		select {
		case <-both:
			return publisher.Published("https://example.com/"+a.ID, "ok")
		case <-ctx.Done():
			return publisher.Failed(ctx.Err())
		}
	}

	first := h.submit(t, 0, "a1")
	second, err := h.sched.SubmitBatch(context.Background(), BatchRequest{
		OwnerUserID: "u2",
		PlatformID:  "toutiao",
		AccountID:   "43",
		ArticleIDs:  []string{"b1"},
	})
	require.NoError(t, err)

	h.wait(t, first)
	h.wait(t, second)
	assert.Equal(t, models.TaskStatusCompleted, h.batch(t, first)[0].Status)
	assert.Equal(t, models.TaskStatusCompleted, h.batch(t, second)[0].Status)
}
