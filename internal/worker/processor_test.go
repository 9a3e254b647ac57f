package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"post-scheduler/internal/config"
	"post-scheduler/internal/lock"
	"post-scheduler/internal/models"
	"post-scheduler/internal/publisher"
	"post-scheduler/internal/store"
)

type fakePublisher struct {
	mu    sync.Mutex
	calls []publisher.Request
	err   error
	hook  func(publisher.Request)
}

func (f *fakePublisher) Publish(_ context.Context, req publisher.Request) error {
	if f.hook != nil {
		f.hook(req)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.err
}

func (f *fakePublisher) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Message)
	}
	return out
}

type limiterFunc func(ctx context.Context, ownerID string) (bool, error)

func (f limiterFunc) AllowOwner(ctx context.Context, ownerID string) (bool, error) {
	return f(ctx, ownerID)
}

type harness struct {
	store     store.Store
	pub       *fakePublisher
	lockPath  string
	processor *Processor
}

func testConfig() config.Config {
	return config.Config{
		BatchSize:      5,
		PollInterval:   10 * time.Millisecond,
		MaxRetries:     3,
		StallTimeout:   10 * time.Minute,
		RecoverOnStart: true,
	}
}

func newHarness(t *testing.T, cfg config.Config, limiter OwnerLimiter) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	st, err := store.NewSQLite(ctx, filepath.Join(dir, "posts.db"))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.Migrate(ctx))

	h := &harness{store: st, pub: &fakePublisher{}, lockPath: filepath.Join(dir, "scheduler.lock")}
	h.processor = h.newProcessor(cfg, limiter)
	return h
}

func (h *harness) newProcessor(cfg config.Config, limiter OwnerLimiter) *Processor {
	log := zerolog.Nop()
	exec := NewExecutor(h.store, h.pub, limiter, 0)
	rec := NewReconciler(h.store, cfg.MaxRetries, log)
	return NewProcessor(cfg, h.store, lock.NewFileLocker(h.lockPath), exec, rec, log)
}

func (h *harness) job(t *testing.T, owner, msg string, at time.Time) models.Job {
	t.Helper()
	job, err := h.store.CreateJob(context.Background(), store.CreateJobParams{OwnerID: owner, Message: msg, ScheduleTime: at})
	require.NoError(t, err)
	return job
}

func (h *harness) get(t *testing.T, id int64) models.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestRunCyclePublishesOnlyDueJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.store.PutCredential(ctx, "alice", "tok-alice"))

	a := h.job(t, "alice", "due now", time.Now().Add(-time.Minute))
	b := h.job(t, "alice", "due later", time.Now().Add(time.Hour))

	report, err := h.processor.RunCycle(ctx)
	require.NoError(t, err)
	require.True(t, report.Acquired)
	require.Equal(t, 1, report.Fetched)
	require.Equal(t, 1, report.Results[ResultPosted])

	gotA := h.get(t, a.ID)
	require.Equal(t, models.StatusPosted, gotA.Status)
	require.NotNil(t, gotA.PostedAt)
	require.Nil(t, gotA.OwnershipToken)
	require.Equal(t, models.StatusPending, h.get(t, b.ID).Status)

	require.Equal(t, []string{"due now"}, h.pub.messages())
	require.Equal(t, "tok-alice", h.pub.calls[0].Token)
	require.Equal(t, models.VisibilityPublic, h.pub.calls[0].Visibility)
}

func TestRunCycleRetriesUntilCeiling(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.store.PutCredential(ctx, "alice", "tok"))
	h.pub.err = errors.New("503 service unavailable")

	c := h.job(t, "alice", "flaky", time.Now().Add(-time.Minute))

	for i := 1; i <= 2; i++ {
		report, err := h.processor.RunCycle(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, report.Results[ResultRetried])
		got := h.get(t, c.ID)
		require.Equal(t, models.StatusPending, got.Status)
		require.Equal(t, i, got.RetryCount)
		require.NotNil(t, got.LastError)
		require.Contains(t, *got.LastError, "503")
	}

	// retry_count 2 -> 3 reaches the ceiling.
	report, err := h.processor.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Results[ResultFailed])
	got := h.get(t, c.ID)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Equal(t, 3, got.RetryCount)

	// Failed jobs are never fetched again.
	report, err = h.processor.RunCycle(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Fetched)
	require.Len(t, h.pub.calls, 3)

	attempts, err := h.store.ListAttempts(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	require.Equal(t, models.AttemptFailed, attempts[len(attempts)-1].Outcome)

	// Each attempt carried a distinct idempotency key.
	keys := map[string]bool{}
	for _, call := range h.pub.calls {
		keys[call.IdempotencyKey] = true
	}
	require.Len(t, keys, 3)
}

func TestRunCycleOrdersBatchBySchedule(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.BatchSize = 2
	h := newHarness(t, cfg, nil)
	require.NoError(t, h.store.PutCredential(ctx, "alice", "tok"))

	base := time.Now().Add(-time.Hour)
	h.job(t, "alice", "t3", base.Add(3*time.Minute))
	h.job(t, "alice", "t1", base.Add(1*time.Minute))
	h.job(t, "alice", "t2", base.Add(2*time.Minute))

	report, err := h.processor.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Fetched)
	require.Equal(t, []string{"t1", "t2"}, h.pub.messages())

	_, err = h.processor.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"t1", "t2", "t3"}, h.pub.messages())
}

func TestRunCycleSkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.store.PutCredential(ctx, "alice", "tok"))
	j := h.job(t, "alice", "hello", time.Now().Add(-time.Minute))

	// Another instance holds the lock for the whole cycle.
	other, ok, err := lock.NewFileLocker(h.lockPath).TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := h.processor.RunCycle(ctx)
	require.NoError(t, err)
	require.False(t, report.Acquired)
	require.Zero(t, report.Claimed)
	require.Empty(t, h.pub.calls)
	require.Equal(t, models.StatusPending, h.get(t, j.ID).Status)

	require.NoError(t, other.Release(ctx))
	report, err = h.processor.RunCycle(ctx)
	require.NoError(t, err)
	require.True(t, report.Acquired)
	require.Equal(t, models.StatusPosted, h.get(t, j.ID).Status)
}

func TestRunCycleFailsJobWithoutCredential(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), nil)
	j := h.job(t, "ghost", "nobody home", time.Now().Add(-time.Minute))

	report, err := h.processor.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Results[ResultFailed])

	got := h.get(t, j.ID)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Zero(t, got.RetryCount)
	require.NotNil(t, got.LastError)
	require.Contains(t, *got.LastError, "no credential")
	require.Empty(t, h.pub.calls)
}

func TestRunCycleReleasesWhenOwnerBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	deny := limiterFunc(func(context.Context, string) (bool, error) { return false, nil })
	h := newHarness(t, testConfig(), deny)
	require.NoError(t, h.store.PutCredential(ctx, "alice", "tok"))
	j := h.job(t, "alice", "later please", time.Now().Add(-time.Minute))

	report, err := h.processor.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Results[ResultReleased])

	got := h.get(t, j.ID)
	require.Equal(t, models.StatusPending, got.Status)
	require.Zero(t, got.RetryCount)
	require.Nil(t, got.OwnershipToken)
	require.Empty(t, h.pub.calls)
}

// stealingStore lets another actor reset and re-claim every job while its
// credential is being looked up, between claim and verification.
type stealingStore struct {
	store.Store
}

func (s stealingStore) FetchCredential(ctx context.Context, ownerID string) (string, error) {
	now := time.Now().UTC()
	if _, err := s.ResetStalled(ctx, now.Add(time.Hour), now); err != nil {
		return "", err
	}
	jobs, err := s.FetchDueJobs(ctx, now, 1)
	if err != nil {
		return "", err
	}
	if len(jobs) != 1 {
		return "", errors.New("expected the reset job to be due")
	}
	if _, err := s.Claim(ctx, jobs[0].ID, "intruder", now); err != nil {
		return "", err
	}
	return s.Store.FetchCredential(ctx, ownerID)
}

func TestRunCycleSkipsPublishWhenClaimLost(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	h := newHarness(t, cfg, nil)
	require.NoError(t, h.store.PutCredential(ctx, "alice", "tok"))
	j := h.job(t, "alice", "contested", time.Now().Add(-time.Minute))

	var charged int
	limiter := limiterFunc(func(context.Context, string) (bool, error) {
		charged++
		return true, nil
	})
	log := zerolog.Nop()
	exec := NewExecutor(stealingStore{h.store}, h.pub, limiter, 0)
	p := NewProcessor(cfg, h.store, lock.NewFileLocker(h.lockPath), exec, NewReconciler(h.store, cfg.MaxRetries, log), log)

	report, err := p.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Results[ResultSkipped])
	require.Empty(t, h.pub.calls)
	require.Zero(t, charged, "a lost claim must not spend the owner's budget")

	got := h.get(t, j.ID)
	require.Equal(t, models.StatusProcessing, got.Status)
	require.NotNil(t, got.OwnershipToken)
	require.Equal(t, "intruder", *got.OwnershipToken)
}

func TestRunCycleStaleTokenDoesNotOverwrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.store.PutCredential(ctx, "alice", "tok"))
	j := h.job(t, "alice", "slow publish", time.Now().Add(-time.Minute))

	// While the publish call is in flight, recovery resets the job and
	// another actor claims it.
	h.pub.hook = func(publisher.Request) {
		now := time.Now().UTC()
		_, err := h.store.ResetStalled(ctx, now.Add(time.Hour), now)
		require.NoError(t, err)
		won, err := h.store.Claim(ctx, j.ID, "second-owner", now)
		require.NoError(t, err)
		require.True(t, won)
	}

	report, err := h.processor.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Results[ResultConflict])

	got := h.get(t, j.ID)
	require.Equal(t, models.StatusProcessing, got.Status)
	require.Equal(t, "second-owner", *got.OwnershipToken)
	require.Nil(t, got.PostedAt)

	attempts, err := h.store.ListAttempts(ctx, j.ID)
	require.NoError(t, err)
	require.Empty(t, attempts)
}

func TestStartupRecoveryResetsAllThenOnlyStalled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.store.PutCredential(ctx, "alice", "tok"))

	// Left processing by a crashed process moments ago.
	crashed := h.job(t, "alice", "crashed", time.Now().Add(-time.Minute))
	won, err := h.store.Claim(ctx, crashed.ID, "dead-process", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, won)

	report, err := h.processor.RunCycle(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, report.Recovered)
	require.Equal(t, models.StatusPosted, h.get(t, crashed.ID).Status)

	// After startup, only claims older than the stall timeout are reset.
	fresh := h.job(t, "alice", "fresh claim", time.Now().Add(-time.Minute))
	_, err = h.store.Claim(ctx, fresh.ID, "live-peer", time.Now().UTC())
	require.NoError(t, err)
	stale := h.job(t, "alice", "stale claim", time.Now().Add(-time.Minute))
	_, err = h.store.Claim(ctx, stale.ID, "dead-peer", time.Now().Add(-time.Hour).UTC())
	require.NoError(t, err)

	report, err = h.processor.RunCycle(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, report.Recovered)
	require.Equal(t, models.StatusProcessing, h.get(t, fresh.ID).Status)
	require.Equal(t, models.StatusPosted, h.get(t, stale.ID).Status)
}

func TestRecoverOnStartDisabledUsesStallTimeout(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.RecoverOnStart = false
	h := newHarness(t, cfg, nil)
	require.NoError(t, h.store.PutCredential(ctx, "alice", "tok"))

	j := h.job(t, "alice", "recent claim", time.Now().Add(-time.Minute))
	_, err := h.store.Claim(ctx, j.ID, "peer", time.Now().UTC())
	require.NoError(t, err)

	report, err := h.processor.RunCycle(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Recovered)
	require.Equal(t, models.StatusProcessing, h.get(t, j.ID).Status)
}

func TestConcurrentProcessorsPublishEachJobOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.store.PutCredential(ctx, "alice", "tok"))

	const jobs = 10
	for i := 0; i < jobs; i++ {
		h.job(t, "alice", "job", time.Now().Add(-time.Minute))
	}

	// Separate lock files simulate instances that bypass the instance lock;
	// the claim alone must keep publishing exclusive.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		p := h.newProcessor(testConfig(), nil)
		p.locker = lock.NewFileLocker(filepath.Join(t.TempDir(), "own.lock"))
		p.recovered = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 3; n++ {
				if _, err := p.RunCycle(ctx); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	perJob := map[string]int{}
	for _, c := range h.pub.calls {
		perJob[c.IdempotencyKey]++
	}
	require.Len(t, perJob, jobs)
	for key, n := range perJob {
		require.Equal(t, 1, n, "job %s published more than once", key)
	}
	counts, err := h.store.CountByStatus(ctx)
	require.NoError(t, err)
	require.EqualValues(t, jobs, counts[models.StatusPosted])
}

type countingWaiter struct {
	calls  int
	cancel context.CancelFunc
	after  int
}

func (w *countingWaiter) Wait(ctx context.Context, _ time.Duration) (bool, error) {
	w.calls++
	if w.calls >= w.after {
		w.cancel()
		return false, ctx.Err()
	}
	return false, nil
}

type panicPublisher struct{ n int }

func (p *panicPublisher) Publish(context.Context, publisher.Request) error {
	p.n++
	panic("boom")
}

func TestRunSurvivesPanicsAndStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.store.PutCredential(ctx, "alice", "tok"))
	h.job(t, "alice", "explodes", time.Now().Add(-time.Minute))

	pp := &panicPublisher{}
	h.processor.executor = NewExecutor(h.store, pp, nil, 0)
	w := &countingWaiter{cancel: cancel, after: 3}
	h.processor.SetWaiter(w)

	err := h.processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 3, w.calls)
	// The panicking job is left processing for stall recovery, so only the
	// first cycle reaches the publisher.
	require.Equal(t, 1, pp.n)

	// The lock was released despite the panic.
	lease, ok, err := lock.NewFileLocker(h.lockPath).TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, lease.Release(context.Background()))
}

func TestRedisLeaseOutlivesSlowPublish(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	h := newHarness(t, cfg, nil)
	require.NoError(t, h.store.PutCredential(ctx, "alice", "tok"))
	j := h.job(t, "alice", "slow", time.Now().Add(-time.Minute))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	newRedisProcessor := func() *Processor {
		log := zerolog.Nop()
		locker := lock.NewRedisLocker(client, "post-scheduler:lock", time.Minute).RenewEvery(5 * time.Millisecond)
		return NewProcessor(cfg, h.store, locker, NewExecutor(h.store, h.pub, nil, 0), NewReconciler(h.store, cfg.MaxRetries, log), log)
	}
	first := newRedisProcessor()

	// The publish call outlasts the original ttl. A freshly started instance
	// must still find the lock held and leave the in-flight job alone.
	var second CycleReport
	h.pub.hook = func(publisher.Request) {
		mr.FastForward(45 * time.Second)
		require.Eventually(t, func() bool {
			return mr.TTL("post-scheduler:lock") > 45*time.Second
		}, time.Second, 5*time.Millisecond)
		mr.FastForward(45 * time.Second)

		var err error
		second, err = newRedisProcessor().RunCycle(ctx)
		require.NoError(t, err)
	}

	report, err := first.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Results[ResultPosted])
	require.False(t, second.Acquired)
	require.Zero(t, second.Recovered)

	require.Len(t, h.pub.calls, 1)
	require.Equal(t, models.StatusPosted, h.get(t, j.ID).Status)
	require.False(t, mr.Exists("post-scheduler:lock"))
}
