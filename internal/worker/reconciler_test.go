package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"post-scheduler/internal/models"
	"post-scheduler/internal/publisher"
	"post-scheduler/internal/store"
)

// brokenStore fails every terminal write.
type brokenStore struct{ store.Store }

func (brokenStore) MarkPosted(context.Context, int64, string, time.Time) (bool, error) {
	return false, errors.New("connection reset")
}

func TestReconcileWriteErrorLeavesJobProcessing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), nil)
	j := h.job(t, "alice", "x", time.Now().Add(-time.Minute))
	won, err := h.store.Claim(ctx, j.ID, "tok", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, won)

	rec := NewReconciler(brokenStore{h.store}, 3, zerolog.Nop())
	_, err = rec.Reconcile(ctx, j, "tok", Outcome{Kind: Success})
	require.Error(t, err)

	got := h.get(t, j.ID)
	require.Equal(t, models.StatusProcessing, got.Status)
	require.Equal(t, "tok", *got.OwnershipToken)
}

func TestReconcileIsIdempotentForStaleToken(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), nil)
	j := h.job(t, "alice", "x", time.Now().Add(-time.Minute))
	_, err := h.store.Claim(ctx, j.ID, "tok", time.Now().UTC())
	require.NoError(t, err)

	rec := NewReconciler(h.store, 3, zerolog.Nop())
	res, err := rec.Reconcile(ctx, j, "tok", Outcome{Kind: Transient, Err: errors.New("timeout")})
	require.NoError(t, err)
	require.Equal(t, ResultRetried, res)

	// Replaying the same reconciliation changes nothing.
	for _, kind := range []OutcomeKind{Success, Transient, Permanent, Deferred} {
		res, err = rec.Reconcile(ctx, j, "tok", Outcome{Kind: kind, Err: errors.New("late")})
		require.NoError(t, err)
		require.Equal(t, ResultConflict, res, kind.String())
	}
	got := h.get(t, j.ID)
	require.Equal(t, models.StatusPending, got.Status)
	require.Equal(t, 1, got.RetryCount)
}

type slowPublisher struct{}

func (slowPublisher) Publish(ctx context.Context, _ publisher.Request) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatchTimeoutIsTransient(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.store.PutCredential(ctx, "alice", "tok"))
	j := h.job(t, "alice", "x", time.Now().Add(-time.Minute))
	_, err := h.store.Claim(ctx, j.ID, "claim", time.Now().UTC())
	require.NoError(t, err)

	exec := NewExecutor(h.store, slowPublisher{}, nil, 20*time.Millisecond)
	out := exec.Dispatch(ctx, j, "claim")
	require.Equal(t, Transient, out.Kind)
	require.ErrorIs(t, out.Err, context.DeadlineExceeded)
}
