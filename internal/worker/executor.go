package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"post-scheduler/internal/models"
	"post-scheduler/internal/publisher"
	"post-scheduler/internal/store"
	"post-scheduler/internal/telemetry"
)

var (
	// ErrNoCredential means the job's owner has no stored access token.
	ErrNoCredential = errors.New("no credential for owner")
	// ErrOwnerRateLimited means the owner's publish budget is exhausted for now.
	ErrOwnerRateLimited = errors.New("owner publish budget exhausted")
)

// OutcomeKind classifies a dispatch attempt for the reconciler.
type OutcomeKind int

const (
	// Success: the publish call returned without error.
	Success OutcomeKind = iota
	// Transient: the publish call failed and counts against the retry ceiling.
	Transient
	// Permanent: the job can never succeed; fail it without retrying.
	Permanent
	// Deferred: nothing was attempted; hand the job back to pending as is.
	Deferred
	// Lost: the claim is no longer ours; write nothing.
	Lost
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Deferred:
		return "deferred"
	case Lost:
		return "lost"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// Outcome is the result of one dispatch.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

// OwnerLimiter is an optional per-owner publish budget.
type OwnerLimiter interface {
	AllowOwner(ctx context.Context, ownerID string) (bool, error)
}

// Executor resolves the credential for a claimed job and publishes it once.
type Executor struct {
	store     store.Store
	publisher publisher.Publisher
	limiter   OwnerLimiter
	timeout   time.Duration
}

// NewExecutor builds an executor. limiter may be nil; timeout 0 means the
// publish call is bounded only by the publisher itself.
func NewExecutor(st store.Store, pub publisher.Publisher, limiter OwnerLimiter, timeout time.Duration) *Executor {
	return &Executor{store: st, publisher: pub, limiter: limiter, timeout: timeout}
}

// Dispatch performs at most one external publish for job under token.
func (e *Executor) Dispatch(ctx context.Context, job models.Job, token string) Outcome {
	accessToken, err := e.store.FetchCredential(ctx, job.OwnerID)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{Kind: Permanent, Err: fmt.Errorf("%w %q", ErrNoCredential, job.OwnerID)}
	}
	if err != nil {
		return Outcome{Kind: Deferred, Err: fmt.Errorf("credential lookup: %w", err)}
	}

	held, err := e.store.VerifyClaim(ctx, job.ID, token)
	if err != nil {
		return Outcome{Kind: Deferred, Err: fmt.Errorf("verify claim: %w", err)}
	}
	if !held {
		return Outcome{Kind: Lost}
	}

	// The owner budget is only charged for a claim that is still ours.
	if e.limiter != nil {
		allowed, err := e.limiter.AllowOwner(ctx, job.OwnerID)
		if err != nil {
			return Outcome{Kind: Deferred, Err: fmt.Errorf("owner budget: %w", err)}
		}
		if !allowed {
			return Outcome{Kind: Deferred, Err: ErrOwnerRateLimited}
		}
	}

	pubCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		pubCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	err = e.publisher.Publish(pubCtx, publisher.Request{
		Token:          accessToken,
		Message:        job.Message,
		Visibility:     job.Visibility,
		IdempotencyKey: idempotencyKey(job),
	})
	telemetry.PublishLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return Outcome{Kind: Transient, Err: err}
	}
	return Outcome{Kind: Success}
}

// idempotencyKey is stable per job and attempt number, so a retry after a
// recorded failure is a new request while a replay of the same attempt is not.
func idempotencyKey(job models.Job) string {
	return "post-" + strconv.FormatInt(job.ID, 10) + "-" + strconv.Itoa(job.RetryCount)
}
