package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"post-scheduler/internal/models"
	"post-scheduler/internal/store"
	"post-scheduler/internal/telemetry"
)

// Result is what reconciliation did to the job row.
type Result string

const (
	ResultPosted   Result = "posted"
	ResultRetried  Result = "retried"
	ResultFailed   Result = "failed"
	ResultReleased Result = "released"
	// ResultConflict: the ownership token no longer matched, nothing written.
	ResultConflict Result = "conflict"
	// ResultSkipped: the outcome required no write.
	ResultSkipped Result = "skipped"
)

// Reconciler writes the terminal or retry state for a dispatched job. Every
// write is conditioned on the job still being processing under the caller's token.
type Reconciler struct {
	store      store.Store
	maxRetries int
	log        zerolog.Logger
	now        func() time.Time
}

func NewReconciler(st store.Store, maxRetries int, log zerolog.Logger) *Reconciler {
	return &Reconciler{store: st, maxRetries: maxRetries, log: log, now: time.Now}
}

// Reconcile applies outcome to job. A non-nil error means the write failed and
// was rolled back; the job stays processing until stall recovery resets it.
func (r *Reconciler) Reconcile(ctx context.Context, job models.Job, token string, out Outcome) (Result, error) {
	log := r.log.With().Int64("job_id", job.ID).Str("owner_id", job.OwnerID).Str("outcome", out.Kind.String()).Logger()
	now := r.now().UTC()

	var (
		applied bool
		result  Result
		err     error
	)
	switch out.Kind {
	case Success:
		result = ResultPosted
		applied, err = r.store.MarkPosted(ctx, job.ID, token, now)
	case Transient:
		var fr store.FailureResult
		fr, err = r.store.RecordFailure(ctx, job.ID, token, errText(out.Err), r.maxRetries, now)
		applied = fr.Applied
		result = ResultRetried
		if fr.Status == models.StatusFailed {
			result = ResultFailed
		}
		if applied {
			log = log.With().Int("retry_count", fr.RetryCount).Logger()
		}
	case Permanent:
		result = ResultFailed
		applied, err = r.store.MarkFailed(ctx, job.ID, token, errText(out.Err), now)
	case Deferred:
		result = ResultReleased
		applied, err = r.store.Release(ctx, job.ID, token, now)
	case Lost:
		telemetry.ReconcileConflicts.Inc()
		log.Warn().Msg("claim lost before publish; skipping")
		return ResultSkipped, nil
	default:
		return ResultSkipped, errors.New("unknown outcome kind " + out.Kind.String())
	}

	if err != nil {
		telemetry.ReconcileErrors.Inc()
		log.Error().Err(err).Msg("reconcile write failed; job left for stall recovery")
		return "", err
	}
	if !applied {
		telemetry.ReconcileConflicts.Inc()
		log.Warn().Msg("ownership token no longer matches; another actor reconciled this job")
		return ResultConflict, nil
	}

	switch result {
	case ResultPosted:
		telemetry.Published.Inc()
		log.Info().Msg("post published")
	case ResultRetried:
		telemetry.Retried.Inc()
		log.Warn().Err(out.Err).Msg("publish failed; job requeued")
	case ResultFailed:
		telemetry.Failed.Inc()
		log.Error().Err(out.Err).Msg("job failed")
	case ResultReleased:
		telemetry.Deferred.Inc()
		log.Info().Err(out.Err).Msg("job released back to pending")
	}
	return result, nil
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
