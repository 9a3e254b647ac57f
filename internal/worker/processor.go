package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"post-scheduler/internal/config"
	"post-scheduler/internal/lock"
	"post-scheduler/internal/queue"
	"post-scheduler/internal/store"
	"post-scheduler/internal/telemetry"
)

// Processor drives the poll loop: one locked cycle, then a wait.
type Processor struct {
	cfg        config.Config
	store      store.Store
	locker     lock.Locker
	executor   *Executor
	reconciler *Reconciler
	waiter     queue.Waiter
	log        zerolog.Logger

	now       func() time.Time
	newToken  func() string
	recovered bool
}

// CycleReport summarises one RunCycle.
type CycleReport struct {
	Acquired  bool
	Recovered int64
	Fetched   int
	Claimed   int
	ClaimLost int
	Errors    int
	Results   map[Result]int
}

func NewProcessor(cfg config.Config, st store.Store, locker lock.Locker, exec *Executor, rec *Reconciler, log zerolog.Logger) *Processor {
	return &Processor{
		cfg:        cfg,
		store:      st,
		locker:     locker,
		executor:   exec,
		reconciler: rec,
		waiter:     queue.Sleep{},
		log:        log,
		now:        time.Now,
		newToken:   uuid.NewString,
	}
}

// SetWaiter replaces the plain sleep between cycles, e.g. with a Redis wake-up channel.
func (p *Processor) SetWaiter(w queue.Waiter) {
	if w != nil {
		p.waiter = w
	}
}

// Run starts the poll loop until context cancellation. A failed or panicking
// cycle is logged and the loop carries on after the normal wait.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.safeCycle(ctx)

		woke, err := p.waiter.Wait(ctx, p.cfg.PollInterval)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			p.log.Warn().Err(err).Msg("wake-up wait failed; sleeping instead")
			if _, err := (queue.Sleep{}).Wait(ctx, p.cfg.PollInterval); err != nil {
				return err
			}
			continue
		}
		if woke {
			p.log.Debug().Msg("woken early by notification")
		}
	}
}

func (p *Processor) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.CycleErrors.Inc()
			p.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("poll cycle panicked")
		}
	}()
	report, err := p.RunCycle(ctx)
	if err != nil {
		telemetry.CycleErrors.Inc()
		p.log.Error().Err(err).Msg("poll cycle failed")
		return
	}
	if report.Acquired && report.Fetched > 0 {
		p.log.Info().
			Int("fetched", report.Fetched).
			Int("claimed", report.Claimed).
			Int("claim_lost", report.ClaimLost).
			Int("errors", report.Errors).
			Interface("results", report.Results).
			Msg("poll cycle complete")
	}
}

// RunCycle runs exactly one cycle. Lock contention is reported through
// CycleReport.Acquired, not as an error.
func (p *Processor) RunCycle(ctx context.Context) (report CycleReport, err error) {
	report.Results = make(map[Result]int)

	lease, ok, err := p.locker.TryAcquire(ctx)
	if err != nil {
		return report, fmt.Errorf("acquire instance lock: %w", err)
	}
	if !ok {
		telemetry.LockContention.Inc()
		p.log.Debug().Msg("instance lock held elsewhere; skipping cycle")
		return report, nil
	}
	report.Acquired = true
	telemetry.CycleCounter.Inc()
	defer func() {
		if relErr := lease.Release(context.WithoutCancel(ctx)); relErr != nil {
			p.log.Error().Err(relErr).Msg("release instance lock")
			err = errors.Join(err, relErr)
		}
	}()

	now := p.now().UTC()
	report.Recovered, err = p.recoverStalled(ctx, now)
	if err != nil {
		return report, err
	}

	jobs, err := p.store.FetchDueJobs(ctx, now, p.cfg.BatchSize)
	if err != nil {
		return report, err
	}
	report.Fetched = len(jobs)
	telemetry.LastBatchSize.Set(float64(len(jobs)))

	for _, job := range jobs {
		if ctx.Err() != nil {
			// Unclaimed jobs stay pending for the next process.
			break
		}
		token := p.newToken()
		won, err := p.store.Claim(ctx, job.ID, token, p.now().UTC())
		if err != nil {
			report.Errors++
			p.log.Error().Err(err).Int64("job_id", job.ID).Msg("claim failed")
			continue
		}
		if !won {
			report.ClaimLost++
			telemetry.ClaimsLost.Inc()
			p.log.Debug().Int64("job_id", job.ID).Msg("claim lost to another actor")
			continue
		}
		report.Claimed++
		telemetry.ClaimsWon.Inc()

		// A claimed job runs to reconciliation even if shutdown starts now.
		jobCtx := context.WithoutCancel(ctx)
		out := p.executor.Dispatch(jobCtx, job, token)
		res, err := p.reconciler.Reconcile(jobCtx, job, token, out)
		if err != nil {
			report.Errors++
			continue
		}
		report.Results[res]++
	}
	return report, nil
}

// recoverStalled resets processing jobs left by a dead process. The first locked
// cycle after start resets all of them when RecoverOnStart is set; later
// cycles only touch claims older than StallTimeout.
func (p *Processor) recoverStalled(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-p.cfg.StallTimeout)
	startup := !p.recovered && p.cfg.RecoverOnStart
	if startup {
		cutoff = now
	}
	n, err := p.store.ResetStalled(ctx, cutoff, now)
	if err != nil {
		return 0, err
	}
	p.recovered = true
	if n > 0 {
		telemetry.StalledReset.Add(float64(n))
		p.log.Warn().Int64("reset", n).Bool("startup", startup).Msg("reset stalled jobs to pending")
	}
	return n, nil
}
