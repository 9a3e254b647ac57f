package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"post-scheduler/internal/api"
	"post-scheduler/internal/archive"
	"post-scheduler/internal/config"
	"post-scheduler/internal/lock"
	"post-scheduler/internal/publisher"
	"post-scheduler/internal/queue"
	"post-scheduler/internal/ratelimit"
	"post-scheduler/internal/store"
	"post-scheduler/internal/telemetry"
	"post-scheduler/internal/worker"
)

func main() {
	cfg := config.Load()
	log := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Info().Str("signal", sig.String()).Msg("shutting down after the in-flight job")
		cancel()
	}()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}
	if err := st.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("store unreachable")
	}

	var rdb *redis.Client
	if cfg.RedisConfigured() {
		rdb = queue.NewRedisClient(cfg)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			if cfg.LockBackend == config.LockBackendRedis {
				log.Fatal().Err(err).Msg("redis unreachable")
			}
			log.Warn().Err(err).Msg("redis unreachable; optional redis features may fail until it recovers")
		}
	}

	locker, err := lock.FromConfig(cfg, rdb)
	if err != nil {
		log.Fatal().Err(err).Msg("instance lock")
	}

	pub, err := publisher.NewMastodon(publisher.MastodonConfig{
		BaseURL:    cfg.MastodonBaseURL,
		RatePerSec: cfg.PublishRatePerSec,
		Burst:      cfg.PublishBurst,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("publisher")
	}

	var limiter worker.OwnerLimiter
	if cfg.OwnerRateCapacity > 0 && rdb != nil {
		limiter = ratelimit.NewTokenBucket(rdb, cfg.OwnerRateCapacity, cfg.OwnerRateRefill, time.Hour)
	}

	executor := worker.NewExecutor(st, pub, limiter, cfg.PublishTimeout)
	reconciler := worker.NewReconciler(st, cfg.MaxRetries, log)
	processor := worker.NewProcessor(cfg, st, locker, executor, reconciler, log)
	if cfg.WakeupEnabled && rdb != nil {
		processor.SetWaiter(queue.NewWakeup(rdb, cfg.WakeupKey))
	}

	telemetry.Register()
	opsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           api.New(cfg, st).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("ops server stopped")
		}
	}()

	var retention *cron.Cron
	if cfg.RetentionPeriod > 0 {
		uploader, err := archive.NewUploader(ctx, cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("archive uploader")
		}
		archiver := archive.NewArchiver(st, uploader, cfg.RetentionPeriod, cfg.RetentionBatch, cfg.ArchiveS3Prefix, log)
		retention = cron.New()
		if _, err := archiver.Schedule(ctx, retention, cfg.RetentionSchedule); err != nil {
			log.Fatal().Err(err).Msg("retention schedule")
		}
		retention.Start()
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("systemd notify")
	}
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		go watchdog(ctx, interval/2)
	}
	log.Info().
		Str("lock_backend", cfg.LockBackend).
		Int("batch_size", cfg.BatchSize).
		Dur("poll_interval", cfg.PollInterval).
		Int("max_retries", cfg.MaxRetries).
		Bool("wakeup", cfg.WakeupEnabled && rdb != nil).
		Msg("scheduler started")

	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("scheduler stopped")
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if retention != nil {
		<-retention.Stop().Done()
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = opsServer.Shutdown(shutdownCtx)
	log.Info().Msg("scheduler exited")
}

// watchdog pings systemd while the process is alive. A wedged publish call does
// not stop it; stall recovery covers that case.
func watchdog(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
