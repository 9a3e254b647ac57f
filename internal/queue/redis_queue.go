package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"post-scheduler/internal/config"
)

// Waiter pauses the poll loop between cycles. Wait returns true when it was
// woken early by a notification and false when the full interval elapsed.
type Waiter interface {
	Wait(ctx context.Context, d time.Duration) (bool, error)
}

// Sleep is the default Waiter: a plain, cancellable timer.
type Sleep struct{}

func (Sleep) Wait(ctx context.Context, d time.Duration) (bool, error) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-t.C:
		return false, nil
	}
}

// Wakeup is a Redis list used as a wake-on-insert channel. Producers push a job
// id after inserting a row; the scheduler blocks on the list instead of sleeping.
// The list carries no state the scheduler depends on: a lost notification only
// delays pickup until the next interval.
type Wakeup struct {
	client *redis.Client
	key    string
}

var _ Waiter = (*Wakeup)(nil)

// NewWakeup builds a wake-up channel on key.
func NewWakeup(client *redis.Client, key string) *Wakeup {
	if key == "" {
		key = "post-scheduler:wakeup"
	}
	return &Wakeup{client: client, key: key}
}

// Notify signals that a job became (or will become) due.
func (w *Wakeup) Notify(ctx context.Context, jobID int64) error {
	return w.client.RPush(ctx, w.key, strconv.FormatInt(jobID, 10)).Err()
}

// Wait blocks for up to d for a notification, then drains any backlog so a
// burst of inserts causes a single early cycle.
func (w *Wakeup) Wait(ctx context.Context, d time.Duration) (bool, error) {
	if d < time.Second {
		// BLPOP timeouts are whole seconds on older servers.
		d = time.Second
	}
	_, err := w.client.BLPop(ctx, d, w.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, err
	}
	if err := w.client.Del(ctx, w.key).Err(); err != nil {
		return true, err
	}
	return true, nil
}

// Pending reports how many notifications are queued.
func (w *Wakeup) Pending(ctx context.Context) (int64, error) {
	return w.client.LLen(ctx, w.key).Result()
}

// NewRedisClient builds the shared client used for the wake-up channel, the
// owner budget and the redis lock backend.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}
