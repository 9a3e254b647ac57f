// postctl inspects and operates the scheduled post queue.
//
// Usage:
//
//	postctl [--json] <command> [flags]
//
// Commands:
//
//	status      counts, recent jobs and stalled claims
//	migrate     apply schema migrations
//	recover     reset stalled processing jobs (takes the instance lock)
//	enqueue     schedule a post
//	attempts    show a job's publish attempts
//	credential  store an account's access token
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"post-scheduler/internal/cli"
	"post-scheduler/internal/config"
	"post-scheduler/internal/lock"
	"post-scheduler/internal/queue"
	"post-scheduler/internal/store"
)

// version is set with -ldflags at build time.
var version = "dev"

func main() {
	cfg := config.Load()

	var rdb *redis.Client
	redisClient := func() *redis.Client {
		if rdb == nil && cfg.RedisConfigured() {
			rdb = queue.NewRedisClient(cfg)
		}
		return rdb
	}

	app := &cli.App{
		Config: cfg,
		OpenStore: func(ctx context.Context) (store.Store, error) {
			if err := cfg.ValidateStore(); err != nil {
				return nil, err
			}
			return store.Open(ctx, cfg.DatabaseURL)
		},
		Locker: func() (lock.Locker, error) {
			return lock.FromConfig(cfg, redisClient())
		},
		Notifier: func() (cli.Notifier, error) {
			if !cfg.WakeupEnabled || !cfg.RedisConfigured() {
				return nil, nil
			}
			return queue.NewWakeup(redisClient(), cfg.WakeupKey), nil
		},
	}

	err := cli.NewRootCmd(app, version).Execute()
	if rdb != nil {
		_ = rdb.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
