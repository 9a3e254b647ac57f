// Package cli implements postctl, the operator tool for the post scheduler.
// Commands talk to the job store directly; nothing goes through the scheduler
// process, so they work while it is stopped.
package cli

import (
	"context"
	"time"

	"post-scheduler/internal/config"
	"post-scheduler/internal/lock"
	"post-scheduler/internal/store"
)

// Notifier wakes a sleeping scheduler after a job is enqueued.
type Notifier interface {
	Notify(ctx context.Context, jobID int64) error
}

// App carries the collaborators every command needs. The funcs are called
// lazily so that --help never touches the database.
type App struct {
	Config config.Config

	OpenStore func(ctx context.Context) (store.Store, error)
	// Locker returns the scheduler's instance lock.
	Locker func() (lock.Locker, error)
	// Notifier returns nil when no wake-up channel is configured.
	Notifier func() (Notifier, error)
	// Output defaults to the root command's writers and --json flag.
	Output func() *Output
	Now    func() time.Time
}

func (a *App) now() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}

func (a *App) withStore(ctx context.Context, fn func(st store.Store) error) error {
	st, err := a.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}
