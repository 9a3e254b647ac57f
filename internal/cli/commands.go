package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"post-scheduler/internal/models"
	"post-scheduler/internal/store"
)

const timeLayout = "2006-01-02 15:04:05Z07:00"

// NewRootCmd assembles postctl.
func NewRootCmd(app *App, version string) *cobra.Command {
	root := &cobra.Command{
		Use:           "postctl",
		Short:         "Inspect and operate the scheduled post queue",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	var jsonOutput bool
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	if app.Output == nil {
		app.Output = func() *Output {
			return NewOutputTo(jsonOutput, root.OutOrStdout(), root.ErrOrStderr())
		}
	}
	root.AddCommand(
		newStatusCmd(app),
		newMigrateCmd(app),
		newRecoverCmd(app),
		newEnqueueCmd(app),
		newAttemptsCmd(app),
		newCredentialCmd(app),
	)
	return root
}

type statusReport struct {
	Counts  map[models.Status]int64 `json:"counts"`
	Recent  []models.Job            `json:"recent"`
	Stalled []models.Job            `json:"stalled"`
}

func newStatusCmd(app *App) *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show job counts, the latest jobs and stalled claims",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := app.Output()
			return app.withStore(cmd.Context(), func(st store.Store) error {
				var rep statusReport
				var err error
				if rep.Counts, err = st.CountByStatus(cmd.Context()); err != nil {
					return err
				}
				if rep.Recent, err = st.ListJobs(cmd.Context(), store.ListFilter{Limit: recent}); err != nil {
					return err
				}
				if rep.Stalled, err = st.ListStalled(cmd.Context(), app.now().Add(-app.Config.StallTimeout)); err != nil {
					return err
				}
				if out.JSONMode() {
					out.JSON(rep)
					return nil
				}

				countRows := make([][]string, 0, len(models.Statuses))
				for _, s := range models.Statuses {
					countRows = append(countRows, []string{string(s), strconv.FormatInt(rep.Counts[s], 10)})
				}
				out.Table([]string{"STATUS", "COUNT"}, countRows)
				out.Section("Recent jobs")
				out.Table(jobHeaders, jobRows(rep.Recent))
				out.Section(fmt.Sprintf("Stalled (processing longer than %s)", app.Config.StallTimeout))
				out.Table(jobHeaders, jobRows(rep.Stalled))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&recent, "recent", 5, "Number of recent jobs to show")
	return cmd
}

func newMigrateCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withStore(cmd.Context(), func(st store.Store) error {
				if err := st.Migrate(cmd.Context()); err != nil {
					return err
				}
				app.Output().Success("migrations applied")
				return nil
			})
		},
	}
}

// ErrSchedulerBusy means the instance lock is held, i.e. a cycle is running.
var ErrSchedulerBusy = errors.New("instance lock is held by a running cycle; try again")

func newRecoverCmd(app *App) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Reset processing jobs claimed before --older-than back to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan < 0 {
				return errors.New("--older-than must not be negative")
			}
			locker, err := app.Locker()
			if err != nil {
				return err
			}
			lease, ok, err := locker.TryAcquire(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				return ErrSchedulerBusy
			}
			defer func() { _ = lease.Release(cmd.Context()) }()

			return app.withStore(cmd.Context(), func(st store.Store) error {
				now := app.now()
				n, err := st.ResetStalled(cmd.Context(), now.Add(-olderThan), now)
				if err != nil {
					return err
				}
				out := app.Output()
				if out.JSONMode() {
					out.JSON(map[string]int64{"reset": n})
					return nil
				}
				out.Success(fmt.Sprintf("reset %d job(s) to pending", n))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", app.Config.StallTimeout, "Only reset claims at least this old (0 resets every processing job)")
	return cmd
}

func newEnqueueCmd(app *App) *cobra.Command {
	var owner, message, at, visibility string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Schedule a post",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			when, err := parseWhen(at, app.now())
			if err != nil {
				return err
			}
			vis, err := models.ParseVisibility(visibility)
			if err != nil {
				return err
			}
			out := app.Output()
			return app.withStore(cmd.Context(), func(st store.Store) error {
				job, err := st.CreateJob(cmd.Context(), store.CreateJobParams{
					OwnerID:      owner,
					Message:      message,
					Visibility:   vis,
					ScheduleTime: when,
				})
				if err != nil {
					return err
				}
				if app.Notifier != nil {
					n, err := app.Notifier()
					if err != nil {
						out.Warn("wake-up channel unavailable: " + err.Error())
					} else if n != nil {
						if err := n.Notify(cmd.Context(), job.ID); err != nil {
							out.Warn("wake-up notify failed: " + err.Error())
						}
					}
				}
				out.Print(jobHeaders, jobRows([]models.Job{job}), job)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Account owner id (required)")
	cmd.Flags().StringVar(&message, "message", "", "Status text (required)")
	cmd.Flags().StringVar(&at, "at", "", "RFC3339 time or +duration; empty means now")
	cmd.Flags().StringVar(&visibility, "visibility", "public", "public, unlisted, private or direct")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func newAttemptsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "attempts JOB_ID",
		Short: "Show the publish attempt history of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			return app.withStore(cmd.Context(), func(st store.Store) error {
				if _, err := st.GetJob(cmd.Context(), id); err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return fmt.Errorf("job %d not found", id)
					}
					return err
				}
				attempts, err := st.ListAttempts(cmd.Context(), id)
				if err != nil {
					return err
				}
				rows := make([][]string, len(attempts))
				for i, a := range attempts {
					rows[i] = []string{
						strconv.FormatInt(a.ID, 10),
						a.AttemptedAt.Format(timeLayout),
						string(a.Outcome),
						deref(a.Error),
					}
				}
				app.Output().Print([]string{"ID", "AT", "OUTCOME", "ERROR"}, rows, attempts)
				return nil
			})
		},
	}
}

func newCredentialCmd(app *App) *cobra.Command {
	var owner, token string
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Store or replace an account's access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(token) == "" {
				return errors.New("--token must not be empty")
			}
			return app.withStore(cmd.Context(), func(st store.Store) error {
				if err := st.PutCredential(cmd.Context(), owner, token); err != nil {
					return err
				}
				app.Output().Success("credential stored for " + owner)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Account owner id (required)")
	cmd.Flags().StringVar(&token, "token", "", "OAuth access token (required)")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

var jobHeaders = []string{"ID", "OWNER", "STATUS", "RETRIES", "SCHEDULED", "MESSAGE", "LAST_ERROR"}

func jobRows(jobs []models.Job) [][]string {
	rows := make([][]string, len(jobs))
	for i, j := range jobs {
		rows[i] = []string{
			strconv.FormatInt(j.ID, 10),
			j.OwnerID,
			string(j.Status),
			strconv.Itoa(j.RetryCount),
			j.ScheduleTime.Format(timeLayout),
			ellipsis(j.Message, 40),
			ellipsis(deref(j.LastError), 40),
		}
	}
	return rows
}

func parseWhen(v string, now time.Time) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "" || v == "now":
		return now, nil
	case strings.HasPrefix(v, "+"):
		d, err := time.ParseDuration(v[1:])
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --at offset %q: %w", v, err)
		}
		return now.Add(d), nil
	default:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --at time %q: want RFC3339 or +duration", v)
		}
		return t.UTC(), nil
	}
}

func ellipsis(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
