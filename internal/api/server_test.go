package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"post-scheduler/internal/config"
	"post-scheduler/internal/models"
	"post-scheduler/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "posts.db"))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.Migrate(context.Background()))

	srv := httptest.NewServer(New(config.Config{StallTimeout: 10 * time.Minute}, st).Router())
	t.Cleanup(srv.Close)
	return srv, st
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	var body map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &body))
	require.Equal(t, "ok", body["status"])
}

func TestJobsEndpoints(t *testing.T) {
	ctx := context.Background()
	srv, st := newTestServer(t)

	posted, err := st.CreateJob(ctx, store.CreateJobParams{OwnerID: "alice", Message: "one", ScheduleTime: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	_, err = st.CreateJob(ctx, store.CreateJobParams{OwnerID: "alice", Message: "two", ScheduleTime: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	_, err = st.Claim(ctx, posted.ID, "tok", time.Now().UTC())
	require.NoError(t, err)
	_, err = st.MarkPosted(ctx, posted.ID, "tok", time.Now().UTC())
	require.NoError(t, err)

	var list struct {
		Items []models.Job `json:"items"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/jobs?status=pending", &list))
	require.Len(t, list.Items, 1)
	require.Equal(t, "two", list.Items[0].Message)

	require.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/jobs?status=bogus", nil))
	require.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/jobs?limit=-1", nil))

	var job models.Job
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/jobs/1", &job))
	require.Equal(t, models.StatusPosted, job.Status)
	require.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/jobs/999", nil))
	require.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/jobs/abc", nil))

	var attempts struct {
		Items []models.Attempt `json:"items"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/jobs/1/attempts", &attempts))
	require.Len(t, attempts.Items, 1)
	require.Equal(t, models.AttemptPosted, attempts.Items[0].Outcome)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	srv, st := newTestServer(t)

	stuck, err := st.CreateJob(ctx, store.CreateJobParams{OwnerID: "bob", Message: "stuck", ScheduleTime: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	_, err = st.Claim(ctx, stuck.ID, "dead", time.Now().Add(-time.Hour).UTC())
	require.NoError(t, err)

	var stats statsResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/stats", &stats))
	require.EqualValues(t, 1, stats.Counts[models.StatusProcessing])
	require.EqualValues(t, 0, stats.Counts[models.StatusPosted])
	require.Equal(t, 1, stats.Stalled)
}

// failingGetStore reports a storage fault on every job lookup.
type failingGetStore struct{ store.Store }

func (failingGetStore) GetJob(context.Context, int64) (models.Job, error) {
	return models.Job{}, errors.New("connection reset")
}

func TestJobLookupFailureIsServerError(t *testing.T) {
	_, st := newTestServer(t)
	srv := httptest.NewServer(New(config.Config{}, failingGetStore{st}).Router())
	t.Cleanup(srv.Close)

	require.Equal(t, http.StatusInternalServerError, getJSON(t, srv.URL+"/jobs/1", nil))
	require.Equal(t, http.StatusInternalServerError, getJSON(t, srv.URL+"/jobs/1/attempts", nil))
}
