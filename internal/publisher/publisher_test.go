package publisher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"post-scheduler/internal/models"
)

func TestMastodonPublish(t *testing.T) {
	var got *http.Request
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		form = map[string]string{
			"status":     r.PostForm.Get("status"),
			"visibility": r.PostForm.Get("visibility"),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1"}`))
	}))
	defer srv.Close()

	m, err := NewMastodon(MastodonConfig{BaseURL: srv.URL + "/"})
	require.NoError(t, err)

	err = m.Publish(context.Background(), Request{
		Token:          "secret-token",
		Message:        "hello fediverse",
		Visibility:     models.VisibilityUnlisted,
		IdempotencyKey: "post-42",
	})
	require.NoError(t, err)

	require.Equal(t, http.MethodPost, got.Method)
	require.Equal(t, "/api/v1/statuses", got.URL.Path)
	require.Equal(t, "Bearer secret-token", got.Header.Get("Authorization"))
	require.Equal(t, "post-42", got.Header.Get("Idempotency-Key"))
	require.Equal(t, "hello fediverse", form["status"])
	require.Equal(t, "unlisted", form["visibility"])
}

func TestMastodonPublishAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"Validation failed: Text can't be blank"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	m, err := NewMastodon(MastodonConfig{BaseURL: srv.URL, RatePerSec: 100, Burst: 1})
	require.NoError(t, err)

	err = m.Publish(context.Background(), Request{Token: "t", Message: "x"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	require.Contains(t, apiErr.Error(), "Validation failed")
}

func TestMastodonRejectsBadConfigAndEmptyToken(t *testing.T) {
	_, err := NewMastodon(MastodonConfig{BaseURL: "not a url"})
	require.Error(t, err)

	m, err := NewMastodon(MastodonConfig{BaseURL: "https://mastodon.example"})
	require.NoError(t, err)
	require.Error(t, m.Publish(context.Background(), Request{Message: "x"}))
}
