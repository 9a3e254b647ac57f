package models

import (
	"fmt"
	"strings"
	"time"
)

// Status enumerates lifecycle states persisted in the job store.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPosted     Status = "posted"
	StatusFailed     Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusPosted, StatusFailed}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusPosted, StatusFailed:
		return true
	}
	return false
}

// Visibility is the audience of a published status.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
	VisibilityDirect   Visibility = "direct"
)

// ParseVisibility maps user input to a Visibility. Empty input means public.
func ParseVisibility(v string) (Visibility, error) {
	switch vis := Visibility(strings.ToLower(strings.TrimSpace(v))); vis {
	case "":
		return VisibilityPublic, nil
	case VisibilityPublic, VisibilityUnlisted, VisibilityPrivate, VisibilityDirect:
		return vis, nil
	default:
		return "", fmt.Errorf("unknown visibility %q", v)
	}
}

// MaxErrorLength bounds the stored last_error text.
const MaxErrorLength = 500

// TruncateError cuts msg to MaxErrorLength runes.
func TruncateError(msg string) string {
	r := []rune(msg)
	if len(r) <= MaxErrorLength {
		return msg
	}
	return string(r[:MaxErrorLength])
}

// Job is one scheduled post.
type Job struct {
	ID             int64      `json:"id"`
	OwnerID        string     `json:"owner_id"`
	Message        string     `json:"message"`
	Visibility     Visibility `json:"visibility"`
	ScheduleTime   time.Time  `json:"schedule_time"`
	Status         Status     `json:"status"`
	RetryCount     int        `json:"retry_count"`
	OwnershipToken *string    `json:"ownership_token,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	PostedAt       *time.Time `json:"posted_at,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Due reports whether the job is eligible for dispatch at now.
func (j Job) Due(now time.Time) bool {
	return j.Status == StatusPending && !j.ScheduleTime.After(now)
}

// AttemptOutcome is the recorded result of one reconciled dispatch.
type AttemptOutcome string

const (
	AttemptPosted AttemptOutcome = "posted"
	AttemptRetry  AttemptOutcome = "retry"
	AttemptFailed AttemptOutcome = "failed"
)

// Attempt is a history row written alongside every reconciliation.
type Attempt struct {
	ID          int64          `json:"id"`
	JobID       int64          `json:"job_id"`
	OwnerID     string         `json:"owner_id"`
	Outcome     AttemptOutcome `json:"outcome"`
	Error       *string        `json:"error,omitempty"`
	AttemptedAt time.Time      `json:"attempted_at"`
}
