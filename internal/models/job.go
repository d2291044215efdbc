package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusQueued   = "queued"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// KindStrategy is the default pipeline variant.
const KindStrategy = "strategy"

// Job is the unit the orchestrator drives for one snapshot.
type Job struct {
	ID          string     `json:"id"`
	SnapshotID  string     `json:"snapshot_id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	ErrorCode   *string    `json:"error_code,omitempty"`
	ErrorReason *string    `json:"error_reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the job can no longer transition.
func (j Job) Terminal() bool {
	return IsTerminal(j.Status)
}

// IsTerminal reports whether status is complete or failed.
func IsTerminal(status string) bool {
	return status == StatusComplete || status == StatusFailed
}
