package models

import "time"

// Strategy is the client-visible synthesized answer for a snapshot (1:1).
type Strategy struct {
	SnapshotID       string       `json:"snapshot_id"`
	JobID            string       `json:"job_id"`
	Text             string       `json:"text"`
	StagingArea      *StagingArea `json:"staging_area,omitempty"`
	ValidFrom        time.Time    `json:"valid_from"`
	ValidUntil       time.Time    `json:"valid_until"`
	Status           string       `json:"status"`
	Validated        bool         `json:"validated"`
	ValidationIssues []string     `json:"validation_issues,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// StagingArea is where the driver should wait between trips.
type StagingArea struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	Reasoning string `json:"reasoning,omitempty"`
}
