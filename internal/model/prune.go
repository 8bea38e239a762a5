package model

import "time"

// PruneStatus represents the lifecycle of a prune run.
type PruneStatus string

const (
	PruneStatusRunning  PruneStatus = "running"
	PruneStatusComplete PruneStatus = "complete"
	PruneStatusFailed   PruneStatus = "failed"
)

// PruneRun is the persisted record of one state-pruning pass over a scope.
type PruneRun struct {
	ID             string      `json:"id"`
	Kind           EntityKind  `json:"kind"`
	OrganizationID int64       `json:"organization_id,omitempty"`
	Depth          int         `json:"depth"`
	DryRun         bool        `json:"dry_run"`
	Status         PruneStatus `json:"status"`
	TotalStates    int64       `json:"total_states"`
	KeptStates     int64       `json:"kept_states"`
	DeletedStates  int64       `json:"deleted_states"`
	Error          string      `json:"error,omitempty"`
	StartedAt      time.Time   `json:"started_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// PruneOutcome carries the counters written when a prune run completes.
type PruneOutcome struct {
	TotalStates   int64 `json:"total_states"`
	KeptStates    int64 `json:"kept_states"`
	DeletedStates int64 `json:"deleted_states"`
}
