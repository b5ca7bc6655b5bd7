// Package models provides data model definitions for the HealthSync engine.
package models

// SyncStatus is the terminal status of a sync pass or queued operation.
type SyncStatus string

const (
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncHistoryEntry is an append-only audit record of one sync pass. Write-once.
type SyncHistoryEntry struct {
	ID           UUID       `db:"id" json:"id"`
	ConnectionID UUID       `db:"connection_id" json:"connection_id"`
	StartedAt    int64      `db:"started_at" json:"started_at"`
	FinishedAt   int64      `db:"finished_at" json:"finished_at"`
	Status       SyncStatus `db:"status" json:"status"`
	Detail       string     `db:"detail" json:"detail,omitempty"`
}

// TableName returns the table name for SyncHistoryEntry.
func (SyncHistoryEntry) TableName() string {
	return "sync_history"
}
