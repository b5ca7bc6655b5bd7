// Package models provides data model definitions for the HealthSync engine.
package models

import "time"

// OperationKind identifies the transport an operation is executed over.
type OperationKind string

const (
	OperationKindAPICall    OperationKind = "api_call"
	OperationKindDataSync   OperationKind = "data_sync"
	OperationKindFileUpload OperationKind = "file_upload"
)

// Priority is the dispatch tier of a queued operation.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Rank returns the numeric ordering of a priority tier; higher dispatches first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// QueuedOperation represents a pending outbound operation awaiting delivery.
type QueuedOperation struct {
	ID          UUID          `db:"id" json:"id"`
	Kind        OperationKind `db:"kind" json:"kind"`
	Target      string        `db:"target" json:"target"`
	Payload     []byte        `db:"payload" json:"payload"`
	Priority    Priority      `db:"priority" json:"priority"`
	EnqueuedAt  int64         `db:"enqueued_at" json:"enqueued_at"`
	RetryCount  int           `db:"retry_count" json:"retry_count"`
	NextRetryAt int64         `db:"next_retry_at" json:"next_retry_at"`
	LastError   string        `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for QueuedOperation.
func (QueuedOperation) TableName() string {
	return "queued_operations"
}

// EnqueuedAtTime returns the EnqueuedAt as time.Time.
func (o *QueuedOperation) EnqueuedAtTime() time.Time {
	return time.Unix(o.EnqueuedAt, 0)
}
