// Package db provides repository interfaces for HealthSync data models.
package db

import (
	"github.com/vitalstream/healthsync/internal/models"
)

// OperationRepository defines persistence for queued operations.
// This interface allows mocking for testing.
type OperationRepository interface {
	// CreateQueuedOperation persists a new queued operation.
	CreateQueuedOperation(op *models.QueuedOperation) error

	// UpdateQueuedOperationRetry records a failed delivery attempt.
	UpdateQueuedOperationRetry(id models.UUID, retryCount int, nextRetryAt int64, lastError string) error

	// DeleteQueuedOperation removes an operation by ID.
	DeleteQueuedOperation(id models.UUID) error

	// ListQueuedOperations returns all operations in dispatch order.
	ListQueuedOperations() ([]*models.QueuedOperation, error)
}

// ConnectionRepository defines persistence for provider connections.
type ConnectionRepository interface {
	CreateConnection(conn *models.Connection) error
	GetConnection(id models.UUID) (*models.Connection, error)
	ListConnections(userID string) ([]*models.Connection, error)
	UpdateConnectionFlags(id models.UUID, isActive, autoSync bool) error
	RecordConnectionError(id models.UUID, at int64) error
	RecordConnectionSoftError(id models.UUID, at int64) error
	ClearConnectionErrors(userID string) error
	MarkConnectionSynced(id models.UUID, at int64) error
	DeleteConnection(id models.UUID) error
}

// SyncConfigRepository defines persistence for sync configs.
type SyncConfigRepository interface {
	CreateSyncConfig(cfg *models.SyncConfig) error
	ListSyncConfigs(connectionID models.UUID) ([]*models.SyncConfig, error)
	UpdateSyncConfigLastSync(id models.UUID, at int64) error
	SetSyncConfigEnabled(id models.UUID, enabled bool) error
}

// ConflictRepository defines persistence for conflict records.
type ConflictRepository interface {
	CreateConflictRecord(rec *models.ConflictRecord) error
	GetConflictRecord(id models.UUID) (*models.ConflictRecord, error)
	UpdateConflictResolution(rec *models.ConflictRecord) error
	ListUnresolvedConflicts() ([]*models.ConflictRecord, error)
}

// HistoryRepository defines persistence for sync history entries.
type HistoryRepository interface {
	CreateSyncHistoryEntry(entry *models.SyncHistoryEntry) error
	ListSyncHistory(connectionID models.UUID, limit int) ([]*models.SyncHistoryEntry, error)
}

// SyncRepository combines the repositories the orchestrator needs.
// This is a marker interface that groups related repositories for convenience.
type SyncRepository interface {
	OperationRepository
	ConnectionRepository
	SyncConfigRepository
	ConflictRepository
	HistoryRepository
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ OperationRepository  = (*Repository)(nil)
	_ ConnectionRepository = (*Repository)(nil)
	_ SyncConfigRepository = (*Repository)(nil)
	_ ConflictRepository   = (*Repository)(nil)
	_ HistoryRepository    = (*Repository)(nil)
	_ SyncRepository       = (*Repository)(nil)
)
