// Package db provides CRUD repository operations for HealthSync data models.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/vitalstream/healthsync/internal/models"
	"github.com/vitalstream/healthsync/internal/uuid"
)

// Repository provides CRUD operations for all models.
// Statements are prepared on first use and cached for reuse.
type Repository struct {
	db *sql.DB

	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
// Key is the query string, value is the prepared statement.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
// Should be called when the Repository is no longer needed.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// QueuedOperation Operations
// =====================================================

// CreateQueuedOperation persists a new queued operation. An ID is minted if
// the operation does not carry one.
func (r *Repository) CreateQueuedOperation(op *models.QueuedOperation) error {
	if op.ID == "" {
		op.ID = models.UUID(uuid.New())
	}
	if op.EnqueuedAt == 0 {
		op.EnqueuedAt = time.Now().Unix()
	}

	query := `
	INSERT INTO queued_operations (id, kind, target, payload, priority, enqueued_at, retry_count, next_retry_at, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, op.ID, op.Kind, op.Target, op.Payload, op.Priority,
		op.EnqueuedAt, op.RetryCount, op.NextRetryAt, op.LastError)
	return err
}

// UpdateQueuedOperationRetry records a failed attempt with targeted column
// updates, never rewriting unrelated rows.
func (r *Repository) UpdateQueuedOperationRetry(id models.UUID, retryCount int, nextRetryAt int64, lastError string) error {
	query := `UPDATE queued_operations SET retry_count = ?, next_retry_at = ?, last_error = ? WHERE id = ?`
	res, err := r.db.Exec(query, retryCount, nextRetryAt, lastError, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteQueuedOperation removes an operation by ID.
func (r *Repository) DeleteQueuedOperation(id models.UUID) error {
	_, err := r.db.Exec(`DELETE FROM queued_operations WHERE id = ?`, id)
	return err
}

// ListQueuedOperations returns all queued operations ordered by dispatch
// order: high priority first, FIFO by enqueue time within a tier.
func (r *Repository) ListQueuedOperations() ([]*models.QueuedOperation, error) {
	query := `
	SELECT id, kind, target, payload, priority, enqueued_at, retry_count, next_retry_at, last_error
	FROM queued_operations
	ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END, enqueued_at
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*models.QueuedOperation
	for rows.Next() {
		var op models.QueuedOperation
		if err := rows.Scan(&op.ID, &op.Kind, &op.Target, &op.Payload, &op.Priority,
			&op.EnqueuedAt, &op.RetryCount, &op.NextRetryAt, &op.LastError); err != nil {
			return nil, err
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

// CountQueuedOperations returns the number of persisted operations.
func (r *Repository) CountQueuedOperations() (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM queued_operations`).Scan(&count)
	return count, err
}

// =====================================================
// Connection Operations
// =====================================================

// CreateConnection creates a new provider connection.
func (r *Repository) CreateConnection(conn *models.Connection) error {
	now := time.Now().Unix()
	if conn.ID == "" {
		conn.ID = models.UUID(uuid.New())
	}
	conn.CreatedAt = now
	conn.UpdatedAt = now

	query := `
	INSERT INTO connections (id, user_id, provider, is_active, auto_sync_enabled,
		last_sync_at, error_count, total_errors, last_error_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, conn.ID, conn.UserID, conn.Provider, conn.IsActive,
		conn.AutoSyncEnabled, conn.LastSyncAt, conn.ErrorCount, conn.TotalErrors,
		conn.LastErrorAt, conn.CreatedAt, conn.UpdatedAt)
	return err
}

// GetConnection retrieves a connection by ID.
func (r *Repository) GetConnection(id models.UUID) (*models.Connection, error) {
	query := `
	SELECT id, user_id, provider, is_active, auto_sync_enabled, last_sync_at,
		   error_count, total_errors, last_error_at, created_at, updated_at
	FROM connections WHERE id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var conn models.Connection
	err = stmt.QueryRow(id).Scan(&conn.ID, &conn.UserID, &conn.Provider, &conn.IsActive,
		&conn.AutoSyncEnabled, &conn.LastSyncAt, &conn.ErrorCount, &conn.TotalErrors,
		&conn.LastErrorAt, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

// ListConnections returns all connections for a user.
func (r *Repository) ListConnections(userID string) ([]*models.Connection, error) {
	query := `
	SELECT id, user_id, provider, is_active, auto_sync_enabled, last_sync_at,
		   error_count, total_errors, last_error_at, created_at, updated_at
	FROM connections WHERE user_id = ? ORDER BY created_at
	`
	rows, err := r.db.Query(query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []*models.Connection
	for rows.Next() {
		var conn models.Connection
		if err := rows.Scan(&conn.ID, &conn.UserID, &conn.Provider, &conn.IsActive,
			&conn.AutoSyncEnabled, &conn.LastSyncAt, &conn.ErrorCount, &conn.TotalErrors,
			&conn.LastErrorAt, &conn.CreatedAt, &conn.UpdatedAt); err != nil {
			return nil, err
		}
		conns = append(conns, &conn)
	}
	return conns, rows.Err()
}

// UpdateConnectionFlags sets the active and auto-sync flags for a connection.
func (r *Repository) UpdateConnectionFlags(id models.UUID, isActive, autoSync bool) error {
	query := `UPDATE connections SET is_active = ?, auto_sync_enabled = ?, updated_at = ? WHERE id = ?`
	res, err := r.db.Exec(query, isActive, autoSync, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RecordConnectionError increments both error counters and stamps the failure
// time in a single statement, so racing failure paths never lose an update.
func (r *Repository) RecordConnectionError(id models.UUID, at int64) error {
	query := `
	UPDATE connections
	SET error_count = error_count + 1, total_errors = total_errors + 1,
		last_error_at = ?, updated_at = ?
	WHERE id = ?
	`
	res, err := r.db.Exec(query, at, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RecordConnectionSoftError stamps a failure without touching the circuit
// counter. Used for expired auth, which needs re-authentication rather than
// a circuit trip.
func (r *Repository) RecordConnectionSoftError(id models.UUID, at int64) error {
	query := `
	UPDATE connections
	SET total_errors = total_errors + 1, last_error_at = ?, updated_at = ?
	WHERE id = ?
	`
	res, err := r.db.Exec(query, at, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ClearConnectionErrors resets the circuit counter for every connection of a
// user. The lifetime total is preserved for reporting.
func (r *Repository) ClearConnectionErrors(userID string) error {
	query := `UPDATE connections SET error_count = 0, updated_at = ? WHERE user_id = ?`
	_, err := r.db.Exec(query, time.Now().Unix(), userID)
	return err
}

// MarkConnectionSynced stamps a successful sync and closes the circuit.
func (r *Repository) MarkConnectionSynced(id models.UUID, at int64) error {
	query := `UPDATE connections SET last_sync_at = ?, error_count = 0, updated_at = ? WHERE id = ?`
	_, err := r.db.Exec(query, at, time.Now().Unix(), id)
	return err
}

// DeleteConnection removes a connection and its sync configs (cascade).
func (r *Repository) DeleteConnection(id models.UUID) error {
	_, err := r.db.Exec(`DELETE FROM connections WHERE id = ?`, id)
	return err
}

// =====================================================
// SyncConfig Operations
// =====================================================

// CreateSyncConfig creates a sync config for a (connection, data type) pair.
func (r *Repository) CreateSyncConfig(cfg *models.SyncConfig) error {
	if cfg.ID == "" {
		cfg.ID = models.UUID(uuid.New())
	}

	query := `
	INSERT INTO sync_configs (id, connection_id, data_type, direction, is_enabled, frequency_minutes, last_sync_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, cfg.ID, cfg.ConnectionID, cfg.DataType, cfg.Direction,
		cfg.IsEnabled, cfg.FrequencyMinutes, cfg.LastSyncAt)
	return err
}

// ListSyncConfigs returns all sync configs for a connection.
func (r *Repository) ListSyncConfigs(connectionID models.UUID) ([]*models.SyncConfig, error) {
	query := `
	SELECT id, connection_id, data_type, direction, is_enabled, frequency_minutes, last_sync_at
	FROM sync_configs WHERE connection_id = ? ORDER BY data_type
	`
	rows, err := r.db.Query(query, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cfgs []*models.SyncConfig
	for rows.Next() {
		var cfg models.SyncConfig
		if err := rows.Scan(&cfg.ID, &cfg.ConnectionID, &cfg.DataType, &cfg.Direction,
			&cfg.IsEnabled, &cfg.FrequencyMinutes, &cfg.LastSyncAt); err != nil {
			return nil, err
		}
		cfgs = append(cfgs, &cfg)
	}
	return cfgs, rows.Err()
}

// UpdateSyncConfigLastSync stamps the last sync time for a config.
func (r *Repository) UpdateSyncConfigLastSync(id models.UUID, at int64) error {
	_, err := r.db.Exec(`UPDATE sync_configs SET last_sync_at = ? WHERE id = ?`, at, id)
	return err
}

// SetSyncConfigEnabled toggles a sync config on or off.
func (r *Repository) SetSyncConfigEnabled(id models.UUID, enabled bool) error {
	_, err := r.db.Exec(`UPDATE sync_configs SET is_enabled = ? WHERE id = ?`, enabled, id)
	return err
}

// =====================================================
// ConflictRecord Operations
// =====================================================

// CreateConflictRecord persists a newly detected conflict.
func (r *Repository) CreateConflictRecord(rec *models.ConflictRecord) error {
	if rec.ID == "" {
		rec.ID = models.UUID(uuid.New())
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}

	external, err := encodeExternalVersions(rec.ExternalVersions)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO conflict_records (id, entity_key, local_version, external_versions,
		is_resolved, resolved_by, resolution_data, created_at, resolved_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.Exec(query, rec.ID, rec.EntityKey, rec.LocalVersion, external,
		rec.IsResolved, rec.ResolvedBy, rec.ResolutionData, rec.CreatedAt, rec.ResolvedAt)
	return err
}

// GetConflictRecord retrieves a conflict record by ID.
func (r *Repository) GetConflictRecord(id models.UUID) (*models.ConflictRecord, error) {
	query := `
	SELECT id, entity_key, local_version, external_versions, is_resolved,
		   resolved_by, resolution_data, created_at, resolved_at
	FROM conflict_records WHERE id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanConflictRecord(stmt.QueryRow(id))
}

// UpdateConflictResolution persists the resolution outcome of a conflict.
func (r *Repository) UpdateConflictResolution(rec *models.ConflictRecord) error {
	query := `
	UPDATE conflict_records
	SET is_resolved = ?, resolved_by = ?, resolution_data = ?, resolved_at = ?
	WHERE id = ?
	`
	res, err := r.db.Exec(query, rec.IsResolved, rec.ResolvedBy, rec.ResolutionData, rec.ResolvedAt, rec.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListUnresolvedConflicts returns conflicts still needing attention.
func (r *Repository) ListUnresolvedConflicts() ([]*models.ConflictRecord, error) {
	query := `
	SELECT id, entity_key, local_version, external_versions, is_resolved,
		   resolved_by, resolution_data, created_at, resolved_at
	FROM conflict_records WHERE is_resolved = 0 ORDER BY created_at
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*models.ConflictRecord
	for rows.Next() {
		rec, err := scanConflictRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConflictRecord(row rowScanner) (*models.ConflictRecord, error) {
	var rec models.ConflictRecord
	var external string
	err := row.Scan(&rec.ID, &rec.EntityKey, &rec.LocalVersion, &external,
		&rec.IsResolved, &rec.ResolvedBy, &rec.ResolutionData, &rec.CreatedAt, &rec.ResolvedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(external), &rec.ExternalVersions); err != nil {
		return nil, fmt.Errorf("failed to decode external versions: %w", err)
	}
	return &rec, nil
}

func encodeExternalVersions(versions map[string][]byte) (string, error) {
	if versions == nil {
		return "{}", nil
	}
	data, err := json.Marshal(versions)
	if err != nil {
		return "", fmt.Errorf("failed to encode external versions: %w", err)
	}
	return string(data), nil
}

// =====================================================
// SyncHistory Operations
// =====================================================

// CreateSyncHistoryEntry appends an audit record. Entries are write-once.
func (r *Repository) CreateSyncHistoryEntry(entry *models.SyncHistoryEntry) error {
	if entry.ID == "" {
		entry.ID = models.UUID(uuid.New())
	}

	query := `
	INSERT INTO sync_history (id, connection_id, started_at, finished_at, status, detail)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, entry.ID, entry.ConnectionID, entry.StartedAt,
		entry.FinishedAt, entry.Status, entry.Detail)
	return err
}

// ListSyncHistory returns the most recent history entries for a connection.
func (r *Repository) ListSyncHistory(connectionID models.UUID, limit int) ([]*models.SyncHistoryEntry, error) {
	query := `
	SELECT id, connection_id, started_at, finished_at, status, detail
	FROM sync_history WHERE connection_id = ? ORDER BY started_at DESC LIMIT ?
	`
	rows, err := r.db.Query(query, connectionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.SyncHistoryEntry
	for rows.Next() {
		var entry models.SyncHistoryEntry
		if err := rows.Scan(&entry.ID, &entry.ConnectionID, &entry.StartedAt,
			&entry.FinishedAt, &entry.Status, &entry.Detail); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
