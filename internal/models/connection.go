// Package models provides data model definitions for the HealthSync engine.
package models

import "time"

// Connection represents a linked external health-data provider account.
//
// ErrorCount counts consecutive sync failures and drives the scheduling
// circuit; it resets on a successful sync or an explicit ClearErrors.
// TotalErrors is a lifetime counter kept for user-visible reporting and is
// never reset automatically.
type Connection struct {
	ID              UUID   `db:"id" json:"id"`
	UserID          string `db:"user_id" json:"user_id"`
	Provider        string `db:"provider" json:"provider"`
	IsActive        bool   `db:"is_active" json:"is_active"`
	AutoSyncEnabled bool   `db:"auto_sync_enabled" json:"auto_sync_enabled"`
	LastSyncAt      int64  `db:"last_sync_at" json:"last_sync_at"` // 0 = never synced
	ErrorCount      int    `db:"error_count" json:"error_count"`
	TotalErrors     int    `db:"total_errors" json:"total_errors"`
	LastErrorAt     int64  `db:"last_error_at" json:"last_error_at,omitempty"`
	CreatedAt       int64  `db:"created_at" json:"created_at"`
	UpdatedAt       int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Connection.
func (Connection) TableName() string {
	return "connections"
}

// LastSyncTime returns the LastSyncAt as time.Time, or nil if never synced.
func (c *Connection) LastSyncTime() *time.Time {
	if c.LastSyncAt == 0 {
		return nil
	}
	t := time.Unix(c.LastSyncAt, 0)
	return &t
}
