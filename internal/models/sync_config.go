// Package models provides data model definitions for the HealthSync engine.
package models

// SyncDirection governs which way records flow for a connection/data-type pair.
type SyncDirection string

const (
	SyncDirectionExportOnly    SyncDirection = "export_only"
	SyncDirectionImportOnly    SyncDirection = "import_only"
	SyncDirectionBidirectional SyncDirection = "bidirectional"
)

// IncludesImport reports whether records are pulled from the provider.
func (d SyncDirection) IncludesImport() bool {
	return d == SyncDirectionImportOnly || d == SyncDirectionBidirectional
}

// IncludesExport reports whether records are pushed to the provider.
func (d SyncDirection) IncludesExport() bool {
	return d == SyncDirectionExportOnly || d == SyncDirectionBidirectional
}

// SyncConfig holds the per-(connection, data type) sync settings.
type SyncConfig struct {
	ID               UUID          `db:"id" json:"id"`
	ConnectionID     UUID          `db:"connection_id" json:"connection_id"`
	DataType         string        `db:"data_type" json:"data_type"`
	Direction        SyncDirection `db:"direction" json:"direction"`
	IsEnabled        bool          `db:"is_enabled" json:"is_enabled"`
	FrequencyMinutes int           `db:"frequency_minutes" json:"frequency_minutes"`
	LastSyncAt       int64         `db:"last_sync_at" json:"last_sync_at"` // 0 = never synced
}

// TableName returns the table name for SyncConfig.
func (SyncConfig) TableName() string {
	return "sync_configs"
}
