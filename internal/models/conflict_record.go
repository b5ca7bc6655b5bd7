// Package models provides data model definitions for the HealthSync engine.
package models

import "time"

// ResolvedBy identifies which side of a conflict supplied the surviving version.
type ResolvedBy string

const (
	ResolvedByLocal    ResolvedBy = "local"
	ResolvedByExternal ResolvedBy = "external"
)

// ConflictRecord captures divergent versions of one logical entity observed in
// a single reconciliation pass. Records are never deleted; resolved ones stay
// queryable as an audit trail.
type ConflictRecord struct {
	ID               UUID              `db:"id" json:"id"`
	EntityKey        string            `db:"entity_key" json:"entity_key"`
	LocalVersion     []byte            `db:"local_version" json:"local_version,omitempty"`
	ExternalVersions map[string][]byte `db:"external_versions" json:"external_versions"`
	IsResolved       bool              `db:"is_resolved" json:"is_resolved"`
	ResolvedBy       ResolvedBy        `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolutionData   []byte            `db:"resolution_data" json:"resolution_data,omitempty"`
	CreatedAt        int64             `db:"created_at" json:"created_at"`
	ResolvedAt       int64             `db:"resolved_at" json:"resolved_at,omitempty"`
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "conflict_records"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (c *ConflictRecord) CreatedAtTime() time.Time {
	return time.Unix(c.CreatedAt, 0)
}
