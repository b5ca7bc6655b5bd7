// Package models provides data model definitions for the HealthSync engine.
package models

import "time"

// Record is the provider-neutral wire unit exchanged with external platforms.
// ObservedAt is the provider's own timestamp for the value; 0 means the
// provider did not report one, which makes the version unorderable.
type Record struct {
	EntityKey  string `json:"entity_key"`
	Payload    []byte `json:"payload"`
	ObservedAt int64  `json:"observed_at"`
}

// ObservedTime returns the ObservedAt as time.Time.
func (r *Record) ObservedTime() time.Time {
	return time.Unix(r.ObservedAt, 0)
}
