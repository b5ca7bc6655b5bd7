// Package models provides unit tests for the data model helpers.
package models

import (
	"testing"
	"time"
)

func TestUUIDScanAndValue(t *testing.T) {
	var u UUID
	if err := u.Scan("11111111-1111-4111-8111-111111111111"); err != nil {
		t.Fatalf("Scan string failed: %v", err)
	}
	if u.String() != "11111111-1111-4111-8111-111111111111" {
		t.Errorf("Unexpected value after string scan: %s", u)
	}

	if err := u.Scan([]byte("22222222-2222-4222-8222-222222222222")); err != nil {
		t.Fatalf("Scan bytes failed: %v", err)
	}
	if u != "22222222-2222-4222-8222-222222222222" {
		t.Errorf("Unexpected value after byte scan: %s", u)
	}

	if err := u.Scan(nil); err != nil {
		t.Fatalf("Scan nil failed: %v", err)
	}
	if u != "" {
		t.Errorf("Expected empty UUID after nil scan, got %s", u)
	}

	if err := u.Scan(42); err == nil {
		t.Error("Expected error scanning an int")
	}

	v, err := UUID("abc").Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}
	if v != "abc" {
		t.Errorf("Expected driver value abc, got %v", v)
	}
}

func TestPriorityRankOrdering(t *testing.T) {
	if !(PriorityHigh.Rank() > PriorityMedium.Rank() && PriorityMedium.Rank() > PriorityLow.Rank()) {
		t.Error("Expected high > medium > low")
	}
	if Priority("unknown").Rank() != PriorityLow.Rank() {
		t.Error("Expected unknown priority ranked as low")
	}
}

func TestSyncDirectionFlow(t *testing.T) {
	cases := []struct {
		direction  SyncDirection
		wantImport bool
		wantExport bool
	}{
		{SyncDirectionImportOnly, true, false},
		{SyncDirectionExportOnly, false, true},
		{SyncDirectionBidirectional, true, true},
		{SyncDirection("unknown"), false, false},
	}
	for _, tc := range cases {
		if tc.direction.IncludesImport() != tc.wantImport {
			t.Errorf("%s: IncludesImport expected %v", tc.direction, tc.wantImport)
		}
		if tc.direction.IncludesExport() != tc.wantExport {
			t.Errorf("%s: IncludesExport expected %v", tc.direction, tc.wantExport)
		}
	}
}

func TestTimestampHelpers(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)

	op := &QueuedOperation{EnqueuedAt: at.Unix()}
	if !op.EnqueuedAtTime().Equal(at) {
		t.Error("Expected EnqueuedAtTime round trip")
	}

	rec := &Record{ObservedAt: at.Unix()}
	if !rec.ObservedTime().Equal(at) {
		t.Error("Expected ObservedTime round trip")
	}

	conflict := &ConflictRecord{CreatedAt: at.Unix()}
	if !conflict.CreatedAtTime().Equal(at) {
		t.Error("Expected CreatedAtTime round trip")
	}
}

func TestTableNames(t *testing.T) {
	if (QueuedOperation{}).TableName() != "queued_operations" {
		t.Error("Unexpected queued operation table name")
	}
	if (SyncConfig{}).TableName() != "sync_configs" {
		t.Error("Unexpected sync config table name")
	}
	if (ConflictRecord{}).TableName() != "conflict_records" {
		t.Error("Unexpected conflict record table name")
	}
}
