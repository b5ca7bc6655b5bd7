package provider

import (
	"context"
	"testing"

	"github.com/vitalstream/healthsync/internal/models"
)

// stubAdapter is the minimal Adapter for registry tests.
type stubAdapter struct {
	name string
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Pull(ctx context.Context, userID string) ([]models.Record, error) {
	return nil, nil
}

func (s *stubAdapter) Push(ctx context.Context, userID string, records []models.Record) (*PushOutcome, error) {
	return &PushOutcome{}, nil
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(&stubAdapter{name: "fitsync"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if r.Get("fitsync") == nil {
		t.Error("Expected registered adapter retrievable")
	}
	if r.Get("unknown") != nil {
		t.Error("Expected nil for unregistered provider")
	}
	if r.Count() != 1 {
		t.Errorf("Expected count 1, got %d", r.Count())
	}
}

func TestRegisterRejectsNilAndEmptyName(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(nil); err == nil {
		t.Error("Expected error for nil adapter")
	}
	if err := r.Register(&stubAdapter{name: ""}); err == nil {
		t.Error("Expected error for empty name")
	}
}

func TestRegisterReplacesExisting(t *testing.T) {
	r := NewRegistry()

	first := &stubAdapter{name: "fitsync"}
	second := &stubAdapter{name: "fitsync"}
	r.Register(first)
	r.Register(second)

	if r.Count() != 1 {
		t.Errorf("Expected count 1 after replacement, got %d", r.Count())
	}
	if r.Get("fitsync") != Adapter(second) {
		t.Error("Expected second registration to win")
	}
}

func TestGetRequired(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubAdapter{name: "fitsync"})

	if _, err := r.GetRequired("fitsync"); err != nil {
		t.Errorf("Expected registered adapter, got error: %v", err)
	}
	if _, err := r.GetRequired("unknown"); err == nil {
		t.Error("Expected error for unregistered provider")
	}
}

func TestListPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubAdapter{name: "fitsync"})
	r.Register(&stubAdapter{name: "stridekeeper"})
	r.Register(&stubAdapter{name: "wellness-hub"})

	got := r.List()
	want := []string{"fitsync", "stridekeeper", "wellness-hub"}
	if len(got) != len(want) {
		t.Fatalf("Expected %d names, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestRemove(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubAdapter{name: "fitsync"})

	if !r.Remove("fitsync") {
		t.Error("Expected removal to succeed")
	}
	if r.Remove("fitsync") {
		t.Error("Expected second removal to report absent")
	}
	if r.Count() != 0 {
		t.Errorf("Expected empty registry, got %d", r.Count())
	}
	if len(r.List()) != 0 {
		t.Error("Expected order list cleared")
	}
}

func TestPushOutcomeOK(t *testing.T) {
	ok := &PushOutcome{Succeeded: []string{"a"}}
	if !ok.OK() {
		t.Error("Expected outcome with no failures to be OK")
	}

	bad := &PushOutcome{Failed: map[string]string{"a": "rejected"}}
	if bad.OK() {
		t.Error("Expected outcome with failures not OK")
	}
}
