// Package provider defines the capability interface external health-data
// platforms are integrated through, and the registry that selects an adapter
// by provider identifier.
package provider

import (
	"context"

	apperrors "github.com/vitalstream/healthsync/internal/errors"
	"github.com/vitalstream/healthsync/internal/models"
)

// Adapter is implemented once per external health platform. The engine
// treats all adapters uniformly; no code outside an adapter knows a
// provider's wire format.
type Adapter interface {
	// Name returns the provider identifier the adapter is registered under.
	Name() string

	// Pull fetches the provider's current records for a user.
	Pull(ctx context.Context, userID string) ([]models.Record, error)

	// Push delivers records to the provider and reports per-record outcomes.
	Push(ctx context.Context, userID string, records []models.Record) (*PushOutcome, error)
}

// PushOutcome reports per-record success or failure of a push.
type PushOutcome struct {
	Succeeded []string          // entity keys delivered
	Failed    map[string]string // entity key -> failure reason
}

// OK reports whether every record was delivered.
func (o *PushOutcome) OK() bool {
	return len(o.Failed) == 0
}

// Sentinel adapter failures. Adapters wrap their transport errors with these
// codes so the orchestrator can classify them without knowing the transport.
var (
	// ErrUnavailable means the provider could not be reached; retryable.
	ErrUnavailable = apperrors.New(apperrors.ErrProviderUnavailable, "provider unavailable")

	// ErrAuthExpired means the stored credentials need re-authentication.
	// Surfaced to the caller; not retried.
	ErrAuthExpired = apperrors.New(apperrors.ErrAuthExpired, "provider authentication expired")
)
