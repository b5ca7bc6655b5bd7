// Package registry tracks configured external-provider connections, their
// enabled/auto-sync flags and failure counters.
package registry

import (
	"time"

	"github.com/vitalstream/healthsync/internal/db"
	"github.com/vitalstream/healthsync/internal/logging"
	"github.com/vitalstream/healthsync/internal/models"
)

// ErrorThreshold is the consecutive-failure count at which a connection's
// circuit opens and it is excluded from automatic scheduling.
const ErrorThreshold = 5

// Registry manages provider connections on top of the persistence layer.
type Registry struct {
	repo db.ConnectionRepository

	// now is swappable for tests.
	now func() time.Time
}

// NewRegistry creates a connection registry.
func NewRegistry(repo db.ConnectionRepository) *Registry {
	return &Registry{
		repo: repo,
		now:  time.Now,
	}
}

// Link creates a connection for a newly linked provider account.
func (r *Registry) Link(userID, provider string) (*models.Connection, error) {
	conn := &models.Connection{
		UserID:          userID,
		Provider:        provider,
		IsActive:        true,
		AutoSyncEnabled: true,
	}
	if err := r.repo.CreateConnection(conn); err != nil {
		return nil, err
	}

	logging.Info("Provider linked",
		map[string]interface{}{"connection_id": conn.ID, "provider": provider})

	return conn, nil
}

// Unlink removes a connection and its sync configs.
func (r *Registry) Unlink(id models.UUID) error {
	if err := r.repo.DeleteConnection(id); err != nil {
		return err
	}
	logging.Info("Provider unlinked", map[string]interface{}{"connection_id": id})
	return nil
}

// Get retrieves a connection by ID.
func (r *Registry) Get(id models.UUID) (*models.Connection, error) {
	return r.repo.GetConnection(id)
}

// List returns all connections for a user.
func (r *Registry) List(userID string) ([]*models.Connection, error) {
	return r.repo.ListConnections(userID)
}

// ListActive returns the user's connections with IsActive set.
func (r *Registry) ListActive(userID string) ([]*models.Connection, error) {
	conns, err := r.repo.ListConnections(userID)
	if err != nil {
		return nil, err
	}

	active := make([]*models.Connection, 0, len(conns))
	for _, conn := range conns {
		if conn.IsActive {
			active = append(active, conn)
		}
	}
	return active, nil
}

// ToggleActive sets the user-visible active flag.
func (r *Registry) ToggleActive(id models.UUID, active bool) error {
	conn, err := r.repo.GetConnection(id)
	if err != nil {
		return err
	}
	return r.repo.UpdateConnectionFlags(id, active, conn.AutoSyncEnabled)
}

// ToggleAutoSync sets the auto-sync flag.
func (r *Registry) ToggleAutoSync(id models.UUID, autoSync bool) error {
	conn, err := r.repo.GetConnection(id)
	if err != nil {
		return err
	}
	return r.repo.UpdateConnectionFlags(id, conn.IsActive, autoSync)
}

// RecordError increments the connection's failure counters and stamps the
// failure time. The increment is a single atomic update, so racing failure
// paths never lose a count.
func (r *Registry) RecordError(id models.UUID) error {
	if err := r.repo.RecordConnectionError(id, r.now().Unix()); err != nil {
		return err
	}

	conn, err := r.repo.GetConnection(id)
	if err != nil {
		return err
	}
	if conn.ErrorCount == ErrorThreshold {
		logging.Warn("Connection circuit opened",
			map[string]interface{}{
				"connection_id": id,
				"provider":      conn.Provider,
				"error_count":   conn.ErrorCount,
			})
	}
	return nil
}

// RecordSoftError stamps a failure that should not trip the circuit, such as
// expired auth. The lifetime error total still increments.
func (r *Registry) RecordSoftError(id models.UUID) error {
	return r.repo.RecordConnectionSoftError(id, r.now().Unix())
}

// ClearErrors resets the circuit counter for all of a user's connections,
// making them eligible for scheduling again. The lifetime error total is
// kept for reporting.
func (r *Registry) ClearErrors(userID string) error {
	if err := r.repo.ClearConnectionErrors(userID); err != nil {
		return err
	}
	logging.Info("Connection errors cleared", map[string]interface{}{"user_id": userID})
	return nil
}

// MarkSynced stamps a successful sync pass and closes the circuit.
func (r *Registry) MarkSynced(id models.UUID, at time.Time) error {
	return r.repo.MarkConnectionSynced(id, at.Unix())
}

// IsCircuitOpen reports whether a connection is excluded from automatic
// scheduling due to repeated failures. The user-visible IsActive flag is
// never mutated by the circuit.
func IsCircuitOpen(conn *models.Connection) bool {
	return conn.ErrorCount >= ErrorThreshold
}
