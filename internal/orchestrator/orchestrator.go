// Package orchestrator coordinates sync passes: it pulls from provider
// adapters, reconciles against the local cache through the conflict
// resolver, updates the operation queue and persists history.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vitalstream/healthsync/internal/cache"
	"github.com/vitalstream/healthsync/internal/conflict"
	"github.com/vitalstream/healthsync/internal/db"
	apperrors "github.com/vitalstream/healthsync/internal/errors"
	"github.com/vitalstream/healthsync/internal/logging"
	"github.com/vitalstream/healthsync/internal/models"
	"github.com/vitalstream/healthsync/internal/provider"
	"github.com/vitalstream/healthsync/internal/queue"
	"github.com/vitalstream/healthsync/internal/registry"
	"github.com/vitalstream/healthsync/internal/scheduler"
)

// Config holds orchestrator tuning.
type Config struct {
	// ProviderTimeout bounds each adapter Pull or Push call.
	ProviderTimeout time.Duration

	// Workers bounds how many connections sync concurrently in SyncAll.
	Workers int
}

// DefaultConfig returns default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		ProviderTimeout: 30 * time.Second,
		Workers:         4,
	}
}

// Orchestrator drives sync passes per connection. At most one pass is in
// flight per connection ID, enforced by a per-connection mutex held for the
// duration of SyncConnection. The global queue lock is never held across a
// provider call.
type Orchestrator struct {
	repo     db.SyncRepository
	reg      *registry.Registry
	adapters *provider.Registry
	resolver *conflict.Resolver
	cache    *cache.Store
	queue    *queue.Queue
	cfg      Config

	connLocks sync.Map // map[models.UUID]*sync.Mutex

	changeMu     sync.Mutex
	localChanges map[string]int64 // entity key -> changed-at unix

	// now is swappable for tests.
	now func() time.Time
}

// NewOrchestrator wires the engine's components together.
func NewOrchestrator(repo db.SyncRepository, reg *registry.Registry, adapters *provider.Registry,
	resolver *conflict.Resolver, store *cache.Store, q *queue.Queue, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = def.ProviderTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	return &Orchestrator{
		repo:         repo,
		reg:          reg,
		adapters:     adapters,
		resolver:     resolver,
		cache:        store,
		queue:        q,
		cfg:          cfg,
		localChanges: make(map[string]int64),
		now:          time.Now,
	}
}

// connLock returns the mutex serializing sync passes for one connection.
func (o *Orchestrator) connLock(id models.UUID) *sync.Mutex {
	lock, _ := o.connLocks.LoadOrStore(id, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// dataTypeOf extracts the data type from an entity key ("steps/2024-01-02"
// carries data type "steps"). A key without a separator is its own type.
func dataTypeOf(entityKey string) string {
	if i := strings.IndexByte(entityKey, '/'); i > 0 {
		return entityKey[:i]
	}
	return entityKey
}

// encodeRecord serializes a record for cache storage and queue payloads.
func encodeRecord(rec *models.Record) []byte {
	data, _ := json.Marshal(rec)
	return data
}

// decodeRecord deserializes a cached or queued record.
func decodeRecord(data []byte) (*models.Record, error) {
	var rec models.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &rec, nil
}

// RecordLocalMutation caches a locally-originated value and queues its
// delivery to every export-enabled connection. The caller's primary flow is
// never blocked: queue and cache failures are absorbed internally.
func (o *Orchestrator) RecordLocalMutation(userID string, rec models.Record) {
	o.cache.Put(rec.EntityKey, encodeRecord(&rec))

	o.changeMu.Lock()
	o.localChanges[rec.EntityKey] = o.now().Unix()
	o.changeMu.Unlock()

	conns, err := o.reg.ListActive(userID)
	if err != nil {
		logging.Error("Failed to list connections for local mutation", err,
			map[string]interface{}{"entity_key": rec.EntityKey})
		return
	}

	for _, conn := range conns {
		if !o.exportEligible(conn.ID, dataTypeOf(rec.EntityKey)) {
			continue
		}
		o.queue.Enqueue(models.OperationKindDataSync, conn.ID.String(),
			encodeRecord(&rec), models.PriorityMedium)
	}
}

// SyncConnection runs one full sync pass for a connection. Failures are
// recorded in the connection's error counters and sync history; the returned
// error reports the outcome to the caller without aborting sibling passes.
func (o *Orchestrator) SyncConnection(ctx context.Context, userID string, connectionID models.UUID) error {
	lock := o.connLock(connectionID)
	lock.Lock()
	defer lock.Unlock()

	startedAt := o.now().Unix()

	conn, err := o.reg.Get(connectionID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNotFound, "connection not found", err)
	}
	if !conn.IsActive {
		return apperrors.New(apperrors.ErrConnectionInactive, "connection is not active")
	}

	adapter, err := o.adapters.GetRequired(conn.Provider)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "no adapter for provider", err)
	}

	configs, err := o.repo.ListSyncConfigs(connectionID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to load sync configs", err)
	}
	configByType := make(map[string]*models.SyncConfig, len(configs))
	for _, cfg := range configs {
		configByType[cfg.DataType] = cfg
	}

	pullCtx, cancel := context.WithTimeout(ctx, o.cfg.ProviderTimeout)
	records, err := adapter.Pull(pullCtx, userID)
	cancel()
	if err != nil {
		o.recordFailure(conn, startedAt, "pull failed", err)
		return err
	}

	applied := 0
	conflicts := 0
	unresolved := 0
	for _, rec := range records {
		cfg := configByType[dataTypeOf(rec.EntityKey)]
		if cfg != nil && (!cfg.IsEnabled || !cfg.Direction.IncludesImport()) {
			continue
		}

		outcome, err := o.reconcile(userID, conn, cfg, rec)
		if err != nil {
			logging.Error("Failed to reconcile pulled record", err,
				map[string]interface{}{"entity_key": rec.EntityKey, "provider": conn.Provider})
			continue
		}
		switch outcome {
		case reconcileApplied:
			applied++
		case reconcileConflictResolved:
			conflicts++
			applied++
		case reconcileConflictUnresolved:
			conflicts++
			unresolved++
		}
	}

	// Pull completed; only now may locally-changed entities be pushed back,
	// so stale state is never sent to the provider it was just pulled from.
	exported := o.enqueueLocalChanges(conn, configByType)

	finishedAt := o.now().Unix()
	if err := o.reg.MarkSynced(connectionID, time.Unix(finishedAt, 0)); err != nil {
		logging.Error("Failed to stamp connection sync time", err,
			map[string]interface{}{"connection_id": connectionID})
	}
	for _, cfg := range configs {
		if !cfg.IsEnabled {
			continue
		}
		if err := o.repo.UpdateSyncConfigLastSync(cfg.ID, finishedAt); err != nil {
			logging.Error("Failed to stamp sync config", err,
				map[string]interface{}{"config_id": cfg.ID})
		}
	}

	o.writeHistory(connectionID, startedAt, finishedAt, models.SyncStatusSuccess,
		fmt.Sprintf("pulled=%d applied=%d conflicts=%d unresolved=%d exported=%d",
			len(records), applied, conflicts, unresolved, exported))

	logging.Info("Connection synced",
		map[string]interface{}{
			"connection_id": connectionID,
			"provider":      conn.Provider,
			"pulled":        len(records),
			"applied":       applied,
			"conflicts":     conflicts,
			"unresolved":    unresolved,
			"exported":      exported,
		})

	return nil
}

type reconcileOutcome int

const (
	reconcileNoOp reconcileOutcome = iota
	reconcileApplied
	reconcileConflictResolved
	reconcileConflictUnresolved
)

// reconcile feeds one pulled record through the conflict resolver and applies
// the surviving version to the cache, fanning it out to other connections
// when it changed.
func (o *Orchestrator) reconcile(userID string, conn *models.Connection, cfg *models.SyncConfig, rec models.Record) (reconcileOutcome, error) {
	var local *models.Record
	if cached, ok := o.cache.Get(rec.EntityKey); ok {
		decoded, err := decodeRecord(cached)
		if err != nil {
			// A corrupt cache entry is evicted, not trusted.
			o.cache.Evict(rec.EntityKey)
		} else {
			local = decoded
		}
	}

	external := map[string]models.Record{conn.Provider: rec}
	resolution, err := o.resolver.Detect(rec.EntityKey, local, external)
	if err != nil {
		return reconcileNoOp, err
	}

	if resolution == nil {
		// No divergence. Cache the pulled version if we had nothing.
		if local == nil {
			o.cache.Put(rec.EntityKey, encodeRecord(&rec))
			return reconcileApplied, nil
		}
		return reconcileNoOp, nil
	}

	if !resolution.Resolved {
		// Unorderable versions are surfaced, never silently replaced.
		return reconcileConflictUnresolved, nil
	}

	winner := resolution.Winner
	o.cache.Put(winner.EntityKey, encodeRecord(winner))

	// Fan out an externally-won version to other export-enabled connections,
	// never back to the provider it came from. The superseded local change is
	// forgotten so it is not exported anywhere.
	if resolution.WinnerSource != conflict.LocalSource {
		o.changeMu.Lock()
		delete(o.localChanges, winner.EntityKey)
		o.changeMu.Unlock()

		o.fanOut(userID, conn.ID, winner)
	}

	return reconcileConflictResolved, nil
}

// fanOut queues delivery of a record to every other active export-enabled
// connection.
func (o *Orchestrator) fanOut(userID string, sourceConnID models.UUID, rec *models.Record) {
	conns, err := o.reg.ListActive(userID)
	if err != nil {
		logging.Error("Failed to list connections for fan-out", err,
			map[string]interface{}{"entity_key": rec.EntityKey})
		return
	}

	for _, other := range conns {
		if other.ID == sourceConnID {
			continue
		}
		if !o.exportEligible(other.ID, dataTypeOf(rec.EntityKey)) {
			continue
		}
		o.queue.Enqueue(models.OperationKindDataSync, other.ID.String(),
			encodeRecord(rec), models.PriorityMedium)
	}
}

// exportEligible reports whether a connection has an enabled export-direction
// config for the data type.
func (o *Orchestrator) exportEligible(connID models.UUID, dataType string) bool {
	configs, err := o.repo.ListSyncConfigs(connID)
	if err != nil {
		logging.Error("Failed to load sync configs", err,
			map[string]interface{}{"connection_id": connID})
		return false
	}
	for _, cfg := range configs {
		if cfg.DataType == dataType && cfg.IsEnabled && cfg.Direction.IncludesExport() {
			return true
		}
	}
	return false
}

// enqueueLocalChanges queues entities changed locally since the connection's
// last sync for delivery to this provider, honoring per-type direction.
// Returns the number of operations enqueued.
func (o *Orchestrator) enqueueLocalChanges(conn *models.Connection, configByType map[string]*models.SyncConfig) int {
	o.changeMu.Lock()
	changed := make([]string, 0, len(o.localChanges))
	for key, at := range o.localChanges {
		if at > conn.LastSyncAt {
			changed = append(changed, key)
		}
	}
	o.changeMu.Unlock()

	exported := 0
	for _, key := range changed {
		cfg := configByType[dataTypeOf(key)]
		if cfg == nil || !cfg.IsEnabled || !cfg.Direction.IncludesExport() {
			continue
		}
		cached, ok := o.cache.Get(key)
		if !ok {
			continue
		}
		o.queue.Enqueue(models.OperationKindDataSync, conn.ID.String(), cached, models.PriorityMedium)
		exported++
	}
	return exported
}

// recordFailure classifies an adapter failure, updates the connection's error
// counters and writes a failed history entry.
func (o *Orchestrator) recordFailure(conn *models.Connection, startedAt int64, detail string, cause error) {
	// Expired auth needs re-authentication, not a circuit trip.
	if apperrors.Is(cause, apperrors.ErrAuthExpired) {
		if err := o.reg.RecordSoftError(conn.ID); err != nil {
			logging.Error("Failed to record auth error", err,
				map[string]interface{}{"connection_id": conn.ID})
		}
	} else {
		if err := o.reg.RecordError(conn.ID); err != nil {
			logging.Error("Failed to record connection error", err,
				map[string]interface{}{"connection_id": conn.ID})
		}
	}

	o.writeHistory(conn.ID, startedAt, o.now().Unix(), models.SyncStatusFailed,
		fmt.Sprintf("%s: %v", detail, cause))

	logging.ErrorWithCode("Connection sync failed", string(apperrors.ErrSyncFailed), cause,
		map[string]interface{}{"connection_id": conn.ID, "provider": conn.Provider})
}

func (o *Orchestrator) writeHistory(connectionID models.UUID, startedAt, finishedAt int64, status models.SyncStatus, detail string) {
	entry := &models.SyncHistoryEntry{
		ConnectionID: connectionID,
		StartedAt:    startedAt,
		FinishedAt:   finishedAt,
		Status:       status,
		Detail:       detail,
	}
	if err := o.repo.CreateSyncHistoryEntry(entry); err != nil {
		logging.Error("Failed to write sync history", err,
			map[string]interface{}{"connection_id": connectionID})
	}
}

// SyncAll fans out to all due connections for a user with a bounded worker
// pool and returns a per-connection status map. Partial failure is expected
// and normal; one connection's failure never aborts the others.
// Cancelling ctx stops issuing new passes; in-flight passes finish or time
// out naturally.
func (o *Orchestrator) SyncAll(ctx context.Context, userID string) map[models.UUID]error {
	results := make(map[models.UUID]error)

	conns, err := o.dueConnections(userID)
	if err != nil {
		logging.Error("Failed to determine due connections", err,
			map[string]interface{}{"user_id": userID})
		return results
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, o.cfg.Workers)
	)

	for _, conn := range conns {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(id models.UUID) {
			defer wg.Done()
			defer func() { <-sem }()

			err := o.SyncConnection(ctx, userID, id)
			mu.Lock()
			results[id] = err
			mu.Unlock()
		}(conn.ID)
	}

	wg.Wait()
	return results
}

// dueConnections evaluates the scheduling decision for a user.
func (o *Orchestrator) dueConnections(userID string) ([]*models.Connection, error) {
	conns, err := o.reg.List(userID)
	if err != nil {
		return nil, err
	}

	configsByConn := make(map[models.UUID][]*models.SyncConfig, len(conns))
	for _, conn := range conns {
		cfgs, err := o.repo.ListSyncConfigs(conn.ID)
		if err != nil {
			return nil, err
		}
		configsByConn[conn.ID] = cfgs
	}

	pairings := scheduler.DuePairings(conns, configsByConn, o.now())

	seen := make(map[models.UUID]bool)
	var due []*models.Connection
	for _, p := range pairings {
		if seen[p.Connection.ID] {
			continue
		}
		seen[p.Connection.ID] = true
		due = append(due, p.Connection)
	}
	return due, nil
}

// PushExecutor returns the queue executor for data_sync operations: it
// resolves the target connection to its adapter and pushes the record.
// Registered under models.OperationKindDataSync at wiring time.
func PushExecutor(adapters *provider.Registry, connRepo db.ConnectionRepository, timeout time.Duration) queue.ExecutorFunc {
	return func(ctx context.Context, target string, payload []byte) error {
		rec, err := decodeRecord(payload)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrPermanentRejection, "malformed operation payload", err)
		}

		conn, err := connRepo.GetConnection(models.UUID(target))
		if err != nil {
			return apperrors.Wrap(apperrors.ErrPermanentRejection, "unknown target connection", err)
		}

		adapter, err := adapters.GetRequired(conn.Provider)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrPermanentRejection, "no adapter for target", err)
		}

		pushCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		outcome, err := adapter.Push(pushCtx, conn.UserID, []models.Record{*rec})
		if err != nil {
			return err
		}
		if !outcome.OK() {
			reason := outcome.Failed[rec.EntityKey]
			return apperrors.New(apperrors.ErrPermanentRejection, "provider rejected record: "+reason)
		}
		return nil
	}
}
