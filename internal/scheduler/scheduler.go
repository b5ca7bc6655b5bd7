// Package scheduler decides which provider connections are due for a sync
// pass and drives periodic execution.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/vitalstream/healthsync/internal/db"
	apperrors "github.com/vitalstream/healthsync/internal/errors"
	"github.com/vitalstream/healthsync/internal/logging"
	"github.com/vitalstream/healthsync/internal/models"
	"github.com/vitalstream/healthsync/internal/queue"
	"github.com/vitalstream/healthsync/internal/registry"
)

// DuePairing is one (connection, data type) unit of work handed to the
// orchestrator. Pairings for different connections may run concurrently;
// pairings for the same connection are serialized by the orchestrator.
type DuePairing struct {
	Connection *models.Connection
	Config     *models.SyncConfig
}

// DuePairings is the pure scheduling decision: given current state and a
// clock reading, it returns the pairings eligible for an automatic sync pass.
// It performs no I/O, making it independently testable.
//
// A pairing is due when the config is enabled, the connection is active with
// auto-sync on, the circuit is closed, and the configured frequency has
// elapsed since the last sync (or it never synced).
func DuePairings(conns []*models.Connection, configsByConn map[models.UUID][]*models.SyncConfig, now time.Time) []DuePairing {
	var due []DuePairing
	for _, conn := range conns {
		if !conn.IsActive || !conn.AutoSyncEnabled {
			continue
		}
		if registry.IsCircuitOpen(conn) {
			continue
		}
		for _, cfg := range configsByConn[conn.ID] {
			if !cfg.IsEnabled {
				continue
			}
			if cfg.LastSyncAt != 0 {
				elapsed := now.Unix() - cfg.LastSyncAt
				if elapsed < int64(cfg.FrequencyMinutes)*60 {
					continue
				}
			}
			due = append(due, DuePairing{Connection: conn, Config: cfg})
		}
	}
	return due
}

// SyncRunner executes sync passes; implemented by the orchestrator.
type SyncRunner interface {
	// SyncAll fans out to all due connections for a user. Partial failure is
	// expected and reported per connection, not as an error.
	SyncAll(ctx context.Context, userID string) map[models.UUID]error
}

// Config holds scheduler configuration.
type Config struct {
	SyncInterval  time.Duration // how often to check for due connections
	QueueInterval time.Duration // how often to drain the operation queue
	SyncTimeout   time.Duration // budget for one full sync pass
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		SyncInterval:  15 * time.Minute,
		QueueInterval: time.Minute,
		SyncTimeout:   5 * time.Minute,
	}
}

// Scheduler runs periodic sync passes and queue drains for one local user.
type Scheduler struct {
	userID  string
	reg     *registry.Registry
	configs db.SyncConfigRepository
	runner  SyncRunner
	queue   *queue.Queue
	cfg     Config

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu             sync.RWMutex
	isRunning      bool
	isOnline       bool
	lastSyncTime   time.Time
	syncInProgress bool

	// now is swappable for tests.
	now func() time.Time
}

// NewScheduler creates a Scheduler. A zero Config field falls back to its
// default.
func NewScheduler(userID string, reg *registry.Registry, configs db.SyncConfigRepository, runner SyncRunner, q *queue.Queue, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.QueueInterval <= 0 {
		cfg.QueueInterval = def.QueueInterval
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = def.SyncTimeout
	}

	return &Scheduler{
		userID:   userID,
		reg:      reg,
		configs:  configs,
		runner:   runner,
		queue:    q,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
		isOnline: true, // assume online initially
		now:      time.Now,
	}
}

// Due loads current state and returns the pairings eligible for an automatic
// sync pass at now.
func (s *Scheduler) Due(now time.Time) ([]DuePairing, error) {
	conns, err := s.reg.List(s.userID)
	if err != nil {
		return nil, err
	}

	configsByConn := make(map[models.UUID][]*models.SyncConfig, len(conns))
	for _, conn := range conns {
		cfgs, err := s.configs.ListSyncConfigs(conn.ID)
		if err != nil {
			return nil, err
		}
		configsByConn[conn.ID] = cfgs
	}

	return DuePairings(conns, configsByConn, now), nil
}

// DueConnections returns the distinct connections with at least one due
// pairing.
func (s *Scheduler) DueConnections(now time.Time) ([]*models.Connection, error) {
	pairings, err := s.Due(now)
	if err != nil {
		return nil, err
	}

	seen := make(map[models.UUID]bool)
	var conns []*models.Connection
	for _, p := range pairings {
		if seen[p.Connection.ID] {
			continue
		}
		seen[p.Connection.ID] = true
		conns = append(conns, p.Connection)
	}
	return conns, nil
}

// Start starts the background loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.periodicSyncLoop(ctx)
	go s.queueDrainLoop(ctx)

	logging.Info("Sync scheduler started",
		map[string]interface{}{"user_id": s.userID})
}

// Stop stops the background loops gracefully, waiting for in-flight work.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Sync scheduler stopped", nil)
}

// SetOnlineStatus changes the online status. When offline, no sync passes or
// queue drains are attempted.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	s.queue.SetOnline(isOnline)

	if wasOnline != isOnline {
		logging.Info("Online status changed",
			map[string]interface{}{"was_online": wasOnline, "is_online": isOnline})
	}
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the background loops are running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			s.runSync(ctx)
		}
	}
}

func (s *Scheduler) queueDrainLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.QueueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			// DrainDue is itself a no-op when offline.
			if n := s.queue.DrainDue(ctx); n > 0 {
				logging.Info("Queue drain delivered operations",
					map[string]interface{}{"delivered": n})
			}
		}
	}
}

// runSync executes one sync pass, skipping if one is already in flight.
func (s *Scheduler) runSync(ctx context.Context) {
	s.mu.Lock()
	if s.syncInProgress {
		s.mu.Unlock()
		logging.Debug("Sync already in progress, skipping", nil)
		return
	}
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
	defer cancel()

	results := s.runner.SyncAll(syncCtx, s.userID)

	failed := 0
	for _, err := range results {
		if err != nil {
			failed++
		}
	}
	if failed > 0 {
		logging.ErrorWithCode("Sync pass finished with failures",
			string(apperrors.ErrSyncFailed), nil,
			map[string]interface{}{"connections": len(results), "failed": failed})
	} else {
		logging.Info("Sync pass completed",
			map[string]interface{}{"connections": len(results)})
	}

	s.mu.Lock()
	s.lastSyncTime = s.now()
	s.mu.Unlock()
}

// TriggerSync triggers an immediate sync pass and waits for completion.
// Returns false if a pass was already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.RLock()
	inProgress := s.syncInProgress
	s.mu.RUnlock()

	if inProgress {
		return false
	}
	s.runSync(ctx)
	return true
}

// Status describes the scheduler's current state.
type Status struct {
	IsRunning      bool
	IsOnline       bool
	LastSyncTime   *time.Time
	SyncInProgress bool
	QueueStats     map[string]int
}

// GetStatus returns the current scheduler status.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.syncInProgress,
		QueueStats:     s.queue.Stats(),
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	return status
}
