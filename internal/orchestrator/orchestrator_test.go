package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalstream/healthsync/internal/cache"
	"github.com/vitalstream/healthsync/internal/conflict"
	"github.com/vitalstream/healthsync/internal/db"
	apperrors "github.com/vitalstream/healthsync/internal/errors"
	"github.com/vitalstream/healthsync/internal/models"
	"github.com/vitalstream/healthsync/internal/provider"
	"github.com/vitalstream/healthsync/internal/queue"
	"github.com/vitalstream/healthsync/internal/registry"
)

// fakeAdapter is a scriptable provider.Adapter.
type fakeAdapter struct {
	name    string
	pull    []models.Record
	pullErr error

	mu      sync.Mutex
	pushed  []models.Record
	pushErr error
	reject  map[string]string
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Pull(ctx context.Context, userID string) ([]models.Record, error) {
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return f.pull, nil
}

func (f *fakeAdapter) Push(ctx context.Context, userID string, records []models.Record) (*provider.PushOutcome, error) {
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	f.mu.Lock()
	f.pushed = append(f.pushed, records...)
	f.mu.Unlock()

	outcome := &provider.PushOutcome{Failed: map[string]string{}}
	for _, rec := range records {
		if reason, rejected := f.reject[rec.EntityKey]; rejected {
			outcome.Failed[rec.EntityKey] = reason
			continue
		}
		outcome.Succeeded = append(outcome.Succeeded, rec.EntityKey)
	}
	return outcome, nil
}

// harness bundles a fully wired engine over an in-memory database.
type harness struct {
	repo     *db.Repository
	reg      *registry.Registry
	adapters *provider.Registry
	store    *cache.Store
	queue    *queue.Queue
	orch     *Orchestrator
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	d, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, db.NewMigrator(d.DB).Up())

	repo := db.NewRepository(d.DB)
	reg := registry.NewRegistry(repo)
	adapters := provider.NewRegistry()
	store := cache.NewStore(time.Hour)
	q := queue.NewQueue(repo, repo, queue.NewExecutorRegistry(), queue.DefaultConfig())
	resolver := conflict.NewResolver(repo)

	orch := NewOrchestrator(repo, reg, adapters, resolver, store, q, Config{
		ProviderTimeout: time.Second,
		Workers:         2,
	})

	h := &harness{
		repo:     repo,
		reg:      reg,
		adapters: adapters,
		store:    store,
		queue:    q,
		orch:     orch,
		now:      time.Unix(1_700_000_000, 0),
	}
	orch.now = func() time.Time { return h.now }
	return h
}

// link creates an active connection with one bidirectional metrics config.
func (h *harness) link(t *testing.T, providerName string) *models.Connection {
	t.Helper()

	conn, err := h.reg.Link("local", providerName)
	require.NoError(t, err)
	require.NoError(t, h.repo.CreateSyncConfig(&models.SyncConfig{
		ConnectionID:     conn.ID,
		DataType:         "metrics",
		Direction:        models.SyncDirectionBidirectional,
		IsEnabled:        true,
		FrequencyMinutes: 60,
	}))
	return conn
}

func (h *harness) cacheRecord(rec models.Record) {
	h.store.Put(rec.EntityKey, encodeRecord(&rec))
}

func (h *harness) cachedRecord(t *testing.T, key string) *models.Record {
	t.Helper()
	data, ok := h.store.Get(key)
	require.True(t, ok, "expected %s cached", key)
	rec, err := decodeRecord(data)
	require.NoError(t, err)
	return rec
}

const stepsKey = "metrics/2026-08-29/steps"

func TestSyncConnectionExternalNewerWinsAndFansOut(t *testing.T) {
	h := newHarness(t)

	connA := h.link(t, "fitsync")
	connB := h.link(t, "stridekeeper")

	// Local V1 observed at t=10; provider A reports V2 at t=20.
	h.cacheRecord(models.Record{EntityKey: stepsKey, Payload: []byte(`{"steps":10000}`), ObservedAt: 10})
	require.NoError(t, h.adapters.Register(&fakeAdapter{
		name: "fitsync",
		pull: []models.Record{{EntityKey: stepsKey, Payload: []byte(`{"steps":12000}`), ObservedAt: 20}},
	}))
	require.NoError(t, h.adapters.Register(&fakeAdapter{name: "stridekeeper"}))

	require.NoError(t, h.orch.SyncConnection(context.Background(), "local", connA.ID))

	// V2 survives in the cache.
	got := h.cachedRecord(t, stepsKey)
	assert.Equal(t, []byte(`{"steps":12000}`), got.Payload)
	assert.Equal(t, int64(20), got.ObservedAt)

	// The winning version is queued for B only, never back to A.
	ops, err := h.repo.ListQueuedOperations()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, connB.ID.String(), ops[0].Target)
	assert.Equal(t, models.OperationKindDataSync, ops[0].Kind)
	queued, err := decodeRecord(ops[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"steps":12000}`), queued.Payload)

	// The conflict left an audit trail, already resolved.
	unresolved, err := h.repo.ListUnresolvedConflicts()
	require.NoError(t, err)
	assert.Empty(t, unresolved)

	// Connection and config are stamped; history records the pass.
	refreshed, err := h.reg.Get(connA.ID)
	require.NoError(t, err)
	assert.Equal(t, h.now.Unix(), refreshed.LastSyncAt)

	history, err := h.repo.ListSyncHistory(connA.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.SyncStatusSuccess, history[0].Status)
	assert.Contains(t, history[0].Detail, "pulled=1")
	assert.Contains(t, history[0].Detail, "conflicts=1")
	assert.Contains(t, history[0].Detail, "unresolved=0")
}

func TestSyncConnectionLocalNewerSurvives(t *testing.T) {
	h := newHarness(t)

	connA := h.link(t, "fitsync")

	h.cacheRecord(models.Record{EntityKey: stepsKey, Payload: []byte(`{"steps":13000}`), ObservedAt: 30})
	require.NoError(t, h.adapters.Register(&fakeAdapter{
		name: "fitsync",
		pull: []models.Record{{EntityKey: stepsKey, Payload: []byte(`{"steps":12000}`), ObservedAt: 20}},
	}))

	require.NoError(t, h.orch.SyncConnection(context.Background(), "local", connA.ID))

	got := h.cachedRecord(t, stepsKey)
	assert.Equal(t, []byte(`{"steps":13000}`), got.Payload, "newer local version survives")

	// A locally-won conflict fans nothing out.
	ops, err := h.repo.ListQueuedOperations()
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestSyncConnectionUnorderableConflictSurfaced(t *testing.T) {
	h := newHarness(t)

	connA := h.link(t, "fitsync")

	h.cacheRecord(models.Record{EntityKey: stepsKey, Payload: []byte(`{"steps":10000}`), ObservedAt: 10})
	require.NoError(t, h.adapters.Register(&fakeAdapter{
		name: "fitsync",
		pull: []models.Record{{EntityKey: stepsKey, Payload: []byte(`{"steps":12000}`)}}, // no timestamp
	}))

	require.NoError(t, h.orch.SyncConnection(context.Background(), "local", connA.ID))

	// Cache keeps the local version; the conflict waits for a human.
	got := h.cachedRecord(t, stepsKey)
	assert.Equal(t, []byte(`{"steps":10000}`), got.Payload)

	unresolved, err := h.repo.ListUnresolvedConflicts()
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.Equal(t, stepsKey, unresolved[0].EntityKey)

	history, err := h.repo.ListSyncHistory(connA.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Detail, "unresolved=1")
}

func TestSyncConnectionFirstPullPopulatesCache(t *testing.T) {
	h := newHarness(t)

	connA := h.link(t, "fitsync")
	require.NoError(t, h.adapters.Register(&fakeAdapter{
		name: "fitsync",
		pull: []models.Record{{EntityKey: stepsKey, Payload: []byte(`{"steps":9000}`), ObservedAt: 5}},
	}))

	require.NoError(t, h.orch.SyncConnection(context.Background(), "local", connA.ID))

	got := h.cachedRecord(t, stepsKey)
	assert.Equal(t, []byte(`{"steps":9000}`), got.Payload)

	history, err := h.repo.ListSyncHistory(connA.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Detail, "applied=1")
	assert.Contains(t, history[0].Detail, "conflicts=0")
}

func TestSyncConnectionInactive(t *testing.T) {
	h := newHarness(t)

	connA := h.link(t, "fitsync")
	require.NoError(t, h.reg.ToggleActive(connA.ID, false))

	err := h.orch.SyncConnection(context.Background(), "local", connA.ID)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConnectionInactive))
}

func TestSyncConnectionPullFailureOpensCounters(t *testing.T) {
	h := newHarness(t)

	connA := h.link(t, "fitsync")
	require.NoError(t, h.adapters.Register(&fakeAdapter{
		name:    "fitsync",
		pullErr: provider.ErrUnavailable,
	}))

	err := h.orch.SyncConnection(context.Background(), "local", connA.ID)
	require.Error(t, err)

	refreshed, err := h.reg.Get(connA.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, refreshed.ErrorCount)
	assert.Equal(t, 1, refreshed.TotalErrors)

	history, err := h.repo.ListSyncHistory(connA.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.SyncStatusFailed, history[0].Status)
}

func TestSyncConnectionAuthExpiredDoesNotTripCircuit(t *testing.T) {
	h := newHarness(t)

	connA := h.link(t, "fitsync")
	require.NoError(t, h.adapters.Register(&fakeAdapter{
		name:    "fitsync",
		pullErr: provider.ErrAuthExpired,
	}))

	err := h.orch.SyncConnection(context.Background(), "local", connA.ID)
	require.Error(t, err)

	refreshed, err := h.reg.Get(connA.ID)
	require.NoError(t, err)
	assert.Zero(t, refreshed.ErrorCount, "expired auth is not a circuit failure")
	assert.Equal(t, 1, refreshed.TotalErrors)
	assert.NotZero(t, refreshed.LastErrorAt)
}

func TestRecordLocalMutationQueuesExportEligibleOnly(t *testing.T) {
	h := newHarness(t)

	exportConn := h.link(t, "fitsync")
	importOnly, err := h.reg.Link("local", "stridekeeper")
	require.NoError(t, err)
	require.NoError(t, h.repo.CreateSyncConfig(&models.SyncConfig{
		ConnectionID:     importOnly.ID,
		DataType:         "metrics",
		Direction:        models.SyncDirectionImportOnly,
		IsEnabled:        true,
		FrequencyMinutes: 60,
	}))

	rec := models.Record{EntityKey: stepsKey, Payload: []byte(`{"steps":11000}`), ObservedAt: 40}
	h.orch.RecordLocalMutation("local", rec)

	// The value is cached immediately.
	got := h.cachedRecord(t, stepsKey)
	assert.Equal(t, []byte(`{"steps":11000}`), got.Payload)

	// Only the export-capable connection gets a delivery operation.
	ops, err := h.repo.ListQueuedOperations()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, exportConn.ID.String(), ops[0].Target)
}

func TestSyncAllPartialFailure(t *testing.T) {
	h := newHarness(t)

	good := h.link(t, "fitsync")
	bad := h.link(t, "stridekeeper")

	require.NoError(t, h.adapters.Register(&fakeAdapter{
		name: "fitsync",
		pull: []models.Record{{EntityKey: stepsKey, Payload: []byte(`{"steps":9000}`), ObservedAt: 5}},
	}))
	require.NoError(t, h.adapters.Register(&fakeAdapter{
		name:    "stridekeeper",
		pullErr: provider.ErrUnavailable,
	}))

	results := h.orch.SyncAll(context.Background(), "local")
	require.Len(t, results, 2)
	assert.NoError(t, results[good.ID])
	assert.Error(t, results[bad.ID])

	// The healthy connection finished its pass despite the sibling failure.
	refreshed, err := h.reg.Get(good.ID)
	require.NoError(t, err)
	assert.Equal(t, h.now.Unix(), refreshed.LastSyncAt)
}

func TestSyncAllSkipsCircuitOpenConnections(t *testing.T) {
	h := newHarness(t)

	tripped := h.link(t, "fitsync")
	for i := 0; i < registry.ErrorThreshold; i++ {
		require.NoError(t, h.reg.RecordError(tripped.ID))
	}

	require.NoError(t, h.adapters.Register(&fakeAdapter{name: "fitsync"}))

	results := h.orch.SyncAll(context.Background(), "local")
	assert.Empty(t, results, "a tripped connection is not scheduled")
}

func TestSyncAllCancelledContextIssuesNothing(t *testing.T) {
	h := newHarness(t)

	h.link(t, "fitsync")
	require.NoError(t, h.adapters.Register(&fakeAdapter{name: "fitsync"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := h.orch.SyncAll(ctx, "local")
	assert.Empty(t, results)
}

func TestPushExecutorDeliversRecord(t *testing.T) {
	h := newHarness(t)

	connA := h.link(t, "fitsync")
	adapter := &fakeAdapter{name: "fitsync"}
	require.NoError(t, h.adapters.Register(adapter))

	exec := PushExecutor(h.adapters, h.repo, time.Second)

	rec := models.Record{EntityKey: stepsKey, Payload: []byte(`{"steps":9000}`), ObservedAt: 5}
	err := exec(context.Background(), connA.ID.String(), encodeRecord(&rec))
	require.NoError(t, err)

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	require.Len(t, adapter.pushed, 1)
	assert.Equal(t, stepsKey, adapter.pushed[0].EntityKey)
}

func TestPushExecutorClassifiesFailures(t *testing.T) {
	h := newHarness(t)

	connA := h.link(t, "fitsync")
	exec := PushExecutor(h.adapters, h.repo, time.Second)
	rec := models.Record{EntityKey: stepsKey, Payload: []byte(`{"steps":9000}`), ObservedAt: 5}

	// Malformed payload: permanent, not worth a retry.
	err := exec(context.Background(), connA.ID.String(), []byte("not json"))
	assert.True(t, apperrors.Is(err, apperrors.ErrPermanentRejection))

	// Unknown target connection: permanent.
	err = exec(context.Background(), "00000000-0000-4000-8000-000000000000", encodeRecord(&rec))
	assert.True(t, apperrors.Is(err, apperrors.ErrPermanentRejection))

	// No adapter registered for the provider: permanent.
	err = exec(context.Background(), connA.ID.String(), encodeRecord(&rec))
	assert.True(t, apperrors.Is(err, apperrors.ErrPermanentRejection))

	// Transport failure passes through retryable.
	require.NoError(t, h.adapters.Register(&fakeAdapter{name: "fitsync", pushErr: provider.ErrUnavailable}))
	err = exec(context.Background(), connA.ID.String(), encodeRecord(&rec))
	assert.True(t, apperrors.Retryable(err))

	// Per-record rejection by the provider: permanent.
	require.True(t, h.adapters.Remove("fitsync"))
	require.NoError(t, h.adapters.Register(&fakeAdapter{
		name:   "fitsync",
		reject: map[string]string{stepsKey: "schema mismatch"},
	}))
	err = exec(context.Background(), connA.ID.String(), encodeRecord(&rec))
	assert.True(t, apperrors.Is(err, apperrors.ErrPermanentRejection))
}

func TestLocalChangesExportedAfterPull(t *testing.T) {
	h := newHarness(t)

	connA := h.link(t, "fitsync")
	require.NoError(t, h.adapters.Register(&fakeAdapter{name: "fitsync"}))

	// A local mutation on a fresh engine queues one delivery and marks the
	// entity changed.
	rec := models.Record{EntityKey: stepsKey, Payload: []byte(`{"steps":11000}`), ObservedAt: 40}
	h.orch.RecordLocalMutation("local", rec)

	ops, err := h.repo.ListQueuedOperations()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, connA.ID.String(), ops[0].Target)

	// The next sync pass re-exports the still-pending change to this
	// connection after its pull completed.
	require.NoError(t, h.orch.SyncConnection(context.Background(), "local", connA.ID))

	history, err := h.repo.ListSyncHistory(connA.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Detail, "exported=1")
}

func TestSyncConnectionSerializedPerConnection(t *testing.T) {
	h := newHarness(t)

	connA := h.link(t, "fitsync")

	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	require.NoError(t, h.adapters.Register(&blockingAdapter{name: "fitsync", entered: entered, release: release}))

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			h.orch.SyncConnection(context.Background(), "local", connA.ID)
			done <- struct{}{}
		}()
	}

	// Only one pass may reach the adapter while the other waits on the
	// connection lock.
	<-entered
	select {
	case <-entered:
		t.Fatal("Expected second pass blocked on the connection lock")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-done
	<-done
}

// blockingAdapter parks Pull until released, to observe lock serialization.
type blockingAdapter struct {
	name    string
	entered chan struct{}
	release chan struct{}
}

func (b *blockingAdapter) Name() string { return b.name }

func (b *blockingAdapter) Pull(ctx context.Context, userID string) ([]models.Record, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil, nil
}

func (b *blockingAdapter) Push(ctx context.Context, userID string, records []models.Record) (*provider.PushOutcome, error) {
	return &provider.PushOutcome{}, nil
}
