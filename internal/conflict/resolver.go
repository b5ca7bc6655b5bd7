// Package conflict provides conflict detection and resolution for
// multi-source reconciliation.
package conflict

import (
	"bytes"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/vitalstream/healthsync/internal/db"
	apperrors "github.com/vitalstream/healthsync/internal/errors"
	"github.com/vitalstream/healthsync/internal/logging"
	"github.com/vitalstream/healthsync/internal/models"
)

// LocalSource names the local side in a resolution outcome.
const LocalSource = "local"

// Resolution is the outcome of detecting divergence for one entity.
type Resolution struct {
	// Record is the persisted conflict audit record.
	Record *models.ConflictRecord

	// Resolved reports whether the default policy could order the versions.
	Resolved bool

	// WinnerSource is LocalSource or the winning provider name.
	WinnerSource string

	// Winner is the surviving version. Nil when unresolved.
	Winner *models.Record
}

// Resolver detects divergent versions of a logical entity and records the
// decision. Detection itself is a pure function over its inputs; only the
// audit trail touches storage.
type Resolver struct {
	repo db.ConflictRepository

	// now is swappable for tests.
	now func() time.Time
}

// NewResolver creates a Resolver persisting its audit trail through repo.
func NewResolver(repo db.ConflictRepository) *Resolver {
	return &Resolver{
		repo: repo,
		now:  time.Now,
	}
}

// Detect compares the local version of an entity against the versions pulled
// from each provider within one reconciliation pass. Returns nil when all
// observed versions are identical or only one version exists.
//
// When versions diverge, a ConflictRecord is persisted. If every version
// carries a comparable timestamp the conflict is auto-resolved
// last-writer-wins; otherwise it stays unresolved and surfaced — a version
// that cannot be ordered is never silently discarded.
func (r *Resolver) Detect(entityKey string, local *models.Record, external map[string]models.Record) (*Resolution, error) {
	if !diverged(local, external) {
		return nil, nil
	}

	rec := &models.ConflictRecord{
		EntityKey:        entityKey,
		ExternalVersions: make(map[string][]byte, len(external)),
		CreatedAt:        r.now().Unix(),
	}
	if local != nil {
		rec.LocalVersion = local.Payload
	}
	for name, v := range external {
		rec.ExternalVersions[name] = v.Payload
	}

	source, winner, ok := Decide(local, external)
	if ok {
		rec.IsResolved = true
		rec.ResolvedAt = r.now().Unix()
		rec.ResolutionData = winner.Payload
		if source == LocalSource {
			rec.ResolvedBy = models.ResolvedByLocal
		} else {
			rec.ResolvedBy = models.ResolvedByExternal
		}
	}

	if err := r.repo.CreateConflictRecord(rec); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to persist conflict record", err)
	}

	res := &Resolution{Record: rec, Resolved: ok, WinnerSource: source}
	if ok {
		w := *winner
		res.Winner = &w
		logging.Info("Conflict auto-resolved last-writer-wins",
			map[string]interface{}{
				"entity_key":    entityKey,
				"winner_source": source,
				"conflict_id":   rec.ID,
			})
	} else {
		logging.ErrorWithCode("Conflict could not be ordered, surfaced unresolved",
			string(apperrors.ErrConflictUnresolved), nil,
			map[string]interface{}{"entity_key": entityKey, "conflict_id": rec.ID})
	}

	return res, nil
}

// diverged reports whether more than one non-identical version exists.
func diverged(local *models.Record, external map[string]models.Record) bool {
	var reference []byte
	haveReference := false

	consider := func(payload []byte) bool {
		if !haveReference {
			reference = payload
			haveReference = true
			return false
		}
		return !bytes.Equal(reference, payload)
	}

	if local != nil {
		consider(local.Payload)
	}
	for _, name := range sortedProviders(external) {
		v := external[name]
		if consider(v.Payload) {
			return true
		}
	}
	return false
}

// Decide picks the surviving version last-writer-wins by observation
// timestamp. It is deterministic: the same inputs always yield the same
// winner. Returns ok=false when any version lacks a timestamp, in which case
// no version may be discarded.
func Decide(local *models.Record, external map[string]models.Record) (source string, winner *models.Record, ok bool) {
	if local != nil {
		if local.ObservedAt == 0 {
			return "", nil, false
		}
		source = LocalSource
		winner = local
	}

	for _, name := range sortedProviders(external) {
		v := external[name]
		if v.ObservedAt == 0 {
			return "", nil, false
		}
		// Strictly newer wins; ties keep the earlier candidate, which makes
		// local win over any equal-timestamp external version.
		if winner == nil || v.ObservedAt > winner.ObservedAt {
			vv := v
			source = name
			winner = &vv
		}
	}

	if winner == nil {
		return "", nil, false
	}
	return source, winner, true
}

func sortedProviders(external map[string]models.Record) []string {
	names := make([]string, 0, len(external))
	for name := range external {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve applies a manual resolution policy to a persisted conflict.
// Idempotent: resolving an already-resolved conflict with the same policy is
// a no-op; a different policy overwrites the outcome and updates ResolvedAt.
// A nonexistent conflict ID is a contract violation and a hard failure.
func (r *Resolver) Resolve(conflictID models.UUID, policy models.ResolvedBy, resolutionData []byte) error {
	rec, err := r.repo.GetConflictRecord(conflictID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.New(apperrors.ErrNotFound, "conflict not found: "+conflictID.String())
		}
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to load conflict", err)
	}

	if rec.IsResolved && rec.ResolvedBy == policy {
		return nil
	}

	rec.IsResolved = true
	rec.ResolvedBy = policy
	rec.ResolvedAt = r.now().Unix()
	rec.ResolutionData = resolutionData
	if resolutionData == nil {
		rec.ResolutionData = defaultResolutionData(rec, policy)
	}

	if err := r.repo.UpdateConflictResolution(rec); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to persist resolution", err)
	}

	logging.Info("Conflict manually resolved",
		map[string]interface{}{"conflict_id": conflictID, "policy": policy})

	return nil
}

// defaultResolutionData picks the surviving payload implied by the policy
// when the caller supplied none.
func defaultResolutionData(rec *models.ConflictRecord, policy models.ResolvedBy) []byte {
	if policy == models.ResolvedByLocal {
		return rec.LocalVersion
	}
	names := make([]string, 0, len(rec.ExternalVersions))
	for name := range rec.ExternalVersions {
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	return rec.ExternalVersions[names[0]]
}

// ListUnresolved returns the conflicts still needing attention. Resolved
// records remain queryable through the repository for audit.
func (r *Resolver) ListUnresolved() ([]*models.ConflictRecord, error) {
	return r.repo.ListUnresolvedConflicts()
}
