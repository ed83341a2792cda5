package entitystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/internal/startup"
	"github.com/Ramsey-B/clover/internal/tracing"
	"github.com/Ramsey-B/clover/pkg/fingerprint"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
)

// Config bounds every store call made by the manager
type Config struct {
	Timeout      time.Duration // per attempt
	MaxRetries   int           // retries after the first attempt
	RetryBackoff time.Duration // fibonacci unit between attempts
}

func DefaultConfig() Config {
	return Config{
		Timeout:      5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 50 * time.Millisecond,
	}
}

// Result describes what a write did to a golden entity
type Result struct {
	Entity  *models.GoldenEntity
	Created bool
	// Changed is false when the record was already part of the entity.
	Changed bool
	// OwnedBy is set when the record belongs to a different entity, which is returned in Entity.
	OwnedBy string
}

// Manager is the only writer of golden entities.
type Manager struct {
	logger ectologger.Logger
	store  Store
	merger *merging.Merger
	config Config
}

func NewManager(store Store, merger *merging.Merger, config Config, logger ectologger.Logger) *Manager {
	return &Manager{
		logger: logger,
		store:  store,
		merger: merger,
		config: config,
	}
}

func (m *Manager) Store() Store {
	return m.store
}

// AssignID returns the deterministic id for a record, or a random one when the
// record has neither email nor phone.
func (m *Manager) AssignID(ctx context.Context, rec *models.StandardizedRecord) (string, bool) {
	id, deterministic := fingerprint.EntityID(rec)
	if !deterministic {
		m.logger.WithContext(ctx).WithFields(map[string]any{
			"source_record_id": rec.SourceRecordID,
			"source_system":    rec.SourceSystem,
			"entity_id":        id,
		}).Warn("Record has no email or phone, assigned a random entity id")
	}
	return id, deterministic
}

// CreateOrMerge inserts the entity for a record or, when the id already exists,
// fills its empty fields from the record. Existing values are never overwritten.
func (m *Manager) CreateOrMerge(ctx context.Context, entityID string, rec *models.StandardizedRecord, path models.ProcessingPath) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "entitystore.Manager.CreateOrMerge")
	defer span.End()

	log := m.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_id":        entityID,
		"source_record_id": rec.SourceRecordID,
	})

	if owned, err := m.ownedElsewhere(ctx, entityID, rec.SourceRecordID); owned != nil || err != nil {
		return owned, err
	}

	updatedPath := path
	if path == models.ProcessingPathStream {
		updatedPath = models.ProcessingPathStreamUpdated
	}

	var result *Result
	err := m.withRetry(ctx, "create_or_merge", func(ctx context.Context) error {
		result = &Result{}
		stored, err := m.store.RunInTx(ctx, entityID, func(current *models.GoldenEntity) (*models.GoldenEntity, error) {
			if current == nil {
				result.Created, result.Changed = true, true
				return m.merger.NewEntity(entityID, rec, path), nil
			}
			if !m.merger.Apply(current, rec, merging.FillMissing, updatedPath) {
				return nil, nil
			}
			result.Changed = true
			return current, nil
		})
		result.Entity = stored
		return err
	})
	if err != nil {
		return m.ownershipResult(ctx, err)
	}

	log.WithFields(map[string]any{
		"created": result.Created,
		"changed": result.Changed,
		"version": result.Entity.Version,
	}).Debug("Create or merge committed")

	return result, nil
}

// MergeInto folds a record into an existing entity using survivorship.
func (m *Manager) MergeInto(ctx context.Context, entityID string, rec *models.StandardizedRecord, path models.ProcessingPath) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "entitystore.Manager.MergeInto")
	defer span.End()

	if owned, err := m.ownedElsewhere(ctx, entityID, rec.SourceRecordID); owned != nil || err != nil {
		return owned, err
	}

	var result *Result
	err := m.withRetry(ctx, "merge_into", func(ctx context.Context) error {
		result = &Result{}
		stored, err := m.store.RunInTx(ctx, entityID, func(current *models.GoldenEntity) (*models.GoldenEntity, error) {
			if current == nil {
				return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
			}
			if !m.merger.Apply(current, rec, merging.Survivorship, path) {
				return nil, nil
			}
			result.Changed = true
			return current, nil
		})
		result.Entity = stored
		return err
	})
	if err != nil {
		return m.ownershipResult(ctx, err)
	}

	m.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_id":        entityID,
		"source_record_id": rec.SourceRecordID,
		"changed":          result.Changed,
		"source_count":     result.Entity.SourceRecordCount,
	}).Debug("Merged record into entity")

	return result, nil
}

// UpsertCluster writes a batch-built entity, replacing any previous version.
func (m *Manager) UpsertCluster(ctx context.Context, entity *models.GoldenEntity) (*models.GoldenEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "entitystore.Manager.UpsertCluster")
	defer span.End()

	var stored *models.GoldenEntity
	err := m.withRetry(ctx, "upsert_cluster", func(ctx context.Context) error {
		var err error
		stored, err = m.store.Rebuild(ctx, entity)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (m *Manager) Get(ctx context.Context, entityID string) (*models.GoldenEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "entitystore.Manager.Get")
	defer span.End()

	var entity *models.GoldenEntity
	err := m.withRetry(ctx, "get", func(ctx context.Context) error {
		var err error
		entity, err = m.store.Get(ctx, entityID)
		return err
	})
	return entity, err
}

// Search returns entities matching the lookup, ordered by entity id.
func (m *Manager) Search(ctx context.Context, lookup models.EntityLookup, limit int) ([]*models.GoldenEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "entitystore.Manager.Search")
	defer span.End()

	var found []*models.GoldenEntity
	err := m.withRetry(ctx, "search", func(ctx context.Context) error {
		var err error
		found, err = m.store.Search(ctx, lookup, limit)
		return err
	})
	return found, err
}

// ListAudits returns the newest audits that resolved to or matched an entity.
func (m *Manager) ListAudits(ctx context.Context, entityID string, limit int) ([]*models.MatchAudit, error) {
	ctx, span := tracing.StartSpan(ctx, "entitystore.Manager.ListAudits")
	defer span.End()

	var audits []*models.MatchAudit
	err := m.withRetry(ctx, "list_audits", func(ctx context.Context) error {
		var err error
		audits, err = m.store.ListAudits(ctx, entityID, limit)
		return err
	})
	return audits, err
}

// RecordAudit appends an audit row, retrying transient failures.
func (m *Manager) RecordAudit(ctx context.Context, audit *models.MatchAudit) error {
	ctx, span := tracing.StartSpan(ctx, "entitystore.Manager.RecordAudit")
	defer span.End()

	return m.withRetry(ctx, "append_audit", func(ctx context.Context) error {
		return m.store.AppendAudit(ctx, audit)
	})
}

// FindOwner returns the entity that owns a source record, or nil when none does.
func (m *Manager) FindOwner(ctx context.Context, sourceRecordID string) (*models.GoldenEntity, error) {
	var owner *models.GoldenEntity
	err := m.withRetry(ctx, "find_owner", func(ctx context.Context) error {
		var err error
		owner, err = m.store.FindBySourceRecord(ctx, sourceRecordID)
		if errors.Is(err, ErrEntityNotFound) {
			owner, err = nil, nil
		}
		return err
	})
	return owner, err
}

// SaveScoredPairs persists the pairs of a batch run.
func (m *Manager) SaveScoredPairs(ctx context.Context, pairs []*models.ScoredPair) error {
	ctx, span := tracing.StartSpan(ctx, "entitystore.Manager.SaveScoredPairs")
	defer span.End()

	if len(pairs) == 0 {
		return nil
	}
	return m.withRetry(ctx, "save_scored_pairs", func(ctx context.Context) error {
		return m.store.SaveScoredPairs(ctx, pairs)
	})
}

// ownedElsewhere returns a result when the record already belongs to an entity other than entityID.
func (m *Manager) ownedElsewhere(ctx context.Context, entityID, sourceRecordID string) (*Result, error) {
	owner, err := m.FindOwner(ctx, sourceRecordID)
	if err != nil {
		return nil, err
	}
	if owner == nil || owner.EntityID == entityID {
		return nil, nil
	}

	m.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_id":        entityID,
		"owner_id":         owner.EntityID,
		"source_record_id": sourceRecordID,
	}).Info("Source record already belongs to another entity")

	return &Result{Entity: owner, OwnedBy: owner.EntityID}, nil
}

// ownershipResult turns an ownership race lost inside the transaction into a result.
func (m *Manager) ownershipResult(ctx context.Context, err error) (*Result, error) {
	var ownership *OwnershipError
	if !errors.As(err, &ownership) {
		return nil, err
	}
	owner, getErr := m.Get(ctx, ownership.OwnerID)
	if getErr != nil {
		return nil, err
	}
	return &Result{Entity: owner, OwnedBy: ownership.OwnerID}, nil
}

// withRetry runs op with a per-attempt timeout, retrying conflicts and transient
// failures with fibonacci backoff.
func (m *Manager) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := startup.NewFibonacci(m.config.RetryBackoff)

	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if m.config.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, m.config.Timeout)
		}
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		if !IsRetryable(err) || ctx.Err() != nil {
			return err
		}
		if attempt > m.config.MaxRetries {
			return fmt.Errorf("%w: %s after %d attempts: %w", ErrRetriesExhausted, op, attempt, err)
		}

		wait := backoff.Next()
		m.logger.WithContext(ctx).WithFields(map[string]any{
			"operation": op,
			"attempt":   attempt,
			"wait":      wait.String(),
		}).WithError(err).Warn("Entity store operation failed, retrying")
		metrics.RecordStoreRetry(op)

		if err := startup.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}
