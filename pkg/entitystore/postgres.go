package entitystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/internal/database"
	"github.com/Ramsey-B/clover/internal/repositories/goldenentity"
	"github.com/Ramsey-B/clover/internal/repositories/matchaudit"
	"github.com/Ramsey-B/clover/internal/repositories/scoredpair"
	"github.com/Ramsey-B/clover/internal/tracing"
	"github.com/Ramsey-B/clover/pkg/models"
)

var serializable = &sql.TxOptions{Isolation: sql.LevelSerializable}

// PostgresStore is the Store backed by Postgres. Every write runs in one
// serializable transaction; the entity_sources key enforces single ownership.
type PostgresStore struct {
	db       database.DB
	entities *goldenentity.Repository
	audits   *matchaudit.Repository
	pairs    *scoredpair.Repository
	logger   ectologger.Logger
	now      func() time.Time
}

func NewPostgresStore(db database.DB, logger ectologger.Logger) *PostgresStore {
	return &PostgresStore{
		db:       db,
		entities: goldenentity.NewRepository(db, logger),
		audits:   matchaudit.NewRepository(db, logger),
		pairs:    scoredpair.NewRepository(db, logger),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// classify maps driver failures onto the store's retryable errors.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, goldenentity.ErrSourceClaimed), database.IsConflict(err):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case database.IsTransient(err):
		return fmt.Errorf("%w: %v", ErrTransient, err)
	default:
		return err
	}
}

func (s *PostgresStore) Get(ctx context.Context, entityID string) (*models.GoldenEntity, error) {
	entity, err := s.entities.Get(ctx, entityID)
	if err != nil {
		return nil, classify(err)
	}
	if entity == nil {
		return nil, ErrEntityNotFound
	}
	return entity, nil
}

func (s *PostgresStore) FindBySourceRecord(ctx context.Context, sourceRecordID string) (*models.GoldenEntity, error) {
	entity, err := s.entities.FindBySourceRecord(ctx, sourceRecordID)
	if err != nil {
		return nil, classify(err)
	}
	if entity == nil {
		return nil, ErrEntityNotFound
	}
	return entity, nil
}

func (s *PostgresStore) Search(ctx context.Context, lookup models.EntityLookup, limit int) ([]*models.GoldenEntity, error) {
	found, err := s.entities.Search(ctx, lookup, limit)
	return found, classify(err)
}

func (s *PostgresStore) FindByEmail(ctx context.Context, email string, limit int) ([]*models.GoldenEntity, error) {
	found, err := s.entities.FindByColumn(ctx, "master_email", email, limit)
	return found, classify(err)
}

func (s *PostgresStore) FindByPhone(ctx context.Context, phone string, limit int) ([]*models.GoldenEntity, error) {
	found, err := s.entities.FindByColumn(ctx, "master_phone", phone, limit)
	return found, classify(err)
}

func (s *PostgresStore) FindByNamePrefix(ctx context.Context, prefix string, limit int) ([]*models.GoldenEntity, error) {
	found, err := s.entities.FindByNamePrefix(ctx, prefix, limit)
	return found, classify(err)
}

func (s *PostgresStore) FindByCompany(ctx context.Context, company string, limit int) ([]*models.GoldenEntity, error) {
	found, err := s.entities.FindByColumn(ctx, "master_company", company, limit)
	return found, classify(err)
}

func (s *PostgresStore) FindByLocation(ctx context.Context, city, state string, limit int) ([]*models.GoldenEntity, error) {
	found, err := s.entities.FindByLocation(ctx, city, state, limit)
	return found, classify(err)
}

// FindSimilarEmbeddings returns the limit most similar embeddings of the same dimension.
func (s *PostgresStore) FindSimilarEmbeddings(ctx context.Context, embedding []float64, limit int, minSimilarity float64) ([]*models.GoldenEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "entitystore.PostgresStore.FindSimilarEmbeddings")
	defer span.End()

	found, err := s.entities.FindSimilar(ctx, embedding, limit, minSimilarity)
	return found, classify(err)
}

func (s *PostgresStore) RunInTx(ctx context.Context, entityID string, fn TxFunc) (*models.GoldenEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "entitystore.PostgresStore.RunInTx")
	defer span.End()

	var stored *models.GoldenEntity
	err := database.RunInTx(ctx, s.db, serializable, func(ctx context.Context, _ database.Tx) error {
		current, err := s.entities.GetForUpdate(ctx, entityID)
		if err != nil {
			return err
		}

		next, err := fn(current.Clone())
		if err != nil {
			return err
		}
		if next == nil {
			stored = current
			return nil
		}
		if next.EntityID != entityID {
			return fmt.Errorf("transaction for entity %s returned entity %s", entityID, next.EntityID)
		}

		owners, err := s.entities.Owners(ctx, next.SourceRecordIDs)
		if err != nil {
			return err
		}
		for _, id := range next.SourceRecordIDs {
			if owner, ok := owners[id]; ok && owner != entityID {
				return &OwnershipError{SourceRecordID: id, OwnerID: owner}
			}
		}

		s.stamp(current, next)
		if err := s.entities.Upsert(ctx, next); err != nil {
			return err
		}
		if err := s.entities.SyncSources(ctx, entityID, next.SourceRecordIDs, false); err != nil {
			return err
		}
		stored = next
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return stored, nil
}

// Rebuild writes a batch-built entity and takes its source records from their
// previous owners. An owner left without sources is retired as a tombstone.
func (s *PostgresStore) Rebuild(ctx context.Context, entity *models.GoldenEntity) (*models.GoldenEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "entitystore.PostgresStore.Rebuild")
	defer span.End()

	next := entity.Clone()
	err := database.RunInTx(ctx, s.db, serializable, func(ctx context.Context, _ database.Tx) error {
		current, err := s.entities.GetForUpdate(ctx, next.EntityID)
		if err != nil {
			return err
		}
		owners, err := s.entities.Owners(ctx, next.SourceRecordIDs)
		if err != nil {
			return err
		}

		released := map[string][]string{}
		for _, id := range next.SourceRecordIDs {
			if owner, ok := owners[id]; ok && owner != next.EntityID {
				released[owner] = append(released[owner], id)
			}
		}

		s.stamp(current, next)
		if err := s.entities.Upsert(ctx, next); err != nil {
			return err
		}
		if err := s.entities.SyncSources(ctx, next.EntityID, next.SourceRecordIDs, true); err != nil {
			return err
		}

		prevOwners := make([]string, 0, len(released))
		for owner := range released {
			prevOwners = append(prevOwners, owner)
		}
		sort.Strings(prevOwners)

		for _, owner := range prevOwners {
			prev, err := s.entities.GetForUpdate(ctx, owner)
			if err != nil {
				return err
			}
			if prev == nil {
				continue
			}
			updated := prev.Clone()
			updated.SourceRecordIDs = without(updated.SourceRecordIDs, released[owner])
			if len(updated.SourceRecordIDs) == 0 {
				updated.Retire(next.EntityID)
				s.logger.WithContext(ctx).WithFields(map[string]any{
					"entity_id":   owner,
					"merged_into": next.EntityID,
				}).Info("Retired golden entity without sources")
			}
			updated.RefreshDerived()
			s.stamp(prev, updated)
			if err := s.entities.Upsert(ctx, updated); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return next, nil
}

// stamp sets version and timestamps on next as the successor of current.
func (s *PostgresStore) stamp(current, next *models.GoldenEntity) {
	now := s.now()
	if current == nil {
		next.Version = 1
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
		}
	} else {
		next.Version = current.Version + 1
		next.CreatedAt = current.CreatedAt
	}
	next.UpdatedAt = now
	if len(next.SourceRecordIDs) > 0 {
		next.MergedInto = ""
	}
}

func (s *PostgresStore) AppendAudit(ctx context.Context, audit *models.MatchAudit) error {
	return classify(s.audits.Create(ctx, audit))
}

func (s *PostgresStore) ListAudits(ctx context.Context, entityID string, limit int) ([]*models.MatchAudit, error) {
	audits, err := s.audits.List(ctx, entityID, limit)
	return audits, classify(err)
}

func (s *PostgresStore) SaveScoredPairs(ctx context.Context, pairs []*models.ScoredPair) error {
	return classify(s.pairs.CreateBatch(ctx, pairs))
}

func (s *PostgresStore) ListScoredPairs(ctx context.Context, runID string) ([]*models.ScoredPair, error) {
	pairs, err := s.pairs.ListByRun(ctx, runID)
	return pairs, classify(err)
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
