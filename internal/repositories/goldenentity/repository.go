package goldenentity

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/Ramsey-B/clover/internal/database"
	"github.com/Ramsey-B/clover/internal/tracing"
	"github.com/Ramsey-B/clover/pkg/models"
)

const (
	entityTable = "golden_entities"
	sourceTable = "entity_sources"
)

var columns = []string{
	"entity_id",
	"master_name",
	"master_email",
	"master_phone",
	"master_address",
	"master_city",
	"master_state",
	"master_company",
	"master_income",
	"master_segment",
	"master_customer_id",
	"master_date_of_birth",
	"source_record_ids",
	"source_record_count",
	"source_systems",
	"has_email",
	"has_phone",
	"has_address",
	"confidence_score",
	"processing_path",
	"embedding",
	"merged_into",
	"field_updated_at",
	"version",
	"created_at",
	"updated_at",
}

func values(e *models.GoldenEntity) []any {
	return []any{
		e.EntityID,
		e.MasterName,
		e.MasterEmail,
		e.MasterPhone,
		e.MasterAddress,
		e.MasterCity,
		e.MasterState,
		e.MasterCompany,
		e.MasterIncome,
		e.MasterSegment,
		e.MasterCustomerID,
		e.MasterDateOfBirth,
		e.SourceRecordIDs,
		e.SourceRecordCount,
		e.SourceSystems,
		e.HasEmail,
		e.HasPhone,
		e.HasAddress,
		e.ConfidenceScore,
		e.ProcessingPath,
		e.Embedding,
		e.MergedInto,
		e.FieldUpdatedAt,
		e.Version,
		e.CreatedAt,
		e.UpdatedAt,
	}
}

// Repository handles golden entity and source ownership persistence. Queries run
// on the transaction carried by ctx when there is one.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Get returns the entity, or nil when it does not exist.
func (r *Repository) Get(ctx context.Context, entityID string) (*models.GoldenEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "goldenentity.Repository.Get")
	defer span.End()

	return r.get(ctx, entityID, false)
}

// GetForUpdate returns the entity locked for the rest of the transaction, or nil.
func (r *Repository) GetForUpdate(ctx context.Context, entityID string) (*models.GoldenEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "goldenentity.Repository.GetForUpdate")
	defer span.End()

	return r.get(ctx, entityID, true)
}

func (r *Repository) get(ctx context.Context, entityID string, lock bool) (*models.GoldenEntity, error) {
	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(entityTable)
	sb.Where(sb.Equal("entity_id", entityID))

	query, args := sb.Build()
	if lock {
		query += " FOR UPDATE"
	}

	var entity models.GoldenEntity
	if err := r.db.Conn(ctx).GetContext(ctx, &entity, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_id": entityID}).Error("Failed to get golden entity")
		return nil, errors.Wrap(err, "failed to get golden entity")
	}
	return &entity, nil
}

// FindBySourceRecord returns the entity owning a source record, or nil.
func (r *Repository) FindBySourceRecord(ctx context.Context, sourceRecordID string) (*models.GoldenEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "goldenentity.Repository.FindBySourceRecord")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("entity_id")
	sb.From(sourceTable)
	sb.Where(sb.Equal("source_record_id", sourceRecordID))

	query, args := sb.Build()
	var entityID string
	if err := r.db.Conn(ctx).GetContext(ctx, &entityID, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"source_record_id": sourceRecordID}).Error("Failed to find source record owner")
		return nil, errors.Wrap(err, "failed to find source record owner")
	}
	return r.get(ctx, entityID, false)
}

// FindByColumn returns entities whose column equals value, ordered by entity id.
func (r *Repository) FindByColumn(ctx context.Context, column, value string, limit int) ([]*models.GoldenEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "goldenentity.Repository.FindByColumn")
	defer span.End()

	if value == "" {
		return nil, nil
	}
	return r.list(ctx, limit, func(sb *database.SelectBuilder) {
		sb.Where(sb.Equal(column, value))
	})
}

// FindByNamePrefix returns entities whose name starts with the three character prefix.
func (r *Repository) FindByNamePrefix(ctx context.Context, prefix string, limit int) ([]*models.GoldenEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "goldenentity.Repository.FindByNamePrefix")
	defer span.End()

	if prefix == "" {
		return nil, nil
	}
	return r.list(ctx, limit, func(sb *database.SelectBuilder) {
		sb.Where(sb.Equal("LEFT(master_name, 3)", prefix), sb.NotEqual("master_name", ""))
	})
}

func (r *Repository) FindByLocation(ctx context.Context, city, state string, limit int) ([]*models.GoldenEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "goldenentity.Repository.FindByLocation")
	defer span.End()

	if city == "" || state == "" {
		return nil, nil
	}
	return r.list(ctx, limit, func(sb *database.SelectBuilder) {
		sb.Where(sb.Equal("master_city", city), sb.Equal("master_state", state))
	})
}

// Search filters by any combination of email and phone.
func (r *Repository) Search(ctx context.Context, lookup models.EntityLookup, limit int) ([]*models.GoldenEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "goldenentity.Repository.Search")
	defer span.End()

	return r.list(ctx, limit, func(sb *database.SelectBuilder) {
		if lookup.Email != "" {
			sb.Where(sb.Equal("master_email", lookup.Email))
		}
		if lookup.Phone != "" {
			sb.Where(sb.Equal("master_phone", lookup.Phone))
		}
	})
}

// FindSimilar returns at most limit entities whose embedding has cosine similarity
// of at least minSimilarity to embedding, most similar first. Ranking happens in
// Postgres so only the top rows are read.
func (r *Repository) FindSimilar(ctx context.Context, embedding []float64, limit int, minSimilarity float64) ([]*models.GoldenEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "goldenentity.Repository.FindSimilar")
	defer span.End()

	if limit <= 0 || vectorNorm(embedding) == 0 {
		return nil, nil
	}

	query, args := similarQuery(embedding, limit, minSimilarity)
	var entities []*models.GoldenEntity
	if err := r.db.Conn(ctx).SelectContext(ctx, &entities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"dimensions": len(embedding)}).Error("Failed to find similar golden entities")
		return nil, errors.Wrap(err, "failed to find similar golden entities")
	}
	return entities, nil
}

// similarQuery computes clamped cosine similarity server side and keeps the top limit rows.
func similarQuery(embedding []float64, limit int, minSimilarity float64) (string, []any) {
	sb := database.NewSelectBuilder()
	similarity := fmt.Sprintf(
		"GREATEST(0, LEAST(1, (SELECT SUM(a * b) FROM unnest(embedding, %s::double precision[]) AS v(a, b))"+
			" / NULLIF(SQRT((SELECT SUM(a * a) FROM unnest(embedding) AS u(a))) * %s, 0)))",
		sb.Var(pq.Float64Array(embedding)), sb.Var(vectorNorm(embedding)),
	)

	sb.Select(columns...)
	sb.From(entityTable)
	sb.Where(
		sb.Equal("merged_into", ""),
		sb.IsNotNull("embedding"),
		sb.Equal("cardinality(embedding)", len(embedding)),
		similarity+" >= "+sb.Var(minSimilarity),
	)
	sb.OrderBy(similarity+" DESC", "entity_id")
	sb.Limit(limit)
	return sb.Build()
}

func vectorNorm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

func (r *Repository) list(ctx context.Context, limit int, where func(sb *database.SelectBuilder)) ([]*models.GoldenEntity, error) {
	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(entityTable)
	sb.Where(sb.Equal("merged_into", ""))
	where(sb)
	sb.OrderBy("entity_id")
	if limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()
	var entities []*models.GoldenEntity
	if err := r.db.Conn(ctx).SelectContext(ctx, &entities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list golden entities")
		return nil, errors.Wrap(err, "failed to list golden entities")
	}
	return entities, nil
}

// Upsert writes the full entity row.
func (r *Repository) Upsert(ctx context.Context, entity *models.GoldenEntity) error {
	ctx, span := tracing.StartSpan(ctx, "goldenentity.Repository.Upsert")
	defer span.End()

	ib := database.NewInsertBuilder().
		InsertInto(entityTable).
		Cols(columns...).
		Values(values(entity)...).
		OnConflictUpdate([]string{"entity_id"}, columns[1:]...)

	query, args := ib.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_id": entity.EntityID}).Error("Failed to upsert golden entity")
		return errors.Wrap(err, "failed to upsert golden entity")
	}
	return nil
}

// Owners maps each owned source record id to its entity id.
func (r *Repository) Owners(ctx context.Context, sourceRecordIDs []string) (map[string]string, error) {
	ctx, span := tracing.StartSpan(ctx, "goldenentity.Repository.Owners")
	defer span.End()

	owners := map[string]string{}
	if len(sourceRecordIDs) == 0 {
		return owners, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select("source_record_id", "entity_id")
	sb.From(sourceTable)
	sb.Where(sb.In("source_record_id", sqlbuilder.Flatten(sourceRecordIDs)...))

	query, args := sb.Build()
	query += " FOR UPDATE"

	var rows []struct {
		SourceRecordID string `db:"source_record_id"`
		EntityID       string `db:"entity_id"`
	}
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to load source record owners")
		return nil, errors.Wrap(err, "failed to load source record owners")
	}
	for _, row := range rows {
		owners[row.SourceRecordID] = row.EntityID
	}
	return owners, nil
}

// SyncSources makes sourceRecordIDs the exact source set of an entity. Records
// owned by another entity are taken over only when takeOver is set; otherwise the
// insert fails on the ownership key.
func (r *Repository) SyncSources(ctx context.Context, entityID string, sourceRecordIDs []string, takeOver bool) error {
	ctx, span := tracing.StartSpan(ctx, "goldenentity.Repository.SyncSources")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(sourceTable)
	db.Where(db.Equal("entity_id", entityID))
	if len(sourceRecordIDs) > 0 {
		db.Where(db.NotIn("source_record_id", sqlbuilder.Flatten(sourceRecordIDs)...))
	}

	query, args := db.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_id": entityID}).Error("Failed to release entity sources")
		return errors.Wrap(err, "failed to release entity sources")
	}

	if len(sourceRecordIDs) == 0 {
		return nil
	}

	ids := append([]string(nil), sourceRecordIDs...)
	sort.Strings(ids)

	now := time.Now().UTC()
	ib := database.NewInsertBuilder().InsertInto(sourceTable).Cols("source_record_id", "entity_id", "added_at")
	for _, id := range ids {
		ib.Values(id, entityID, now)
	}
	if takeOver {
		ib.OnConflictUpdate([]string{"source_record_id"}, "entity_id", "added_at")
	} else {
		// Rows this entity already owns are left alone; rows owned elsewhere still conflict.
		ib.SQL("ON CONFLICT (source_record_id) DO UPDATE SET entity_id = EXCLUDED.entity_id WHERE entity_sources.entity_id = EXCLUDED.entity_id")
	}

	query, args = ib.Build()
	result, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_id": entityID}).Error("Failed to claim entity sources")
		return errors.Wrap(err, "failed to claim entity sources")
	}
	if !takeOver {
		if n, _ := result.RowsAffected(); n != int64(len(ids)) {
			return ErrSourceClaimed
		}
	}
	return nil
}

// ErrSourceClaimed is returned when a source record was claimed by another entity mid-write.
var ErrSourceClaimed = errors.New("source record claimed by another entity")
