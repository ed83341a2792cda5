package matchaudit

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/pkg/errors"

	"github.com/Ramsey-B/clover/internal/database"
	"github.com/Ramsey-B/clover/internal/tracing"
	"github.com/Ramsey-B/clover/pkg/models"
)

const table = "match_audits"

var columns = []string{
	"audit_id",
	"source_record_id",
	"source_system",
	"entity_id",
	"matched_entity_id",
	"strategy_scores",
	"degraded_strategies",
	"combined_score",
	"decision",
	"action",
	"confidence_level",
	"candidate_count",
	"processing_path",
	"latency_ms",
	"error",
	"created_at",
}

// Repository appends and reads match audits. Audits are never updated.
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

func (r *Repository) Create(ctx context.Context, a *models.MatchAudit) error {
	ctx, span := tracing.StartSpan(ctx, "matchaudit.Repository.Create")
	defer span.End()

	degraded := a.DegradedStrategies
	if degraded == nil {
		degraded = []string{}
	}

	ib := database.NewInsertBuilder().
		InsertInto(table).
		Cols(columns...).
		Values(a.AuditID, a.SourceRecordID, a.SourceSystem, a.EntityID, a.MatchedEntityID, a.StrategyScores, degraded,
			a.CombinedScore, a.Decision, a.Action, a.ConfidenceLevel, a.CandidateCount, a.ProcessingPath, a.LatencyMS, a.Error, a.CreatedAt).
		OnConflictDoNothing()

	query, args := ib.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"audit_id":         a.AuditID,
			"source_record_id": a.SourceRecordID,
		}).Error("Failed to create match audit")
		return errors.Wrap(err, "failed to create match audit")
	}
	return nil
}

// List returns the newest audits first. entityID matches either the resolved or the
// matched entity; an empty entityID lists every audit.
func (r *Repository) List(ctx context.Context, entityID string, limit int) ([]*models.MatchAudit, error) {
	ctx, span := tracing.StartSpan(ctx, "matchaudit.Repository.List")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	if entityID != "" {
		sb.Where(sb.Or(
			sb.Equal("entity_id", entityID),
			sb.Equal("matched_entity_id", entityID),
		))
	}
	sb.OrderBy("created_at").Desc()
	if limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()
	var audits []*models.MatchAudit
	if err := r.db.Conn(ctx).SelectContext(ctx, &audits, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_id": entityID}).Error("Failed to list match audits")
		return nil, errors.Wrap(err, "failed to list match audits")
	}
	return audits, nil
}
