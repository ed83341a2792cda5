package scoredpair

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/pkg/errors"

	"github.com/Ramsey-B/clover/internal/database"
	"github.com/Ramsey-B/clover/internal/tracing"
	"github.com/Ramsey-B/clover/pkg/models"
)

const table = "scored_pairs"

// chunkSize keeps each insert well under the Postgres bind parameter limit.
const chunkSize = 500

var columns = []string{
	"run_id",
	"record1_id",
	"record2_id",
	"source1",
	"source2",
	"strategy_scores",
	"combined_score",
	"decision",
	"created_at",
}

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

// CreateBatch inserts pairs in chunks. Re-inserting a pair of the same run is a no-op.
func (r *Repository) CreateBatch(ctx context.Context, pairs []*models.ScoredPair) error {
	ctx, span := tracing.StartSpan(ctx, "scoredpair.Repository.CreateBatch")
	defer span.End()

	for start := 0; start < len(pairs); start += chunkSize {
		end := min(start+chunkSize, len(pairs))

		ib := database.NewInsertBuilder().InsertInto(table).Cols(columns...)
		for _, p := range pairs[start:end] {
			ib.Values(p.RunID, p.Record1ID, p.Record2ID, p.Source1, p.Source2, p.StrategyScores, p.CombinedScore, p.Decision, p.CreatedAt)
		}
		ib.OnConflictDoNothing()

		query, args := ib.Build()
		if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"count": end - start}).Error("Failed to create scored pairs batch")
			return errors.Wrap(err, "failed to create scored pairs")
		}
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"count": len(pairs)}).Debug("Created scored pairs")
	return nil
}

// ListByRun returns the pairs of one run, or of every run when runID is empty.
func (r *Repository) ListByRun(ctx context.Context, runID string) ([]*models.ScoredPair, error) {
	ctx, span := tracing.StartSpan(ctx, "scoredpair.Repository.ListByRun")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	if runID != "" {
		sb.Where(sb.Equal("run_id", runID))
	}
	sb.OrderBy("record1_id", "record2_id")

	query, args := sb.Build()
	var pairs []*models.ScoredPair
	if err := r.db.Conn(ctx).SelectContext(ctx, &pairs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"run_id": runID}).Error("Failed to list scored pairs")
		return nil, errors.Wrap(err, "failed to list scored pairs")
	}
	return pairs, nil
}
