package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/internal/tracing"
	"github.com/Ramsey-B/clover/pkg/models"
)

const (
	// A source record resolves to exactly one golden entity; stale edges are removed first.
	upsertEntityCypher = `
		MERGE (e:GoldenEntity {entity_id: $entity_id})
		SET e += $props
		WITH e
		UNWIND $source_record_ids AS rid
		MERGE (s:SourceRecord {source_record_id: rid})
		WITH e, s
		OPTIONAL MATCH (s)-[old:RESOLVES_TO]->(other:GoldenEntity)
		WHERE other.entity_id <> $entity_id
		DELETE old
		MERGE (s)-[:RESOLVES_TO]->(e)
	`

	upsertMatchesCypher = `
		UNWIND $pairs AS p
		MERGE (a:SourceRecord {source_record_id: p.record1_id})
		SET a.source_system = p.source1
		MERGE (b:SourceRecord {source_record_id: p.record2_id})
		SET b.source_system = p.source2
		MERGE (a)-[m:MATCHED]->(b)
		SET m.score = p.score, m.decision = p.decision, m.run_id = p.run_id
	`

	// Golden entities left without any source record after a rebuild.
	pruneOrphansCypher = `
		MATCH (e:GoldenEntity)
		WHERE NOT ()-[:RESOLVES_TO]->(e)
		DETACH DELETE e
	`
)

// Projector writes the entity graph. It is a read model only; the transactional
// store remains the source of truth.
type Projector struct {
	client *Client
	logger ectologger.Logger
}

// NewProjector creates a new graph projector
func NewProjector(client *Client, logger ectologger.Logger) *Projector {
	return &Projector{
		client: client,
		logger: logger,
	}
}

// ProjectEntity upserts a golden entity node and its RESOLVES_TO edges.
func (p *Projector) ProjectEntity(ctx context.Context, entity *models.GoldenEntity) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.ProjectEntity")
	defer span.End()

	err := p.client.run(ctx, upsertEntityCypher, map[string]any{
		"entity_id":         entity.EntityID,
		"props":             entityProps(entity),
		"source_record_ids": []string(entity.SourceRecordIDs),
	})
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_id": entity.EntityID,
		}).Error("Failed to project entity to graph")
		return fmt.Errorf("failed to project entity to graph: %w", err)
	}
	return nil
}

// ProjectMatches writes MATCHED edges for the linking pairs of a batch run.
func (p *Projector) ProjectMatches(ctx context.Context, pairs []*models.ScoredPair, isEdge func(models.Decision) bool) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.ProjectMatches")
	defer span.End()

	params := matchParams(pairs, isEdge)
	if len(params) == 0 {
		return nil
	}

	if err := p.client.run(ctx, upsertMatchesCypher, map[string]any{"pairs": params}); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to project matches to graph")
		return fmt.Errorf("failed to project matches to graph: %w", err)
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{"edges": len(params)}).Debug("Projected match edges")
	return nil
}

// PruneOrphans removes entity nodes no source record resolves to.
func (p *Projector) PruneOrphans(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.PruneOrphans")
	defer span.End()

	if err := p.client.run(ctx, pruneOrphansCypher, nil); err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to prune orphaned graph entities")
		return err
	}
	return nil
}

func entityProps(e *models.GoldenEntity) map[string]any {
	props := map[string]any{
		"entity_id":           e.EntityID,
		"name":                e.MasterName,
		"email":               e.MasterEmail,
		"phone":               e.MasterPhone,
		"city":                e.MasterCity,
		"state":               e.MasterState,
		"company":             e.MasterCompany,
		"confidence_score":    e.ConfidenceScore,
		"source_record_count": e.SourceRecordCount,
		"source_systems":      []string(e.SourceSystems),
		"processing_path":     string(e.ProcessingPath),
		"version":             e.Version,
		"updated_at":          e.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if e.MasterIncome != nil {
		props["income"] = *e.MasterIncome
	}
	return props
}

func matchParams(pairs []*models.ScoredPair, isEdge func(models.Decision) bool) []map[string]any {
	out := make([]map[string]any, 0, len(pairs))
	for _, pair := range pairs {
		if isEdge != nil && !isEdge(pair.Decision) {
			continue
		}
		out = append(out, map[string]any{
			"record1_id": pair.Record1ID,
			"record2_id": pair.Record2ID,
			"source1":    pair.Source1,
			"source2":    pair.Source2,
			"score":      pair.CombinedScore,
			"decision":   string(pair.Decision),
			"run_id":     pair.RunID,
		})
	}
	return out
}
