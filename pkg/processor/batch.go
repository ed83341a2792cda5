package processor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/clover/internal/database"
	"github.com/Ramsey-B/clover/internal/reqctx"
	"github.com/Ramsey-B/clover/internal/tracing"
	"github.com/Ramsey-B/clover/pkg/clustering"
	"github.com/Ramsey-B/clover/pkg/entitystore"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/fingerprint"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
)

// BatchConfig tunes candidate generation and scoring for batch runs
type BatchConfig struct {
	Workers int
	// FullPassLimit is the largest record count compared all-pairs; larger sets are blocked.
	FullPassLimit int
	// PairFloor drops pairs scoring at or below it unless they link records.
	PairFloor float64
}

func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		Workers:       4,
		FullPassLimit: 500,
		PairFloor:     0.5,
	}
}

// BatchResult describes one batch run.
type BatchResult struct {
	RunID    string                 `json:"run_id"`
	Records  int                    `json:"records"`
	Skipped  []string               `json:"skipped,omitempty"`
	Pairs    []*models.ScoredPair   `json:"-"`
	Clusters [][]string             `json:"clusters"`
	Entities []*models.GoldenEntity `json:"entities"`
	Duration time.Duration          `json:"duration"`
}

// BatchRunner rebuilds golden entities from a snapshot of records.
type BatchRunner struct {
	logger  ectologger.Logger
	engine  *matching.Engine
	manager *entitystore.Manager
	merger  *merging.Merger
	builder *clustering.Builder
	config  BatchConfig
	options
}

func NewBatchRunner(engine *matching.Engine, manager *entitystore.Manager, merger *merging.Merger, config BatchConfig, logger ectologger.Logger, opts ...Option) *BatchRunner {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	return &BatchRunner{
		logger:  logger,
		engine:  engine,
		manager: manager,
		merger:  merger,
		builder: clustering.NewBuilder(engine.Combiner().IsEdge, logger),
		config:  config,
		options: buildOptions(opts),
	}
}

// Run standardizes the records, scores candidate pairs in parallel, clusters the
// linking pairs and upserts one golden entity per cluster. Each run is a full rebuild
// of the entities its records belong to.
func (b *BatchRunner) Run(ctx context.Context, raws []models.RawRecord) (*BatchResult, error) {
	ctx, span := tracing.StartSpan(ctx, "processor.BatchRunner.Run")
	defer span.End()

	start := time.Now()
	result := &BatchResult{RunID: uuid.New().String()}
	ctx = reqctx.SetProcessingPath(ctx, string(models.ProcessingPathBatch))
	fields := reqctx.Fields(ctx)
	fields["run_id"] = result.RunID
	log := b.logger.WithContext(ctx).WithFields(fields)

	recs, skipped := b.prepare(ctx, raws)
	result.Records = len(recs)
	result.Skipped = skipped

	candidates := b.candidatePairs(recs)
	log.WithFields(map[string]any{
		"records":    len(recs),
		"skipped":    len(skipped),
		"candidates": len(candidates),
		"full_pass":  len(recs) <= b.config.FullPassLimit,
	}).Info("Starting batch run")

	pairs, err := b.scorePairs(ctx, result.RunID, recs, candidates)
	if err != nil {
		return nil, err
	}
	result.Pairs = pairs

	if err := b.manager.SaveScoredPairs(ctx, pairs); err != nil {
		return nil, fmt.Errorf("failed to save scored pairs: %w", err)
	}

	ids := make([]string, len(recs))
	byID := make(map[string]*models.StandardizedRecord, len(recs))
	for i, rec := range recs {
		ids[i] = rec.SourceRecordID
		byID[rec.SourceRecordID] = rec
	}

	clusters := b.builder.Build(ctx, ids, pairs)
	clusters, entities := b.buildEntities(ctx, clusters, byID)
	result.Clusters = clusters

	for i, entity := range entities {
		stored, err := b.manager.UpsertCluster(ctx, entity)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert cluster %d: %w", i, err)
		}
		result.Entities = append(result.Entities, stored)
	}

	if err := b.audit(ctx, result, byID); err != nil {
		return nil, err
	}

	b.publish(ctx, result)

	result.Duration = time.Since(start)
	metrics.RecordBatchRun(len(candidates), len(clusters), result.Duration.Seconds())

	log.WithFields(map[string]any{
		"pairs":    len(pairs),
		"clusters": len(clusters),
		"duration": result.Duration.String(),
	}).Info("Batch run complete")

	return result, nil
}

// prepare validates, standardizes and de-duplicates records, ordered by source record id.
func (b *BatchRunner) prepare(ctx context.Context, raws []models.RawRecord) ([]*models.StandardizedRecord, []string) {
	seen := make(map[string]bool, len(raws))
	recs := make([]*models.StandardizedRecord, 0, len(raws))
	var skipped []string

	for i := range raws {
		raw := raws[i]
		if err := models.ValidateRecord(&raw); err != nil {
			b.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"index":            i,
				"source_record_id": raw.SourceRecordID,
			}).Warn("Skipping invalid record")
			skipped = append(skipped, raw.SourceRecordID)
			continue
		}
		if seen[raw.SourceRecordID] {
			b.logger.WithContext(ctx).Warnf("Skipping duplicate source record %s", raw.SourceRecordID)
			skipped = append(skipped, raw.SourceRecordID)
			continue
		}
		seen[raw.SourceRecordID] = true

		rec := normalizers.Standardize(raw)
		recs = append(recs, &rec)
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].SourceRecordID < recs[j].SourceRecordID })
	return recs, skipped
}

type indexPair struct{ i, j int }

// candidatePairs returns every pair for small sets and pairs sharing a blocking key otherwise.
func (b *BatchRunner) candidatePairs(recs []*models.StandardizedRecord) []indexPair {
	if len(recs) <= b.config.FullPassLimit {
		out := make([]indexPair, 0, len(recs)*(len(recs)-1)/2)
		for i := range recs {
			for j := i + 1; j < len(recs); j++ {
				out = append(out, indexPair{i, j})
			}
		}
		return out
	}

	blocks := map[string][]int{}
	for i, rec := range recs {
		for _, key := range blockingKeys(rec) {
			blocks[key] = append(blocks[key], i)
		}
	}

	seen := map[indexPair]bool{}
	var out []indexPair
	for _, members := range blocks {
		for x := 0; x < len(members); x++ {
			for y := x + 1; y < len(members); y++ {
				p := indexPair{members[x], members[y]}
				if !seen[p] {
					seen[p] = true
					out = append(out, p)
				}
			}
		}
	}
	sort.Slice(out, func(x, y int) bool {
		if out[x].i != out[y].i {
			return out[x].i < out[y].i
		}
		return out[x].j < out[y].j
	})
	return out
}

// blockingKeys mirrors the streaming retrieval lookups.
func blockingKeys(rec *models.StandardizedRecord) []string {
	var keys []string
	if rec.EmailClean != "" {
		keys = append(keys, "email:"+rec.EmailClean)
	}
	if rec.PhoneClean != "" {
		keys = append(keys, "phone:"+rec.PhoneClean)
	}
	if rec.CustomerID != "" {
		keys = append(keys, "customer:"+rec.CustomerID)
	}
	if prefix := matching.NamePrefix(rec.FullNameClean); prefix != "" {
		keys = append(keys, "name:"+prefix)
	}
	if rec.CompanyClean != "" {
		keys = append(keys, "company:"+rec.CompanyClean)
	}
	if rec.CityClean != "" && rec.StateClean != "" {
		keys = append(keys, "location:"+rec.CityClean+"|"+rec.StateClean)
	}
	return keys
}

// scorePairs scores candidates across worker partitions. Output order follows the
// candidate order regardless of scheduling.
func (b *BatchRunner) scorePairs(ctx context.Context, runID string, recs []*models.StandardizedRecord, candidates []indexPair) ([]*models.ScoredPair, error) {
	ctx, span := tracing.StartSpan(ctx, "processor.BatchRunner.scorePairs")
	defer span.End()

	provisional := make([]*models.GoldenEntity, len(recs))
	for i, rec := range recs {
		provisional[i] = b.merger.NewEntity(rec.SourceRecordID, rec, models.ProcessingPathBatch)
	}

	combiner := b.engine.Combiner()
	scored := make([]*models.ScoredPair, len(candidates))
	now := time.Now().UTC()

	partition := (len(candidates) + b.config.Workers - 1) / b.config.Workers
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.config.Workers)

	for lo := 0; lo < len(candidates); lo += partition {
		hi := min(lo+partition, len(candidates))
		g.Go(func() error {
			for k := lo; k < hi; k++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				c := candidates[k]
				a, other := recs[c.i], recs[c.j]
				s := b.engine.ScorePair(a, provisional[c.j], matching.ModeBatch)
				decision, _ := combiner.Decide(s.CombinedScore)
				if s.CombinedScore <= b.config.PairFloor && !combiner.IsEdge(decision) {
					continue
				}
				scored[k] = &models.ScoredPair{
					RunID:          runID,
					Record1ID:      a.SourceRecordID,
					Record2ID:      other.SourceRecordID,
					Source1:        a.SourceSystem,
					Source2:        other.SourceSystem,
					StrategyScores: database.NewJSONB(s.StrategyScores),
					CombinedScore:  s.CombinedScore,
					Decision:       decision,
					CreatedAt:      now,
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*models.ScoredPair, 0, len(scored))
	for _, p := range scored {
		if p != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

// buildEntities applies survivorship to every cluster. Clusters that survive to the
// same deterministic id describe the same person and are combined until ids are unique.
func (b *BatchRunner) buildEntities(ctx context.Context, clusters [][]string, byID map[string]*models.StandardizedRecord) ([][]string, []*models.GoldenEntity) {
	for {
		entities := make([]*models.GoldenEntity, len(clusters))
		owner := map[string]int{}
		uf := clustering.NewUnionFind()
		collided := false

		for i, members := range clusters {
			uf.Add(members[0])
			recs := make([]*models.StandardizedRecord, len(members))
			for k, id := range members {
				recs[k] = byID[id]
				uf.Union(members[0], id)
			}
			entities[i] = b.merger.MergeCluster(recs, models.ProcessingPathBatch)

			if prev, ok := owner[entities[i].EntityID]; ok {
				uf.Union(clusters[prev][0], members[0])
				collided = true
				continue
			}
			owner[entities[i].EntityID] = i
		}

		if !collided {
			b.reuseRandomIDs(ctx, clusters, entities)
			return clusters, entities
		}

		b.logger.WithContext(ctx).Debug("Combining clusters that share an entity id")
		clusters = uf.Components()
	}
}

// reuseRandomIDs keeps the existing id for clusters without email or phone so
// re-running a batch over the same records converges on the same entities.
func (b *BatchRunner) reuseRandomIDs(ctx context.Context, clusters [][]string, entities []*models.GoldenEntity) {
	used := make(map[string]bool, len(entities))
	for _, entity := range entities {
		used[entity.EntityID] = true
	}

	for i, entity := range entities {
		if _, ok := fingerprint.DeterministicID(entity.MasterEmail, entity.MasterPhone); ok {
			continue
		}
		current, err := b.manager.FindOwner(ctx, clusters[i][0])
		if err != nil {
			b.logger.WithContext(ctx).WithError(err).Warn("Failed to look up current owner, keeping new id")
			continue
		}
		if current != nil && !used[current.EntityID] {
			delete(used, entity.EntityID)
			entity.EntityID = current.EntityID
			used[current.EntityID] = true
		}
	}
}

// audit writes one row per record describing the cluster it landed in.
func (b *BatchRunner) audit(ctx context.Context, result *BatchResult, byID map[string]*models.StandardizedRecord) error {
	best := map[string]*models.ScoredPair{}
	counts := map[string]int{}
	for _, p := range result.Pairs {
		for _, id := range []string{p.Record1ID, p.Record2ID} {
			counts[id]++
			if cur, ok := best[id]; !ok || p.CombinedScore > cur.CombinedScore {
				best[id] = p
			}
		}
	}

	combiner := b.engine.Combiner()
	now := time.Now().UTC()
	for i, members := range result.Clusters {
		entity := result.Entities[i]
		for _, id := range members {
			rec := byID[id]
			audit := &models.MatchAudit{
				AuditID:            uuid.New().String(),
				SourceRecordID:     id,
				SourceSystem:       rec.SourceSystem,
				EntityID:           entity.EntityID,
				StrategyScores:     database.NewJSONB(models.StrategyScores{}),
				DegradedStrategies: []string{},
				Decision:           models.DecisionNoMatch,
				Action:             models.ActionCreateNew,
				ConfidenceLevel:    models.ConfidenceLow,
				CandidateCount:     counts[id],
				ProcessingPath:     models.ProcessingPathBatch,
				CreatedAt:          now,
			}
			if p, ok := best[id]; ok {
				audit.StrategyScores = database.NewJSONB(p.StrategyScores.Data.Clone())
				audit.CombinedScore = p.CombinedScore
				audit.Decision, audit.ConfidenceLevel = combiner.Decide(p.CombinedScore)
			}
			if len(members) > 1 {
				audit.Action = models.ActionMerge
				audit.MatchedEntityID = entity.EntityID
			}

			if err := b.manager.RecordAudit(ctx, audit); err != nil {
				return fmt.Errorf("failed to write audit for %s: %w", id, err)
			}
			metrics.RecordOutcome(string(models.ProcessingPathBatch), "success", 0)
			metrics.RecordDecision(string(audit.Decision), string(audit.Action), audit.CombinedScore)
		}
	}
	return nil
}

func (b *BatchRunner) publish(ctx context.Context, result *BatchResult) {
	if b.graph != nil {
		for _, entity := range result.Entities {
			if err := b.graph.ProjectEntity(ctx, entity); err != nil {
				b.logger.WithContext(ctx).WithError(err).Warn("Failed to project entity to graph")
			}
		}
		if err := b.graph.ProjectMatches(ctx, result.Pairs, b.engine.Combiner().IsEdge); err != nil {
			b.logger.WithContext(ctx).WithError(err).Warn("Failed to project matches to graph")
		}
		_ = b.graph.PruneOrphans(ctx)
	}

	_ = b.emitter.EmitClusterRebuilt(ctx, result.Entities, events.ClusterRebuiltData{
		RunID:       result.RunID,
		Records:     result.Records,
		Entities:    len(result.Entities),
		ScoredPairs: len(result.Pairs),
	})
}
