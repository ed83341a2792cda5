// Package matching implements multi-strategy record-to-entity matching
package matching

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/internal/tracing"
	"github.com/Ramsey-B/clover/pkg/models"
)

// EngineConfig contains configuration for the match engine
type EngineConfig struct {
	Match           MatchConfig
	Limits          Limits
	BatchFuzzyFloor float64       // batch pairs at or below this fuzzy score drop their fuzzy evidence
	StoreTimeout    time.Duration // bound on each candidate lookup
}

// DefaultConfig returns default engine configuration
func DefaultConfig() EngineConfig {
	return EngineConfig{
		Match: DefaultMatchConfig(),
		Limits: Limits{
			Exact:               10,
			Fuzzy:               20,
			Vector:              20,
			VectorMinSimilarity: 0.7,
			Business:            20,
		},
		BatchFuzzyFloor: 0.5,
		StoreTimeout:    5 * time.Second,
	}
}

// Engine retrieves candidates, scores them with every strategy and decides.
type Engine struct {
	logger     ectologger.Logger
	source     CandidateSource
	strategies []Strategy
	combiner   *Combiner
	retriever  *Retriever
	config     EngineConfig
}

// NewEngine creates a match engine with the four built-in strategies
func NewEngine(source CandidateSource, config EngineConfig, logger ectologger.Logger) *Engine {
	e := &Engine{
		logger:     logger,
		source:     source,
		strategies: DefaultStrategies(config.Limits, config.BatchFuzzyFloor),
		combiner:   NewCombiner(config.Match),
		config:     config,
	}
	e.retriever = NewRetriever(source, e.strategies, config.StoreTimeout, logger)
	return e
}

// WithStrategy registers an additional strategy and its weight.
// It must be called before the engine is used.
func (e *Engine) WithStrategy(strategy Strategy, weight float64) *Engine {
	e.strategies = append(e.strategies, strategy)

	weights := make(map[string]float64, len(e.config.Match.Weights)+1)
	for k, v := range e.config.Match.Weights {
		weights[k] = v
	}
	weights[strategy.Name()] = weight
	e.config.Match.Weights = weights

	e.combiner = NewCombiner(e.config.Match)
	e.retriever = NewRetriever(e.source, e.strategies, e.config.StoreTimeout, e.logger)
	return e
}

func (e *Engine) Combiner() *Combiner {
	return e.combiner
}

func (e *Engine) Strategies() []Strategy {
	return append([]Strategy(nil), e.strategies...)
}

// Match scores a standardized record against existing golden entities.
// Retrieval failures degrade the affected strategy to zero instead of failing the match.
func (e *Engine) Match(ctx context.Context, rec *models.StandardizedRecord) *models.MatchResult {
	ctx, span := tracing.StartSpan(ctx, "matching.Engine.Match")
	defer span.End()

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"source_record_id": rec.SourceRecordID,
		"source_system":    rec.SourceSystem,
	})

	retrieval := e.retriever.Retrieve(ctx, rec)

	degraded := make(map[string]bool, len(retrieval.Degraded))
	for _, name := range retrieval.Degraded {
		degraded[name] = true
	}

	candidates := make(map[string]models.StrategyScores, len(retrieval.Entities))
	for _, entityID := range retrieval.EntityIDs() {
		candidates[entityID] = e.scoreEntity(rec, retrieval.Entities[entityID], ModeStream, degraded)
	}

	result := e.combiner.Evaluate(candidates, retrieval.Degraded)

	log.WithFields(map[string]any{
		"candidate_count": len(candidates),
		"combined_score":  result.CombinedScore,
		"decision":        result.Decision,
		"degraded":        retrieval.Degraded,
	}).Debug("Matched record")

	return result
}

// ScorePair scores a record against a single entity without retrieval, as the batch path does.
func (e *Engine) ScorePair(rec *models.StandardizedRecord, entity *models.GoldenEntity, mode Mode) models.ScoredEntity {
	scores := e.scoreEntity(rec, entity, mode, nil)
	return models.ScoredEntity{
		EntityID:       entity.EntityID,
		StrategyScores: scores,
		CombinedScore:  e.combiner.Combine(scores),
	}
}

// scoreEntity keeps the best score each strategy produced for the entity.
func (e *Engine) scoreEntity(rec *models.StandardizedRecord, entity *models.GoldenEntity, mode Mode, degraded map[string]bool) models.StrategyScores {
	scores := models.StrategyScores{}
	for _, strategy := range e.strategies {
		name := strategy.Name()
		if degraded[name] {
			scores[name] = 0
			continue
		}
		c, ok := strategy.Score(rec, entity, mode)
		if !ok {
			continue
		}
		if current, seen := scores[name]; !seen || c.Score > current {
			scores[name] = c.Score
		}
	}
	return scores
}
