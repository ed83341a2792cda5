package matching

import (
	"fmt"
	"math"
	"sort"

	"github.com/Ramsey-B/clover/pkg/models"
)

// MatchConfig holds the weights, thresholds and human review policy shared by
// the streaming and batch paths.
type MatchConfig struct {
	Weights              map[string]float64
	AutoMergeThreshold   float64
	HumanReviewThreshold float64
	// HumanReviewMerges treats human_review as merge eligible.
	HumanReviewMerges bool
}

// DefaultWeights is the four-way reference weighting, exact heaviest.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		StrategyExact:    0.33,
		StrategyFuzzy:    0.28,
		StrategyVector:   0.22,
		StrategyBusiness: 0.17,
	}
}

func DefaultMatchConfig() MatchConfig {
	return MatchConfig{
		Weights:              DefaultWeights(),
		AutoMergeThreshold:   0.8,
		HumanReviewThreshold: 0.6,
		HumanReviewMerges:    true,
	}
}

func (c MatchConfig) Validate() error {
	if len(c.Weights) < 4 {
		return fmt.Errorf("at least 4 weighted strategies are required, got %d", len(c.Weights))
	}
	for name, w := range c.Weights {
		if w < 0 {
			return fmt.Errorf("weight for strategy %q must not be negative", name)
		}
	}
	if c.HumanReviewThreshold > c.AutoMergeThreshold {
		return fmt.Errorf("human review threshold %.4f exceeds auto merge threshold %.4f", c.HumanReviewThreshold, c.AutoMergeThreshold)
	}
	return nil
}

// Combiner turns per-strategy scores into a combined score and a decision.
type Combiner struct {
	config MatchConfig
	names  []string
}

func NewCombiner(config MatchConfig) *Combiner {
	names := make([]string, 0, len(config.Weights))
	for name := range config.Weights {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Combiner{config: config, names: names}
}

// Strategies returns the weighted strategy names in ascending order.
func (c *Combiner) Strategies() []string {
	return append([]string(nil), c.names...)
}

func (c *Combiner) Config() MatchConfig {
	return c.config
}

// Combine returns the weighted sum of strategy scores. Strategies without a
// score contribute 0; scores for unweighted strategies are ignored.
func (c *Combiner) Combine(scores models.StrategyScores) float64 {
	total := 0.0
	for _, name := range c.names {
		total += c.config.Weights[name] * scores[name]
	}
	// rounded to 1e-9 so sums that land on a threshold compare equal to it
	return math.Round(total*1e9) / 1e9
}

// Decide classifies a combined score. Thresholds are inclusive.
func (c *Combiner) Decide(combined float64) (models.Decision, models.ConfidenceLevel) {
	switch {
	case combined >= c.config.AutoMergeThreshold:
		return models.DecisionAutoMerge, models.ConfidenceHigh
	case combined >= c.config.HumanReviewThreshold:
		return models.DecisionHumanReview, models.ConfidenceMedium
	default:
		return models.DecisionNoMatch, models.ConfidenceLow
	}
}

// ActionFor applies the human review policy to a decision.
func (c *Combiner) ActionFor(decision models.Decision) models.Action {
	switch decision {
	case models.DecisionAutoMerge:
		return models.ActionMerge
	case models.DecisionHumanReview:
		if c.config.HumanReviewMerges {
			return models.ActionMerge
		}
		return models.ActionCreateNew
	default:
		return models.ActionCreateNew
	}
}

// IsEdge reports whether a decision links two records when clustering.
func (c *Combiner) IsEdge(decision models.Decision) bool {
	return c.ActionFor(decision) == models.ActionMerge
}

// Evaluate combines the scores of every candidate and picks the best one.
// Ties on combined score go to the lowest entity id.
func (c *Combiner) Evaluate(candidates map[string]models.StrategyScores, degraded []string) *models.MatchResult {
	scored := make([]models.ScoredEntity, 0, len(candidates))
	for entityID, scores := range candidates {
		scored = append(scored, models.ScoredEntity{
			EntityID:       entityID,
			StrategyScores: scores,
			CombinedScore:  c.Combine(scores),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].CombinedScore != scored[j].CombinedScore {
			return scored[i].CombinedScore > scored[j].CombinedScore
		}
		return scored[i].EntityID < scored[j].EntityID
	})

	result := &models.MatchResult{
		StrategyScores:     models.StrategyScores{},
		Candidates:         scored,
		DegradedStrategies: degraded,
	}
	if len(scored) > 0 {
		best := scored[0]
		result.BestEntityID = best.EntityID
		result.CombinedScore = best.CombinedScore
		result.StrategyScores = best.StrategyScores.Clone()
	}

	result.Decision, result.ConfidenceLevel = c.Decide(result.CombinedScore)
	result.Action = c.ActionFor(result.Decision)

	return result
}
