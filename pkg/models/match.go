package models

// Decision is the terminal classification of one scoring event.
type Decision string

const (
	DecisionAutoMerge   Decision = "auto_merge"
	DecisionHumanReview Decision = "human_review"
	DecisionNoMatch     Decision = "no_match"
)

// IsMatch reports whether the decision represents a match edge.
func (d Decision) IsMatch() bool {
	return d == DecisionAutoMerge || d == DecisionHumanReview
}

// Action is what the engine does with a record after a decision.
type Action string

const (
	ActionMerge     Action = "merge"
	ActionCreateNew Action = "create_new"
)

type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// MatchCandidate is one strategy's score for one existing entity.
type MatchCandidate struct {
	EntityID  string  `json:"entity_id"`
	Strategy  string  `json:"strategy"`
	Score     float64 `json:"score"`
	MatchType string  `json:"match_type,omitempty"`
}

// StrategyScores maps strategy name to its best score for a candidate.
type StrategyScores map[string]float64

// Clone returns a copy of the scores.
func (s StrategyScores) Clone() StrategyScores {
	out := make(StrategyScores, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// ScoredEntity is the combined score for one candidate entity.
type ScoredEntity struct {
	EntityID       string         `json:"entity_id"`
	StrategyScores StrategyScores `json:"strategy_scores"`
	CombinedScore  float64        `json:"combined_score"`
}

// MatchResult is the outcome of matching one record against existing entities.
type MatchResult struct {
	BestEntityID       string          `json:"best_entity_id,omitempty"`
	CombinedScore      float64         `json:"combined_score"`
	StrategyScores     StrategyScores  `json:"strategy_scores"`
	Decision           Decision        `json:"decision"`
	Action             Action          `json:"action"`
	ConfidenceLevel    ConfidenceLevel `json:"confidence_level"`
	Candidates         []ScoredEntity  `json:"candidates,omitempty"`
	DegradedStrategies []string        `json:"degraded_strategies,omitempty"`
}

// Outcome is the result of processing one record end to end.
type Outcome struct {
	EntityID string       `json:"entity_id"`
	IsNew    bool         `json:"is_new"`
	Match    *MatchResult `json:"match"`
	Audit    *MatchAudit  `json:"audit"`
	// OwnedBy is set when the record already belonged to another entity.
	OwnedBy string `json:"owned_by,omitempty"`
	Err     error  `json:"-"`
}
