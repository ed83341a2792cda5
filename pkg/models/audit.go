package models

import (
	"time"

	"github.com/Ramsey-B/clover/internal/database"
	"github.com/lib/pq"
)

// MatchAudit is the write-once log row for one processed record or pair.
type MatchAudit struct {
	AuditID            string                         `json:"audit_id" db:"audit_id"`
	SourceRecordID     string                         `json:"source_record_id" db:"source_record_id"`
	SourceSystem       string                         `json:"source_system" db:"source_system"`
	EntityID           string                         `json:"entity_id" db:"entity_id"`
	MatchedEntityID    string                         `json:"matched_entity_id" db:"matched_entity_id"`
	StrategyScores     database.JSONB[StrategyScores] `json:"strategy_scores" db:"strategy_scores"`
	DegradedStrategies pq.StringArray                 `json:"degraded_strategies" db:"degraded_strategies"`
	CombinedScore      float64                        `json:"combined_score" db:"combined_score"`
	Decision           Decision                       `json:"decision" db:"decision"`
	Action             Action                         `json:"action" db:"action"`
	ConfidenceLevel    ConfidenceLevel                `json:"confidence_level" db:"confidence_level"`
	CandidateCount     int                            `json:"candidate_count" db:"candidate_count"`
	ProcessingPath     ProcessingPath                 `json:"processing_path" db:"processing_path"`
	LatencyMS          int64                          `json:"latency_ms" db:"latency_ms"`
	Error              string                         `json:"error,omitempty" db:"error"`
	CreatedAt          time.Time                      `json:"created_at" db:"created_at"`
}

// Failed reports whether the audit records a failure outcome.
func (a *MatchAudit) Failed() bool {
	return a.Error != ""
}

// ScoredPair is one scored record pair produced by a batch run.
type ScoredPair struct {
	RunID          string                         `json:"run_id" db:"run_id"`
	Record1ID      string                         `json:"record1_id" db:"record1_id"`
	Record2ID      string                         `json:"record2_id" db:"record2_id"`
	Source1        string                         `json:"source1" db:"source1"`
	Source2        string                         `json:"source2" db:"source2"`
	StrategyScores database.JSONB[StrategyScores] `json:"strategy_scores" db:"strategy_scores"`
	CombinedScore  float64                        `json:"combined_score" db:"combined_score"`
	Decision       Decision                       `json:"decision" db:"decision"`
	CreatedAt      time.Time                      `json:"created_at" db:"created_at"`
}
