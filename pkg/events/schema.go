package events

import (
	"github.com/Ramsey-B/clover/pkg/models"
)

// EventType defines the type of event
type EventType string

const (
	// Entity events
	EventTypeEntityCreated EventType = "entity.created"
	EventTypeEntityMerged  EventType = "entity.merged"
	EventTypeEntityUpdated EventType = "entity.updated"

	// Match events
	EventTypeMatchAudited EventType = "match.audited"

	// Batch events
	EventTypeClusterRebuilt EventType = "cluster.rebuilt"
)

// EntityEventData is the payload of entity.* events.
type EntityEventData struct {
	Entity         *models.GoldenEntity `json:"entity"`
	SourceRecordID string               `json:"source_record_id,omitempty"`
	CombinedScore  float64              `json:"combined_score,omitempty"`
}

// MatchAuditedData is the payload of match.audited events.
type MatchAuditedData struct {
	Audit *models.MatchAudit `json:"audit"`
}

// ClusterRebuiltData is the payload of cluster.rebuilt events.
type ClusterRebuiltData struct {
	RunID       string `json:"run_id"`
	Records     int    `json:"records"`
	Entities    int    `json:"entities"`
	ScoredPairs int    `json:"scored_pairs"`
}
