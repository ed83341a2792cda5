// Package events publishes entity lifecycle and match decision events
package events

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/internal/tracing"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/models"
)

// Publisher writes events to the event stream. *kafka.Producer implements it.
type Publisher interface {
	PublishEntityEvent(ctx context.Context, event *kafka.EntityEvent) error
	PublishEntityEvents(ctx context.Context, events []*kafka.EntityEvent) error
}

// Emitter handles event emission for clover. A nil publisher disables emission.
type Emitter struct {
	publisher Publisher
	logger    ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(publisher Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		publisher: publisher,
		logger:    logger,
	}
}

// Enabled reports whether events are published anywhere.
func (e *Emitter) Enabled() bool {
	return e != nil && e.publisher != nil
}

func (e *Emitter) emit(ctx context.Context, eventType EventType, entityID string, version int64, sources []string, path models.ProcessingPath, data any) error {
	if !e.Enabled() {
		return nil
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	event := &kafka.EntityEvent{
		EventType:       string(eventType),
		EntityID:        entityID,
		SourceRecordIDs: sources,
		ProcessingPath:  string(path),
		Version:         version,
		Data:            payload,
		CorrelationID:   tracing.GetTraceID(ctx),
	}

	if err := e.publisher.PublishEntityEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Errorf("Failed to emit %s event", eventType)
		return err
	}
	return nil
}

// EmitEntityCreated emits an entity created event
func (e *Emitter) EmitEntityCreated(ctx context.Context, entity *models.GoldenEntity, sourceRecordID string) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitEntityCreated")
	defer span.End()

	return e.emit(ctx, EventTypeEntityCreated, entity.EntityID, entity.Version, entity.SourceRecordIDs, entity.ProcessingPath,
		EntityEventData{Entity: entity, SourceRecordID: sourceRecordID})
}

// EmitEntityMerged emits an event for a record merged into an existing entity.
func (e *Emitter) EmitEntityMerged(ctx context.Context, entity *models.GoldenEntity, sourceRecordID string, combined float64) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitEntityMerged")
	defer span.End()

	return e.emit(ctx, EventTypeEntityMerged, entity.EntityID, entity.Version, entity.SourceRecordIDs, entity.ProcessingPath,
		EntityEventData{Entity: entity, SourceRecordID: sourceRecordID, CombinedScore: combined})
}

// EmitEntityUpdated emits an entity updated event
func (e *Emitter) EmitEntityUpdated(ctx context.Context, entity *models.GoldenEntity) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitEntityUpdated")
	defer span.End()

	return e.emit(ctx, EventTypeEntityUpdated, entity.EntityID, entity.Version, entity.SourceRecordIDs, entity.ProcessingPath,
		EntityEventData{Entity: entity})
}

// EmitMatchAudited emits the audit row written for one decision.
func (e *Emitter) EmitMatchAudited(ctx context.Context, audit *models.MatchAudit) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitMatchAudited")
	defer span.End()

	return e.emit(ctx, EventTypeMatchAudited, audit.EntityID, 0, []string{audit.SourceRecordID}, audit.ProcessingPath,
		MatchAuditedData{Audit: audit})
}

// EmitClusterRebuilt emits one entity.updated event per rebuilt entity followed by a
// cluster.rebuilt summary, as a single batch.
func (e *Emitter) EmitClusterRebuilt(ctx context.Context, entities []*models.GoldenEntity, summary ClusterRebuiltData) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitClusterRebuilt")
	defer span.End()

	if !e.Enabled() {
		return nil
	}

	correlationID := tracing.GetTraceID(ctx)
	batch := make([]*kafka.EntityEvent, 0, len(entities)+1)
	for _, entity := range entities {
		payload, err := json.Marshal(EntityEventData{Entity: entity})
		if err != nil {
			return err
		}
		batch = append(batch, &kafka.EntityEvent{
			EventType:       string(EventTypeEntityUpdated),
			EntityID:        entity.EntityID,
			SourceRecordIDs: entity.SourceRecordIDs,
			ProcessingPath:  string(models.ProcessingPathBatch),
			Version:         entity.Version,
			Data:            payload,
			CorrelationID:   correlationID,
		})
	}

	payload, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	batch = append(batch, &kafka.EntityEvent{
		EventType:      string(EventTypeClusterRebuilt),
		EntityID:       summary.RunID,
		ProcessingPath: string(models.ProcessingPathBatch),
		Data:           payload,
		CorrelationID:  correlationID,
	})

	if err := e.publisher.PublishEntityEvents(ctx, batch); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit cluster.rebuilt events")
		return err
	}
	return nil
}
