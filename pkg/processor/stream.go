// Package processor runs records through matching and entity resolution, one at a
// time for the stream and as a full rebuild for batches
package processor

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/internal/database"
	"github.com/Ramsey-B/clover/internal/reqctx"
	"github.com/Ramsey-B/clover/internal/tracing"
	"github.com/Ramsey-B/clover/pkg/entitystore"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/fingerprint"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/redis"
)

// GraphProjector mirrors resolved entities into the graph read model.
type GraphProjector interface {
	ProjectEntity(ctx context.Context, entity *models.GoldenEntity) error
	ProjectMatches(ctx context.Context, pairs []*models.ScoredPair, isEdge func(models.Decision) bool) error
	PruneOrphans(ctx context.Context) error
}

// DeadLetters stores records that could not be resolved.
type DeadLetters interface {
	Add(ctx context.Context, entry *redis.DLQEntry) (string, error)
}

// Option configures a processor
type Option func(*options)

type options struct {
	emitter *events.Emitter
	graph   GraphProjector
	dlq     DeadLetters
}

// WithEmitter publishes entity and audit events.
func WithEmitter(emitter *events.Emitter) Option {
	return func(o *options) { o.emitter = emitter }
}

// WithGraph projects written entities into the graph.
func WithGraph(graph GraphProjector) Option {
	return func(o *options) { o.graph = graph }
}

// WithDeadLetters sends failed records to a dead letter queue.
func WithDeadLetters(dlq DeadLetters) Option {
	return func(o *options) { o.dlq = dlq }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// StreamProcessor resolves records one at a time against the current golden entities.
type StreamProcessor struct {
	logger  ectologger.Logger
	engine  *matching.Engine
	manager *entitystore.Manager
	options
}

func NewStreamProcessor(engine *matching.Engine, manager *entitystore.Manager, logger ectologger.Logger, opts ...Option) *StreamProcessor {
	return &StreamProcessor{
		logger:  logger,
		engine:  engine,
		manager: manager,
		options: buildOptions(opts),
	}
}

// Process standardizes, matches and commits one record, then writes exactly one
// audit row describing what happened. A returned error means the record was not
// committed; the outcome still carries the audit.
func (p *StreamProcessor) Process(ctx context.Context, raw models.RawRecord) (*models.Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "processor.StreamProcessor.Process")
	defer span.End()

	start := time.Now()
	ctx = reqctx.SetRecord(ctx, raw.SourceSystem, raw.SourceRecordID)
	ctx = reqctx.SetProcessingPath(ctx, string(models.ProcessingPathStream))
	log := p.logger.WithContext(ctx).WithFields(reqctx.Fields(ctx))

	metrics.RecordsInFlight.Inc()
	defer metrics.RecordsInFlight.Dec()

	rec := normalizers.Standardize(raw)
	match := p.engine.Match(ctx, &rec)
	metrics.RecordDegraded(match.DegradedStrategies)

	result, err := p.commit(ctx, &rec, match)

	outcome := &models.Outcome{Match: match, Err: err}
	audit := p.newAudit(&rec, match, start)
	if result != nil && result.Entity != nil {
		outcome.EntityID = result.Entity.EntityID
		outcome.IsNew = result.Created
		outcome.OwnedBy = result.OwnedBy
		audit.EntityID = result.Entity.EntityID
		audit.ProcessingPath = result.Entity.ProcessingPath
	}
	if err != nil {
		audit.Error = err.Error()
	}
	outcome.Audit = audit

	if auditErr := p.manager.RecordAudit(ctx, audit); auditErr != nil {
		log.WithError(auditErr).Error("Failed to write match audit")
		if err == nil {
			err = auditErr
			outcome.Err = err
		}
	}

	status := "success"
	if err != nil {
		status = "failed"
		log.WithError(err).Error("Failed to resolve record")
	}
	metrics.RecordOutcome(string(models.ProcessingPathStream), status, time.Since(start).Seconds())
	metrics.RecordDecision(string(match.Decision), string(match.Action), match.CombinedScore)

	if err != nil {
		return outcome, err
	}

	p.publish(ctx, &rec, match, result, audit)

	log.WithFields(map[string]any{
		"entity_id":      outcome.EntityID,
		"is_new":         outcome.IsNew,
		"decision":       match.Decision,
		"combined_score": match.CombinedScore,
		"latency_ms":     audit.LatencyMS,
	}).Info("Resolved record")

	return outcome, nil
}

// commit applies the match decision to the entity store.
func (p *StreamProcessor) commit(ctx context.Context, rec *models.StandardizedRecord, match *models.MatchResult) (*entitystore.Result, error) {
	entityID, _ := p.manager.AssignID(ctx, rec)

	if match.Action != models.ActionMerge || match.BestEntityID == "" || match.BestEntityID == entityID {
		return p.manager.CreateOrMerge(ctx, entityID, rec, models.ProcessingPathStream)
	}

	result, err := p.manager.MergeInto(ctx, match.BestEntityID, rec, models.ProcessingPathStreamUpdated)
	if errors.Is(err, entitystore.ErrEntityNotFound) {
		// The matched entity was replaced by a batch rebuild since retrieval.
		p.logger.WithContext(ctx).WithFields(map[string]any{
			"entity_id":        match.BestEntityID,
			"source_record_id": rec.SourceRecordID,
		}).Warn("Matched entity no longer exists, creating instead")
		return p.manager.CreateOrMerge(ctx, entityID, rec, models.ProcessingPathStream)
	}
	return result, err
}

func (p *StreamProcessor) newAudit(rec *models.StandardizedRecord, match *models.MatchResult, start time.Time) *models.MatchAudit {
	return &models.MatchAudit{
		AuditID:            uuid.New().String(),
		SourceRecordID:     rec.SourceRecordID,
		SourceSystem:       rec.SourceSystem,
		MatchedEntityID:    match.BestEntityID,
		StrategyScores:     database.NewJSONB(match.StrategyScores.Clone()),
		DegradedStrategies: append([]string{}, match.DegradedStrategies...),
		CombinedScore:      match.CombinedScore,
		Decision:           match.Decision,
		Action:             match.Action,
		ConfidenceLevel:    match.ConfidenceLevel,
		CandidateCount:     len(match.Candidates),
		ProcessingPath:     models.ProcessingPathStream,
		LatencyMS:          time.Since(start).Milliseconds(),
		CreatedAt:          time.Now().UTC(),
	}
}

// publish emits events and graph updates. Failures are logged and never fail the record.
func (p *StreamProcessor) publish(ctx context.Context, rec *models.StandardizedRecord, match *models.MatchResult, result *entitystore.Result, audit *models.MatchAudit) {
	entity := result.Entity

	switch {
	case result.Created:
		_ = p.emitter.EmitEntityCreated(ctx, entity, rec.SourceRecordID)
	case result.Changed && entity.EntityID == match.BestEntityID:
		_ = p.emitter.EmitEntityMerged(ctx, entity, rec.SourceRecordID, match.CombinedScore)
	case result.Changed:
		_ = p.emitter.EmitEntityUpdated(ctx, entity)
	}
	_ = p.emitter.EmitMatchAudited(ctx, audit)

	if p.graph != nil && result.Changed {
		if err := p.graph.ProjectEntity(ctx, entity); err != nil {
			p.logger.WithContext(ctx).WithError(err).Warn("Failed to project entity to graph")
		}
	}
}

// HandleMessage is the Kafka handler for record messages. A record that fails after
// retries is dead-lettered and acknowledged; without a dead letter queue the error is
// returned and the consumer keeps retrying it before moving on in that partition.
func (p *StreamProcessor) HandleMessage(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "processor.StreamProcessor.HandleMessage")
	defer span.End()

	_, err := p.Process(ctx, *msg.Record)
	if err == nil {
		return nil
	}
	if p.dlq == nil || ctx.Err() != nil {
		return err
	}

	entry := &redis.DLQEntry{
		SourceRecordID: msg.Record.SourceRecordID,
		SourceSystem:   msg.Record.SourceSystem,
		Record:         msg.Record,
		Fingerprint:    fingerprint.Record(*msg.Record),
		Reason:         redis.ReasonProcessingFailed,
		ErrorMessage:   err.Error(),
		Topic:          msg.Topic,
		Partition:      msg.Partition,
		Offset:         msg.Offset,
	}
	if _, dlqErr := p.dlq.Add(ctx, entry); dlqErr != nil {
		p.logger.WithContext(ctx).WithError(dlqErr).Error("Failed to dead-letter record")
		return err
	}
	metrics.RecordDLQRecord(string(redis.ReasonProcessingFailed))
	return nil
}

// HandleInvalid dead-letters a message that could not be decoded into a record.
func (p *StreamProcessor) HandleInvalid(ctx context.Context, msg *kafka.IncomingMessage, parseErr error) {
	if p.dlq == nil {
		return
	}

	entry := &redis.DLQEntry{
		SourceRecordID: msg.GetSourceRecordID(),
		SourceSystem:   msg.GetSourceSystem(),
		Payload:        string(msg.Value),
		Reason:         redis.ReasonInvalidRecord,
		ErrorMessage:   parseErr.Error(),
		Topic:          msg.Topic,
		Partition:      msg.Partition,
		Offset:         msg.Offset,
	}
	if _, err := p.dlq.Add(ctx, entry); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to dead-letter invalid message")
		return
	}
	metrics.RecordDLQRecord(string(redis.ReasonInvalidRecord))
}

// Reprocess runs a dead-lettered record through the pipeline again.
func (p *StreamProcessor) Reprocess(ctx context.Context, rec *models.RawRecord) error {
	_, err := p.Process(ctx, *rec)
	return err
}
