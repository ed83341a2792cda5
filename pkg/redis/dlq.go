package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/clover/internal/tracing"
	"github.com/Ramsey-B/clover/pkg/models"
)

const (
	// DefaultDLQStream is the default dead letter queue stream name
	DefaultDLQStream = "clover:dlq"

	// DLQMaxLen is the maximum length of the DLQ stream (oldest entries trimmed)
	DLQMaxLen = 10000
)

// ErrEntryNotFound is returned when a DLQ message id does not exist.
var ErrEntryNotFound = errors.New("dlq entry not found")

// Reason classifies why a record was dead-lettered.
type Reason string

const (
	ReasonInvalidRecord    Reason = "invalid_record"
	ReasonProcessingFailed Reason = "processing_failed"
)

// DLQEntry is a record that could not be resolved.
type DLQEntry struct {
	ID             string            `json:"id"`
	MessageID      string            `json:"message_id,omitempty"`
	SourceRecordID string            `json:"source_record_id"`
	SourceSystem   string            `json:"source_system"`
	Record         *models.RawRecord `json:"record,omitempty"`
	Fingerprint    string            `json:"fingerprint,omitempty"` // content hash of Record, stable across redeliveries
	Payload        string            `json:"payload,omitempty"`     // raw message value when the record could not be decoded
	Reason         Reason            `json:"reason"`
	ErrorMessage   string            `json:"error_message"`
	Topic          string            `json:"topic,omitempty"`
	Partition      int               `json:"partition,omitempty"`
	Offset         int64             `json:"offset,omitempty"`
	RetryCount     int               `json:"retry_count"`
	CreatedAt      time.Time         `json:"created_at"`
	TraceID        string            `json:"trace_id,omitempty"`
}

// ReprocessFunc runs a dead-lettered record through the pipeline again.
type ReprocessFunc func(ctx context.Context, rec *models.RawRecord) error

// DeadLetterQueue handles dead letter queue operations
type DeadLetterQueue struct {
	client     *Client
	streamName string
	maxLen     int64
	logger     ectologger.Logger
}

// NewDeadLetterQueue creates a new dead letter queue handler
func NewDeadLetterQueue(client *Client, streamName string, maxLen int64, logger ectologger.Logger) *DeadLetterQueue {
	if streamName == "" {
		streamName = DefaultDLQStream
	}
	if maxLen <= 0 {
		maxLen = DLQMaxLen
	}
	return &DeadLetterQueue{
		client:     client,
		streamName: streamName,
		maxLen:     maxLen,
		logger:     logger,
	}
}

// Add adds a record to the dead letter queue and returns the stream message id
func (d *DeadLetterQueue) Add(ctx context.Context, entry *DLQEntry) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Add")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.TraceID == "" {
		entry.TraceID = tracing.GetTraceID(ctx)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to marshal DLQ entry: %w", err)
	}

	messageID, err := d.client.Redis().XAdd(ctx, &redis.XAddArgs{
		Stream: d.streamName,
		MaxLen: d.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data":             string(data),
			"source_record_id": entry.SourceRecordID,
			"source_system":    entry.SourceSystem,
			"reason":           string(entry.Reason),
		},
	}).Result()
	if err != nil {
		d.logger.WithContext(ctx).WithError(err).Error("Failed to add record to DLQ")
		return "", fmt.Errorf("failed to add to DLQ: %w", err)
	}

	d.logger.WithContext(ctx).Infof("Added record to DLQ: id=%s record=%s reason=%s", entry.ID, entry.SourceRecordID, entry.Reason)
	return messageID, nil
}

func decodeEntry(msg redis.XMessage) (*DLQEntry, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid DLQ entry format: %s", msg.ID)
	}

	var entry DLQEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal DLQ entry: %w", err)
	}
	entry.MessageID = msg.ID
	return &entry, nil
}

// List returns the newest entries from the dead letter queue
func (d *DeadLetterQueue) List(ctx context.Context, count int64) ([]DLQEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "DLQ.List")
	defer span.End()

	if count <= 0 {
		count = 100
	}

	messages, err := d.client.Redis().XRevRangeN(ctx, d.streamName, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ: %w", err)
	}

	entries := make([]DLQEntry, 0, len(messages))
	for _, msg := range messages {
		entry, err := decodeEntry(msg)
		if err != nil {
			d.logger.WithContext(ctx).WithError(err).Warnf("Skipping DLQ entry: %s", msg.ID)
			continue
		}
		entries = append(entries, *entry)
	}

	return entries, nil
}

// Get retrieves a specific DLQ entry by stream message id
func (d *DeadLetterQueue) Get(ctx context.Context, messageID string) (*DLQEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Get")
	defer span.End()

	messages, err := d.client.Redis().XRange(ctx, d.streamName, messageID, messageID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get DLQ entry: %w", err)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, messageID)
	}

	return decodeEntry(messages[0])
}

// Delete removes an entry from the dead letter queue
func (d *DeadLetterQueue) Delete(ctx context.Context, messageID string) error {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Delete")
	defer span.End()

	count, err := d.client.Redis().XDel(ctx, d.streamName, messageID).Result()
	if err != nil {
		return fmt.Errorf("failed to delete DLQ entry: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, messageID)
	}

	d.logger.WithContext(ctx).Infof("Deleted DLQ entry: %s", messageID)
	return nil
}

// Count returns the number of entries in the DLQ
func (d *DeadLetterQueue) Count(ctx context.Context) (int64, error) {
	return d.client.Redis().XLen(ctx, d.streamName).Result()
}

// Retry reprocesses the entry's record and removes it from the queue on success.
// A failed retry re-queues the entry with its retry count bumped.
func (d *DeadLetterQueue) Retry(ctx context.Context, messageID string, reprocess ReprocessFunc) error {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Retry")
	defer span.End()

	entry, err := d.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if entry.Record == nil {
		return fmt.Errorf("DLQ entry has no decoded record: %s", messageID)
	}

	if err := reprocess(ctx, entry.Record); err != nil {
		entry.RetryCount++
		entry.ErrorMessage = err.Error()
		entry.ID = ""
		entry.CreatedAt = time.Time{}
		if _, addErr := d.Add(ctx, entry); addErr != nil {
			d.logger.WithContext(ctx).WithError(addErr).Warn("Failed to re-add DLQ entry after failed retry")
			return fmt.Errorf("retry failed: %w", err)
		}
		if delErr := d.Delete(ctx, messageID); delErr != nil {
			d.logger.WithContext(ctx).WithError(delErr).Warn("Failed to delete superseded DLQ entry")
		}
		return fmt.Errorf("retry failed: %w", err)
	}

	if err := d.Delete(ctx, messageID); err != nil {
		d.logger.WithContext(ctx).WithError(err).Warn("Failed to delete DLQ entry after retry")
	}

	d.logger.WithContext(ctx).Infof("Retried DLQ entry: %s record=%s", messageID, entry.SourceRecordID)
	return nil
}
