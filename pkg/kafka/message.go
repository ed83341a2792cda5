package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Ramsey-B/clover/pkg/models"
)

// Header keys carried on record messages.
const (
	HeaderTraceParent = "traceparent"
	HeaderTraceState  = "tracestate"
	HeaderSource      = "source_system"
)

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	// Trace context (extracted from Kafka headers)
	TraceParent string
	TraceState  string

	// Parsed content
	Record *models.RawRecord
}

// ParseRecord decodes and validates the message value as a raw customer record.
// The Kafka timestamp is used as observed_at when the record carries none.
func (m *IncomingMessage) ParseRecord() error {
	var rec models.RawRecord
	if err := json.Unmarshal(m.Value, &rec); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	if rec.SourceSystem == "" {
		rec.SourceSystem = m.Headers[HeaderSource]
	}
	if err := models.ValidateRecord(&rec); err != nil {
		return err
	}
	if rec.ObservedAt.IsZero() && !m.Timestamp.IsZero() {
		rec.ObservedAt = m.Timestamp.UTC()
	}
	m.Record = &rec
	return nil
}

// GetSourceRecordID returns the record id, falling back to the message key.
func (m *IncomingMessage) GetSourceRecordID() string {
	if m.Record != nil {
		return m.Record.SourceRecordID
	}
	return m.Key
}

// GetSourceSystem returns the record's source system, falling back to the header.
func (m *IncomingMessage) GetSourceSystem() string {
	if m.Record != nil && m.Record.SourceSystem != "" {
		return m.Record.SourceSystem
	}
	return m.Headers[HeaderSource]
}
