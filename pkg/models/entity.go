package models

import (
	"time"

	"github.com/Ramsey-B/clover/internal/database"
	"github.com/lib/pq"
)

// ProcessingPath records which entry point last wrote a golden entity.
type ProcessingPath string

const (
	ProcessingPathStream        ProcessingPath = "stream"
	ProcessingPathStreamUpdated ProcessingPath = "stream_updated"
	ProcessingPathBatch         ProcessingPath = "batch"
)

// DefaultConfidence is the confidence assigned to a newly created golden entity.
const DefaultConfidence = 0.8

// ClusterConfidence is assigned to batch-built entities backed by more than one record.
const ClusterConfidence = 0.95

// Mutable master fields tracked in FieldUpdatedAt.
const (
	FieldName     = "name"
	FieldEmail    = "email"
	FieldPhone    = "phone"
	FieldAddress  = "address"
	FieldCity     = "city"
	FieldState    = "state"
	FieldCompany  = "company"
	FieldIncome   = "income"
	FieldSegment  = "segment"
	FieldCustomer = "customer_id"
	FieldBirth    = "date_of_birth"
	FieldVector   = "embedding"
)

// GoldenEntity is the deduplicated master record for one real-world person.
// Empty strings are treated as missing values.
type GoldenEntity struct {
	EntityID          string                               `json:"entity_id" db:"entity_id"`
	MasterName        string                               `json:"master_name" db:"master_name"`
	MasterEmail       string                               `json:"master_email" db:"master_email"`
	MasterPhone       string                               `json:"master_phone" db:"master_phone"`
	MasterAddress     string                               `json:"master_address" db:"master_address"`
	MasterCity        string                               `json:"master_city" db:"master_city"`
	MasterState       string                               `json:"master_state" db:"master_state"`
	MasterCompany     string                               `json:"master_company" db:"master_company"`
	MasterIncome      *int64                               `json:"master_income,omitempty" db:"master_income"`
	MasterSegment     string                               `json:"master_segment" db:"master_segment"`
	MasterCustomerID  string                               `json:"master_customer_id" db:"master_customer_id"`
	MasterDateOfBirth *time.Time                           `json:"master_date_of_birth,omitempty" db:"master_date_of_birth"`
	SourceRecordIDs   pq.StringArray                       `json:"source_record_ids" db:"source_record_ids"`
	SourceRecordCount int                                  `json:"source_record_count" db:"source_record_count"`
	SourceSystems     pq.StringArray                       `json:"source_systems" db:"source_systems"`
	HasEmail          bool                                 `json:"has_email" db:"has_email"`
	HasPhone          bool                                 `json:"has_phone" db:"has_phone"`
	HasAddress        bool                                 `json:"has_address" db:"has_address"`
	ConfidenceScore   float64                              `json:"confidence_score" db:"confidence_score"`
	ProcessingPath    ProcessingPath                       `json:"processing_path" db:"processing_path"`
	Embedding         pq.Float64Array                      `json:"embedding,omitempty" db:"embedding"`
	MergedInto        string                               `json:"merged_into,omitempty" db:"merged_into"`
	FieldUpdatedAt    database.JSONB[map[string]time.Time] `json:"field_updated_at" db:"field_updated_at"`
	Version           int64                                `json:"version" db:"version"`
	CreatedAt         time.Time                            `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time                            `json:"updated_at" db:"updated_at"`
}

// HasSourceRecord reports whether the entity already owns the given source record.
func (e *GoldenEntity) HasSourceRecord(sourceRecordID string) bool {
	for _, id := range e.SourceRecordIDs {
		if id == sourceRecordID {
			return true
		}
	}
	return false
}

// FieldSeenAt returns when a master field was last written, or the zero time.
func (e *GoldenEntity) FieldSeenAt(field string) time.Time {
	if e.FieldUpdatedAt.Data == nil {
		return time.Time{}
	}
	return e.FieldUpdatedAt.Data[field]
}

// TouchField records the observation time of a master field.
func (e *GoldenEntity) TouchField(field string, at time.Time) {
	if e.FieldUpdatedAt.Data == nil {
		e.FieldUpdatedAt.Data = map[string]time.Time{}
	}
	e.FieldUpdatedAt.Data[field] = at
}

// RefreshDerived recomputes the record count and quality flags.
func (e *GoldenEntity) RefreshDerived() {
	e.SourceRecordCount = len(e.SourceRecordIDs)
	e.HasEmail = e.MasterEmail != ""
	e.HasPhone = e.MasterPhone != ""
	e.HasAddress = e.MasterAddress != ""
}

// Retire turns the entity into a tombstone pointing at the entity that now owns its records.
func (e *GoldenEntity) Retire(into string) {
	e.MergedInto = into
	e.SourceRecordIDs = pq.StringArray{}
	e.SourceSystems = pq.StringArray{}
	e.RefreshDerived()
}

// Retired reports whether the entity is a tombstone left by a batch rebuild.
func (e *GoldenEntity) Retired() bool {
	return e.MergedInto != ""
}

// Clone returns a deep copy.
func (e *GoldenEntity) Clone() *GoldenEntity {
	if e == nil {
		return nil
	}
	c := *e
	if e.MasterIncome != nil {
		income := *e.MasterIncome
		c.MasterIncome = &income
	}
	if e.MasterDateOfBirth != nil {
		dob := *e.MasterDateOfBirth
		c.MasterDateOfBirth = &dob
	}
	c.SourceRecordIDs = append(pq.StringArray(nil), e.SourceRecordIDs...)
	c.SourceSystems = append(pq.StringArray(nil), e.SourceSystems...)
	c.Embedding = append(pq.Float64Array(nil), e.Embedding...)
	if e.FieldUpdatedAt.Data != nil {
		fields := make(map[string]time.Time, len(e.FieldUpdatedAt.Data))
		for k, v := range e.FieldUpdatedAt.Data {
			fields[k] = v
		}
		c.FieldUpdatedAt = database.NewJSONB(fields)
	}
	return &c
}

// EntityLookup holds the optional filters for searching golden entities.
type EntityLookup struct {
	Email string `query:"email"`
	Phone string `query:"phone"`
}
