package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Date accepts both calendar dates ("2006-01-02") and RFC3339 timestamps.
type Date struct {
	time.Time
}

var dateLayouts = []string{"2006-01-02", time.RFC3339, time.RFC3339Nano, "2006-01-02 15:04:05"}

func NewDate(t time.Time) *Date {
	return &Date{Time: t}
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		d.Time = time.Time{}
		return nil
	}
	var lastErr error
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			d.Time = t
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte(`null`), nil
	}
	return json.Marshal(d.Format(time.RFC3339))
}

// Valid reports whether the date is set.
func (d *Date) Valid() bool {
	return d != nil && !d.IsZero()
}

// RawRecord is a customer record as supplied by a source system. It is never mutated after ingestion.
type RawRecord struct {
	SourceRecordID   string    `json:"source_record_id" validate:"required"`
	SourceSystem     string    `json:"source_system" validate:"required"`
	CustomerID       string    `json:"customer_id,omitempty"`
	FullName         string    `json:"full_name,omitempty"`
	FirstName        string    `json:"first_name,omitempty"`
	LastName         string    `json:"last_name,omitempty"`
	Email            string    `json:"email,omitempty" validate:"omitempty,email"`
	Phone            string    `json:"phone,omitempty"`
	Address          string    `json:"address,omitempty"`
	City             string    `json:"city,omitempty"`
	State            string    `json:"state,omitempty"`
	ZipCode          string    `json:"zip_code,omitempty"`
	Company          string    `json:"company,omitempty"`
	JobTitle         string    `json:"job_title,omitempty"`
	AnnualIncome     *int64    `json:"annual_income,omitempty" validate:"omitempty,gte=0"`
	CustomerSegment  string    `json:"customer_segment,omitempty"`
	DateOfBirth      *Date     `json:"date_of_birth,omitempty"`
	RegistrationDate *Date     `json:"registration_date,omitempty"`
	LastActivityDate *Date     `json:"last_activity_date,omitempty"`
	IsActive         *bool     `json:"is_active,omitempty"`
	Embedding        []float64 `json:"embedding,omitempty"`
	ObservedAt       time.Time `json:"observed_at,omitempty"`
}

// StandardizedRecord carries the cleaned fields derived from a RawRecord.
// An empty clean field means the value is missing.
type StandardizedRecord struct {
	RawRecord

	FullNameClean  string `json:"full_name_clean,omitempty"`
	FirstNameClean string `json:"first_name_clean,omitempty"`
	LastNameClean  string `json:"last_name_clean,omitempty"`
	EmailClean     string `json:"email_clean,omitempty"`
	PhoneClean     string `json:"phone_clean,omitempty"`
	AddressClean   string `json:"address_clean,omitempty"`
	CityClean      string `json:"city_clean,omitempty"`
	StateClean     string `json:"state_clean,omitempty"`
	CompanyClean   string `json:"company_clean,omitempty"`
}

// HasIdentity reports whether a deterministic entity id can be derived.
func (s *StandardizedRecord) HasIdentity() bool {
	return s.EmailClean != "" || s.PhoneClean != ""
}
