// Package merging implements survivorship: choosing the master values of a golden entity
package merging

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Ramsey-B/clover/pkg/fingerprint"
	"github.com/Ramsey-B/clover/pkg/models"
)

// Policy decides how a record's values fold into an existing entity
type Policy int

const (
	// FillMissing only fills master fields that are still empty, so the first writer wins.
	FillMissing Policy = iota
	// Survivorship applies the per-field strategies: most recent for contact and
	// location fields, longest for name and address, max for income.
	Survivorship
)

func (p Policy) String() string {
	if p == Survivorship {
		return "survivorship"
	}
	return "fill_missing"
}

type stringField struct {
	name     string
	master   func(e *models.GoldenEntity) *string
	record   func(r *models.StandardizedRecord) string
	strategy FieldStrategy
}

var stringFields = []stringField{
	{
		name:     models.FieldName,
		master:   func(e *models.GoldenEntity) *string { return &e.MasterName },
		record:   func(r *models.StandardizedRecord) string { return r.FullNameClean },
		strategy: StrategyLongest,
	},
	{
		name:     models.FieldEmail,
		master:   func(e *models.GoldenEntity) *string { return &e.MasterEmail },
		record:   func(r *models.StandardizedRecord) string { return r.EmailClean },
		strategy: StrategyMostRecent,
	},
	{
		name:     models.FieldPhone,
		master:   func(e *models.GoldenEntity) *string { return &e.MasterPhone },
		record:   func(r *models.StandardizedRecord) string { return r.PhoneClean },
		strategy: StrategyMostRecent,
	},
	{
		name:     models.FieldAddress,
		master:   func(e *models.GoldenEntity) *string { return &e.MasterAddress },
		record:   func(r *models.StandardizedRecord) string { return r.AddressClean },
		strategy: StrategyLongest,
	},
	{
		name:     models.FieldCity,
		master:   func(e *models.GoldenEntity) *string { return &e.MasterCity },
		record:   func(r *models.StandardizedRecord) string { return r.CityClean },
		strategy: StrategyMostRecent,
	},
	{
		name:     models.FieldState,
		master:   func(e *models.GoldenEntity) *string { return &e.MasterState },
		record:   func(r *models.StandardizedRecord) string { return r.StateClean },
		strategy: StrategyMostRecent,
	},
	{
		name:     models.FieldCompany,
		master:   func(e *models.GoldenEntity) *string { return &e.MasterCompany },
		record:   func(r *models.StandardizedRecord) string { return r.CompanyClean },
		strategy: StrategyMostRecent,
	},
	{
		name:     models.FieldSegment,
		master:   func(e *models.GoldenEntity) *string { return &e.MasterSegment },
		record:   func(r *models.StandardizedRecord) string { return strings.TrimSpace(r.CustomerSegment) },
		strategy: StrategyMostRecent,
	},
	{
		name:     models.FieldCustomer,
		master:   func(e *models.GoldenEntity) *string { return &e.MasterCustomerID },
		record:   func(r *models.StandardizedRecord) string { return strings.TrimSpace(r.CustomerID) },
		strategy: StrategyMostRecent,
	},
}

// Merger builds and updates golden entities from standardized records
type Merger struct {
	fields *FieldMerger
	now    func() time.Time
}

// NewMerger creates a new Merger
func NewMerger() *Merger {
	return &Merger{
		fields: NewFieldMerger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the clock used for timestamps and missing observation times.
func (m *Merger) WithClock(now func() time.Time) *Merger {
	m.now = now
	return m
}

// NewEntity builds the first version of a golden entity from one record.
func (m *Merger) NewEntity(entityID string, rec *models.StandardizedRecord, path models.ProcessingPath) *models.GoldenEntity {
	now := m.now()
	e := &models.GoldenEntity{
		EntityID:        entityID,
		ConfidenceScore: models.DefaultConfidence,
		ProcessingPath:  path,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.fold(e, rec, FillMissing, observedAt(rec, now))
	addSource(e, rec)
	e.RefreshDerived()
	return e
}

// Apply folds a record into an entity in place. It returns false and leaves the
// entity untouched when the record is already one of its sources.
func (m *Merger) Apply(e *models.GoldenEntity, rec *models.StandardizedRecord, policy Policy, path models.ProcessingPath) bool {
	if e.HasSourceRecord(rec.SourceRecordID) {
		return false
	}
	now := m.now()
	m.fold(e, rec, policy, observedAt(rec, now))
	addSource(e, rec)
	e.ProcessingPath = path
	e.UpdatedAt = now
	e.RefreshDerived()
	return true
}

// MergeCluster builds one golden entity from every record of a cluster. Records
// are folded in observation order so ties resolve to the earliest evidence. The
// entity id follows the surviving email, else phone, else is random.
func (m *Merger) MergeCluster(recs []*models.StandardizedRecord, path models.ProcessingPath) *models.GoldenEntity {
	now := m.now()

	ordered := append([]*models.StandardizedRecord(nil), recs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		ti, tj := observedAt(ordered[i], now), observedAt(ordered[j], now)
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		if ordered[i].SourceSystem != ordered[j].SourceSystem {
			return ordered[i].SourceSystem < ordered[j].SourceSystem
		}
		return ordered[i].SourceRecordID < ordered[j].SourceRecordID
	})

	e := &models.GoldenEntity{
		ConfidenceScore: models.DefaultConfidence,
		ProcessingPath:  path,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, rec := range ordered {
		if e.HasSourceRecord(rec.SourceRecordID) {
			continue
		}
		m.fold(e, rec, Survivorship, observedAt(rec, now))
		addSource(e, rec)
	}

	if id, ok := fingerprint.DeterministicID(e.MasterEmail, e.MasterPhone); ok {
		e.EntityID = id
	} else {
		e.EntityID = uuid.New().String()
	}
	if len(e.SourceRecordIDs) > 1 {
		e.ConfidenceScore = models.ClusterConfidence
	}
	e.RefreshDerived()
	return e
}

func (m *Merger) fold(e *models.GoldenEntity, rec *models.StandardizedRecord, policy Policy, at time.Time) {
	for _, f := range stringFields {
		strategy := StrategyFirstValue
		if policy == Survivorship {
			strategy = f.strategy
		}

		current := f.master(e)
		seen := e.FieldSeenAt(f.name)
		winner, ok := m.fields.MergeString([]fieldValue{
			{Value: *current, SeenAt: seen},
			{Value: f.record(rec), SeenAt: at},
		}, strategy)
		if !ok {
			continue
		}
		if winner.Value != *current || winner.SeenAt.After(seen) {
			*current = winner.Value
			e.TouchField(f.name, winner.SeenAt)
		}
	}

	incomeStrategy := StrategyFirstValue
	if policy == Survivorship {
		incomeStrategy = StrategyMax
	}
	income, ok := m.fields.MergeNumber([]numericValue{
		{Value: e.MasterIncome, SeenAt: e.FieldSeenAt(models.FieldIncome)},
		{Value: rec.AnnualIncome, SeenAt: at},
	}, incomeStrategy)
	if ok && income.Value != e.MasterIncome {
		v := *income.Value
		e.MasterIncome = &v
		e.TouchField(models.FieldIncome, income.SeenAt)
	}

	if rec.DateOfBirth.Valid() && replaces(e.MasterDateOfBirth == nil, policy, at, e.FieldSeenAt(models.FieldBirth)) {
		dob := rec.DateOfBirth.Time.UTC()
		e.MasterDateOfBirth = &dob
		e.TouchField(models.FieldBirth, at)
	}

	if len(rec.Embedding) > 0 && replaces(len(e.Embedding) == 0, policy, at, e.FieldSeenAt(models.FieldVector)) {
		e.Embedding = append(pq.Float64Array(nil), rec.Embedding...)
		e.TouchField(models.FieldVector, at)
	}
}

// replaces reports whether a non-empty incoming value observed at "at" takes over a field.
func replaces(missing bool, policy Policy, at, seen time.Time) bool {
	return missing || (policy == Survivorship && at.After(seen))
}

func addSource(e *models.GoldenEntity, rec *models.StandardizedRecord) {
	if !e.HasSourceRecord(rec.SourceRecordID) {
		e.SourceRecordIDs = append(e.SourceRecordIDs, rec.SourceRecordID)
	}
	if rec.SourceSystem == "" {
		return
	}
	for _, s := range e.SourceSystems {
		if s == rec.SourceSystem {
			return
		}
	}
	e.SourceSystems = append(e.SourceSystems, rec.SourceSystem)
}

func observedAt(rec *models.StandardizedRecord, fallback time.Time) time.Time {
	if rec.ObservedAt.IsZero() {
		return fallback
	}
	return rec.ObservedAt.UTC()
}
