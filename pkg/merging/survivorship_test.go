package merging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/fingerprint"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
)

var (
	t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.Add(24 * time.Hour)
)

func fixedMerger() *Merger {
	return NewMerger().WithClock(func() time.Time { return t1.Add(time.Hour) })
}

func record(raw models.RawRecord) *models.StandardizedRecord {
	rec := normalizers.Standardize(raw)
	return &rec
}

func income(v int64) *int64 { return &v }

func TestMerger_NewEntity(t *testing.T) {
	m := fixedMerger()
	rec := record(models.RawRecord{
		SourceRecordID: "crm-1",
		SourceSystem:   "crm",
		FullName:       "Jane Doe",
		Email:          "jane@example.com",
		Address:        "9 Oak Avenue",
		AnnualIncome:   income(50000),
		ObservedAt:     t0,
	})

	e := m.NewEntity("e1", rec, models.ProcessingPathStream)

	assert.Equal(t, "e1", e.EntityID)
	assert.Equal(t, "JANE DOE", e.MasterName)
	assert.Equal(t, "9 OAK AVE", e.MasterAddress)
	assert.Equal(t, models.DefaultConfidence, e.ConfidenceScore)
	assert.Equal(t, models.ProcessingPathStream, e.ProcessingPath)
	assert.Equal(t, []string{"crm-1"}, []string(e.SourceRecordIDs))
	assert.Equal(t, []string{"crm"}, []string(e.SourceSystems))
	assert.Equal(t, 1, e.SourceRecordCount)
	assert.True(t, e.HasEmail)
	assert.False(t, e.HasPhone)
	assert.Equal(t, t0, e.FieldSeenAt(models.FieldEmail))
	require.NotNil(t, e.MasterIncome)
	assert.Equal(t, int64(50000), *e.MasterIncome)
}

func TestMerger_FillMissing(t *testing.T) {
	m := fixedMerger()
	e := m.NewEntity("e1", record(models.RawRecord{
		SourceRecordID: "a",
		SourceSystem:   "crm",
		Email:          "jane@example.com",
		Phone:          "555-000-1111",
		ObservedAt:     t0,
	}), models.ProcessingPathStream)

	changed := m.Apply(e, record(models.RawRecord{
		SourceRecordID: "b",
		SourceSystem:   "web",
		FullName:       "Jane Doe",
		Email:          "jane@example.com",
		Phone:          "555-999-2222",
		ObservedAt:     t1,
	}), FillMissing, models.ProcessingPathStreamUpdated)

	assert.True(t, changed)
	assert.Equal(t, "5550001111", e.MasterPhone, "first writer keeps the phone")
	assert.Equal(t, "JANE DOE", e.MasterName, "empty name is filled")
	assert.Equal(t, []string{"a", "b"}, []string(e.SourceRecordIDs))
	assert.Equal(t, []string{"crm", "web"}, []string(e.SourceSystems))
	assert.Equal(t, models.ProcessingPathStreamUpdated, e.ProcessingPath)
	assert.Equal(t, 2, e.SourceRecordCount)
}

func TestMerger_FillMissingAddsPhoneWhenAbsent(t *testing.T) {
	m := fixedMerger()
	e := m.NewEntity("e1", record(models.RawRecord{
		SourceRecordID: "a",
		SourceSystem:   "crm",
		Email:          "jane@example.com",
	}), models.ProcessingPathStream)

	m.Apply(e, record(models.RawRecord{
		SourceRecordID: "b",
		SourceSystem:   "crm",
		Email:          "jane@example.com",
		Phone:          "555-999-2222",
	}), FillMissing, models.ProcessingPathStreamUpdated)

	assert.Equal(t, "5559992222", e.MasterPhone)
	assert.True(t, e.HasPhone)
}

func TestMerger_Survivorship(t *testing.T) {
	m := fixedMerger()
	e := m.NewEntity("e1", record(models.RawRecord{
		SourceRecordID: "a",
		SourceSystem:   "crm",
		FullName:       "Robert Smithson",
		Email:          "bob@old.com",
		Address:        "1 Elm St",
		Company:        "Acme",
		AnnualIncome:   income(90000),
		ObservedAt:     t0,
	}), models.ProcessingPathStream)

	m.Apply(e, record(models.RawRecord{
		SourceRecordID: "b",
		SourceSystem:   "web",
		FullName:       "Bob Smith",
		Email:          "bob@new.com",
		Address:        "1 Elm Street Apt 4",
		Company:        "",
		AnnualIncome:   income(70000),
		ObservedAt:     t1,
	}), Survivorship, models.ProcessingPathStream)

	assert.Equal(t, "ROBERT SMITHSON", e.MasterName, "longest name survives")
	assert.Equal(t, "1 ELM ST APT 4", e.MasterAddress, "longest address survives")
	assert.Equal(t, "bob@new.com", e.MasterEmail, "most recent email survives")
	assert.Equal(t, "ACME", e.MasterCompany, "empty values never overwrite")
	assert.Equal(t, int64(90000), *e.MasterIncome, "max income survives")
	assert.Equal(t, t1, e.FieldSeenAt(models.FieldEmail))
	assert.Equal(t, t0, e.FieldSeenAt(models.FieldName))
}

func TestMerger_SurvivorshipIgnoresOlderEvidence(t *testing.T) {
	m := fixedMerger()
	e := m.NewEntity("e1", record(models.RawRecord{
		SourceRecordID: "a",
		SourceSystem:   "crm",
		Email:          "new@example.com",
		ObservedAt:     t1,
	}), models.ProcessingPathStream)

	m.Apply(e, record(models.RawRecord{
		SourceRecordID: "b",
		SourceSystem:   "crm",
		Email:          "old@example.com",
		ObservedAt:     t0,
	}), Survivorship, models.ProcessingPathStream)

	assert.Equal(t, "new@example.com", e.MasterEmail)
}

func TestMerger_ApplyIsIdempotent(t *testing.T) {
	m := fixedMerger()
	rec := record(models.RawRecord{SourceRecordID: "a", SourceSystem: "crm", Email: "x@example.com"})
	e := m.NewEntity("e1", rec, models.ProcessingPathStream)
	before := e.Clone()

	assert.False(t, m.Apply(e, rec, FillMissing, models.ProcessingPathStreamUpdated))
	assert.False(t, m.Apply(e, rec, Survivorship, models.ProcessingPathStreamUpdated))
	assert.Equal(t, before, e)
}

func TestMerger_MergeCluster(t *testing.T) {
	m := fixedMerger()
	recs := []*models.StandardizedRecord{
		record(models.RawRecord{
			SourceRecordID: "c", SourceSystem: "web", FullName: "Jon Smith", Phone: "555 111 2222",
			AnnualIncome: income(40000), ObservedAt: t1,
		}),
		record(models.RawRecord{
			SourceRecordID: "a", SourceSystem: "crm", FullName: "Jonathan Smith", Email: "jon@example.com",
			Address: "12 Pine Road", AnnualIncome: income(60000), ObservedAt: t0,
		}),
		record(models.RawRecord{
			SourceRecordID: "b", SourceSystem: "crm", FullName: "J Smith", Email: "jsmith@example.com", ObservedAt: t1,
		}),
	}

	e := m.MergeCluster(recs, models.ProcessingPathBatch)

	assert.Equal(t, "JONATHAN SMITH", e.MasterName)
	assert.Equal(t, "jsmith@example.com", e.MasterEmail, "latest email wins")
	assert.Equal(t, "5551112222", e.MasterPhone)
	assert.Equal(t, "12 PINE RD", e.MasterAddress)
	assert.Equal(t, int64(60000), *e.MasterIncome)
	assert.Equal(t, []string{"a", "b", "c"}, []string(e.SourceRecordIDs))
	assert.Equal(t, []string{"crm", "web"}, []string(e.SourceSystems))
	assert.Equal(t, models.ClusterConfidence, e.ConfidenceScore)
	assert.Equal(t, models.ProcessingPathBatch, e.ProcessingPath)

	want, _ := fingerprint.DeterministicID("jsmith@example.com", "")
	assert.Equal(t, want, e.EntityID)

	reversed := []*models.StandardizedRecord{recs[2], recs[1], recs[0]}
	assert.Equal(t, e.EntityID, m.MergeCluster(reversed, models.ProcessingPathBatch).EntityID, "input order does not matter")
}

func TestMerger_MergeClusterSingletonWithoutIdentity(t *testing.T) {
	m := fixedMerger()
	e := m.MergeCluster([]*models.StandardizedRecord{
		record(models.RawRecord{SourceRecordID: "a", SourceSystem: "crm", FullName: "Nobody"}),
	}, models.ProcessingPathBatch)

	assert.Len(t, e.EntityID, 36)
	assert.Equal(t, models.DefaultConfidence, e.ConfidenceScore)
	assert.Equal(t, 1, e.SourceRecordCount)
}

func TestFieldMerger(t *testing.T) {
	fm := NewFieldMerger()

	t.Run("all empty", func(t *testing.T) {
		_, ok := fm.MergeString([]fieldValue{{Value: ""}, {Value: ""}}, StrategyMostRecent)
		assert.False(t, ok)
	})

	t.Run("longest ties keep the earlier value", func(t *testing.T) {
		v, ok := fm.MergeString([]fieldValue{{Value: "ABC"}, {Value: "XYZ"}}, StrategyLongest)
		require.True(t, ok)
		assert.Equal(t, "ABC", v.Value)
	})

	t.Run("longest counts runes", func(t *testing.T) {
		v, _ := fm.MergeString([]fieldValue{{Value: "JOSÉ"}, {Value: "JOSEP"}}, StrategyLongest)
		assert.Equal(t, "JOSEP", v.Value)
	})

	t.Run("max skips nil", func(t *testing.T) {
		v, ok := fm.MergeNumber([]numericValue{{Value: nil}, {Value: income(3)}, {Value: income(7)}}, StrategyMax)
		require.True(t, ok)
		assert.Equal(t, int64(7), *v.Value)
	})
}
