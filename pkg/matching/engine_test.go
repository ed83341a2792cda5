package matching

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
)

type fakeSource struct {
	entities []*models.GoldenEntity
	errs     map[string]error
	delay    time.Duration
}

func (f *fakeSource) find(ctx context.Context, op string, limit int, keep func(*models.GoldenEntity) bool) ([]*models.GoldenEntity, error) {
	if err := f.errs[op]; err != nil {
		return nil, err
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	var out []*models.GoldenEntity
	for _, e := range f.entities {
		if keep(e) && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeSource) FindByEmail(ctx context.Context, email string, limit int) ([]*models.GoldenEntity, error) {
	return f.find(ctx, "email", limit, func(e *models.GoldenEntity) bool { return e.MasterEmail == email })
}

func (f *fakeSource) FindByPhone(ctx context.Context, phone string, limit int) ([]*models.GoldenEntity, error) {
	return f.find(ctx, "phone", limit, func(e *models.GoldenEntity) bool { return e.MasterPhone == phone })
}

func (f *fakeSource) FindByNamePrefix(ctx context.Context, prefix string, limit int) ([]*models.GoldenEntity, error) {
	return f.find(ctx, "name", limit, func(e *models.GoldenEntity) bool { return NamePrefix(e.MasterName) == prefix })
}

func (f *fakeSource) FindByCompany(ctx context.Context, company string, limit int) ([]*models.GoldenEntity, error) {
	return f.find(ctx, "company", limit, func(e *models.GoldenEntity) bool { return e.MasterCompany == company })
}

func (f *fakeSource) FindByLocation(ctx context.Context, city, state string, limit int) ([]*models.GoldenEntity, error) {
	return f.find(ctx, "location", limit, func(e *models.GoldenEntity) bool {
		return e.MasterCity == city && e.MasterState == state
	})
}

func (f *fakeSource) FindSimilarEmbeddings(ctx context.Context, embedding []float64, limit int, minSimilarity float64) ([]*models.GoldenEntity, error) {
	s := NewScorer()
	return f.find(ctx, "vector", limit, func(e *models.GoldenEntity) bool {
		return len(e.Embedding) > 0 && s.CosineSimilarity(embedding, e.Embedding) >= minSimilarity
	})
}

func nopLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func standardized(raw models.RawRecord) *models.StandardizedRecord {
	rec := normalizers.Standardize(raw)
	return &rec
}

func johnSmith() *models.GoldenEntity {
	return &models.GoldenEntity{
		EntityID:      "entity-john",
		MasterName:    "JOHN SMITH",
		MasterEmail:   "john@example.com",
		MasterPhone:   "5551234567",
		MasterAddress: "123 MAIN ST",
		MasterCity:    "SPRINGFIELD",
		MasterState:   "IL",
		MasterCompany: "ACME",
	}
}

func TestEngine_Match(t *testing.T) {
	t.Run("exact and fuzzy evidence without an embedding needs review", func(t *testing.T) {
		src := &fakeSource{entities: []*models.GoldenEntity{johnSmith()}}
		engine := NewEngine(src, DefaultConfig(), nopLogger())

		result := engine.Match(context.Background(), standardized(models.RawRecord{
			SourceRecordID: "r1",
			SourceSystem:   "crm",
			FullName:       "John Smith",
			Email:          "JOHN@example.com ",
			Phone:          "(555) 123-4567",
			Address:        "123 Main Street",
			City:           "Springfield",
			State:          "il",
			Company:        "Acme",
		}))

		assert.Equal(t, "entity-john", result.BestEntityID)
		assert.Equal(t, 1.0, result.StrategyScores[StrategyExact])
		assert.Equal(t, 1.0, result.StrategyScores[StrategyFuzzy])
		assert.InDelta(t, 0.5, result.StrategyScores[StrategyBusiness], 1e-9)
		assert.Equal(t, 0.0, result.StrategyScores[StrategyVector])
		assert.Equal(t, []string{StrategyVector}, result.DegradedStrategies, "no embedding skips vector")
		assert.InDelta(t, 0.695, result.CombinedScore, 1e-9)
		assert.Equal(t, models.DecisionHumanReview, result.Decision)
		assert.Equal(t, models.ActionMerge, result.Action)
	})

	t.Run("no candidates creates new", func(t *testing.T) {
		engine := NewEngine(&fakeSource{}, DefaultConfig(), nopLogger())

		result := engine.Match(context.Background(), standardized(models.RawRecord{
			SourceRecordID: "r1",
			SourceSystem:   "crm",
		}))

		assert.Empty(t, result.Candidates)
		assert.Equal(t, 0.0, result.CombinedScore)
		assert.Equal(t, models.DecisionNoMatch, result.Decision)
		assert.Equal(t, models.ActionCreateNew, result.Action)
	})

	t.Run("failed lookup degrades only that strategy", func(t *testing.T) {
		src := &fakeSource{
			entities: []*models.GoldenEntity{johnSmith()},
			errs:     map[string]error{"email": errors.New("connection reset")},
		}
		engine := NewEngine(src, DefaultConfig(), nopLogger())

		result := engine.Match(context.Background(), standardized(models.RawRecord{
			SourceRecordID: "r1",
			SourceSystem:   "crm",
			FullName:       "John Smith",
			Email:          "john@example.com",
			Address:        "123 Main St",
		}))

		assert.Equal(t, []string{StrategyExact, StrategyVector}, result.DegradedStrategies)
		assert.Equal(t, "entity-john", result.BestEntityID, "found through the name prefix")
		assert.Equal(t, 0.0, result.StrategyScores[StrategyExact])
		assert.Equal(t, 1.0, result.StrategyScores[StrategyFuzzy])
	})

	t.Run("slow lookups time out and degrade", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.StoreTimeout = 10 * time.Millisecond
		src := &fakeSource{entities: []*models.GoldenEntity{johnSmith()}, delay: time.Second}
		engine := NewEngine(src, cfg, nopLogger())

		result := engine.Match(context.Background(), standardized(models.RawRecord{
			SourceRecordID: "r1",
			SourceSystem:   "crm",
			FullName:       "John Smith",
			Email:          "john@example.com",
		}))

		assert.Equal(t, []string{StrategyExact, StrategyFuzzy, StrategyVector}, result.DegradedStrategies)
		assert.Empty(t, result.Candidates)
		assert.Equal(t, models.ActionCreateNew, result.Action)
	})

	t.Run("vector candidates", func(t *testing.T) {
		entity := johnSmith()
		entity.Embedding = []float64{1, 0, 0}
		src := &fakeSource{entities: []*models.GoldenEntity{entity}}
		engine := NewEngine(src, DefaultConfig(), nopLogger())

		result := engine.Match(context.Background(), standardized(models.RawRecord{
			SourceRecordID: "r1",
			SourceSystem:   "crm",
			Embedding:      []float64{2, 0, 0},
		}))

		assert.Empty(t, result.DegradedStrategies)
		assert.Equal(t, "entity-john", result.BestEntityID)
		assert.InDelta(t, 1.0, result.StrategyScores[StrategyVector], 1e-9)
		assert.InDelta(t, 0.22, result.CombinedScore, 1e-9)
		assert.Equal(t, models.DecisionNoMatch, result.Decision)
	})

	t.Run("deterministic across runs", func(t *testing.T) {
		a := johnSmith()
		b := johnSmith()
		b.EntityID = "entity-john-2"
		src := &fakeSource{entities: []*models.GoldenEntity{b, a}}
		engine := NewEngine(src, DefaultConfig(), nopLogger())
		rec := standardized(models.RawRecord{SourceRecordID: "r1", SourceSystem: "crm", Email: "john@example.com"})

		first := engine.Match(context.Background(), rec)
		for i := 0; i < 10; i++ {
			again := engine.Match(context.Background(), rec)
			assert.Equal(t, first.BestEntityID, again.BestEntityID)
			assert.Equal(t, first.CombinedScore, again.CombinedScore)
		}
		assert.Equal(t, "entity-john", first.BestEntityID)
	})
}

func TestFuzzyStrategy_Score(t *testing.T) {
	s := NewFuzzyStrategy(20, 0.5)
	entity := &models.GoldenEntity{EntityID: "e1", MasterName: "JOHN SMITH", MasterAddress: "1 ELM ST"}

	t.Run("phonetic names reach the soundex bonus", func(t *testing.T) {
		rec := standardized(models.RawRecord{SourceRecordID: "r", SourceSystem: "s", FullName: "Jon Smith"})
		assert.InDelta(t, 0.9, s.NameScore(rec.FullNameClean, entity.MasterName), 1e-9)

		c, ok := s.Score(rec, entity, ModeStream)
		require.True(t, ok)
		assert.InDelta(t, 0.45, c.Score, 1e-9, "missing address halves the overall score")
	})

	t.Run("batch discards weak fuzzy evidence", func(t *testing.T) {
		rec := standardized(models.RawRecord{SourceRecordID: "r", SourceSystem: "s", FullName: "Jon Smith"})
		c, ok := s.Score(rec, entity, ModeBatch)
		require.True(t, ok)
		assert.Equal(t, 0.0, c.Score)
		assert.Equal(t, "discarded", c.MatchType)
	})

	t.Run("batch keeps strong fuzzy evidence", func(t *testing.T) {
		rec := standardized(models.RawRecord{SourceRecordID: "r", SourceSystem: "s", FullName: "Jon Smith", Address: "1 Elm Street"})
		c, ok := s.Score(rec, entity, ModeBatch)
		require.True(t, ok)
		assert.InDelta(t, 0.95, c.Score, 1e-9)
	})

	t.Run("soundex bonus applies when edit similarity is low", func(t *testing.T) {
		assert.Equal(t, SoundexBonus, s.NameScore("ROBERT", "RUPERT"))
	})
}

func TestBusinessStrategy_Score(t *testing.T) {
	s := NewBusinessStrategy(20)
	dob := time.Date(1980, 5, 1, 0, 0, 0, 0, time.UTC)
	income := int64(100000)
	entity := &models.GoldenEntity{
		EntityID:          "e1",
		MasterCompany:     "ACME",
		MasterCity:        "SPRINGFIELD",
		MasterState:       "IL",
		MasterDateOfBirth: &dob,
		MasterIncome:      &income,
	}

	recIncome := int64(90000)
	rec := standardized(models.RawRecord{
		SourceRecordID: "r",
		SourceSystem:   "s",
		Company:        "acme",
		City:           "Springfield",
		State:          "IL",
		DateOfBirth:    models.NewDate(dob.AddDate(0, 0, 10)),
		AnnualIncome:   &recIncome,
	})

	c, ok := s.Score(rec, entity, ModeStream)
	require.True(t, ok)
	assert.InDelta(t, 1.0, c.Score, 1e-9)

	rec.DateOfBirth = models.NewDate(dob.AddDate(3, 0, 0))
	c, _ = s.Score(rec, entity, ModeStream)
	assert.InDelta(t, 0.8, c.Score, 1e-9)

	rec.DateOfBirth = models.NewDate(dob.AddDate(10, 0, 0))
	low := int64(10000)
	rec.AnnualIncome = &low
	c, _ = s.Score(rec, entity, ModeStream)
	assert.InDelta(t, 0.5, c.Score, 1e-9)
}

func TestExactStrategy_Score(t *testing.T) {
	s := NewExactStrategy(10)
	entity := &models.GoldenEntity{EntityID: "e1", MasterCustomerID: "C-1"}

	c, ok := s.Score(standardized(models.RawRecord{SourceRecordID: "r", SourceSystem: "s", CustomerID: "C-1"}), entity, ModeStream)
	require.True(t, ok)
	assert.Equal(t, 1.0, c.Score)
	assert.Equal(t, "customer_id", c.MatchType)

	c, _ = s.Score(standardized(models.RawRecord{SourceRecordID: "r", SourceSystem: "s"}), entity, ModeStream)
	assert.Equal(t, 0.0, c.Score, "missing values never match")
}

type constantStrategy struct {
	score float64
}

func (c constantStrategy) Name() string { return "constant" }

func (c constantStrategy) Retrieve(context.Context, CandidateSource, *models.StandardizedRecord) ([]*models.GoldenEntity, error) {
	return nil, nil
}

func (c constantStrategy) Score(_ *models.StandardizedRecord, entity *models.GoldenEntity, _ Mode) (models.MatchCandidate, bool) {
	return models.MatchCandidate{EntityID: entity.EntityID, Strategy: "constant", Score: c.score}, true
}

func TestEngine_WithStrategy(t *testing.T) {
	engine := NewEngine(&fakeSource{}, DefaultConfig(), nopLogger()).WithStrategy(constantStrategy{score: 1}, 0.5)

	assert.Len(t, engine.Strategies(), 5)
	assert.Contains(t, engine.Combiner().Strategies(), "constant")

	scored := engine.ScorePair(
		standardized(models.RawRecord{SourceRecordID: "r", SourceSystem: "s"}),
		&models.GoldenEntity{EntityID: "e1"},
		ModeBatch,
	)
	assert.Equal(t, "e1", scored.EntityID)
	assert.Equal(t, 1.0, scored.StrategyScores["constant"])
	assert.InDelta(t, 0.5, scored.CombinedScore, 1e-9)
}
