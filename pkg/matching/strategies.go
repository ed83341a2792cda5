package matching

import (
	"context"
	"errors"

	"github.com/Ramsey-B/clover/pkg/models"
)

// Strategy names used as weight keys.
const (
	StrategyExact    = "exact"
	StrategyFuzzy    = "fuzzy"
	StrategyVector   = "vector"
	StrategyBusiness = "business"
)

// Mode selects streaming or batch scoring behavior.
type Mode int

const (
	ModeStream Mode = iota
	ModeBatch
)

// ErrStrategySkipped is returned by Retrieve when the record lacks the input a strategy needs.
var ErrStrategySkipped = errors.New("strategy skipped")

// CandidateSource is the bounded lookup surface of the entity store.
type CandidateSource interface {
	FindByEmail(ctx context.Context, email string, limit int) ([]*models.GoldenEntity, error)
	FindByPhone(ctx context.Context, phone string, limit int) ([]*models.GoldenEntity, error)
	FindByNamePrefix(ctx context.Context, prefix string, limit int) ([]*models.GoldenEntity, error)
	FindByCompany(ctx context.Context, company string, limit int) ([]*models.GoldenEntity, error)
	FindByLocation(ctx context.Context, city, state string, limit int) ([]*models.GoldenEntity, error)
	FindSimilarEmbeddings(ctx context.Context, embedding []float64, limit int, minSimilarity float64) ([]*models.GoldenEntity, error)
}

// Strategy retrieves and scores candidates for one matching approach.
// Score returns ok=false when the strategy does not apply to the pair.
type Strategy interface {
	Name() string
	Retrieve(ctx context.Context, src CandidateSource, rec *models.StandardizedRecord) ([]*models.GoldenEntity, error)
	Score(rec *models.StandardizedRecord, entity *models.GoldenEntity, mode Mode) (models.MatchCandidate, bool)
}

// Limits bounds the candidate sets of the built-in strategies.
type Limits struct {
	Exact               int
	Fuzzy               int
	Vector              int
	VectorMinSimilarity float64
	Business            int
}

func candidate(entity *models.GoldenEntity, strategy string, score float64, matchType string) models.MatchCandidate {
	return models.MatchCandidate{EntityID: entity.EntityID, Strategy: strategy, Score: score, MatchType: matchType}
}

// ExactStrategy matches on equal email, phone or external customer id.
type ExactStrategy struct {
	scorer *Scorer
	limit  int
}

func NewExactStrategy(limit int) *ExactStrategy {
	return &ExactStrategy{scorer: NewScorer(), limit: limit}
}

func (s *ExactStrategy) Name() string { return StrategyExact }

func (s *ExactStrategy) Retrieve(ctx context.Context, src CandidateSource, rec *models.StandardizedRecord) ([]*models.GoldenEntity, error) {
	if rec.EmailClean == "" && rec.PhoneClean == "" {
		return nil, nil
	}

	var out []*models.GoldenEntity
	if rec.EmailClean != "" {
		found, err := src.FindByEmail(ctx, rec.EmailClean, s.limit)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	if rec.PhoneClean != "" {
		found, err := src.FindByPhone(ctx, rec.PhoneClean, s.limit)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}

func (s *ExactStrategy) Score(rec *models.StandardizedRecord, entity *models.GoldenEntity, _ Mode) (models.MatchCandidate, bool) {
	checks := []struct {
		matchType string
		a, b      string
	}{
		{"email", rec.EmailClean, entity.MasterEmail},
		{"phone", rec.PhoneClean, entity.MasterPhone},
		{"customer_id", rec.CustomerID, entity.MasterCustomerID},
	}

	for _, c := range checks {
		if s.scorer.ExactMatch(c.a, c.b) == 1.0 {
			return candidate(entity, StrategyExact, 1.0, c.matchType), true
		}
	}
	return candidate(entity, StrategyExact, 0.0, ""), true
}

// FuzzyStrategy scores name and address similarity.
type FuzzyStrategy struct {
	scorer     *Scorer
	limit      int
	batchFloor float64
}

// SoundexBonus is the name score awarded to phonetically equal names.
const SoundexBonus = 0.8

func NewFuzzyStrategy(limit int, batchFloor float64) *FuzzyStrategy {
	return &FuzzyStrategy{scorer: NewScorer(), limit: limit, batchFloor: batchFloor}
}

func (s *FuzzyStrategy) Name() string { return StrategyFuzzy }

func (s *FuzzyStrategy) Retrieve(ctx context.Context, src CandidateSource, rec *models.StandardizedRecord) ([]*models.GoldenEntity, error) {
	if rec.FullNameClean == "" {
		return nil, nil
	}
	return src.FindByNamePrefix(ctx, NamePrefix(rec.FullNameClean), s.limit)
}

// NamePrefix returns the first three characters of a clean name.
func NamePrefix(name string) string {
	r := []rune(name)
	if len(r) > 3 {
		r = r[:3]
	}
	return string(r)
}

// NameScore is the best of edit similarity, the soundex bonus and token overlap.
func (s *FuzzyStrategy) NameScore(a, b string) float64 {
	if a == "" || b == "" {
		return 0.0
	}
	score := s.scorer.EditSimilarity(a, b)
	if s.scorer.SoundexMatch(a, b) == 1.0 {
		score = max(score, SoundexBonus)
	}
	return max(score, s.scorer.TokenOverlap(a, b))
}

func (s *FuzzyStrategy) Score(rec *models.StandardizedRecord, entity *models.GoldenEntity, mode Mode) (models.MatchCandidate, bool) {
	name := s.NameScore(rec.FullNameClean, entity.MasterName)
	address := s.scorer.EditSimilarity(rec.AddressClean, entity.MasterAddress)
	overall := (name + address) / 2

	if mode == ModeBatch && overall <= s.batchFloor {
		return candidate(entity, StrategyFuzzy, 0.0, "discarded"), true
	}
	return candidate(entity, StrategyFuzzy, overall, "fuzzy"), true
}

// VectorStrategy scores embedding cosine similarity.
type VectorStrategy struct {
	scorer        *Scorer
	limit         int
	minSimilarity float64
}

func NewVectorStrategy(limit int, minSimilarity float64) *VectorStrategy {
	return &VectorStrategy{scorer: NewScorer(), limit: limit, minSimilarity: minSimilarity}
}

func (s *VectorStrategy) Name() string { return StrategyVector }

func (s *VectorStrategy) Retrieve(ctx context.Context, src CandidateSource, rec *models.StandardizedRecord) ([]*models.GoldenEntity, error) {
	if len(rec.Embedding) == 0 {
		return nil, ErrStrategySkipped
	}
	return src.FindSimilarEmbeddings(ctx, rec.Embedding, s.limit, s.minSimilarity)
}

func (s *VectorStrategy) Score(rec *models.StandardizedRecord, entity *models.GoldenEntity, _ Mode) (models.MatchCandidate, bool) {
	if len(rec.Embedding) == 0 || len(entity.Embedding) == 0 {
		return models.MatchCandidate{}, false
	}
	return candidate(entity, StrategyVector, s.scorer.CosineSimilarity(rec.Embedding, entity.Embedding), "vector"), true
}

// BusinessStrategy adds up independent domain signals. The sum may exceed 1.0.
type BusinessStrategy struct {
	scorer *Scorer
	limit  int
}

const (
	businessCompanyBonus  = 0.3
	businessLocationBonus = 0.2
	businessDOBNearBonus  = 0.4
	businessDOBFarBonus   = 0.2
	businessIncomeBonus   = 0.1

	dobNearDays    = 365
	dobFarDays     = 1825
	incomeMinRatio = 0.8
)

func NewBusinessStrategy(limit int) *BusinessStrategy {
	return &BusinessStrategy{scorer: NewScorer(), limit: limit}
}

func (s *BusinessStrategy) Name() string { return StrategyBusiness }

func (s *BusinessStrategy) Retrieve(ctx context.Context, src CandidateSource, rec *models.StandardizedRecord) ([]*models.GoldenEntity, error) {
	var out []*models.GoldenEntity
	if rec.CompanyClean != "" {
		found, err := src.FindByCompany(ctx, rec.CompanyClean, s.limit)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	if rec.CityClean != "" && rec.StateClean != "" {
		found, err := src.FindByLocation(ctx, rec.CityClean, rec.StateClean, s.limit)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}

func (s *BusinessStrategy) Score(rec *models.StandardizedRecord, entity *models.GoldenEntity, _ Mode) (models.MatchCandidate, bool) {
	score := 0.0

	if rec.CompanyClean != "" && rec.CompanyClean == entity.MasterCompany {
		score += businessCompanyBonus
	}
	if rec.CityClean != "" && rec.StateClean != "" &&
		rec.CityClean == entity.MasterCity && rec.StateClean == entity.MasterState {
		score += businessLocationBonus
	}
	if rec.DateOfBirth.Valid() && entity.MasterDateOfBirth != nil && !entity.MasterDateOfBirth.IsZero() {
		switch days := s.scorer.DaysBetween(rec.DateOfBirth.Time, *entity.MasterDateOfBirth); {
		case days <= dobNearDays:
			score += businessDOBNearBonus
		case days <= dobFarDays:
			score += businessDOBFarBonus
		}
	}
	if rec.AnnualIncome != nil && entity.MasterIncome != nil &&
		s.scorer.IncomeRatio(*rec.AnnualIncome, *entity.MasterIncome) >= incomeMinRatio {
		score += businessIncomeBonus
	}

	return candidate(entity, StrategyBusiness, score, "business"), true
}

// DefaultStrategies returns the four built-in strategies.
func DefaultStrategies(limits Limits, batchFuzzyFloor float64) []Strategy {
	return []Strategy{
		NewExactStrategy(limits.Exact),
		NewFuzzyStrategy(limits.Fuzzy, batchFuzzyFloor),
		NewVectorStrategy(limits.Vector, limits.VectorMinSimilarity),
		NewBusinessStrategy(limits.Business),
	}
}
