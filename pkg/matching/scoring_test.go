package matching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScorer_EditSimilarity(t *testing.T) {
	s := NewScorer()

	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{name: "identical", a: "JOHN SMITH", b: "JOHN SMITH", want: 1.0},
		{name: "one edit over nine characters", a: "JON SMITH", b: "JAN SMITH", want: 1 - 1.0/9},
		{name: "one insertion over ten characters", a: "JON SMITH", b: "JOHN SMITH", want: 0.9},
		{name: "missing left", a: "", b: "JOHN", want: 0.0},
		{name: "missing both", a: "", b: "", want: 0.0},
		{name: "completely different", a: "ABC", b: "XYZ", want: 0.0},
		{name: "multibyte runes count once", a: "JOSÉ", b: "JOSE", want: 0.75},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, s.EditSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestScorer_LevenshteinDistance(t *testing.T) {
	s := NewScorer()
	assert.Equal(t, 0, s.LevenshteinDistance("abc", "abc"))
	assert.Equal(t, 3, s.LevenshteinDistance("", "abc"))
	assert.Equal(t, 1, s.LevenshteinDistance("JON SMITH", "JOHN SMITH"))
	assert.Equal(t, 3, s.LevenshteinDistance("kitten", "sitting"))
}

func TestScorer_Soundex(t *testing.T) {
	s := NewScorer()

	tests := []struct {
		input string
		want  string
	}{
		{"ROBERT", "R163"},
		{"RUPERT", "R163"},
		{"ASHCRAFT", "A261"},
		{"TYMCZAK", "T522"},
		{"JON SMITH", "J525"},
		{"JOHN SMITH", "J525"},
		{"", ""},
		{"123", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Soundex(tt.input))
		})
	}

	assert.Equal(t, 1.0, s.SoundexMatch("JON SMITH", "JOHN SMITH"))
	assert.Equal(t, 0.0, s.SoundexMatch("", ""))
}

func TestScorer_TokenOverlap(t *testing.T) {
	s := NewScorer()
	assert.Equal(t, 1.0, s.TokenOverlap("JOHN SMITH", "SMITH JOHN"))
	assert.Equal(t, 0.5, s.TokenOverlap("JON SMITH", "JOHN SMITH"))
	assert.InDelta(t, 2.0/3, s.TokenOverlap("MARY ANN LEE", "MARY LEE"), 1e-9)
	assert.Equal(t, 0.0, s.TokenOverlap("", "JOHN"))

	t.Run("repeated tokens count once", func(t *testing.T) {
		assert.Equal(t, 0.5, s.TokenOverlap("ANNA ANNA", "ANNA SMITH"))
		assert.Equal(t, 0.5, s.TokenOverlap("ANNA SMITH", "ANNA ANNA"))
		assert.Equal(t, 1.0, s.TokenOverlap("JOHN JOHN SMITH", "SMITH JOHN"))
	})
}

func TestScorer_CosineSimilarity(t *testing.T) {
	s := NewScorer()
	assert.InDelta(t, 1.0, s.CosineSimilarity([]float64{1, 2, 3}, []float64{2, 4, 6}), 1e-9)
	assert.InDelta(t, 0.0, s.CosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Equal(t, 0.0, s.CosineSimilarity([]float64{1, 0}, []float64{-1, 0}), "negative similarity clamps to 0")
	assert.Equal(t, 0.0, s.CosineSimilarity([]float64{1}, []float64{1, 2}))
	assert.Equal(t, 0.0, s.CosineSimilarity([]float64{0, 0}, []float64{1, 2}))
}

func TestScorer_Dates(t *testing.T) {
	s := NewScorer()
	a := time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 365, s.DaysBetween(a, a.AddDate(0, 0, 365)))
	assert.Equal(t, 365, s.DaysBetween(a.AddDate(0, 0, 365), a))
}

func TestScorer_IncomeRatio(t *testing.T) {
	s := NewScorer()
	assert.Equal(t, 0.8, s.IncomeRatio(80000, 100000))
	assert.Equal(t, 0.8, s.IncomeRatio(100000, 80000))
	assert.Equal(t, 0.0, s.IncomeRatio(0, 100000))
}
