package matching

import (
	"math"
	"strings"
	"time"
)

// Scorer provides various string and value comparison algorithms
type Scorer struct{}

// NewScorer creates a new Scorer
func NewScorer() *Scorer {
	return &Scorer{}
}

// ExactMatch returns 1.0 when both values are present and equal, 0.0 otherwise
func (s *Scorer) ExactMatch(a, b string) float64 {
	if a == "" || b == "" {
		return 0.0
	}
	if a == b {
		return 1.0
	}
	return 0.0
}

// EditSimilarity returns 1 - distance/max(len(a), len(b)).
// A missing value on either side scores 0.0.
func (s *Scorer) EditSimilarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	if la == 0 || lb == 0 {
		return 0.0
	}
	distance := s.LevenshteinDistance(a, b)
	return math.Max(0, 1.0-float64(distance)/float64(max(la, lb)))
}

// LevenshteinDistance calculates the edit distance between two strings
func (s *Scorer) LevenshteinDistance(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	row := make([]int, len(rb)+1)
	prevRow := make([]int, len(rb)+1)

	for j := 0; j <= len(rb); j++ {
		prevRow[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		row[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 0
			if ra[i-1] != rb[j-1] {
				cost = 1
			}
			row[j] = min(row[j-1]+1, prevRow[j]+1, prevRow[j-1]+cost)
		}
		row, prevRow = prevRow, row
	}

	return prevRow[len(rb)]
}

// Soundex calculates the Soundex encoding of a string, ignoring non-letters
func (s *Scorer) Soundex(str string) string {
	letters := make([]rune, 0, len(str))
	for _, r := range strings.ToUpper(str) {
		if r >= 'A' && r <= 'Z' {
			letters = append(letters, r)
		}
	}
	if len(letters) == 0 {
		return ""
	}

	result := []rune{letters[0]}
	prevCode := soundexCode(letters[0])

	for _, char := range letters[1:] {
		if len(result) == 4 {
			break
		}
		code := soundexCode(char)
		// H and W do not separate letters with the same code
		if char == 'H' || char == 'W' {
			continue
		}
		if code != '0' && code != prevCode {
			result = append(result, code)
		}
		prevCode = code
	}

	for len(result) < 4 {
		result = append(result, '0')
	}

	return string(result)
}

// SoundexMatch returns 1.0 if both values have the same non-empty Soundex code
func (s *Scorer) SoundexMatch(a, b string) float64 {
	ca := s.Soundex(a)
	if ca == "" || ca != s.Soundex(b) {
		return 0.0
	}
	return 1.0
}

func soundexCode(char rune) rune {
	switch char {
	case 'B', 'F', 'P', 'V':
		return '1'
	case 'C', 'G', 'J', 'K', 'Q', 'S', 'X', 'Z':
		return '2'
	case 'D', 'T':
		return '3'
	case 'L':
		return '4'
	case 'M', 'N':
		return '5'
	case 'R':
		return '6'
	default:
		return '0'
	}
}

// TokenOverlap returns |shared tokens| / max(token count) over the distinct
// whitespace-separated tokens of each value.
func (s *Scorer) TokenOverlap(a, b string) float64 {
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0.0
	}

	shared := 0
	for t := range ta {
		if tb[t] {
			shared++
		}
	}

	return float64(shared) / float64(max(len(ta), len(tb)))
}

func tokenSet(str string) map[string]bool {
	tokens := map[string]bool{}
	for _, t := range strings.Fields(str) {
		tokens[t] = true
	}
	return tokens
}

// CosineSimilarity returns dot(a,b)/(|a||b|) clamped to [0,1].
// Vectors of different length or zero norm score 0.0.
func (s *Scorer) CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0.0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}

	similarity := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(0, math.Min(1, similarity))
}

// DaysBetween returns the absolute number of whole days between two dates
func (s *Scorer) DaysBetween(a, b time.Time) int {
	return int(math.Abs(a.Sub(b).Hours()) / 24)
}

// IncomeRatio returns min/max of two positive values, or 0.0 when either is not positive
func (s *Scorer) IncomeRatio(a, b int64) float64 {
	if a <= 0 || b <= 0 {
		return 0.0
	}
	return float64(min(a, b)) / float64(max(a, b))
}
