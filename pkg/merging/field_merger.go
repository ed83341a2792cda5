package merging

import (
	"time"
	"unicode/utf8"
)

// FieldStrategy selects how competing values for one master field are resolved
type FieldStrategy string

const (
	// StrategyFirstValue keeps the earliest non-empty value.
	StrategyFirstValue FieldStrategy = "first_value"
	// StrategyMostRecent keeps the non-empty value observed last.
	StrategyMostRecent FieldStrategy = "most_recent"
	// StrategyLongest keeps the longest non-empty value.
	StrategyLongest FieldStrategy = "longest"
	// StrategyMax keeps the largest numeric value.
	StrategyMax FieldStrategy = "max"
)

// fieldValue is one candidate value for a master field, in evidence order
type fieldValue struct {
	Value  string
	SeenAt time.Time
}

// numericValue is one candidate value for a numeric master field
type numericValue struct {
	Value  *int64
	SeenAt time.Time
}

// FieldMerger handles field-level merge logic
type FieldMerger struct{}

// NewFieldMerger creates a new FieldMerger
func NewFieldMerger() *FieldMerger {
	return &FieldMerger{}
}

// MergeString resolves a string field. Empty values never win. Values must be
// given in evidence order; ties keep the earlier value. ok is false when every
// value is empty.
func (m *FieldMerger) MergeString(values []fieldValue, strategy FieldStrategy) (fieldValue, bool) {
	var (
		best  fieldValue
		found bool
	)
	for _, v := range values {
		if v.Value == "" {
			continue
		}
		if !found {
			best, found = v, true
			continue
		}
		switch strategy {
		case StrategyMostRecent:
			if v.SeenAt.After(best.SeenAt) {
				best = v
			}
		case StrategyLongest:
			if utf8.RuneCountInString(v.Value) > utf8.RuneCountInString(best.Value) {
				best = v
			}
		}
	}
	return best, found
}

// MergeNumber resolves a numeric field. Nil values never win.
func (m *FieldMerger) MergeNumber(values []numericValue, strategy FieldStrategy) (numericValue, bool) {
	var (
		best  numericValue
		found bool
	)
	for _, v := range values {
		if v.Value == nil {
			continue
		}
		if !found {
			best, found = v, true
			continue
		}
		switch strategy {
		case StrategyMax:
			if *v.Value > *best.Value {
				best = v
			}
		case StrategyMostRecent:
			if v.SeenAt.After(best.SeenAt) {
				best = v
			}
		}
	}
	return best, found
}
