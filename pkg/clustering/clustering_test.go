package clustering

import (
	"context"
	"fmt"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/models"
)

func nopLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func pair(a, b string, d models.Decision) *models.ScoredPair {
	return &models.ScoredPair{Record1ID: a, Record2ID: b, Decision: d}
}

func TestUnionFind(t *testing.T) {
	uf := NewUnionFind()

	assert.True(t, uf.Union("a", "b"))
	assert.True(t, uf.Union("b", "c"))
	assert.False(t, uf.Union("a", "c"), "already joined")
	assert.True(t, uf.Connected("a", "c"))

	uf.Add("d")
	assert.False(t, uf.Connected("a", "d"))
	assert.Equal(t, [][]string{{"a", "b", "c"}, {"d"}}, uf.Components())
}

func TestUnionFind_LongChain(t *testing.T) {
	uf := NewUnionFind()
	for i := 0; i < 1000; i++ {
		uf.Union(fmt.Sprintf("r%04d", i), fmt.Sprintf("r%04d", i+1))
	}

	components := uf.Components()
	require.Len(t, components, 1)
	assert.Len(t, components[0], 1001)
	assert.True(t, uf.Connected("r0000", "r1000"))
}

func TestBuilder_Build(t *testing.T) {
	isEdge := func(d models.Decision) bool { return d.IsMatch() }

	t.Run("transitive matches form one cluster", func(t *testing.T) {
		b := NewBuilder(isEdge, nopLogger())
		got := b.Build(context.Background(), []string{"A", "B", "C"}, []*models.ScoredPair{
			pair("A", "B", models.DecisionAutoMerge),
			pair("B", "C", models.DecisionHumanReview),
		})
		assert.Equal(t, [][]string{{"A", "B", "C"}}, got)
	})

	t.Run("unmatched records become singletons", func(t *testing.T) {
		b := NewBuilder(isEdge, nopLogger())
		got := b.Build(context.Background(), []string{"C", "A", "B"}, []*models.ScoredPair{
			pair("A", "B", models.DecisionNoMatch),
		})
		assert.Equal(t, [][]string{{"A"}, {"B"}, {"C"}}, got)
	})

	t.Run("edge policy excludes human review", func(t *testing.T) {
		strict := NewBuilder(func(d models.Decision) bool { return d == models.DecisionAutoMerge }, nopLogger())
		got := strict.Build(context.Background(), []string{"A", "B", "C"}, []*models.ScoredPair{
			pair("A", "B", models.DecisionAutoMerge),
			pair("B", "C", models.DecisionHumanReview),
		})
		assert.Equal(t, [][]string{{"A", "B"}, {"C"}}, got)
	})

	t.Run("order of pairs does not matter", func(t *testing.T) {
		b := NewBuilder(isEdge, nopLogger())
		pairs := []*models.ScoredPair{
			pair("D", "E", models.DecisionAutoMerge),
			pair("A", "B", models.DecisionAutoMerge),
			pair("E", "A", models.DecisionAutoMerge),
		}
		reversed := []*models.ScoredPair{pairs[2], pairs[1], pairs[0]}
		ids := []string{"A", "B", "C", "D", "E"}

		assert.Equal(t, b.Build(context.Background(), ids, pairs), b.Build(context.Background(), ids, reversed))
	})
}
