package goldenentity

import (
	"strconv"
	"strings"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimilarQuery(t *testing.T) {
	query, args := similarQuery([]float64{3, 4}, 7, 0.7)

	t.Run("ranks in the database and bounds the read", func(t *testing.T) {
		assert.Contains(t, query, "unnest(embedding")
		assert.Contains(t, query, "DESC, entity_id")
		assert.True(t, strings.HasSuffix(strings.TrimSpace(query), "LIMIT $"+strconv.Itoa(len(args))), query)
		assert.Equal(t, 7, args[len(args)-1])
	})

	t.Run("binds the query vector and threshold", func(t *testing.T) {
		require.NotEmpty(t, args)
		assert.Contains(t, args, pq.Float64Array{3, 4})
		assert.Contains(t, args, 5.0)
		assert.Contains(t, args, 2)
		assert.Contains(t, args, 0.7)
	})

	t.Run("only rows with the same dimension", func(t *testing.T) {
		assert.Contains(t, query, "cardinality(embedding) = $")
		assert.Contains(t, query, "embedding IS NOT NULL")
	})
}

func TestVectorNorm(t *testing.T) {
	assert.Equal(t, 5.0, vectorNorm([]float64{3, 4}))
	assert.Zero(t, vectorNorm(nil))
}
