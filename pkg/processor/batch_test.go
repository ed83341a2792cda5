package processor

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/entitystore"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/fingerprint"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/models"
)

type fakeGraph struct {
	mu       sync.Mutex
	entities []string
	edges    int
	pruned   int
}

func (g *fakeGraph) ProjectEntity(_ context.Context, entity *models.GoldenEntity) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entities = append(g.entities, entity.EntityID)
	return nil
}

func (g *fakeGraph) ProjectMatches(_ context.Context, pairs []*models.ScoredPair, isEdge func(models.Decision) bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range pairs {
		if isEdge(p.Decision) {
			g.edges++
		}
	}
	return nil
}

func (g *fakeGraph) PruneOrphans(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruned++
	return nil
}

// batchRecords holds a chain a-b-c linked by email then phone, plus two unrelated people.
func batchRecords() []models.RawRecord {
	return []models.RawRecord{
		{SourceRecordID: "c", SourceSystem: "erp", FullName: "JOHN SMITH", Phone: "5551112222", Address: "1 Main St"},
		{SourceRecordID: "a", SourceSystem: "crm", FullName: "JOHN SMITH", Email: "a@x.com", Address: "1 Main St"},
		{SourceRecordID: "b", SourceSystem: "crm", FullName: "JOHN SMITH", Email: "a@x.com", Phone: "5551112222", Address: "1 Main St"},
		{SourceRecordID: "d", SourceSystem: "web", FullName: "MARY JONES", Email: "m@x.com"},
		{SourceRecordID: "e", SourceSystem: "web", FullName: "ZED QUINN"},
	}
}

func newBatchRunner(f *fixture, config BatchConfig, opts ...Option) *BatchRunner {
	return NewBatchRunner(f.engine, f.manager, merging.NewMerger(), config, nopLogger(), opts...)
}

func TestBatchRunner_Run(t *testing.T) {
	ctx := context.Background()
	smithID, _ := fingerprint.DeterministicID("a@x.com", "5551112222")
	maryID, _ := fingerprint.DeterministicID("m@x.com", "")

	f := newFixture(entitystore.NewMemoryStore(), nil)
	graph := &fakeGraph{}
	pub := &fakePublisher{}
	runner := newBatchRunner(f, DefaultBatchConfig(), WithGraph(graph), WithEmitter(events.NewEmitter(pub, nopLogger())))

	result, err := runner.Run(ctx, batchRecords())
	require.NoError(t, err)

	t.Run("transitive matches cluster together", func(t *testing.T) {
		assert.Equal(t, 5, result.Records)
		assert.Equal(t, [][]string{{"a", "b", "c"}, {"d"}, {"e"}}, result.Clusters)
		require.Len(t, result.Entities, 3)
		assert.Equal(t, smithID, result.Entities[0].EntityID)
		assert.Equal(t, maryID, result.Entities[1].EntityID)
		assert.Equal(t, models.ClusterConfidence, result.Entities[0].ConfidenceScore)
		assert.Equal(t, models.DefaultConfidence, result.Entities[1].ConfidenceScore)
	})

	t.Run("only pairs above the floor are kept", func(t *testing.T) {
		require.Len(t, result.Pairs, 2)
		for _, p := range result.Pairs {
			assert.InDelta(t, 0.61, p.CombinedScore, 1e-9)
			assert.Equal(t, models.DecisionHumanReview, p.Decision)
			assert.Equal(t, result.RunID, p.RunID)
		}
		assert.Equal(t, "a", result.Pairs[0].Record1ID)
		assert.Equal(t, "b", result.Pairs[0].Record2ID)

		stored, err := f.store.ListScoredPairs(ctx, result.RunID)
		require.NoError(t, err)
		assert.Len(t, stored, 2)
	})

	t.Run("one audit per record", func(t *testing.T) {
		audits, err := f.store.ListAudits(ctx, "", 0)
		require.NoError(t, err)
		require.Len(t, audits, 5)

		byRecord := map[string]*models.MatchAudit{}
		for _, a := range audits {
			byRecord[a.SourceRecordID] = a
			assert.Equal(t, models.ProcessingPathBatch, a.ProcessingPath)
		}
		assert.Equal(t, models.ActionMerge, byRecord["a"].Action)
		assert.Equal(t, smithID, byRecord["a"].MatchedEntityID)
		assert.Equal(t, models.DecisionHumanReview, byRecord["b"].Decision)
		assert.Equal(t, 2, byRecord["b"].CandidateCount)
		assert.Equal(t, models.ActionCreateNew, byRecord["d"].Action)
		assert.Equal(t, models.DecisionNoMatch, byRecord["d"].Decision)
		assert.Empty(t, byRecord["d"].MatchedEntityID)
	})

	t.Run("graph and events are published", func(t *testing.T) {
		assert.Len(t, graph.entities, 3)
		assert.Equal(t, 2, graph.edges)
		assert.Equal(t, 1, graph.pruned)
		assert.Equal(t, []string{"entity.updated", "entity.updated", "entity.updated", "cluster.rebuilt"}, pub.types())
	})

	t.Run("rerun converges on the same entities", func(t *testing.T) {
		again, err := runner.Run(ctx, batchRecords())
		require.NoError(t, err)

		require.Len(t, again.Entities, 3)
		for i := range result.Entities {
			assert.Equal(t, result.Entities[i].EntityID, again.Entities[i].EntityID)
		}
		assert.Equal(t, 3, f.store.Len())
	})
}

func TestBatchRunner_StrictPolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(entitystore.NewMemoryStore(), func(c *matching.MatchConfig) {
		c.HumanReviewMerges = false
	})
	runner := newBatchRunner(f, DefaultBatchConfig())

	result, err := runner.Run(ctx, batchRecords())
	require.NoError(t, err)

	// a and b survive to the same email and are combined even without a linking pair.
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}, {"d"}, {"e"}}, result.Clusters)
	assert.Equal(t, 4, f.store.Len())
}

func TestBatchRunner_Blocking(t *testing.T) {
	ctx := context.Background()
	f := newFixture(entitystore.NewMemoryStore(), nil)

	config := DefaultBatchConfig()
	config.FullPassLimit = 1
	config.Workers = 3
	runner := newBatchRunner(f, config)

	result, err := runner.Run(ctx, batchRecords())
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b", "c"}, {"d"}, {"e"}}, result.Clusters)
}

func TestBatchRunner_SkipsInvalidAndDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(entitystore.NewMemoryStore(), nil)
	runner := newBatchRunner(f, DefaultBatchConfig())

	recs := append(batchRecords(),
		models.RawRecord{SourceRecordID: "a", SourceSystem: "crm", Email: "other@x.com"},
		models.RawRecord{SourceRecordID: "f"},
	)
	result, err := runner.Run(ctx, recs)
	require.NoError(t, err)

	assert.Equal(t, 5, result.Records)
	assert.Equal(t, []string{"a", "f"}, result.Skipped)
}

func TestBatchRunner_TakesOverStreamEntities(t *testing.T) {
	ctx := context.Background()
	f := newFixture(entitystore.NewMemoryStore(), nil)
	stream := NewStreamProcessor(f.engine, f.manager, nopLogger())

	// c arrives alone on the stream and gets a phone keyed entity.
	outcome, err := stream.Process(ctx, batchRecords()[0])
	require.NoError(t, err)
	phoneID := outcome.EntityID

	runner := newBatchRunner(f, DefaultBatchConfig())
	_, err = runner.Run(ctx, batchRecords())
	require.NoError(t, err)

	retired, err := f.store.Get(ctx, phoneID)
	require.NoError(t, err)
	assert.True(t, retired.Retired())

	owner, err := f.manager.FindOwner(ctx, "c")
	require.NoError(t, err)
	smithID, _ := fingerprint.DeterministicID("a@x.com", "5551112222")
	assert.Equal(t, smithID, owner.EntityID)
}
