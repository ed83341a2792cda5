package clustering

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/internal/tracing"
	"github.com/Ramsey-B/clover/pkg/models"
)

// EdgeFunc reports whether a pair decision links its two records.
type EdgeFunc func(models.Decision) bool

// Builder turns scored pairs into clusters of record ids.
type Builder struct {
	logger ectologger.Logger
	isEdge EdgeFunc
}

func NewBuilder(isEdge EdgeFunc, logger ectologger.Logger) *Builder {
	return &Builder{logger: logger, isEdge: isEdge}
}

// Build returns the connected components over recordIDs. Every record appears in
// exactly one component; records without an edge become singletons.
func (b *Builder) Build(ctx context.Context, recordIDs []string, pairs []*models.ScoredPair) [][]string {
	_, span := tracing.StartSpan(ctx, "clustering.Builder.Build")
	defer span.End()

	uf := NewUnionFind()
	for _, id := range recordIDs {
		uf.Add(id)
	}

	edges := 0
	for _, p := range pairs {
		if !b.isEdge(p.Decision) {
			continue
		}
		edges++
		uf.Union(p.Record1ID, p.Record2ID)
	}

	components := uf.Components()

	singletons := 0
	for _, c := range components {
		if len(c) == 1 {
			singletons++
		}
	}

	b.logger.WithContext(ctx).WithFields(map[string]any{
		"records":    uf.Len(),
		"pairs":      len(pairs),
		"edges":      edges,
		"clusters":   len(components),
		"singletons": singletons,
	}).Info("Built record clusters")

	return components
}
