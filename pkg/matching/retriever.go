package matching

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/internal/tracing"
	"github.com/Ramsey-B/clover/pkg/models"
)

// Retrieval is the union of candidates found by every strategy for one record.
type Retrieval struct {
	Entities map[string]*models.GoldenEntity
	// Degraded lists strategies that were skipped or failed, sorted by name.
	Degraded []string
}

// EntityIDs returns the candidate ids in ascending order.
func (r *Retrieval) EntityIDs() []string {
	ids := make([]string, 0, len(r.Entities))
	for id := range r.Entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Retriever runs every strategy's bounded lookup concurrently.
type Retriever struct {
	source     CandidateSource
	strategies []Strategy
	timeout    time.Duration
	logger     ectologger.Logger
}

func NewRetriever(source CandidateSource, strategies []Strategy, timeout time.Duration, logger ectologger.Logger) *Retriever {
	return &Retriever{
		source:     source,
		strategies: strategies,
		timeout:    timeout,
		logger:     logger,
	}
}

// Retrieve never fails as a whole: a strategy that errors or times out is marked degraded.
func (r *Retriever) Retrieve(ctx context.Context, rec *models.StandardizedRecord) *Retrieval {
	ctx, span := tracing.StartSpan(ctx, "matching.Retriever.Retrieve")
	defer span.End()

	result := &Retrieval{Entities: map[string]*models.GoldenEntity{}}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for _, strategy := range r.strategies {
		wg.Add(1)
		go func(strategy Strategy) {
			defer wg.Done()

			found, err := r.retrieveOne(ctx, strategy, rec)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				result.Degraded = append(result.Degraded, strategy.Name())
				return
			}
			for _, entity := range found {
				if entity == nil {
					continue
				}
				if _, ok := result.Entities[entity.EntityID]; !ok {
					result.Entities[entity.EntityID] = entity
				}
			}
		}(strategy)
	}

	wg.Wait()
	sort.Strings(result.Degraded)

	return result
}

func (r *Retriever) retrieveOne(ctx context.Context, strategy Strategy, rec *models.StandardizedRecord) ([]*models.GoldenEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Retriever."+strategy.Name())
	defer span.End()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	found, err := strategy.Retrieve(ctx, r.source, rec)
	if err != nil {
		log := r.logger.WithContext(ctx).WithFields(map[string]any{
			"strategy":         strategy.Name(),
			"source_record_id": rec.SourceRecordID,
		})
		if errors.Is(err, ErrStrategySkipped) {
			log.Debug("Strategy skipped for record")
		} else {
			log.WithError(err).Warn("Candidate retrieval failed, degrading strategy")
		}
		return nil, err
	}
	return found, nil
}
