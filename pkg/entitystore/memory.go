package entitystore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/models"
)

// MemoryStore is a Store kept in process memory. A single lock serializes writers,
// which makes every RunInTx call serializable. Entities are cloned on the way in and out.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]*models.GoldenEntity
	owners   map[string]string
	audits   []*models.MatchAudit
	pairs    []*models.ScoredPair
	scorer   *matching.Scorer
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: map[string]*models.GoldenEntity{},
		owners:   map[string]string{},
		scorer:   matching.NewScorer(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Get(ctx context.Context, entityID string) (*models.GoldenEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[entityID]
	if !ok {
		return nil, ErrEntityNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStore) FindBySourceRecord(ctx context.Context, sourceRecordID string) (*models.GoldenEntity, error) {
	s.mu.RLock()
	owner, ok := s.owners[sourceRecordID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrEntityNotFound
	}
	return s.Get(ctx, owner)
}

func (s *MemoryStore) Search(ctx context.Context, lookup models.EntityLookup, limit int) ([]*models.GoldenEntity, error) {
	return s.filter(ctx, limit, func(e *models.GoldenEntity) bool {
		if lookup.Email != "" && e.MasterEmail != lookup.Email {
			return false
		}
		if lookup.Phone != "" && e.MasterPhone != lookup.Phone {
			return false
		}
		return true
	})
}

func (s *MemoryStore) FindByEmail(ctx context.Context, email string, limit int) ([]*models.GoldenEntity, error) {
	return s.filter(ctx, limit, func(e *models.GoldenEntity) bool { return email != "" && e.MasterEmail == email })
}

func (s *MemoryStore) FindByPhone(ctx context.Context, phone string, limit int) ([]*models.GoldenEntity, error) {
	return s.filter(ctx, limit, func(e *models.GoldenEntity) bool { return phone != "" && e.MasterPhone == phone })
}

func (s *MemoryStore) FindByNamePrefix(ctx context.Context, prefix string, limit int) ([]*models.GoldenEntity, error) {
	return s.filter(ctx, limit, func(e *models.GoldenEntity) bool {
		return prefix != "" && matching.NamePrefix(e.MasterName) == prefix
	})
}

func (s *MemoryStore) FindByCompany(ctx context.Context, company string, limit int) ([]*models.GoldenEntity, error) {
	return s.filter(ctx, limit, func(e *models.GoldenEntity) bool { return company != "" && e.MasterCompany == company })
}

func (s *MemoryStore) FindByLocation(ctx context.Context, city, state string, limit int) ([]*models.GoldenEntity, error) {
	return s.filter(ctx, limit, func(e *models.GoldenEntity) bool {
		return city != "" && state != "" && e.MasterCity == city && e.MasterState == state
	})
}

// FindSimilarEmbeddings scans every stored embedding and keeps the closest ones.
func (s *MemoryStore) FindSimilarEmbeddings(ctx context.Context, embedding []float64, limit int, minSimilarity float64) ([]*models.GoldenEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	type hit struct {
		entity     *models.GoldenEntity
		similarity float64
	}
	var hits []hit
	for _, e := range s.entities {
		if len(e.Embedding) == 0 || e.Retired() {
			continue
		}
		if sim := s.scorer.CosineSimilarity(embedding, e.Embedding); sim >= minSimilarity {
			hits = append(hits, hit{entity: e, similarity: sim})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].similarity != hits[j].similarity {
			return hits[i].similarity > hits[j].similarity
		}
		return hits[i].entity.EntityID < hits[j].entity.EntityID
	})

	out := make([]*models.GoldenEntity, 0, min(limit, len(hits)))
	for _, h := range hits {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, h.entity.Clone())
	}
	return out, nil
}

// filter returns matching entities in entity id order.
func (s *MemoryStore) filter(ctx context.Context, limit int, keep func(*models.GoldenEntity) bool) ([]*models.GoldenEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.entities))
	for id, e := range s.entities {
		if !e.Retired() && keep(e) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]*models.GoldenEntity, 0, len(ids))
	for _, id := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, s.entities[id].Clone())
	}
	return out, nil
}

func (s *MemoryStore) RunInTx(ctx context.Context, entityID string, fn TxFunc) (*models.GoldenEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	current := s.entities[entityID].Clone()
	next, err := fn(current.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}
	if next.EntityID != entityID {
		return nil, fmt.Errorf("transaction for entity %s returned entity %s", entityID, next.EntityID)
	}
	for _, id := range next.SourceRecordIDs {
		if owner, ok := s.owners[id]; ok && owner != entityID {
			return nil, &OwnershipError{SourceRecordID: id, OwnerID: owner}
		}
	}

	s.put(current, next)
	return next.Clone(), nil
}

func (s *MemoryStore) Rebuild(ctx context.Context, entity *models.GoldenEntity) (*models.GoldenEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	next := entity.Clone()
	released := map[string][]string{}
	for _, id := range next.SourceRecordIDs {
		if owner, ok := s.owners[id]; ok && owner != next.EntityID {
			released[owner] = append(released[owner], id)
		}
	}
	for owner, ids := range released {
		prev := s.entities[owner]
		updated := prev.Clone()
		updated.SourceRecordIDs = without(updated.SourceRecordIDs, ids)
		if len(updated.SourceRecordIDs) == 0 {
			updated.Retire(next.EntityID)
		}
		updated.RefreshDerived()
		s.put(prev, updated)
	}

	s.put(s.entities[next.EntityID], next)
	return next.Clone(), nil
}

// put stores next as the successor of current. Caller holds the write lock.
func (s *MemoryStore) put(current, next *models.GoldenEntity) {
	now := s.now()
	if current == nil {
		next.Version = 1
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
		}
	} else {
		next.Version = current.Version + 1
		next.CreatedAt = current.CreatedAt
	}
	next.UpdatedAt = now
	if len(next.SourceRecordIDs) > 0 {
		next.MergedInto = ""
	}

	if current != nil {
		for _, id := range current.SourceRecordIDs {
			if s.owners[id] == current.EntityID {
				delete(s.owners, id)
			}
		}
	}
	for _, id := range next.SourceRecordIDs {
		s.owners[id] = next.EntityID
	}
	s.entities[next.EntityID] = next.Clone()
}

func (s *MemoryStore) AppendAudit(ctx context.Context, audit *models.MatchAudit) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a := *audit
	s.audits = append(s.audits, &a)
	return nil
}

// ListAudits returns the newest audits first. An empty entityID lists every audit.
func (s *MemoryStore) ListAudits(ctx context.Context, entityID string, limit int) ([]*models.MatchAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.MatchAudit
	for i := len(s.audits) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		a := s.audits[i]
		if entityID == "" || a.EntityID == entityID || a.MatchedEntityID == entityID {
			c := *a
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveScoredPairs(ctx context.Context, pairs []*models.ScoredPair) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range pairs {
		c := *p
		s.pairs = append(s.pairs, &c)
	}
	return nil
}

func (s *MemoryStore) ListScoredPairs(ctx context.Context, runID string) ([]*models.ScoredPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ScoredPair
	for _, p := range s.pairs {
		if runID == "" || p.RunID == runID {
			c := *p
			out = append(out, &c)
		}
	}
	return out, nil
}

// Len counts live entities. Tombstones left by Rebuild are not included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entities {
		if !e.Retired() {
			n++
		}
	}
	return n
}

func without(ids []string, drop []string) []string {
	skip := make(map[string]bool, len(drop))
	for _, id := range drop {
		skip[id] = true
	}
	out := ids[:0:0]
	for _, id := range ids {
		if !skip[id] {
			out = append(out, id)
		}
	}
	return out
}
