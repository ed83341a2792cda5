// Package entitystore owns golden entities: identity, transactional create-or-merge and audits
package entitystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/models"
)

var (
	// ErrConflict marks a serialization failure or lost race. The operation can be retried.
	ErrConflict = errors.New("entity store conflict")
	// ErrTransient marks a connectivity or timeout failure. The operation can be retried.
	ErrTransient = errors.New("entity store unavailable")
	// ErrRetriesExhausted is returned once a retryable failure outlives the retry budget.
	ErrRetriesExhausted = errors.New("entity store retries exhausted")
	// ErrEntityNotFound is returned when an entity id does not exist.
	ErrEntityNotFound = errors.New("golden entity not found")
)

// OwnershipError is returned when a write would give a source record a second owner.
type OwnershipError struct {
	SourceRecordID string
	OwnerID        string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("source record %s already belongs to entity %s", e.SourceRecordID, e.OwnerID)
}

// TxFunc is a read-modify-write step run inside one serializable transaction.
// current is nil when no entity with the id exists yet. Returning a nil entity
// commits nothing and leaves current as the result.
type TxFunc func(current *models.GoldenEntity) (*models.GoldenEntity, error)

// Store persists golden entities, their source ownership, audits and batch pairs.
type Store interface {
	matching.CandidateSource

	Get(ctx context.Context, entityID string) (*models.GoldenEntity, error)
	// FindBySourceRecord returns the entity owning a source record, or ErrEntityNotFound.
	FindBySourceRecord(ctx context.Context, sourceRecordID string) (*models.GoldenEntity, error)
	Search(ctx context.Context, lookup models.EntityLookup, limit int) ([]*models.GoldenEntity, error)

	// RunInTx runs fn against the current row of entityID and persists the
	// returned entity in the same transaction, returning the stored version.
	RunInTx(ctx context.Context, entityID string, fn TxFunc) (*models.GoldenEntity, error)
	// Rebuild replaces an entity with a batch-built version and moves ownership
	// of its source records to it. A previous owner left without records is
	// retired: kept readable through Get with MergedInto set, hidden from lookups.
	Rebuild(ctx context.Context, entity *models.GoldenEntity) (*models.GoldenEntity, error)

	AppendAudit(ctx context.Context, audit *models.MatchAudit) error
	ListAudits(ctx context.Context, entityID string, limit int) ([]*models.MatchAudit, error)

	SaveScoredPairs(ctx context.Context, pairs []*models.ScoredPair) error
	ListScoredPairs(ctx context.Context, runID string) ([]*models.ScoredPair, error)
}

// IsRetryable reports whether a store error may succeed on another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}
