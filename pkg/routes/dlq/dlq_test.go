package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/internal/middleware"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/redis"
)

func nopLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeQueue struct {
	entries map[string]*redis.DLQEntry
	order   []string
}

func newFakeQueue(entries ...*redis.DLQEntry) *fakeQueue {
	q := &fakeQueue{entries: map[string]*redis.DLQEntry{}}
	for _, e := range entries {
		q.entries[e.MessageID] = e
		q.order = append(q.order, e.MessageID)
	}
	return q
}

func (q *fakeQueue) List(_ context.Context, count int64) ([]redis.DLQEntry, error) {
	var out []redis.DLQEntry
	for _, id := range q.order {
		if e, ok := q.entries[id]; ok && int64(len(out)) < count {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (q *fakeQueue) Get(_ context.Context, id string) (*redis.DLQEntry, error) {
	e, ok := q.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", redis.ErrEntryNotFound, id)
	}
	return e, nil
}

func (q *fakeQueue) Delete(_ context.Context, id string) error {
	if _, ok := q.entries[id]; !ok {
		return fmt.Errorf("%w: %s", redis.ErrEntryNotFound, id)
	}
	delete(q.entries, id)
	return nil
}

func (q *fakeQueue) Count(context.Context) (int64, error) {
	return int64(len(q.entries)), nil
}

func (q *fakeQueue) Retry(ctx context.Context, id string, reprocess redis.ReprocessFunc) error {
	e, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := reprocess(ctx, e.Record); err != nil {
		return fmt.Errorf("retry failed: %w", err)
	}
	return q.Delete(ctx, id)
}

func setup(q Queue, reprocess redis.ReprocessFunc) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(nopLogger())
	NewHandler(q, reprocess, nopLogger()).RegisterRoutes(e.Group("/api/v1"))
	return e
}

func do(e *echo.Echo, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func entries() []*redis.DLQEntry {
	return []*redis.DLQEntry{
		{MessageID: "1-0", SourceRecordID: "r1", Record: &models.RawRecord{SourceRecordID: "r1", SourceSystem: "crm"}, Reason: redis.ReasonProcessingFailed},
		{MessageID: "2-0", SourceRecordID: "r2", Payload: "{", Reason: redis.ReasonInvalidRecord},
	}
}

func TestHandler_ListAndStats(t *testing.T) {
	e := setup(newFakeQueue(entries()...), nil)

	rec := do(e, http.MethodGet, "/api/v1/dlq?count=1")
	require.Equal(t, http.StatusOK, rec.Code)

	var body ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, int64(2), body.Total)
	assert.Equal(t, "r1", body.Entries[0].SourceRecordID)

	rec = do(e, http.MethodGet, "/api/v1/dlq/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"total_entries":2}`, rec.Body.String())
}

func TestHandler_GetAndDelete(t *testing.T) {
	e := setup(newFakeQueue(entries()...), nil)

	rec := do(e, http.MethodGet, "/api/v1/dlq/2-0")
	require.Equal(t, http.StatusOK, rec.Code)
	var entry redis.DLQEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, redis.ReasonInvalidRecord, entry.Reason)

	assert.Equal(t, http.StatusNoContent, do(e, http.MethodDelete, "/api/v1/dlq/2-0").Code)
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodGet, "/api/v1/dlq/2-0").Code)
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodDelete, "/api/v1/dlq/2-0").Code)
}

func TestHandler_Retry(t *testing.T) {
	t.Run("reprocessed entries leave the queue", func(t *testing.T) {
		q := newFakeQueue(entries()...)
		var seen []string
		e := setup(q, func(_ context.Context, rec *models.RawRecord) error {
			seen = append(seen, rec.SourceRecordID)
			return nil
		})

		rec := do(e, http.MethodPost, "/api/v1/dlq/1-0/retry")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"r1"}, seen)
		assert.NotContains(t, q.entries, "1-0")
	})

	t.Run("failed reprocessing is reported", func(t *testing.T) {
		q := newFakeQueue(entries()...)
		e := setup(q, func(context.Context, *models.RawRecord) error { return errors.New("store unavailable") })

		rec := do(e, http.MethodPost, "/api/v1/dlq/1-0/retry")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, q.entries, "1-0")
	})

	t.Run("unknown entry", func(t *testing.T) {
		e := setup(newFakeQueue(), nil)
		assert.Equal(t, http.StatusNotFound, do(e, http.MethodPost, "/api/v1/dlq/9-0/retry").Code)
	})
}
