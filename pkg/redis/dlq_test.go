package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/internal/testutil"
	"github.com/Ramsey-B/clover/pkg/models"
)

func nopLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func newTestDLQ(t *testing.T) *DeadLetterQueue {
	t.Helper()
	host, port := testutil.StartRedis(t)

	client, err := NewClient(context.Background(), Config{Host: host, Port: port}, nopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return NewDeadLetterQueue(client, "clover:dlq:test", 0, nopLogger())
}

func TestDeadLetterQueue(t *testing.T) {
	dlq := newTestDLQ(t)
	ctx := context.Background()

	rec := &models.RawRecord{SourceRecordID: "r1", SourceSystem: "crm", Email: "a@x.com"}

	first, err := dlq.Add(ctx, &DLQEntry{SourceRecordID: "r1", SourceSystem: "crm", Record: rec, Reason: ReasonProcessingFailed, ErrorMessage: "timeout"})
	require.NoError(t, err)
	second, err := dlq.Add(ctx, &DLQEntry{SourceRecordID: "r2", Payload: "{", Reason: ReasonInvalidRecord})
	require.NoError(t, err)

	count, err := dlq.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	entries, err := dlq.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, second, entries[0].MessageID, "newest first")

	got, err := dlq.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", got.Record.Email)

	t.Run("failed retry requeues with bumped count", func(t *testing.T) {
		err := dlq.Retry(ctx, first, func(context.Context, *models.RawRecord) error { return errors.New("still down") })
		require.Error(t, err)

		_, err = dlq.Get(ctx, first)
		assert.ErrorIs(t, err, ErrEntryNotFound)

		entries, err := dlq.List(ctx, 1)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, 1, entries[0].RetryCount)
		first = entries[0].MessageID
	})

	t.Run("successful retry removes entry", func(t *testing.T) {
		var seen string
		require.NoError(t, dlq.Retry(ctx, first, func(_ context.Context, r *models.RawRecord) error {
			seen = r.SourceRecordID
			return nil
		}))
		assert.Equal(t, "r1", seen)

		count, err := dlq.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("undecoded payload cannot be retried", func(t *testing.T) {
		err := dlq.Retry(ctx, second, func(context.Context, *models.RawRecord) error { return nil })
		assert.Error(t, err)
	})

	t.Run("delete missing entry", func(t *testing.T) {
		assert.ErrorIs(t, dlq.Delete(ctx, "0-1"), ErrEntryNotFound)
	})
}
