package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func nopLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestIncomingMessage_ParseRecord(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("valid record", func(t *testing.T) {
		msg := &IncomingMessage{
			Value:     []byte(`{"source_record_id":"r1","email":"A@X.COM","date_of_birth":"1990-01-02"}`),
			Headers:   map[string]string{HeaderSource: "crm"},
			Timestamp: ts,
		}
		require.NoError(t, msg.ParseRecord())
		assert.Equal(t, "r1", msg.GetSourceRecordID())
		assert.Equal(t, "crm", msg.GetSourceSystem())
		assert.Equal(t, ts, msg.Record.ObservedAt)
		assert.Equal(t, 1990, msg.Record.DateOfBirth.Year())
	})

	t.Run("missing source record id", func(t *testing.T) {
		msg := &IncomingMessage{Key: "k1", Value: []byte(`{"source_system":"crm"}`)}
		assert.Error(t, msg.ParseRecord())
		assert.Nil(t, msg.Record)
		assert.Equal(t, "k1", msg.GetSourceRecordID())
	})

	t.Run("not json", func(t *testing.T) {
		msg := &IncomingMessage{Value: []byte(`nope`)}
		assert.Error(t, msg.ParseRecord())
	})
}

func TestConsumer_ProcessMessage(t *testing.T) {
	ctx := context.Background()
	valid := []byte(`{"source_record_id":"r1","source_system":"crm"}`)

	t.Run("commits after successful handling", func(t *testing.T) {
		reader := &fakeReader{}
		var got *IncomingMessage
		c := NewConsumerWithReader(reader, "records", nopLogger(), func(_ context.Context, msg *IncomingMessage) error {
			got = msg
			return nil
		})

		c.processMessage(ctx, kafka.Message{Offset: 7, Value: valid, Headers: []kafka.Header{{Key: HeaderTraceParent, Value: []byte("00-abc")}}})

		require.NotNil(t, got)
		assert.Equal(t, "r1", got.Record.SourceRecordID)
		assert.Equal(t, "00-abc", got.TraceParent)
		assert.Equal(t, []int64{7}, reader.commits())
	})

	t.Run("handler error is retried before committing", func(t *testing.T) {
		reader := &fakeReader{}
		calls := 0
		c := NewConsumerWithReader(reader, "records", nopLogger(), func(context.Context, *IncomingMessage) error {
			calls++
			if calls < 3 {
				return errors.New("store down")
			}
			return nil
		}).WithRetryBackoff(time.Millisecond)

		c.processMessage(ctx, kafka.Message{Offset: 8, Value: valid})
		assert.Equal(t, 3, calls)
		assert.Equal(t, []int64{8}, reader.commits())
	})

	t.Run("shutdown while failing leaves message uncommitted", func(t *testing.T) {
		reader := &fakeReader{}
		cctx, cancel := context.WithCancel(ctx)
		calls := 0
		c := NewConsumerWithReader(reader, "records", nopLogger(), func(context.Context, *IncomingMessage) error {
			calls++
			if calls == 2 {
				cancel()
			}
			return errors.New("store down")
		}).WithRetryBackoff(time.Millisecond)

		c.processMessage(cctx, kafka.Message{Offset: 8, Value: valid})
		assert.Equal(t, 2, calls)
		assert.Empty(t, reader.commits())
	})

	t.Run("invalid message is reported and committed", func(t *testing.T) {
		reader := &fakeReader{}
		handled := false
		var invalidErr error
		c := NewConsumerWithReader(reader, "records", nopLogger(), func(context.Context, *IncomingMessage) error {
			handled = true
			return nil
		}).OnInvalid(func(_ context.Context, _ *IncomingMessage, err error) {
			invalidErr = err
		})

		c.processMessage(ctx, kafka.Message{Offset: 9, Value: []byte(`{`)})
		assert.False(t, handled)
		assert.Error(t, invalidErr)
		assert.Equal(t, []int64{9}, reader.commits())
	})
}

func TestConsumer_StartStop(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		{Offset: 1, Value: []byte(`{"source_record_id":"r1","source_system":"crm"}`)},
		{Offset: 2, Value: []byte(`{"source_record_id":"r2","source_system":"crm"}`)},
	}}
	done := make(chan string, 2)
	c := NewConsumerWithReader(reader, "records", nopLogger(), func(_ context.Context, msg *IncomingMessage) error {
		done <- msg.Record.SourceRecordID
		return nil
	})

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, "r1", <-done)
	assert.Equal(t, "r2", <-done)
	require.NoError(t, c.Stop())
	assert.Equal(t, []int64{1, 2}, reader.commits())
}

func TestConsumer_FailedMessageBlocksItsPartition(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		{Partition: 0, Offset: 1, Value: []byte(`{"source_record_id":"bad","source_system":"crm"}`)},
		{Partition: 0, Offset: 2, Value: []byte(`{"source_record_id":"r2","source_system":"crm"}`)},
		{Partition: 1, Offset: 1, Value: []byte(`{"source_record_id":"r3","source_system":"crm"}`)},
	}}
	var (
		mu      sync.Mutex
		handled []string
	)
	c := NewConsumerWithReader(reader, "records", nopLogger(), func(_ context.Context, msg *IncomingMessage) error {
		if msg.Record.SourceRecordID == "bad" {
			return errors.New("store down")
		}
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, msg.Record.SourceRecordID)
		return nil
	}).WithWorkers(2).WithRetryBackoff(time.Millisecond)

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool {
		return len(reader.commits()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool {
		return len(reader.commits()) > 1
	}, 100*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, c.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"r3"}, handled)
}

func TestConsumer_PartitionOrder(t *testing.T) {
	var msgs []kafka.Message
	for offset := int64(1); offset <= 5; offset++ {
		for partition := 0; partition < 3; partition++ {
			msgs = append(msgs, kafka.Message{
				Partition: partition,
				Offset:    offset,
				Value:     []byte(`{"source_record_id":"r","source_system":"crm"}`),
			})
		}
	}
	reader := &fakeReader{messages: msgs}

	var (
		mu   sync.Mutex
		seen = map[int][]int64{}
	)
	c := NewConsumerWithReader(reader, "records", nopLogger(), func(_ context.Context, msg *IncomingMessage) error {
		mu.Lock()
		defer mu.Unlock()
		seen[msg.Partition] = append(seen[msg.Partition], msg.Offset)
		return nil
	}).WithWorkers(2)

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool {
		return len(reader.commits()) == len(msgs)
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())

	mu.Lock()
	defer mu.Unlock()
	for partition := 0; partition < 3; partition++ {
		assert.Equal(t, []int64{1, 2, 3, 4, 5}, seen[partition], "partition %d", partition)
	}
}

func TestConsumer_Backoff(t *testing.T) {
	c := NewConsumerWithReader(&fakeReader{}, "records", nopLogger(), nil).WithRetryBackoff(time.Second)
	assert.Equal(t, time.Second, c.backoff(1))
	assert.Equal(t, 4*time.Second, c.backoff(3))
	assert.Equal(t, maxRetryBackoff, c.backoff(20))
}

func TestCompressionCodec(t *testing.T) {
	assert.Equal(t, kafka.Snappy, compressionCodec(""))
	assert.Equal(t, kafka.Gzip, compressionCodec("gzip"))
	assert.Equal(t, kafka.Zstd, compressionCodec("zstd"))
	assert.Equal(t, kafka.Compression(0), compressionCodec("none"))
}
