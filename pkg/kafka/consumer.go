package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/internal/tracing"
)

// MessageHandler processes incoming Kafka messages
type MessageHandler func(ctx context.Context, msg *IncomingMessage) error

// InvalidMessageHandler receives messages whose value is not a valid record.
// The message is committed after it returns.
type InvalidMessageHandler func(ctx context.Context, msg *IncomingMessage, err error)

// Reader is the subset of *kafka.Reader used by the consumer.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	defaultRetryBackoff = time.Second
	maxRetryBackoff     = 30 * time.Second
	laneBuffer          = 16
)

// Consumer handles Kafka message consumption. Messages are routed to a fixed
// set of lanes by partition, so one partition is always handled by one
// goroutine, in offset order.
type Consumer struct {
	reader       Reader
	topic        string
	logger       ectologger.Logger
	handler      MessageHandler
	onInvalid    InvalidMessageHandler
	workers      int
	retryBackoff time.Duration
	wg           sync.WaitGroup
	cancel       context.CancelFunc
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg config.Config, logger ectologger.Logger, handler MessageHandler) *Consumer {
	return NewConsumerWithConfig(ConsumerConfig{
		Brokers:       cfg.KafkaBrokers,
		Topic:         cfg.KafkaInputTopic,
		ConsumerGroup: cfg.KafkaConsumerGroup,
		Workers:       cfg.StreamWorkerCount,
		RetryBackoff:  cfg.KafkaConsumerRetryBackoff,
	}, logger, handler)
}

// ConsumerConfig holds Kafka consumer configuration
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	// Workers is the number of partition lanes; zero means one.
	Workers int
	// RetryBackoff is the first wait before a failed message is handled again.
	RetryBackoff time.Duration
}

// NewConsumerWithConfig creates a new Kafka consumer with explicit config
func NewConsumerWithConfig(cfg ConsumerConfig, logger ectologger.Logger, handler MessageHandler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: time.Second,
	})

	return NewConsumerWithReader(reader, cfg.Topic, logger, handler).
		WithWorkers(cfg.Workers).
		WithRetryBackoff(cfg.RetryBackoff)
}

// NewConsumerWithReader creates a consumer over an existing reader.
func NewConsumerWithReader(reader Reader, topic string, logger ectologger.Logger, handler MessageHandler) *Consumer {
	return &Consumer{
		reader:       reader,
		topic:        topic,
		logger:       logger,
		handler:      handler,
		workers:      1,
		retryBackoff: defaultRetryBackoff,
	}
}

// WithWorkers sets the number of partition lanes.
func (c *Consumer) WithWorkers(n int) *Consumer {
	if n > 0 {
		c.workers = n
	}
	return c
}

// WithRetryBackoff sets the first wait between attempts at a failing message.
func (c *Consumer) WithRetryBackoff(d time.Duration) *Consumer {
	if d > 0 {
		c.retryBackoff = d
	}
	return c
}

// OnInvalid sets the handler for messages that fail to parse.
func (c *Consumer) OnInvalid(fn InvalidMessageHandler) *Consumer {
	c.onInvalid = fn
	return c
}

// Start begins consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	lanes := make([]chan kafka.Message, c.workers)
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, laneBuffer)
		c.wg.Add(1)
		go c.worker(ctx, i, lanes[i])
	}

	c.wg.Add(1)
	go c.consumeLoop(ctx, lanes)

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":   c.topic,
		"workers": c.workers,
	}).Info("Kafka consumer started")
	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.reader.Close()
}

func (c *Consumer) consumeLoop(ctx context.Context, lanes []chan kafka.Message) {
	defer c.wg.Done()
	defer func() {
		for _, lane := range lanes {
			close(lane)
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				c.logger.WithContext(ctx).Info("Consumer loop stopping")
				return
			}
			c.logger.WithContext(ctx).WithError(err).Error("Failed to fetch message")
			continue
		}

		select {
		case lanes[msg.Partition%len(lanes)] <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// worker handles one lane. Messages of a partition arrive in offset order.
func (c *Consumer) worker(ctx context.Context, id int, lane <-chan kafka.Message) {
	defer c.wg.Done()

	c.logger.WithContext(ctx).Debugf("Consumer worker %d started", id)
	for msg := range lane {
		if ctx.Err() != nil {
			break
		}
		c.processMessage(ctx, msg)
	}
	c.logger.WithContext(ctx).Debugf("Consumer worker %d stopped", id)
}

// processMessage handles msg until it succeeds, then commits it. A failing
// message is retried in place so no later offset of its partition is committed
// past it; on shutdown it stays uncommitted and is redelivered.
func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) {
	incoming := newIncomingMessage(msg)
	ctx = tracing.ContextWithTraceParent(ctx, incoming.TraceParent)

	ctx, span := tracing.StartSpan(ctx, "kafka.Consumer.processMessage")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	if err := incoming.ParseRecord(); err != nil {
		log.WithError(err).Error("Failed to parse record message")
		if c.onInvalid != nil {
			c.onInvalid(ctx, incoming, err)
		}
		// Still commit to avoid getting stuck
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			log.WithError(err).Error("Failed to commit message")
		}
		return
	}

	for attempt := 1; ; attempt++ {
		err := c.handler(ctx, incoming)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			log.WithError(err).Warn("Consumer stopping with message uncommitted")
			return
		}

		wait := c.backoff(attempt)
		log.WithError(err).WithFields(map[string]any{
			"attempt":  attempt,
			"retry_in": wait.String(),
		}).Error("Failed to process message")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			log.Warn("Consumer stopping with message uncommitted")
			return
		}
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		log.WithError(err).Error("Failed to commit message")
	}
}

func (c *Consumer) backoff(attempt int) time.Duration {
	wait := c.retryBackoff
	for i := 1; i < attempt && wait < maxRetryBackoff; i++ {
		wait *= 2
	}
	return min(wait, maxRetryBackoff)
}

func newIncomingMessage(msg kafka.Message) *IncomingMessage {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	return &IncomingMessage{
		Key:         string(msg.Key),
		Value:       msg.Value,
		Headers:     headers,
		Partition:   msg.Partition,
		Offset:      msg.Offset,
		Timestamp:   msg.Time,
		Topic:       msg.Topic,
		TraceParent: headers[HeaderTraceParent],
		TraceState:  headers[HeaderTraceState],
	}
}

// Health returns the consumer health status
func (c *Consumer) Health() bool {
	return c.reader != nil
}
