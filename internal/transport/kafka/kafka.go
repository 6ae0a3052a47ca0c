// Package kafka carries outcome messages between ledgers over Kafka. Each
// destination endpoint reads its own topic; messages are keyed by market id
// so every outcome of a market lands on one partition.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/atmx/settlement-engine/internal/messenger"
	"github.com/atmx/settlement-engine/internal/model"
)

// Header names set on every message.
const (
	HeaderGUID   = "guid"
	HeaderNonce  = "nonce"
	HeaderSource = "src"
	HeaderFee    = "fee"
)

// Config selects brokers, topics and pricing.
type Config struct {
	Brokers     []string
	TopicPrefix string
	Source      uint32
	Tariff      messenger.Tariff
}

// Topic returns the inbound topic of endpoint eid.
func (c Config) Topic(eid uint32) string {
	return c.TopicPrefix + strconv.FormatUint(uint64(eid), 10)
}

// NewWriter returns a writer for topic.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
	}
}

// NewReader returns a group reader for topic. Offsets are committed
// explicitly by the Consumer.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Transport publishes outcome messages to per-destination topics.
type Transport struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	writers map[uint32]messageWriter
	nonces  map[uint32]uint64

	newWriter func(topic string) messageWriter
}

var _ messenger.Transport = (*Transport)(nil)

// NewTransport creates a Transport. Writers are opened lazily per
// destination.
func NewTransport(cfg Config, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Transport{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "kafka_transport")),
		writers: make(map[uint32]messageWriter),
		nonces:  make(map[uint32]uint64),
	}
	t.newWriter = func(topic string) messageWriter { return NewWriter(cfg.Brokers, topic) }
	return t
}

// Quote prices payload with the configured tariff.
func (t *Transport) Quote(_ context.Context, _ uint32, payload []byte, opts messenger.DeliveryOptions) (model.Amount, error) {
	return t.cfg.Tariff.Fee(payload, opts)
}

// Send publishes payload to the topic of dst and returns once the brokers
// acknowledge it.
func (t *Transport) Send(ctx context.Context, dst uint32, payload []byte, opts messenger.DeliveryOptions, fee model.Amount) (messenger.DeliveryHandle, error) {
	quote, err := t.Quote(ctx, dst, payload, opts)
	if err != nil {
		return messenger.DeliveryHandle{}, err
	}
	if fee.Lt(quote) {
		return messenger.DeliveryHandle{}, model.ErrInsufficientFee
	}
	p, err := messenger.Decode(payload)
	if err != nil {
		return messenger.DeliveryHandle{}, err
	}

	t.mu.Lock()
	w, ok := t.writers[dst]
	if !ok {
		w = t.newWriter(t.cfg.Topic(dst))
		t.writers[dst] = w
	}
	t.nonces[dst]++
	nonce := t.nonces[dst]
	t.mu.Unlock()

	guid := messenger.NewGUID(nonce, t.cfg.Source, dst, payload)
	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(p.MarketID, 10)),
		Value: payload,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: HeaderGUID, Value: []byte(guid.Hex())},
			{Key: HeaderNonce, Value: []byte(strconv.FormatUint(nonce, 10))},
			{Key: HeaderSource, Value: []byte(strconv.FormatUint(uint64(t.cfg.Source), 10))},
			{Key: HeaderFee, Value: []byte(fee.String())},
		},
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		return messenger.DeliveryHandle{}, fmt.Errorf("write %s: %w", t.cfg.Topic(dst), err)
	}
	t.logger.Debug("message published",
		zap.String("topic", t.cfg.Topic(dst)),
		zap.Uint64("market_id", p.MarketID),
		zap.Uint64("nonce", nonce),
	)
	return messenger.DeliveryHandle{ID: uuid.NewString(), GUID: guid, Nonce: nonce}, nil
}

// Close closes every open writer.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for dst, w := range t.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(t.writers, dst)
	}
	return errors.Join(errs...)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer feeds messages from one topic into a messenger.Handler. An offset
// is committed only after the handler accepts the message. Messages the
// handler rejects as invalid or for an unknown market are sent to
// DeadLetter (when set) and committed; any other failure is retried.
type Consumer struct {
	Log        *zap.Logger
	Reader     messageReader
	Handler    messenger.Handler
	DeadLetter messageWriter
	Backoff    time.Duration

	OnConsumed func()
	OnError    func(string)
}

// NewConsumer builds a Consumer reading the inbound topic of cfg.Source.
func NewConsumer(cfg Config, groupID string, h messenger.Handler, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		Log:        logger.With(zap.String("component", "kafka_consumer")),
		Reader:     NewReader(cfg.Brokers, cfg.Topic(cfg.Source), groupID),
		Handler:    h,
		DeadLetter: NewWriter(cfg.Brokers, cfg.Topic(cfg.Source)+".dlq"),
		Backoff:    500 * time.Millisecond,
	}
}

func (c *Consumer) fail(phase string) {
	if c.OnError != nil {
		c.OnError(phase)
	}
}

func (c *Consumer) sleep(ctx context.Context) error {
	d := c.Backoff
	if d <= 0 {
		d = 500 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		m, err := c.Reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.Log.Warn("kafka fetch failed", zap.Error(err))
			c.fail("fetch")
			if err := c.sleep(ctx); err != nil {
				return err
			}
			continue
		}
		if c.OnConsumed != nil {
			c.OnConsumed()
		}

		if err := c.handle(ctx, m); err != nil {
			return err
		}

		for {
			err := c.Reader.CommitMessages(ctx, m)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.Log.Warn("kafka commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
			c.fail("commit")
			if err := c.sleep(ctx); err != nil {
				return err
			}
		}
	}
}

// handle runs the handler until it succeeds or rejects m permanently. It
// returns an error only when ctx ends.
func (c *Consumer) handle(ctx context.Context, m kafka.Message) error {
	for {
		err := c.Handler(ctx, m.Value)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, model.ErrInvalidPayload) || errors.Is(err, model.ErrUnknownMarket) {
			c.Log.Error("message rejected",
				zap.Int64("offset", m.Offset),
				zap.ByteString("key", m.Key),
				zap.Error(err),
			)
			c.fail("rejected")
			c.deadLetter(ctx, m, err)
			return nil
		}
		c.Log.Warn("message handler failed, retrying", zap.Int64("offset", m.Offset), zap.Error(err))
		c.fail("handle")
		if err := c.sleep(ctx); err != nil {
			return err
		}
	}
}

func (c *Consumer) deadLetter(ctx context.Context, m kafka.Message, cause error) {
	if c.DeadLetter == nil {
		return
	}
	dl := kafka.Message{
		Key:     m.Key,
		Value:   m.Value,
		Time:    time.Now(),
		Headers: append(append([]kafka.Header(nil), m.Headers...), kafka.Header{Key: "error", Value: []byte(cause.Error())}),
	}
	if err := c.DeadLetter.WriteMessages(ctx, dl); err != nil {
		c.Log.Error("dead letter write failed", zap.Error(err))
		c.fail("dead_letter")
	}
}

// Close closes the reader and dead-letter writer.
func (c *Consumer) Close() error {
	var errs []error
	if c.Reader != nil {
		errs = append(errs, c.Reader.Close())
	}
	if c.DeadLetter != nil {
		errs = append(errs, c.DeadLetter.Close())
	}
	return errors.Join(errs...)
}
