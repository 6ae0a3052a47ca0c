package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/atmx/settlement-engine/internal/messenger"
	"github.com/atmx/settlement-engine/internal/model"
)

type fakeWriter struct {
	mu     sync.Mutex
	topic  string
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { w.closed = true; return nil }

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

type fakeReader struct {
	ch        chan kafka.Message
	mu        sync.Mutex
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.ch:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
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

func testTransport() (*Transport, map[string]*fakeWriter) {
	writers := make(map[string]*fakeWriter)
	tr := NewTransport(Config{
		TopicPrefix: "outcomes.",
		Source:      101,
		Tariff: messenger.Tariff{
			Base:     model.NewAmount(1000),
			PerByte:  model.NewAmount(10),
			GasPrice: model.NewAmount(1),
		},
	}, nil)
	tr.newWriter = func(topic string) messageWriter {
		w := &fakeWriter{topic: topic}
		writers[topic] = w
		return w
	}
	return tr, writers
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestTransport_QuoteUsesTariff(t *testing.T) {
	tr, _ := testTransport()
	payload, _ := messenger.Encode(7, 1)
	fee, err := tr.Quote(context.Background(), 202, payload, messenger.DefaultDeliveryOptions())
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	want := uint64(1000 + 10*len(payload) + 500_000)
	if fee.Uint64() != want {
		t.Errorf("expected fee %d, got %s", want, fee)
	}
}

func TestTransport_SendPublishesKeyedMessage(t *testing.T) {
	tr, writers := testTransport()
	ctx := context.Background()
	opts := messenger.DefaultDeliveryOptions()
	payload, _ := messenger.Encode(7, 1)
	fee, _ := tr.Quote(ctx, 202, payload, opts)

	h1, err := tr.Send(ctx, 202, payload, opts, fee)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	h2, err := tr.Send(ctx, 202, payload, opts, fee)
	if err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if h1.Nonce != 1 || h2.Nonce != 2 {
		t.Errorf("expected nonces 1,2, got %d,%d", h1.Nonce, h2.Nonce)
	}
	if h1.GUID == h2.GUID {
		t.Error("GUIDs must differ across nonces")
	}

	w := writers["outcomes.202"]
	if w == nil || len(w.msgs) != 2 {
		t.Fatalf("expected 2 messages on outcomes.202, got %+v", writers)
	}
	m := w.msgs[0]
	if string(m.Key) != "7" {
		t.Errorf("expected key 7, got %q", m.Key)
	}
	if got := header(m, HeaderGUID); got != h1.GUID.Hex() {
		t.Errorf("guid header %q, want %s", got, h1.GUID.Hex())
	}
	if got := header(m, HeaderSource); got != "101" {
		t.Errorf("src header %q", got)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !w.closed {
		t.Error("writer not closed")
	}
}

func TestTransport_SendRejectsLowFee(t *testing.T) {
	tr, writers := testTransport()
	payload, _ := messenger.Encode(7, 1)
	_, err := tr.Send(context.Background(), 202, payload, messenger.DefaultDeliveryOptions(), model.NewAmount(1))
	if !errors.Is(err, model.ErrInsufficientFee) {
		t.Fatalf("expected ErrInsufficientFee, got %v", err)
	}
	if len(writers) != 0 {
		t.Error("no writer should be opened for a rejected send")
	}
}

func TestConsumer_CommitsAfterHandler(t *testing.T) {
	rd := &fakeReader{ch: make(chan kafka.Message, 4)}
	dl := &fakeWriter{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu    sync.Mutex
		calls int
	)
	handler := func(_ context.Context, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		// The first attempt fails transiently and must be retried.
		if calls == 1 {
			return errors.New("store unavailable")
		}
		if string(payload) == "bad" {
			return model.ErrInvalidPayload
		}
		return nil
	}
	c := &Consumer{Reader: rd, Handler: handler, DeadLetter: dl, Backoff: time.Millisecond}
	c.Log = zap.NewNop()

	good, _ := messenger.Encode(1, 0)
	rd.ch <- kafka.Message{Offset: 10, Value: good}
	rd.ch <- kafka.Message{Offset: 11, Value: []byte("bad")}

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(rd.commits()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("timed out; commits=%v", rd.commits())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	if got := rd.commits(); got[0] != 10 || got[1] != 11 {
		t.Errorf("expected commits [10 11], got %v", got)
	}
	if dl.count() != 1 {
		t.Errorf("expected 1 dead letter, got %d", dl.count())
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Errorf("expected 3 handler calls, got %d", calls)
	}
}
