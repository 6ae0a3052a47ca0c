// Package memory is an in-process message network connecting ledgers that
// run in the same binary or test. Delivery is at-least-once: a message whose
// handler fails stays queued and is retried on the next Flush.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/atmx/settlement-engine/internal/messenger"
	"github.com/atmx/settlement-engine/internal/model"
)

// ErrDown is returned by Quote and Send while the network is down.
var ErrDown = errors.New("memory transport: network down")

type envelope struct {
	src, dst uint32
	payload  []byte
	guid     string
}

// Network routes payloads between registered endpoints.
type Network struct {
	tariff messenger.Tariff

	mu        sync.Mutex
	handlers  map[uint32]messenger.Handler
	nonces    map[uint32]uint64
	queue     []envelope
	duplicate bool
	down      bool
}

// NewNetwork creates an empty network pricing messages with tariff.
func NewNetwork(tariff messenger.Tariff) *Network {
	return &Network{
		tariff:   tariff,
		handlers: make(map[uint32]messenger.Handler),
		nonces:   make(map[uint32]uint64),
	}
}

// Register installs the inbound handler of endpoint eid.
func (n *Network) Register(eid uint32, h messenger.Handler) {
	n.mu.Lock()
	n.handlers[eid] = h
	n.mu.Unlock()
}

// SetDuplicate makes every Flush deliver each message twice.
func (n *Network) SetDuplicate(v bool) {
	n.mu.Lock()
	n.duplicate = v
	n.mu.Unlock()
}

// SetDown makes Quote and Send fail with ErrDown.
func (n *Network) SetDown(v bool) {
	n.mu.Lock()
	n.down = v
	n.mu.Unlock()
}

// Pending returns the number of undelivered messages.
func (n *Network) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// Endpoint returns a Transport sending from src.
func (n *Network) Endpoint(src uint32) *Transport {
	return &Transport{net: n, src: src}
}

// Flush delivers every queued message. Messages whose destination has no
// handler, or whose handler fails, stay queued. It returns the number
// delivered and the first handler error.
func (n *Network) Flush(ctx context.Context) (int, error) {
	n.mu.Lock()
	batch := n.queue
	n.queue = nil
	dup := n.duplicate
	n.mu.Unlock()

	var (
		delivered int
		firstErr  error
		retry     []envelope
	)
	for _, env := range batch {
		n.mu.Lock()
		h := n.handlers[env.dst]
		n.mu.Unlock()
		if h == nil {
			retry = append(retry, env)
			continue
		}
		err := h(ctx, env.payload)
		if err == nil && dup {
			err = h(ctx, env.payload)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("deliver %s: %w", env.guid, err)
			}
			retry = append(retry, env)
			continue
		}
		delivered++
	}

	if len(retry) > 0 {
		n.mu.Lock()
		n.queue = append(retry, n.queue...)
		n.mu.Unlock()
	}
	return delivered, firstErr
}

// Transport is one endpoint's view of the network.
type Transport struct {
	net *Network
	src uint32
}

var _ messenger.Transport = (*Transport)(nil)

// Quote prices payload with the network tariff.
func (t *Transport) Quote(_ context.Context, _ uint32, payload []byte, opts messenger.DeliveryOptions) (model.Amount, error) {
	t.net.mu.Lock()
	down := t.net.down
	t.net.mu.Unlock()
	if down {
		return model.Amount{}, ErrDown
	}
	return t.net.tariff.Fee(payload, opts)
}

// Send queues payload for dst.
func (t *Transport) Send(ctx context.Context, dst uint32, payload []byte, opts messenger.DeliveryOptions, fee model.Amount) (messenger.DeliveryHandle, error) {
	quote, err := t.Quote(ctx, dst, payload, opts)
	if err != nil {
		return messenger.DeliveryHandle{}, err
	}
	if fee.Lt(quote) {
		return messenger.DeliveryHandle{}, model.ErrInsufficientFee
	}

	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nonces[dst]++
	nonce := n.nonces[dst]
	guid := messenger.NewGUID(nonce, t.src, dst, payload)
	n.queue = append(n.queue, envelope{
		src:     t.src,
		dst:     dst,
		payload: append([]byte(nil), payload...),
		guid:    guid.Hex(),
	})
	return messenger.DeliveryHandle{ID: uuid.NewString(), GUID: guid, Nonce: nonce}, nil
}
