// Package messenger moves resolved outcomes from the origin ledger to the
// display ledger over a paid, at-least-once transport.
//
// Receiving is idempotent by market id: a market resolves exactly once, so a
// second delivery of its outcome is reported as AlreadyApplied and changes
// nothing.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// ReceiveResult tells the caller what OnReceive did.
type ReceiveResult int

const (
	// Applied means the payload resolved the market.
	Applied ReceiveResult = iota + 1
	// AlreadyApplied means the market was already resolved; nothing changed.
	AlreadyApplied
)

func (r ReceiveResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case AlreadyApplied:
		return "already_applied"
	default:
		return "unknown"
	}
}

// Messenger sends outcomes from one ledger and applies them on another.
type Messenger struct {
	ledger    *ledger.Ledger
	store     store.Store
	transport Transport
	source    uint32
	opts      DeliveryOptions
	logger    *zap.Logger
}

// New creates a Messenger for lg. transport may be nil on a receive-only
// (display) process. source is the local endpoint id recorded in deliveries.
func New(lg *ledger.Ledger, st store.Store, transport Transport, source uint32, opts DeliveryOptions, logger *zap.Logger) *Messenger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.GasLimit == 0 {
		opts.GasLimit = DefaultGasLimit
	}
	return &Messenger{
		ledger:    lg,
		store:     st,
		transport: transport,
		source:    source,
		opts:      opts,
		logger:    logger.With(zap.String("component", "messenger")),
	}
}

// Options returns the delivery options used for quotes and sends.
func (m *Messenger) Options() DeliveryOptions { return m.opts }

// QuoteFee asks the transport what sending payload to dst costs now.
func (m *Messenger) QuoteFee(ctx context.Context, dst uint32, payload []byte) (model.Amount, error) {
	if m.transport == nil {
		return model.Amount{}, fmt.Errorf("%w: no transport configured", model.ErrTransportUnavailable)
	}
	fee, err := m.transport.Quote(ctx, dst, payload, m.opts)
	if err != nil {
		return model.Amount{}, fmt.Errorf("%w: quote: %v", model.ErrTransportUnavailable, err)
	}
	return fee, nil
}

// WithBuffer returns fee increased by pct percent, rounded down.
func WithBuffer(fee model.Amount, pct uint64) (model.Amount, error) {
	extra, err := model.MulDiv(fee, model.NewAmount(pct), model.NewAmount(100))
	if err != nil {
		return model.Amount{}, err
	}
	return fee.Add(extra)
}

// Send delivers payload to dst paying fee. It fails with
// model.ErrInsufficientFee when fee is below a fresh quote and
// model.ErrTransportUnavailable when the transport fails. A successful send
// is recorded as a model.Delivery.
func (m *Messenger) Send(ctx context.Context, dst uint32, payload []byte, fee model.Amount) (DeliveryHandle, error) {
	p, err := Decode(payload)
	if err != nil {
		return DeliveryHandle{}, err
	}
	quote, err := m.QuoteFee(ctx, dst, payload)
	if err != nil {
		metrics.MessagesSent.WithLabelValues("unavailable").Inc()
		return DeliveryHandle{}, err
	}
	if fee.Lt(quote) {
		metrics.MessagesSent.WithLabelValues("insufficient_fee").Inc()
		return DeliveryHandle{}, fmt.Errorf("%w: offered %s, quoted %s", model.ErrInsufficientFee, fee, quote)
	}

	h, err := m.transport.Send(ctx, dst, payload, m.opts, fee)
	if errors.Is(err, model.ErrInsufficientFee) {
		metrics.MessagesSent.WithLabelValues("insufficient_fee").Inc()
		return DeliveryHandle{}, err
	}
	if err != nil {
		metrics.MessagesSent.WithLabelValues("unavailable").Inc()
		return DeliveryHandle{}, fmt.Errorf("%w: send: %v", model.ErrTransportUnavailable, err)
	}

	d := &model.Delivery{
		ID:          h.ID,
		MarketID:    p.MarketID,
		Destination: dst,
		Payload:     payload,
		Fee:         fee,
		GUID:        h.GUID,
		Nonce:       h.Nonce,
		SentAt:      time.Now().UTC(),
	}
	if err := m.store.InsertDelivery(ctx, d); err != nil {
		// The message is already in flight; losing the audit row is not fatal.
		m.logger.Error("record delivery failed", zap.String("guid", h.GUID.Hex()), zap.Error(err))
	}

	metrics.MessagesSent.WithLabelValues("sent").Inc()
	m.logger.Info("outcome sent",
		zap.Uint64("market_id", p.MarketID),
		zap.Int64("outcome", p.Outcome),
		zap.Uint32("src", m.source),
		zap.Uint32("dst", dst),
		zap.String("guid", h.GUID.Hex()),
		zap.Stringer("fee", fee),
	)
	return h, nil
}

// SendOutcome encodes the outcome of market id, quotes, adds bufferPct and
// sends.
func (m *Messenger) SendOutcome(ctx context.Context, dst uint32, id uint64, outcome int64, bufferPct uint64) (DeliveryHandle, error) {
	payload, err := Encode(id, outcome)
	if err != nil {
		return DeliveryHandle{}, err
	}
	quote, err := m.QuoteFee(ctx, dst, payload)
	if err != nil {
		return DeliveryHandle{}, err
	}
	fee, err := WithBuffer(quote, bufferPct)
	if err != nil {
		return DeliveryHandle{}, err
	}
	return m.Send(ctx, dst, payload, fee)
}

// OnReceive applies an inbound payload to the local ledger. It fails with
// model.ErrUnknownMarket for markets that do not exist here; markets are
// never created from messages.
func (m *Messenger) OnReceive(ctx context.Context, payload []byte) (ReceiveResult, error) {
	p, err := Decode(payload)
	if err != nil {
		metrics.MessagesReceived.WithLabelValues("invalid").Inc()
		return 0, err
	}

	mk, err := m.ledger.Resolve(ctx, p.MarketID, p.Outcome, ledger.SourceMessage)
	switch {
	case errors.Is(err, model.ErrMarketNotFound):
		metrics.MessagesReceived.WithLabelValues("unknown_market").Inc()
		m.logger.Warn("message for unknown market", zap.Uint64("market_id", p.MarketID))
		return 0, fmt.Errorf("%w: %d", model.ErrUnknownMarket, p.MarketID)
	case errors.Is(err, model.ErrAlreadyResolved):
		metrics.MessagesReceived.WithLabelValues("duplicate").Inc()
		if mk != nil && mk.Outcome != p.Outcome {
			m.logger.Error("conflicting outcome for resolved market",
				zap.Uint64("market_id", p.MarketID),
				zap.Int64("stored", mk.Outcome),
				zap.Int64("received", p.Outcome),
			)
		}
		return AlreadyApplied, nil
	case err != nil:
		metrics.MessagesReceived.WithLabelValues("error").Inc()
		return 0, err
	}

	metrics.MessagesReceived.WithLabelValues("applied").Inc()
	m.logger.Info("outcome applied", zap.Uint64("market_id", p.MarketID), zap.Int64("outcome", p.Outcome))
	return Applied, nil
}

// Handler adapts OnReceive for transports.
func (m *Messenger) Handler() Handler {
	return func(ctx context.Context, payload []byte) error {
		_, err := m.OnReceive(ctx, payload)
		return err
	}
}

// Deliveries returns the deliveries recorded for market id.
func (m *Messenger) Deliveries(ctx context.Context, id uint64) ([]model.Delivery, error) {
	return m.store.ListDeliveries(ctx, id)
}
