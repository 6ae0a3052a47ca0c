// Package lifecycle drives each market through its states on one ledger.
//
// On the origin ledger the controller requests oracle settlement once a
// market's verification window opens, polls until the oracle answers and
// relays the outcome to the display ledger. On the display ledger it never
// resolves anything itself: markets resolve only from received messages.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/messenger"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/oracle"
	"github.com/atmx/settlement-engine/internal/payout"
)

// State is the ledger-wide state of a market.
type State string

const (
	// StateCreated is a market with no stake yet.
	StateCreated State = "created"
	// StateOpen is a market that has taken bets and is still accepting them.
	StateOpen State = "open"
	// StateExpired is a market past its expiration and not yet settled.
	StateExpired State = "expired"
	// StateSettlementRequested is an origin market awaiting the oracle.
	StateSettlementRequested State = "settlement_requested"
	// StateResolved is a market with a final outcome.
	StateResolved State = "resolved"
)

// StateOf derives the state of m at now.
func StateOf(m *model.Market, now time.Time) State {
	switch {
	case m.IsResolved:
		return StateResolved
	case m.Requested():
		return StateSettlementRequested
	case m.Expired(now):
		return StateExpired
	}
	total, err := payout.Total(m.PoolAmounts)
	if err == nil && total.IsZero() {
		return StateCreated
	}
	return StateOpen
}

// Config tunes the controller.
type Config struct {
	// Destination is the endpoint id of the display ledger.
	Destination uint32
	// BufferPct is added on top of each fee quote.
	BufferPct uint64
}

// Controller orchestrates one ledger.
type Controller struct {
	ledger    *ledger.Ledger
	adapter   *oracle.Adapter
	messenger *messenger.Messenger
	cfg       Config
	logger    *zap.Logger
}

// New creates a Controller. adapter may be nil on the display ledger.
func New(lg *ledger.Ledger, adapter *oracle.Adapter, msgr *messenger.Messenger, cfg Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BufferPct == 0 {
		cfg.BufferPct = messenger.DefaultBufferPct
	}
	return &Controller{
		ledger:    lg,
		adapter:   adapter,
		messenger: msgr,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "lifecycle"), zap.String("role", string(lg.Role()))),
	}
}

// State returns the current state of market id.
func (c *Controller) State(ctx context.Context, id uint64) (State, error) {
	m, err := c.ledger.Market(ctx, id)
	if err != nil {
		return "", err
	}
	return StateOf(m, c.ledger.Now()), nil
}

// Claimable reports whether user can claim on market id now: the market is
// resolved, the bet is unclaimed and it has stake on the outcome.
func (c *Controller) Claimable(ctx context.Context, id uint64, user common.Address) (bool, error) {
	m, err := c.ledger.Market(ctx, id)
	if err != nil {
		return false, err
	}
	if !m.IsResolved {
		return false, nil
	}
	b, err := c.ledger.Bet(ctx, id, user)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if b.Claimed || m.Outcome >= int64(len(b.PerOptionAmount)) {
		return false, nil
	}
	return !b.PerOptionAmount[m.Outcome].IsZero(), nil
}

// Advance moves market id forward by as many steps as are possible now and
// returns the resulting state. On the display ledger it only reads the state.
func (c *Controller) Advance(ctx context.Context, id uint64) (State, error) {
	m, err := c.ledger.Market(ctx, id)
	if err != nil {
		return "", err
	}
	now := c.ledger.Now()
	state := StateOf(m, now)
	if c.ledger.Role() != model.RoleOrigin {
		return state, nil
	}

	if state == StateExpired {
		if now.Before(m.SettlementOpensAt()) {
			return state, nil
		}
		if _, err := c.adapter.RequestSettlement(ctx, id); err != nil {
			return state, fmt.Errorf("lifecycle: request settlement %d: %w", id, err)
		}
		state = StateSettlementRequested
	}

	if state == StateSettlementRequested {
		settled, err := c.adapter.PollAndSettle(ctx, id)
		if err != nil {
			return state, fmt.Errorf("lifecycle: poll %d: %w", id, err)
		}
		if !settled {
			return state, nil
		}
		state = StateResolved
		if m, err = c.ledger.Market(ctx, id); err != nil {
			return state, err
		}
	}

	if state == StateResolved && !m.Relayed && c.messenger != nil {
		if _, err := c.relay(ctx, m); err != nil {
			return state, err
		}
	}
	return state, nil
}

// Relay sends the outcome of resolved market id to the display ledger, even
// if it was sent before. Receivers ignore duplicates.
func (c *Controller) Relay(ctx context.Context, id uint64) (messenger.DeliveryHandle, error) {
	if c.ledger.Role() != model.RoleOrigin {
		return messenger.DeliveryHandle{}, fmt.Errorf("lifecycle: relay: %w", model.ErrWrongRole)
	}
	m, err := c.ledger.Market(ctx, id)
	if err != nil {
		return messenger.DeliveryHandle{}, err
	}
	if !m.IsResolved {
		return messenger.DeliveryHandle{}, fmt.Errorf("lifecycle: relay %d: %w", id, model.ErrNotResolved)
	}
	return c.relay(ctx, m)
}

func (c *Controller) relay(ctx context.Context, m *model.Market) (messenger.DeliveryHandle, error) {
	if c.messenger == nil {
		return messenger.DeliveryHandle{}, fmt.Errorf("lifecycle: relay: %w: no messenger", model.ErrTransportUnavailable)
	}
	h, err := c.messenger.SendOutcome(ctx, c.cfg.Destination, m.ID, m.Outcome, c.cfg.BufferPct)
	if err != nil {
		return messenger.DeliveryHandle{}, fmt.Errorf("lifecycle: relay %d: %w", m.ID, err)
	}
	if err := c.ledger.MarkRelayed(ctx, m.ID); err != nil {
		c.logger.Warn("mark relayed failed", zap.Uint64("market_id", m.ID), zap.Error(err))
	}
	return h, nil
}

// Receive applies an inbound outcome message.
func (c *Controller) Receive(ctx context.Context, payload []byte) (messenger.ReceiveResult, error) {
	if c.messenger == nil {
		return 0, fmt.Errorf("lifecycle: receive: %w: no messenger", model.ErrTransportUnavailable)
	}
	return c.messenger.OnReceive(ctx, payload)
}

// needsWork reports whether Tick should advance m.
func needsWork(m *model.Market, role model.Role) bool {
	if role != model.RoleOrigin {
		return false
	}
	return !m.IsResolved || !m.Relayed
}

// Tick advances every market that has pending work and refreshes the open
// market gauge. Per-market failures are logged and retried next tick.
func (c *Controller) Tick(ctx context.Context) error {
	markets, err := c.ledger.Markets(ctx)
	if err != nil {
		metrics.LifecycleTicks.WithLabelValues("error").Inc()
		return fmt.Errorf("lifecycle: list markets: %w", err)
	}

	now := c.ledger.Now()
	open := 0
	for i := range markets {
		m := &markets[i]
		if s := StateOf(m, now); s == StateCreated || s == StateOpen {
			open++
		}
		if !needsWork(m, c.ledger.Role()) {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		before := StateOf(m, now)
		after, err := c.Advance(ctx, m.ID)
		if err != nil {
			c.logger.Warn("advance failed",
				zap.Uint64("market_id", m.ID),
				zap.String("state", string(before)),
				zap.String("kind", model.KindOf(err).String()),
				zap.Error(err),
			)
			continue
		}
		if after != before {
			c.logger.Info("market advanced",
				zap.Uint64("market_id", m.ID),
				zap.String("from", string(before)),
				zap.String("to", string(after)),
			)
		}
	}
	metrics.OpenMarkets.Set(float64(open))
	metrics.LifecycleTicks.WithLabelValues("ok").Inc()
	return nil
}

// Run calls Tick every interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.logger.Info("lifecycle worker started", zap.Duration("interval", interval))
	for {
		if err := c.Tick(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("lifecycle tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			c.logger.Info("lifecycle worker stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
