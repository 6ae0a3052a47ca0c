// Package ledger holds the per-chain market state container. One Ledger type
// serves both sides of the bridge; its Role decides who assigns market ids
// and which operations are permitted.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/payout"
	"github.com/atmx/settlement-engine/internal/store"
)

// ResolveSource labels who resolved a market, for metrics and events.
type ResolveSource string

const (
	SourceOracle  ResolveSource = "oracle"
	SourceMessage ResolveSource = "message"
)

// MarketParams are the inputs to CreateMarket. ID must be zero on the origin
// ledger and non-zero on the display ledger.
type MarketParams struct {
	ID               uint64
	Title            string
	Description      string
	Category         model.Category
	Options          []string
	ExpirationDate   time.Time
	VerificationTime time.Duration
	Creator          common.Address
	Reward           model.Amount
	Bond             model.Amount
}

// Event is emitted after every committed state change.
type Event struct {
	Type     string        `json:"type"`
	MarketID uint64        `json:"market_id"`
	Market   *model.Market `json:"market,omitempty"`
	Bet      *model.Bet    `json:"bet,omitempty"`
	Amount   *model.Amount `json:"amount,omitempty"`
}

// Event types.
const (
	EventMarketCreated = "market_created"
	EventBetPlaced     = "bet_placed"
	EventRequested     = "settlement_requested"
	EventResolved      = "market_resolved"
	EventClaimed       = "claimed"
	EventRelayed       = "outcome_relayed"
)

// Ledger enforces the invariants of one chain's markets and bets.
type Ledger struct {
	role   model.Role
	store  store.Store
	locks  store.Locker
	now    func() time.Time
	logger *zap.Logger
	notify func(Event)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLocker replaces the default in-process keyed mutex.
func WithLocker(l store.Locker) Option { return func(lg *Ledger) { lg.locks = l } }

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(lg *Ledger) { lg.now = now } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(lg *Ledger) { lg.logger = l } }

// WithNotifier registers a callback invoked after each committed change.
func WithNotifier(fn func(Event)) Option { return func(lg *Ledger) { lg.notify = fn } }

// New creates a Ledger for role backed by st.
func New(role model.Role, st store.Store, opts ...Option) *Ledger {
	lg := &Ledger{
		role:   role,
		store:  st,
		locks:  store.NewKeyedMutex(),
		now:    time.Now,
		logger: zap.NewNop(),
		notify: func(Event) {},
	}
	for _, o := range opts {
		o(lg)
	}
	lg.logger = lg.logger.With(zap.String("role", string(role)))
	return lg
}

// Role returns the ledger's configured side of the bridge.
func (l *Ledger) Role() model.Role { return l.role }

// Now returns the ledger's current time.
func (l *Ledger) Now() time.Time { return l.now() }

// CreateMarket validates p and stores a new market with empty pools.
func (l *Ledger) CreateMarket(ctx context.Context, p MarketParams) (*model.Market, error) {
	now := l.now()
	if err := l.validateParams(p, now); err != nil {
		return nil, err
	}

	id := p.ID
	switch l.role {
	case model.RoleOrigin:
		if id != 0 {
			return nil, model.ErrUnexpectedID
		}
		next, err := l.store.NextMarketID(ctx)
		if err != nil {
			return nil, fmt.Errorf("ledger: assign id: %w", err)
		}
		id = next
	case model.RoleDisplay:
		if id == 0 {
			return nil, model.ErrMissingMarketID
		}
		// Outcome messages and the SQL schema carry ids as signed 64-bit.
		if id > math.MaxInt64 {
			return nil, fmt.Errorf("%w: id %d exceeds %d", model.ErrInvalidMarket, id, int64(math.MaxInt64))
		}
	}

	m := &model.Market{
		ID:               id,
		Title:            strings.TrimSpace(p.Title),
		Description:      p.Description,
		Category:         p.Category,
		Options:          append([]string(nil), p.Options...),
		ExpirationDate:   p.ExpirationDate.UTC(),
		VerificationTime: p.VerificationTime,
		PoolAmounts:      make([]model.Amount, len(p.Options)),
		Outcome:          model.NoOutcome,
		Creator:          p.Creator,
		Reward:           p.Reward,
		Bond:             p.Bond,
		CreatedAt:        now.UTC(),
	}
	if err := l.store.InsertMarket(ctx, m); err != nil {
		return nil, err
	}

	metrics.MarketsCreated.WithLabelValues(string(l.role)).Inc()
	l.logger.Info("market created",
		zap.Uint64("market_id", m.ID),
		zap.Int("options", len(m.Options)),
		zap.Time("expires", m.ExpirationDate),
	)
	l.notify(Event{Type: EventMarketCreated, MarketID: m.ID, Market: m.Clone()})
	return m, nil
}

func (l *Ledger) validateParams(p MarketParams, now time.Time) error {
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("%w: title is empty", model.ErrInvalidMarket)
	}
	if len(p.Options) < 2 {
		return fmt.Errorf("%w: need at least 2 options, got %d", model.ErrInvalidMarket, len(p.Options))
	}
	for i, o := range p.Options {
		if strings.TrimSpace(o) == "" {
			return fmt.Errorf("%w: option %d is empty", model.ErrInvalidMarket, i)
		}
	}
	if !p.Category.Valid() {
		return fmt.Errorf("%w: unknown category %d", model.ErrInvalidMarket, p.Category)
	}
	if p.VerificationTime < 0 {
		return fmt.Errorf("%w: negative verification time", model.ErrInvalidMarket)
	}
	if p.ExpirationDate.IsZero() {
		return fmt.Errorf("%w: expiration date is required", model.ErrInvalidMarket)
	}
	// The display ledger mirrors markets that may have expired in transit.
	if l.role == model.RoleOrigin && !p.ExpirationDate.After(now) {
		return fmt.Errorf("%w: expiration date is in the past", model.ErrInvalidMarket)
	}
	return nil
}

// PlaceBet adds amount to option of market id on behalf of user. Bets are
// additive across calls and options.
func (l *Ledger) PlaceBet(ctx context.Context, id uint64, user common.Address, option int, amount model.Amount) (*model.Bet, error) {
	start := time.Now()
	if amount.IsZero() {
		return nil, model.ErrZeroAmount
	}

	unlock, err := l.locks.Lock(ctx, store.MarketLockKey(id))
	if err != nil {
		return nil, fmt.Errorf("ledger: lock market %d: %w", id, err)
	}
	defer unlock()

	m, err := l.store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	now := l.now()
	switch {
	case m.IsResolved:
		return nil, model.ErrMarketResolved
	case m.Expired(now):
		return nil, model.ErrMarketExpired
	case option < 0 || option >= len(m.Options):
		return nil, fmt.Errorf("%w: %d of %d", model.ErrInvalidOption, option, len(m.Options))
	}

	b, err := l.store.GetBet(ctx, id, user)
	if errors.Is(err, model.ErrNotFound) {
		b = &model.Bet{
			MarketID:        id,
			User:            user,
			PerOptionAmount: make([]model.Amount, len(m.Options)),
		}
	} else if err != nil {
		return nil, err
	}

	// Compute both sums before mutating anything so an overflow leaves no trace.
	pool, err := m.PoolAmounts[option].Add(amount)
	if err != nil {
		return nil, err
	}
	if _, err := payout.Total(append(append([]model.Amount(nil), m.PoolAmounts...), amount)); err != nil {
		return nil, err
	}
	stake, err := b.PerOptionAmount[option].Add(amount)
	if err != nil {
		return nil, err
	}
	m.PoolAmounts[option] = pool
	b.PerOptionAmount[option] = stake
	b.UpdatedAt = now.UTC()

	if err := l.store.SaveBetAndMarket(ctx, m, b); err != nil {
		return nil, fmt.Errorf("ledger: save bet: %w", err)
	}

	metrics.BetsPlaced.WithLabelValues(string(l.role)).Inc()
	metrics.BetLatency.WithLabelValues(string(l.role)).Observe(time.Since(start).Seconds())
	l.logger.Info("bet placed",
		zap.Uint64("market_id", id),
		zap.String("user", user.Hex()),
		zap.Int("option", option),
		zap.Stringer("amount", amount),
	)
	l.notify(Event{Type: EventBetPlaced, MarketID: id, Market: m.Clone(), Bet: b.Clone()})
	return b, nil
}

// Resolve fixes the outcome of market id. It is the only writer of IsResolved
// and Outcome, and fails with model.ErrAlreadyResolved on a second call.
//
// The display ledger only resolves from delivered messages and the origin
// ledger only from the oracle.
func (l *Ledger) Resolve(ctx context.Context, id uint64, outcome int64, source ResolveSource) (*model.Market, error) {
	if (l.role == model.RoleDisplay) != (source == SourceMessage) {
		return nil, fmt.Errorf("%w: %s ledger cannot resolve from %s", model.ErrWrongRole, l.role, source)
	}
	unlock, err := l.locks.Lock(ctx, store.MarketLockKey(id))
	if err != nil {
		return nil, fmt.Errorf("ledger: lock market %d: %w", id, err)
	}
	defer unlock()

	m, err := l.store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.IsResolved {
		return m, model.ErrAlreadyResolved
	}
	if !m.ValidOutcome(outcome) {
		return nil, fmt.Errorf("%w: %d of %d", model.ErrInvalidOutcome, outcome, len(m.Options))
	}

	m.IsResolved = true
	m.Outcome = outcome
	m.ResolvedAt = l.now().UTC()
	if err := l.store.UpdateMarket(ctx, m); err != nil {
		return nil, fmt.Errorf("ledger: save resolution: %w", err)
	}

	metrics.MarketsResolved.WithLabelValues(string(l.role), string(source)).Inc()
	fields := []zap.Field{
		zap.Uint64("market_id", id),
		zap.Int64("outcome", outcome),
		zap.String("source", string(source)),
	}
	if stuck, err := payout.Unclaimable(m.PoolAmounts, int(outcome)); err == nil && !stuck.IsZero() {
		fields = append(fields, zap.Stringer("unclaimable", stuck))
	}
	l.logger.Info("market resolved", fields...)
	l.notify(Event{Type: EventResolved, MarketID: id, Market: m.Clone()})
	return m, nil
}

// Claim pays out the winnings of user in market id exactly once.
func (l *Ledger) Claim(ctx context.Context, id uint64, user common.Address) (model.Amount, error) {
	unlock, err := l.locks.Lock(ctx, store.MarketLockKey(id))
	if err != nil {
		return model.Amount{}, fmt.Errorf("ledger: lock market %d: %w", id, err)
	}
	defer unlock()

	m, err := l.store.GetMarket(ctx, id)
	if err != nil {
		return model.Amount{}, err
	}
	if !m.IsResolved {
		return model.Amount{}, model.ErrNotResolved
	}
	b, err := l.store.GetBet(ctx, id, user)
	if errors.Is(err, model.ErrNotFound) {
		return model.Amount{}, model.ErrNoWinningStake
	}
	if err != nil {
		return model.Amount{}, err
	}
	if b.Claimed {
		return model.Amount{}, model.ErrAlreadyClaimed
	}
	if b.PerOptionAmount[m.Outcome].IsZero() {
		return model.Amount{}, model.ErrNoWinningStake
	}

	won, err := payout.Winnings(m.PoolAmounts, b.PerOptionAmount, int(m.Outcome))
	if err != nil {
		return model.Amount{}, fmt.Errorf("ledger: compute winnings: %w", err)
	}
	b.Claimed = true
	b.ClaimedAmount = won
	b.UpdatedAt = l.now().UTC()
	if err := l.store.SaveBet(ctx, b); err != nil {
		return model.Amount{}, fmt.Errorf("ledger: save claim: %w", err)
	}

	metrics.ClaimsPaid.WithLabelValues(string(l.role)).Inc()
	l.logger.Info("winnings claimed",
		zap.Uint64("market_id", id),
		zap.String("user", user.Hex()),
		zap.Stringer("amount", won),
	)
	l.notify(Event{Type: EventClaimed, MarketID: id, Bet: b.Clone(), Amount: &won})
	return won, nil
}

// MarkRequested records that settlement of market id was requested at at.
// It re-checks every precondition under the market lock, so it is the
// authoritative guard against duplicate requests.
func (l *Ledger) MarkRequested(ctx context.Context, id uint64, at time.Time) (*model.Market, error) {
	if l.role != model.RoleOrigin {
		return nil, model.ErrWrongRole
	}
	unlock, err := l.locks.Lock(ctx, store.MarketLockKey(id))
	if err != nil {
		return nil, fmt.Errorf("ledger: lock market %d: %w", id, err)
	}
	defer unlock()

	m, err := l.store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := CheckRequestable(m, at); err != nil {
		return nil, err
	}
	m.RequestTime = at.UTC()
	if err := l.store.UpdateMarket(ctx, m); err != nil {
		return nil, fmt.Errorf("ledger: save request time: %w", err)
	}
	l.notify(Event{Type: EventRequested, MarketID: id, Market: m.Clone()})
	return m, nil
}

// ClearRequested undoes MarkRequested when the request could not be placed.
// It only clears a request time equal to at.
func (l *Ledger) ClearRequested(ctx context.Context, id uint64, at time.Time) error {
	unlock, err := l.locks.Lock(ctx, store.MarketLockKey(id))
	if err != nil {
		return fmt.Errorf("ledger: lock market %d: %w", id, err)
	}
	defer unlock()

	m, err := l.store.GetMarket(ctx, id)
	if err != nil {
		return err
	}
	if !m.RequestTime.Equal(at) || m.IsResolved {
		return nil
	}
	m.RequestTime = time.Time{}
	return l.store.UpdateMarket(ctx, m)
}

// MarkRelayed records that the resolved outcome was handed to the transport.
func (l *Ledger) MarkRelayed(ctx context.Context, id uint64) error {
	unlock, err := l.locks.Lock(ctx, store.MarketLockKey(id))
	if err != nil {
		return fmt.Errorf("ledger: lock market %d: %w", id, err)
	}
	defer unlock()

	m, err := l.store.GetMarket(ctx, id)
	if err != nil {
		return err
	}
	if !m.IsResolved {
		return model.ErrNotResolved
	}
	if m.Relayed {
		return nil
	}
	m.Relayed = true
	if err := l.store.UpdateMarket(ctx, m); err != nil {
		return err
	}
	l.notify(Event{Type: EventRelayed, MarketID: id, Market: m.Clone()})
	return nil
}

// CheckRequestable reports why settlement of m cannot be requested at now,
// or nil if it can. Escrow is checked separately.
func CheckRequestable(m *model.Market, now time.Time) error {
	switch {
	case m.IsResolved:
		return model.ErrMarketResolved
	case m.Requested():
		return model.ErrAlreadyRequested
	case now.Before(m.SettlementOpensAt()):
		return fmt.Errorf("%w: opens at %s", model.ErrNotExpiredYet, m.SettlementOpensAt().Format(time.RFC3339))
	}
	return nil
}

// --- Queries ---

// Market returns market id.
func (l *Ledger) Market(ctx context.Context, id uint64) (*model.Market, error) {
	return l.store.GetMarket(ctx, id)
}

// Markets returns every market ordered by id.
func (l *Ledger) Markets(ctx context.Context) ([]model.Market, error) {
	return l.store.ListMarkets(ctx)
}

// Bet returns the bet of user in market id.
func (l *Ledger) Bet(ctx context.Context, id uint64, user common.Address) (*model.Bet, error) {
	return l.store.GetBet(ctx, id, user)
}

// Bets returns every bet of market id.
func (l *Ledger) Bets(ctx context.Context, id uint64) ([]model.Bet, error) {
	if _, err := l.store.GetMarket(ctx, id); err != nil {
		return nil, err
	}
	return l.store.ListBets(ctx, id)
}

// TotalPool returns the sum of all pools of market id.
func (l *Ledger) TotalPool(ctx context.Context, id uint64) (model.Amount, error) {
	m, err := l.store.GetMarket(ctx, id)
	if err != nil {
		return model.Amount{}, err
	}
	return payout.Total(m.PoolAmounts)
}

// PotentialWinnings returns what user would receive if option won, on the
// current pools.
func (l *Ledger) PotentialWinnings(ctx context.Context, id uint64, user common.Address, option int) (model.Amount, error) {
	m, err := l.store.GetMarket(ctx, id)
	if err != nil {
		return model.Amount{}, err
	}
	if option < 0 || option >= len(m.Options) {
		return model.Amount{}, model.ErrInvalidOption
	}
	b, err := l.store.GetBet(ctx, id, user)
	if errors.Is(err, model.ErrNotFound) {
		return model.Amount{}, nil
	}
	if err != nil {
		return model.Amount{}, err
	}
	return payout.Potential(m.PoolAmounts, b.PerOptionAmount, option)
}

// BetStatus derives the status of user's bet in market id.
func (l *Ledger) BetStatus(ctx context.Context, id uint64, user common.Address) (model.BetStatus, error) {
	m, err := l.store.GetMarket(ctx, id)
	if err != nil {
		return "", err
	}
	b, err := l.store.GetBet(ctx, id, user)
	if err != nil {
		return "", err
	}
	return model.StatusOf(m, b, l.now()), nil
}
