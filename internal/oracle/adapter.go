package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/question"
	"github.com/atmx/settlement-engine/internal/store"
)

// rollbackTimeout bounds the compensating writes after a failed submit.
const rollbackTimeout = 10 * time.Second

// Config holds adapter settings.
type Config struct {
	// Requester is the address the oracle sees as the request owner.
	Requester common.Address
	// DefaultReward and DefaultBond apply to markets created without their own.
	DefaultReward model.Amount
	DefaultBond   model.Amount
}

// Adapter runs the request → resolve lifecycle of origin markets against an
// Oracle and keeps the escrow that funds rewards and bonds.
type Adapter struct {
	ledger *ledger.Ledger
	store  store.Store
	oracle Oracle
	cfg    Config
	logger *zap.Logger
}

// NewAdapter creates an Adapter. lg must be an origin ledger.
func NewAdapter(lg *ledger.Ledger, st store.Store, o Oracle, cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		ledger: lg,
		store:  st,
		oracle: o,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "oracle")),
	}
}

// stakes returns the reward and bond that settling m costs.
func (a *Adapter) stakes(m *model.Market) (reward, bond, total model.Amount, err error) {
	reward, bond = m.Reward, m.Bond
	if reward.IsZero() {
		reward = a.cfg.DefaultReward
	}
	if bond.IsZero() {
		bond = a.cfg.DefaultBond
	}
	total, err = reward.Add(bond)
	return reward, bond, total, err
}

func keyFor(requester common.Address, m *model.Market, at time.Time) (Key, error) {
	q, err := question.Format(question.Question{
		Title:       m.Title,
		Description: m.Description,
		Options:     m.Options,
	})
	if err != nil {
		return Key{}, err
	}
	return Key{
		Requester:  requester,
		Identifier: question.Identifier,
		Timestamp:  at,
		Question:   q,
	}, nil
}

// RequestSettlement escrows reward and bond and submits market id to the
// oracle. It fails with model.ErrAlreadyRequested, model.ErrNotExpiredYet,
// model.ErrMarketResolved or model.ErrInsufficientEscrow without changing
// any state.
func (a *Adapter) RequestSettlement(ctx context.Context, id uint64) (*model.OracleRequest, error) {
	if a.ledger.Role() != model.RoleOrigin {
		return nil, model.ErrWrongRole
	}
	// Oracle timestamps have second resolution.
	at := a.ledger.Now().UTC().Truncate(time.Second)

	m, err := a.ledger.Market(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ledger.CheckRequestable(m, at); err != nil {
		metrics.OracleRequests.WithLabelValues("rejected").Inc()
		return nil, err
	}
	reward, bond, total, err := a.stakes(m)
	if err != nil {
		return nil, err
	}
	key, err := keyFor(a.cfg.Requester, m, at)
	if err != nil {
		return nil, fmt.Errorf("oracle: format question: %w", err)
	}

	// Every failure after the debit must refund. Compensation runs detached
	// from ctx so a cancelled caller cannot leave the market half requested.
	balance, err := a.store.DebitEscrow(ctx, total)
	if err != nil {
		metrics.OracleRequests.WithLabelValues("insufficient_escrow").Inc()
		return nil, err
	}
	refund := func(reason string) {
		rctx, cancel := detached(ctx)
		defer cancel()
		bal, err := a.store.CreditEscrow(rctx, total)
		if err != nil {
			a.logger.Error("escrow refund failed",
				zap.Uint64("market_id", id), zap.Stringer("amount", total), zap.Error(err))
			return
		}
		a.observeBalance(bal)
		a.logger.Info("escrow refunded", zap.Uint64("market_id", id), zap.String("reason", reason))
	}

	if _, err := a.ledger.MarkRequested(ctx, id, at); err != nil {
		refund("mark requested failed")
		return nil, err
	}

	if err := a.oracle.SubmitRequest(ctx, key, reward, bond); err != nil {
		if !errors.Is(err, ErrRequestPlaced) {
			refund("submit failed")
			rctx, cancel := detached(ctx)
			if clearErr := a.ledger.ClearRequested(rctx, id, at); clearErr != nil {
				a.logger.Error("clear request time failed", zap.Uint64("market_id", id), zap.Error(clearErr))
			}
			cancel()
			metrics.OracleRequests.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("%w: submit request: %v", model.ErrOracleUnavailable, err)
		}
		// The request is live and its reward is spent; keep the escrow
		// debit and the request time so polling follows it.
		metrics.OracleRequests.WithLabelValues("partial").Inc()
		a.logger.Warn("oracle request placed with incomplete configuration",
			zap.Uint64("market_id", id), zap.Stringer("key", key.ID()), zap.Error(err))
	}

	req := &model.OracleRequest{
		MarketID:        id,
		Requester:       key.Requester,
		Identifier:      key.Identifier,
		Timestamp:       at,
		Question:        key.Question,
		Reward:          reward,
		Bond:            bond,
		State:           model.RequestRequested,
		ResolvedOutcome: model.NoOutcome,
		UpdatedAt:       at,
	}
	sctx, cancel := detached(ctx)
	defer cancel()
	if err := a.store.SaveOracleRequest(sctx, req); err != nil {
		// The request is live at the oracle and RequestTime is set; polling
		// rebuilds the key from the market.
		a.logger.Error("save oracle request failed", zap.Uint64("market_id", id), zap.Error(err))
	}

	a.observeBalance(balance)
	metrics.OracleRequests.WithLabelValues("submitted").Inc()
	a.logger.Info("settlement requested",
		zap.Uint64("market_id", id),
		zap.Stringer("key", key.ID()),
		zap.Stringer("reward", reward),
		zap.Stringer("bond", bond),
	)
	return req, nil
}

// PollAndSettle asks the oracle for the outcome of market id and resolves the
// market when a valid one is available. settled is false while the oracle
// has no answer. Out-of-range answers fail with
// model.ErrOracleOutcomeOutOfRange and leave the market unresolved; later
// polls are still honoured.
func (a *Adapter) PollAndSettle(ctx context.Context, id uint64) (settled bool, err error) {
	m, err := a.ledger.Market(ctx, id)
	if err != nil {
		return false, err
	}
	if m.IsResolved {
		return true, nil
	}
	if !m.Requested() {
		return false, model.ErrNotRequested
	}

	req, key, err := a.requestKey(ctx, m)
	if err != nil {
		return false, err
	}

	outcome, ok, err := a.oracle.ResolvedOutcome(ctx, key)
	if err != nil {
		metrics.OraclePolls.WithLabelValues("error").Inc()
		return false, fmt.Errorf("%w: poll: %v", model.ErrOracleUnavailable, err)
	}
	if !ok {
		metrics.OraclePolls.WithLabelValues("pending").Inc()
		a.recordPendingState(ctx, req, key)
		return false, nil
	}

	if !m.ValidOutcome(outcome) {
		metrics.OraclePolls.WithLabelValues("rejected").Inc()
		a.saveRequestState(ctx, req, model.RequestRejected, outcome)
		a.logger.Warn("oracle outcome out of range",
			zap.Uint64("market_id", id),
			zap.Int64("outcome", outcome),
			zap.Int("options", len(m.Options)),
		)
		return false, fmt.Errorf("%w: %d with %d options", model.ErrOracleOutcomeOutOfRange, outcome, len(m.Options))
	}

	if _, err := a.ledger.Resolve(ctx, id, outcome, ledger.SourceOracle); err != nil && !errors.Is(err, model.ErrAlreadyResolved) {
		return false, err
	}
	metrics.OraclePolls.WithLabelValues("resolved").Inc()
	a.saveRequestState(ctx, req, model.RequestResolved, outcome)
	return true, nil
}

// requestKey returns the stored request of m, if any, and the key it was
// submitted under.
func (a *Adapter) requestKey(ctx context.Context, m *model.Market) (*model.OracleRequest, Key, error) {
	req, err := a.store.GetOracleRequest(ctx, m.ID)
	if errors.Is(err, model.ErrNotFound) {
		key, err := keyFor(a.cfg.Requester, m, m.RequestTime)
		return nil, key, err
	}
	if err != nil {
		return nil, Key{}, err
	}
	return req, Key{Requester: req.Requester, Identifier: req.Identifier, Timestamp: req.Timestamp, Question: req.Question}, nil
}

// Key returns the oracle key market id was submitted under. It fails with
// model.ErrNotRequested before RequestSettlement.
func (a *Adapter) Key(ctx context.Context, id uint64) (Key, error) {
	m, err := a.ledger.Market(ctx, id)
	if err != nil {
		return Key{}, err
	}
	if !m.Requested() {
		return Key{}, model.ErrNotRequested
	}
	_, key, err := a.requestKey(ctx, m)
	return key, err
}

// Oracle returns the oracle the adapter submits to.
func (a *Adapter) Oracle() Oracle { return a.oracle }

func (a *Adapter) recordPendingState(ctx context.Context, req *model.OracleRequest, key Key) {
	sr, ok := a.oracle.(StateReader)
	if !ok || req == nil {
		return
	}
	state, err := sr.RequestState(ctx, key)
	if err != nil {
		a.logger.Debug("read oracle state failed", zap.Uint64("market_id", req.MarketID), zap.Error(err))
		return
	}
	if state != req.State && state != model.RequestResolved {
		a.saveRequestState(ctx, req, state, req.ResolvedOutcome)
	}
}

func (a *Adapter) saveRequestState(ctx context.Context, req *model.OracleRequest, state model.RequestState, outcome int64) {
	if req == nil {
		return
	}
	req.State = state
	req.ResolvedOutcome = outcome
	req.UpdatedAt = a.ledger.Now().UTC()
	if err := a.store.SaveOracleRequest(ctx, req); err != nil {
		a.logger.Error("save oracle request state failed", zap.Uint64("market_id", req.MarketID), zap.Error(err))
	}
}

// DepositFunds tops up the escrow. It is always safe to call, concurrently
// with requests or repeatedly.
func (a *Adapter) DepositFunds(ctx context.Context, amount model.Amount) (model.Amount, error) {
	if amount.IsZero() {
		return model.Amount{}, model.ErrZeroAmount
	}
	bal, err := a.store.CreditEscrow(ctx, amount)
	if err != nil {
		return model.Amount{}, err
	}
	a.observeBalance(bal)
	a.logger.Info("escrow deposit", zap.Stringer("amount", amount), zap.Stringer("balance", bal))
	return bal, nil
}

// EscrowBalance returns the funds available for rewards and bonds.
func (a *Adapter) EscrowBalance(ctx context.Context) (model.Amount, error) {
	return a.store.EscrowBalance(ctx)
}

// Request returns the stored oracle request of market id.
func (a *Adapter) Request(ctx context.Context, id uint64) (*model.OracleRequest, error) {
	return a.store.GetOracleRequest(ctx, id)
}

// Requests returns every stored oracle request.
func (a *Adapter) Requests(ctx context.Context) ([]model.OracleRequest, error) {
	return a.store.ListOracleRequests(ctx)
}

// CanSettle reports whether RequestSettlement would currently succeed for
// market id, and why not if it would not.
func (a *Adapter) CanSettle(ctx context.Context, id uint64) (bool, string) {
	m, err := a.ledger.Market(ctx, id)
	if err != nil {
		return false, "market not found"
	}
	now := a.ledger.Now()
	switch {
	case m.IsResolved:
		return false, "market already resolved"
	case m.Requested():
		return false, "settlement already requested"
	case now.Before(m.ExpirationDate):
		return false, "market has not expired yet"
	case now.Before(m.SettlementOpensAt()):
		return false, "verification period has not ended"
	}
	_, _, need, err := a.stakes(m)
	if err != nil {
		return false, "reward plus bond overflows"
	}
	bal, err := a.store.EscrowBalance(ctx)
	if err != nil {
		return false, "escrow balance unavailable"
	}
	if bal.Lt(need) {
		return false, fmt.Sprintf("insufficient escrow: have %s, need %s", bal, need)
	}
	return true, "ready"
}

// detached returns a context that ignores ctx's cancellation but keeps its
// values, bounded by rollbackTimeout.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
}

func (a *Adapter) observeBalance(bal model.Amount) {
	metrics.EscrowBalance.Set(bal.Ether().InexactFloat64())
}
