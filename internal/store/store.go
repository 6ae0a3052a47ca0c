// Package store defines the persistence interface for one ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/settlement-engine/internal/model"
)

// Store is the persistence interface. Every method is atomic with respect to
// the rows it touches; callers serialize read-modify-write cycles per market.
type Store interface {
	// --- Markets ---

	// NextMarketID increments and returns the ledger's market counter.
	NextMarketID(ctx context.Context) (uint64, error)

	// InsertMarket persists a new market, failing with model.ErrDuplicateMarket
	// if the id is taken.
	InsertMarket(ctx context.Context, m *model.Market) error

	// GetMarket retrieves a market by id or returns model.ErrMarketNotFound.
	GetMarket(ctx context.Context, id uint64) (*model.Market, error)

	// ListMarkets returns all markets ordered by id.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// UpdateMarket overwrites the mutable fields of an existing market.
	UpdateMarket(ctx context.Context, m *model.Market) error

	// --- Bets ---

	// GetBet returns the bet of user in market or model.ErrNotFound.
	GetBet(ctx context.Context, marketID uint64, user common.Address) (*model.Bet, error)

	// ListBets returns every bet of a market.
	ListBets(ctx context.Context, marketID uint64) ([]model.Bet, error)

	// SaveBet upserts a bet.
	SaveBet(ctx context.Context, b *model.Bet) error

	// SaveBetAndMarket upserts a bet and updates its market in one atomic step.
	SaveBetAndMarket(ctx context.Context, m *model.Market, b *model.Bet) error

	// --- Oracle requests ---

	// GetOracleRequest returns the request of a market or model.ErrNotFound.
	GetOracleRequest(ctx context.Context, marketID uint64) (*model.OracleRequest, error)

	// ListOracleRequests returns all requests ordered by market id.
	ListOracleRequests(ctx context.Context) ([]model.OracleRequest, error)

	// SaveOracleRequest upserts a request.
	SaveOracleRequest(ctx context.Context, r *model.OracleRequest) error

	// --- Escrow ---

	// EscrowBalance returns the funds available for oracle rewards and bonds.
	EscrowBalance(ctx context.Context) (model.Amount, error)

	// CreditEscrow adds amount and returns the new balance.
	CreditEscrow(ctx context.Context, amount model.Amount) (model.Amount, error)

	// DebitEscrow subtracts amount in a single check-and-spend step, failing
	// with model.ErrInsufficientEscrow if the balance is short.
	DebitEscrow(ctx context.Context, amount model.Amount) (model.Amount, error)

	// --- Deliveries ---

	// InsertDelivery records an outbound message.
	InsertDelivery(ctx context.Context, d *model.Delivery) error

	// ListDeliveries returns the deliveries sent for a market.
	ListDeliveries(ctx context.Context, marketID uint64) ([]model.Delivery, error)
}
