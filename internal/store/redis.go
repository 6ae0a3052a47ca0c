package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/settlement-engine/internal/model"
)

const evictTimeout = 2 * time.Second

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for markets, the hottest read path. Writes go to the primary store
// and then overwrite the cached copy; cache fills use SET NX so a slow reader
// can never replace a newer value written in the meantime.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	prefix  string
}

// NewCachedStore creates a cached wrapper around a primary store. prefix
// namespaces the keys so both ledgers may share one Redis.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, prefix string) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		prefix:  prefix,
	}
}

// --- Write-through (write to primary, refresh cache) ---

func (s *CachedStore) InsertMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.InsertMarket(ctx, m); err != nil {
		return err
	}
	s.storeMarket(ctx, m)
	return nil
}

func (s *CachedStore) UpdateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.UpdateMarket(ctx, m); err != nil {
		// The primary may or may not have applied the write.
		s.evict(ctx, m.ID)
		return err
	}
	s.storeMarket(ctx, m)
	return nil
}

func (s *CachedStore) SaveBetAndMarket(ctx context.Context, m *model.Market, b *model.Bet) error {
	if err := s.primary.SaveBetAndMarket(ctx, m, b); err != nil {
		s.evict(ctx, m.ID)
		return err
	}
	s.storeMarket(ctx, m)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id uint64) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, s.marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(m); err == nil {
		s.rdb.SetNX(ctx, s.marketKey(id), data, s.ttl)
	}
	return m, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) NextMarketID(ctx context.Context) (uint64, error) {
	return s.primary.NextMarketID(ctx)
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetBet(ctx context.Context, marketID uint64, user common.Address) (*model.Bet, error) {
	return s.primary.GetBet(ctx, marketID, user)
}

func (s *CachedStore) ListBets(ctx context.Context, marketID uint64) ([]model.Bet, error) {
	return s.primary.ListBets(ctx, marketID)
}

func (s *CachedStore) SaveBet(ctx context.Context, b *model.Bet) error {
	return s.primary.SaveBet(ctx, b)
}

func (s *CachedStore) GetOracleRequest(ctx context.Context, marketID uint64) (*model.OracleRequest, error) {
	return s.primary.GetOracleRequest(ctx, marketID)
}

func (s *CachedStore) ListOracleRequests(ctx context.Context) ([]model.OracleRequest, error) {
	return s.primary.ListOracleRequests(ctx)
}

func (s *CachedStore) SaveOracleRequest(ctx context.Context, r *model.OracleRequest) error {
	return s.primary.SaveOracleRequest(ctx, r)
}

func (s *CachedStore) EscrowBalance(ctx context.Context) (model.Amount, error) {
	return s.primary.EscrowBalance(ctx)
}

func (s *CachedStore) CreditEscrow(ctx context.Context, amount model.Amount) (model.Amount, error) {
	return s.primary.CreditEscrow(ctx, amount)
}

func (s *CachedStore) DebitEscrow(ctx context.Context, amount model.Amount) (model.Amount, error) {
	return s.primary.DebitEscrow(ctx, amount)
}

func (s *CachedStore) InsertDelivery(ctx context.Context, d *model.Delivery) error {
	return s.primary.InsertDelivery(ctx, d)
}

func (s *CachedStore) ListDeliveries(ctx context.Context, marketID uint64) ([]model.Delivery, error) {
	return s.primary.ListDeliveries(ctx, marketID)
}

// --- Cache helpers ---

// storeMarket refreshes the cached copy of m. A failed refresh evicts the key
// instead, since the old copy no longer matches the primary.
func (s *CachedStore) storeMarket(ctx context.Context, m *model.Market) {
	data, err := json.Marshal(m)
	if err == nil {
		err = s.rdb.Set(ctx, s.marketKey(m.ID), data, s.ttl).Err()
	}
	if err != nil {
		s.evict(ctx, m.ID)
	}
}

// evict deletes the cached market even when ctx is already done.
func (s *CachedStore) evict(ctx context.Context, id uint64) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), evictTimeout)
	defer cancel()
	s.rdb.Del(dctx, s.marketKey(id))
}

func (s *CachedStore) marketKey(id uint64) string {
	return fmt.Sprintf("%smarket:%d", s.prefix, id)
}

var _ Store = (*CachedStore)(nil)
