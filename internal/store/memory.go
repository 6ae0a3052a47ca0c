package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/settlement-engine/internal/model"
)

type betKey struct {
	marketID uint64
	user     common.Address
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	counter    uint64
	markets    map[uint64]*model.Market
	bets       map[betKey]*model.Bet
	requests   map[uint64]*model.OracleRequest
	escrow     model.Amount
	deliveries []model.Delivery
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:  make(map[uint64]*model.Market),
		bets:     make(map[betKey]*model.Bet),
		requests: make(map[uint64]*model.OracleRequest),
	}
}

func (s *MemoryStore) NextMarketID(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	return s.counter, nil
}

func (s *MemoryStore) InsertMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %d: %w", m.ID, model.ErrDuplicateMarket)
	}
	// Store a copy to avoid external mutation.
	s.markets[m.ID] = m.Clone()
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id uint64) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %d: %w", id, model.ErrMarketNotFound)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m.Clone())
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].ID < markets[j].ID })
	return markets, nil
}

func (s *MemoryStore) UpdateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateMarketLocked(m)
}

func (s *MemoryStore) updateMarketLocked(m *model.Market) error {
	if _, ok := s.markets[m.ID]; !ok {
		return fmt.Errorf("market %d: %w", m.ID, model.ErrMarketNotFound)
	}
	s.markets[m.ID] = m.Clone()
	return nil
}

func (s *MemoryStore) GetBet(_ context.Context, marketID uint64, user common.Address) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bets[betKey{marketID, user}]
	if !ok {
		return nil, fmt.Errorf("bet %d/%s: %w", marketID, user.Hex(), model.ErrNotFound)
	}
	return b.Clone(), nil
}

func (s *MemoryStore) ListBets(_ context.Context, marketID uint64) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Bet
	for k, b := range s.bets {
		if k.marketID == marketID {
			result = append(result, *b.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].User.Cmp(result[j].User) < 0
	})
	return result, nil
}

func (s *MemoryStore) SaveBet(_ context.Context, b *model.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bets[betKey{b.MarketID, b.User}] = b.Clone()
	return nil
}

func (s *MemoryStore) SaveBetAndMarket(_ context.Context, m *model.Market, b *model.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.updateMarketLocked(m); err != nil {
		return err
	}
	s.bets[betKey{b.MarketID, b.User}] = b.Clone()
	return nil
}

func (s *MemoryStore) GetOracleRequest(_ context.Context, marketID uint64) (*model.OracleRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[marketID]
	if !ok {
		return nil, fmt.Errorf("oracle request %d: %w", marketID, model.ErrNotFound)
	}
	copy := *r
	return &copy, nil
}

func (s *MemoryStore) ListOracleRequests(_ context.Context) ([]model.OracleRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.OracleRequest, 0, len(s.requests))
	for _, r := range s.requests {
		result = append(result, *r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].MarketID < result[j].MarketID })
	return result, nil
}

func (s *MemoryStore) SaveOracleRequest(_ context.Context, r *model.OracleRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *r
	s.requests[r.MarketID] = &copy
	return nil
}

func (s *MemoryStore) EscrowBalance(_ context.Context) (model.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.escrow, nil
}

func (s *MemoryStore) CreditEscrow(_ context.Context, amount model.Amount) (model.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.escrow.Add(amount)
	if err != nil {
		return model.Amount{}, err
	}
	s.escrow = next
	return next, nil
}

func (s *MemoryStore) DebitEscrow(_ context.Context, amount model.Amount) (model.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.escrow.Lt(amount) {
		return s.escrow, fmt.Errorf("have %s, need %s: %w", s.escrow, amount, model.ErrInsufficientEscrow)
	}
	next, err := s.escrow.Sub(amount)
	if err != nil {
		return model.Amount{}, err
	}
	s.escrow = next
	return next, nil
}

func (s *MemoryStore) InsertDelivery(_ context.Context, d *model.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *d
	copy.Payload = append([]byte(nil), d.Payload...)
	s.deliveries = append(s.deliveries, copy)
	return nil
}

func (s *MemoryStore) ListDeliveries(_ context.Context, marketID uint64) ([]model.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Delivery
	for _, d := range s.deliveries {
		if d.MarketID == marketID {
			result = append(result, d)
		}
	}
	return result, nil
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)
