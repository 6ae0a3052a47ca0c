package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/settlement-engine/internal/model"
)

func testMarket(id uint64) *model.Market {
	return &model.Market{
		ID:             id,
		Title:          "Will it rain?",
		Options:        []string{"No", "Yes"},
		ExpirationDate: time.Unix(1_700_000_000, 0),
		PoolAmounts:    []model.Amount{{}, {}},
		Outcome:        model.NoOutcome,
	}
}

func TestMemoryStore_InsertDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.InsertMarket(ctx, testMarket(1)); err != nil {
		t.Fatalf("InsertMarket: %v", err)
	}
	if err := s.InsertMarket(ctx, testMarket(1)); !errors.Is(err, model.ErrDuplicateMarket) {
		t.Errorf("expected ErrDuplicateMarket, got %v", err)
	}
	if _, err := s.GetMarket(ctx, 2); !errors.Is(err, model.ErrMarketNotFound) {
		t.Errorf("expected ErrMarketNotFound, got %v", err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	m := testMarket(1)
	if err := s.InsertMarket(ctx, m); err != nil {
		t.Fatalf("InsertMarket: %v", err)
	}

	m.PoolAmounts[0] = model.NewAmount(99)
	got, _ := s.GetMarket(ctx, 1)
	if !got.PoolAmounts[0].IsZero() {
		t.Errorf("caller mutation leaked into store: %s", got.PoolAmounts[0])
	}

	got.Options[0] = "Maybe"
	again, _ := s.GetMarket(ctx, 1)
	if again.Options[0] != "No" {
		t.Errorf("returned market shares state with store")
	}
}

func TestMemoryStore_NextMarketIDIsSequential(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for want := uint64(1); want <= 3; want++ {
		got, err := s.NextMarketID(ctx)
		if err != nil {
			t.Fatalf("NextMarketID: %v", err)
		}
		if got != want {
			t.Errorf("expected %d, got %d", want, got)
		}
	}
}

func TestMemoryStore_EscrowCheckAndDebit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.CreditEscrow(ctx, model.NewAmount(100)); err != nil {
		t.Fatalf("CreditEscrow: %v", err)
	}

	// Twenty concurrent debits of 10 against a balance of 100: exactly ten win.
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, short := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.DebitEscrow(ctx, model.NewAmount(10))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, model.ErrInsufficientEscrow):
				short++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 10 || short != 10 {
		t.Errorf("expected 10 successful and 10 short debits, got %d/%d", ok, short)
	}
	bal, _ := s.EscrowBalance(ctx)
	if !bal.IsZero() {
		t.Errorf("expected empty escrow, got %s", bal)
	}
}

func TestMemoryStore_SaveBetAndMarketUnknownMarket(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	user := common.HexToAddress("0x01")
	b := &model.Bet{MarketID: 7, User: user, PerOptionAmount: []model.Amount{{}, model.NewAmount(1)}}

	if err := s.SaveBetAndMarket(ctx, testMarket(7), b); !errors.Is(err, model.ErrMarketNotFound) {
		t.Fatalf("expected ErrMarketNotFound, got %v", err)
	}
	if _, err := s.GetBet(ctx, 7, user); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("bet should not be saved when market update fails, got %v", err)
	}
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := k.Lock(ctx, "a")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	// Another key is independent.
	other, err := k.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("Lock other key: %v", err)
	}
	other()

	// Same key blocks until ctx expires.
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(short, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}

	unlock()
	unlock() // second call is a no-op

	again, err := k.Lock(ctx, "a")
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	again()

	k.mu.Lock()
	n := len(k.locks)
	k.mu.Unlock()
	if n != 0 {
		t.Errorf("expected lock table to be empty, got %d entries", n)
	}
}
