package payout

import (
	"errors"
	"math/big"
	"math/rand"
	"testing"

	"github.com/atmx/settlement-engine/internal/model"
)

// a is a test helper for small amounts.
func a(v uint64) model.Amount {
	return model.NewAmount(v)
}

func amounts(vs ...uint64) []model.Amount {
	out := make([]model.Amount, len(vs))
	for i, v := range vs {
		out[i] = a(v)
	}
	return out
}

// --- Reference scenario ---

func TestWinnings_NoYesScenario(t *testing.T) {
	// A: 10 on No, B: 30 on Yes, C: 10 on Yes. Yes wins.
	pools := amounts(10, 40)

	b, err := Winnings(pools, amounts(0, 30), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.Equal(a(37)) {
		t.Errorf("expected B=37, got %s", b)
	}

	c, err := Winnings(pools, amounts(0, 10), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.Equal(a(12)) {
		t.Errorf("expected C=12, got %s", c)
	}

	loser, _ := Winnings(pools, amounts(10, 0), 1)
	if !loser.IsZero() {
		t.Errorf("expected A=0, got %s", loser)
	}

	total, _ := Total(pools)
	paid, _ := b.Add(c)
	if total.Lt(paid) {
		t.Errorf("paid %s exceeds pool %s", paid, total)
	}
	if !paid.Equal(a(49)) {
		t.Errorf("expected total paid 49, got %s", paid)
	}
}

func TestWinnings_NoLosersReturnsStake(t *testing.T) {
	w, err := Winnings(amounts(0, 25), amounts(0, 25), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !w.Equal(a(25)) {
		t.Errorf("expected stake back (25), got %s", w)
	}
}

func TestWinnings_NobodyBackedWinner(t *testing.T) {
	pools := amounts(30, 0, 20)
	w, err := Winnings(pools, amounts(30, 0, 0), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !w.IsZero() {
		t.Errorf("expected zero winnings, got %s", w)
	}

	stuck, err := Unclaimable(pools, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stuck.Equal(a(50)) {
		t.Errorf("expected 50 unclaimable, got %s", stuck)
	}

	none, _ := Unclaimable(pools, 0)
	if !none.IsZero() {
		t.Errorf("expected nothing unclaimable when winner was backed, got %s", none)
	}
}

func TestWinnings_Errors(t *testing.T) {
	if _, err := Winnings(amounts(1, 2), amounts(1), 0); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
	if _, err := Winnings(amounts(1, 2), amounts(1, 2), 2); !errors.Is(err, ErrOptionRange) {
		t.Errorf("expected ErrOptionRange, got %v", err)
	}
	if _, err := Winnings(amounts(1, 2), amounts(1, 2), -1); !errors.Is(err, ErrOptionRange) {
		t.Errorf("expected ErrOptionRange for negative index, got %v", err)
	}
}

func TestWinnings_HugeAmountsDoNotOverflow(t *testing.T) {
	// stake * losing exceeds 256 bits; the 512-bit intermediate must cope.
	huge := new(big.Int).Lsh(big.NewInt(1), 200)
	h, err := model.AmountFromBig(huge)
	if err != nil {
		t.Fatalf("AmountFromBig: %v", err)
	}
	pools := []model.Amount{h, h}
	w, err := Winnings(pools, []model.Amount{{}, h}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := new(big.Int).Lsh(big.NewInt(1), 201)
	if w.Big().Cmp(want) != 0 {
		t.Errorf("expected 2^201, got %s", w)
	}
}

func TestTotal_Overflow(t *testing.T) {
	maxU := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	m, err := model.AmountFromBig(maxU)
	if err != nil {
		t.Fatalf("AmountFromBig: %v", err)
	}
	if _, err := Total([]model.Amount{m, a(1)}); !errors.Is(err, model.ErrAmountOverflow) {
		t.Errorf("expected ErrAmountOverflow, got %v", err)
	}
}

// --- Conservation property ---

func TestWinnings_NeverCreatesValue(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 500; round++ {
		options := 2 + rng.Intn(4)
		users := 1 + rng.Intn(12)
		pools := make([]model.Amount, options)
		stakes := make([][]model.Amount, users)

		for u := range stakes {
			stakes[u] = make([]model.Amount, options)
			for o := 0; o < options; o++ {
				if rng.Intn(3) == 0 {
					continue
				}
				v := a(uint64(rng.Intn(1_000_000)))
				stakes[u][o] = v
				pools[o], _ = pools[o].Add(v)
			}
		}

		w := rng.Intn(options)
		total, _ := Total(pools)
		var paid model.Amount
		winners := uint64(0)
		for u := range stakes {
			got, err := Winnings(pools, stakes[u], w)
			if err != nil {
				t.Fatalf("round %d: unexpected error: %v", round, err)
			}
			if !got.IsZero() {
				winners++
			}
			paid, _ = paid.Add(got)
		}

		if total.Lt(paid) {
			t.Fatalf("round %d: paid %s exceeds pool %s", round, paid, total)
		}
		if pools[w].IsZero() {
			continue
		}
		shortfall, _ := total.Sub(paid)
		if winners > 0 && a(winners-1).Lt(shortfall) {
			t.Errorf("round %d: shortfall %s exceeds winners-1 (%d)", round, shortfall, winners-1)
		}
	}
}

func TestPotential_MatchesWinnings(t *testing.T) {
	pools := amounts(100, 50, 50)
	stakes := amounts(0, 10, 0)
	p, err := Potential(pools, stakes, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 10 + 10*150/50 = 40
	if !p.Equal(a(40)) {
		t.Errorf("expected 40, got %s", p)
	}
}
