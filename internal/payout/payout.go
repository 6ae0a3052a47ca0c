// Package payout implements the pari-mutuel split for resolved markets.
//
// Winners share the losing pools in proportion to their stake on the winning
// option and also recover that stake:
//
//	winnings = s + s * losing / winning
//
// where s is the user's stake on the winning option, winning is the pool on
// that option, and losing is the sum of every other pool. Division truncates,
// so the sum of all payouts never exceeds the total pool; the residue is at
// most (winners - 1) smallest units.
//
// The package is stateless and operates on Amounts only.
package payout

import (
	"errors"
	"fmt"

	"github.com/atmx/settlement-engine/internal/model"
)

var (
	// ErrShapeMismatch is returned when stakes and pools differ in length.
	ErrShapeMismatch = errors.New("payout: stakes and pools differ in length")

	// ErrOptionRange is returned when the winning index is outside the pools.
	ErrOptionRange = errors.New("payout: option index out of range")
)

// Total returns the checked sum of all pools.
func Total(pools []model.Amount) (model.Amount, error) {
	return model.SumAmounts(pools)
}

// Losing returns the checked sum of all pools except pools[w].
func Losing(pools []model.Amount, w int) (model.Amount, error) {
	if w < 0 || w >= len(pools) {
		return model.Amount{}, ErrOptionRange
	}
	var sum model.Amount
	for i, p := range pools {
		if i == w {
			continue
		}
		var err error
		if sum, err = sum.Add(p); err != nil {
			return model.Amount{}, err
		}
	}
	return sum, nil
}

// Winnings computes what a holder of stakes receives when option w wins.
//
// If nobody backed w the result is zero for everyone: the pool is
// unclaimable. This is policy, not an error.
func Winnings(pools, stakes []model.Amount, w int) (model.Amount, error) {
	if len(pools) != len(stakes) {
		return model.Amount{}, ErrShapeMismatch
	}
	if w < 0 || w >= len(pools) {
		return model.Amount{}, ErrOptionRange
	}
	winning := pools[w]
	stake := stakes[w]
	if winning.IsZero() || stake.IsZero() {
		return model.Amount{}, nil
	}
	if winning.Lt(stake) {
		return model.Amount{}, fmt.Errorf("payout: stake %s exceeds winning pool %s", stake, winning)
	}

	losing, err := Losing(pools, w)
	if err != nil {
		return model.Amount{}, err
	}
	share, err := model.MulDiv(stake, losing, winning)
	if err != nil {
		return model.Amount{}, err
	}
	return stake.Add(share)
}

// Potential is the payout stakes would earn if option won, evaluated on the
// current pools. Used to preview open markets.
func Potential(pools, stakes []model.Amount, option int) (model.Amount, error) {
	return Winnings(pools, stakes, option)
}

// Unclaimable returns the part of the pool that no claim can ever pay out
// when option w wins: the whole pool if nobody backed w, zero otherwise.
// Rounding residue is not included.
func Unclaimable(pools []model.Amount, w int) (model.Amount, error) {
	if w < 0 || w >= len(pools) {
		return model.Amount{}, ErrOptionRange
	}
	if !pools[w].IsZero() {
		return model.Amount{}, nil
	}
	return Total(pools)
}
