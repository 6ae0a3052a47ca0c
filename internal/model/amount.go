package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// EtherDecimals is the number of decimals between the smallest unit and one
// whole token on both ledgers.
const EtherDecimals = 18

// Amount is a non-negative 256-bit quantity in the ledger's smallest unit.
// Arithmetic never wraps: overflow is reported as ErrAmountOverflow.
type Amount struct {
	u uint256.Int
}

// NewAmount returns an Amount holding v.
func NewAmount(v uint64) Amount {
	var a Amount
	a.u.SetUint64(v)
	return a
}

// ParseAmount parses a base-10 integer string.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("model: empty amount")
	}
	u, err := uint256.FromDecimal(s)
	if err != nil {
		return Amount{}, fmt.Errorf("model: parse amount %q: %w", s, err)
	}
	return Amount{u: *u}, nil
}

// AmountFromBig converts b, failing on negative or >256-bit values.
func AmountFromBig(b *big.Int) (Amount, error) {
	if b == nil {
		return Amount{}, nil
	}
	if b.Sign() < 0 {
		return Amount{}, fmt.Errorf("model: negative amount %s", b)
	}
	u, overflow := uint256.FromBig(b)
	if overflow {
		return Amount{}, ErrAmountOverflow
	}
	return Amount{u: *u}, nil
}

// Add returns a+b or ErrAmountOverflow.
func (a Amount) Add(b Amount) (Amount, error) {
	var out Amount
	if _, overflow := out.u.AddOverflow(&a.u, &b.u); overflow {
		return Amount{}, ErrAmountOverflow
	}
	return out, nil
}

// Sub returns a-b, failing if b > a.
func (a Amount) Sub(b Amount) (Amount, error) {
	var out Amount
	if _, underflow := out.u.SubOverflow(&a.u, &b.u); underflow {
		return Amount{}, fmt.Errorf("model: %s - %s underflows", a, b)
	}
	return out, nil
}

// MulDiv returns x*y/d truncated toward zero, using a 512-bit intermediate
// product. d must be non-zero.
func MulDiv(x, y, d Amount) (Amount, error) {
	if d.IsZero() {
		return Amount{}, fmt.Errorf("model: division by zero")
	}
	var out Amount
	if _, overflow := out.u.MulDivOverflow(&x.u, &y.u, &d.u); overflow {
		return Amount{}, ErrAmountOverflow
	}
	return out, nil
}

func (a Amount) Cmp(b Amount) int { return a.u.Cmp(&b.u) }
func (a Amount) Lt(b Amount) bool { return a.u.Lt(&b.u) }
func (a Amount) IsZero() bool { return a.u.IsZero() }
func (a Amount) Big() *big.Int { return a.u.ToBig() }
func (a Amount) String() string { return a.u.Dec() }
func (a Amount) Uint64() uint64 { return a.u.Uint64() }
func (a Amount) IsUint64() bool { return a.u.IsUint64() }
func (a Amount) Equal(b Amount) bool { return a.u.Eq(&b.u) }

// Ether renders the amount in whole tokens for display. Never use the result
// for arithmetic.
func (a Amount) Ether() decimal.Decimal {
	return decimal.NewFromBigInt(a.u.ToBig(), -EtherDecimals)
}

// MarshalJSON encodes the amount as a quoted decimal string so that values
// above 2^53 survive JSON consumers.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.u.Dec())
}

// UnmarshalJSON accepts a quoted decimal string or a bare JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = Amount{}
		return nil
	}
	s := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MarshalText and UnmarshalText let TOML and env decoders handle amounts.
func (a Amount) MarshalText() ([]byte, error) { return []byte(a.u.Dec()), nil }

func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := ParseAmount(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// SumAmounts returns the checked sum of xs.
func SumAmounts(xs []Amount) (Amount, error) {
	var total Amount
	for _, x := range xs {
		var err error
		if total, err = total.Add(x); err != nil {
			return Amount{}, err
		}
	}
	return total, nil
}
