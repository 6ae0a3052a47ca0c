// Package model defines the core domain types shared by both ledgers.
// All monetary values are Amounts (256-bit integers), never floats.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Role selects which side of the bridge a process runs. It is injected from
// configuration at startup and never inferred at call time.
type Role string

const (
	// RoleOrigin owns pools and bets, requests oracle settlement, and emits
	// resolved outcomes.
	RoleOrigin Role = "origin"
	// RoleDisplay mirrors markets created on the origin and resolves only
	// from delivered messages.
	RoleDisplay Role = "display"
)

// ParseRole validates a configured role string.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleOrigin:
		return RoleOrigin, nil
	case RoleDisplay:
		return RoleDisplay, nil
	}
	return "", fmt.Errorf("model: unknown role %q (valid: origin, display)", s)
}

// Category labels a market. The set is fixed.
type Category uint8

const (
	CategoryCulture Category = iota
	CategoryCrypto
	CategorySports
	CategoryPolitics
	CategoryMemecoins
	CategoryGaming
	CategoryEconomy
	CategoryAI
)

var categoryNames = []string{"CULTURE", "CRYPTO", "SPORTS", "POLITICS", "MEMECOINS", "GAMING", "ECONOMY", "AI"}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return "UNKNOWN"
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool { return int(c) < len(categoryNames) }

// ParseCategory accepts a category name in any case.
func ParseCategory(s string) (Category, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range categoryNames {
		if n == name {
			return Category(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown category %q", ErrInvalidMarket, s)
}

// NoOutcome is the Outcome of an unresolved market.
const NoOutcome int64 = -1

// Market exists independently on each ledger under the same id.
type Market struct {
	ID               uint64         `json:"id"`
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	Category         Category       `json:"category"`
	Options          []string       `json:"options"`
	ExpirationDate   time.Time      `json:"expiration_date"`
	VerificationTime time.Duration  `json:"verification_time"` // delay after expiration before settlement may be requested
	PoolAmounts      []Amount       `json:"pool_amounts"`
	IsResolved       bool           `json:"is_resolved"`
	Outcome          int64          `json:"outcome"`
	Creator          common.Address `json:"creator"`
	RequestTime      time.Time      `json:"request_time,omitempty"` // zero until settlement is requested
	Reward           Amount         `json:"reward"`
	Bond             Amount         `json:"bond"`
	Relayed          bool           `json:"relayed"` // origin only: outcome handed to the transport
	CreatedAt        time.Time      `json:"created_at"`
	ResolvedAt       time.Time      `json:"resolved_at,omitempty"`
}

// Clone returns a deep copy so stores never share slices with callers.
func (m *Market) Clone() *Market {
	c := *m
	c.Options = append([]string(nil), m.Options...)
	c.PoolAmounts = append([]Amount(nil), m.PoolAmounts...)
	return &c
}

// SettlementOpensAt is the earliest time an oracle request may be made.
func (m *Market) SettlementOpensAt() time.Time {
	return m.ExpirationDate.Add(m.VerificationTime)
}

// Expired reports whether betting has closed at now.
func (m *Market) Expired(now time.Time) bool {
	return !now.Before(m.ExpirationDate)
}

// Requested reports whether an oracle request has been recorded.
func (m *Market) Requested() bool { return !m.RequestTime.IsZero() }

// ValidOutcome reports whether o indexes an option.
func (m *Market) ValidOutcome(o int64) bool {
	return o >= 0 && o < int64(len(m.Options))
}

// Bet is one user's stake in one market.
type Bet struct {
	MarketID        uint64         `json:"market_id"`
	User            common.Address `json:"user"`
	PerOptionAmount []Amount       `json:"per_option_amount"`
	Claimed         bool           `json:"claimed"`
	ClaimedAmount   Amount         `json:"claimed_amount"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Clone returns a deep copy.
func (b *Bet) Clone() *Bet {
	c := *b
	c.PerOptionAmount = append([]Amount(nil), b.PerOptionAmount...)
	return &c
}

// Total is the user's summed stake across options.
func (b *Bet) Total() (Amount, error) {
	return SumAmounts(b.PerOptionAmount)
}

// BetStatus is the user-facing status of a bet.
type BetStatus string

const (
	BetActive            BetStatus = "ACTIVE"
	BetPendingResolution BetStatus = "PENDING_RESOLUTION"
	BetWonUnclaimed      BetStatus = "WON_UNCLAIMED"
	BetLost              BetStatus = "LOST"
	BetClaimed           BetStatus = "CLAIMED"
)

// StatusOf derives the status of b within m at now.
func StatusOf(m *Market, b *Bet, now time.Time) BetStatus {
	switch {
	case m.IsResolved && b.Claimed:
		return BetClaimed
	case m.IsResolved:
		if m.ValidOutcome(m.Outcome) && int(m.Outcome) < len(b.PerOptionAmount) &&
			!b.PerOptionAmount[m.Outcome].IsZero() {
			return BetWonUnclaimed
		}
		return BetLost
	case m.Expired(now):
		return BetPendingResolution
	default:
		return BetActive
	}
}

// RequestState is the oracle-side state of a settlement request.
type RequestState string

const (
	RequestRequested RequestState = "requested"
	RequestProposed  RequestState = "proposed"
	RequestDisputed  RequestState = "disputed"
	RequestResolved  RequestState = "resolved"
	// RequestRejected marks a request whose oracle answer was out of range.
	// The market stays unresolved and polling continues.
	RequestRejected RequestState = "rejected"
)

// OracleRequest is the single live settlement request of a market.
type OracleRequest struct {
	MarketID        uint64         `json:"market_id"`
	Requester       common.Address `json:"requester"`
	Identifier      common.Hash    `json:"identifier"`
	Timestamp       time.Time      `json:"timestamp"`
	Question        []byte         `json:"question"`
	Reward          Amount         `json:"reward"`
	Bond            Amount         `json:"bond"`
	State           RequestState   `json:"state"`
	ResolvedOutcome int64          `json:"resolved_outcome"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Delivery records one outbound cross-chain message.
type Delivery struct {
	ID          string      `json:"id"`
	MarketID    uint64      `json:"market_id"`
	Destination uint32      `json:"destination"`
	Payload     []byte      `json:"payload"`
	Fee         Amount      `json:"fee"`
	GUID        common.Hash `json:"guid"`
	Nonce       uint64      `json:"nonce"`
	SentAt      time.Time   `json:"sent_at"`
}
