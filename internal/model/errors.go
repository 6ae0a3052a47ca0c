package model

import "errors"

// Validation errors: the caller must correct its input.
var (
	ErrInvalidOption   = errors.New("invalid option index")
	ErrInvalidOutcome  = errors.New("invalid outcome")
	ErrDuplicateMarket = errors.New("market already exists")
	ErrInvalidMarket   = errors.New("invalid market parameters")
	ErrMissingMarketID = errors.New("market id must be supplied on the display ledger")
	ErrUnexpectedID    = errors.New("market id is assigned by the origin ledger")
	ErrZeroAmount      = errors.New("amount must be positive")
	ErrInvalidPayload  = errors.New("invalid message payload")
	ErrWrongRole       = errors.New("operation not permitted for this ledger role")
)

// Timing errors: retry later, or the operation already happened.
var (
	ErrMarketExpired    = errors.New("market expired")
	ErrMarketResolved   = errors.New("market resolved")
	ErrAlreadyResolved  = errors.New("market already resolved")
	ErrNotExpiredYet    = errors.New("market not expired yet")
	ErrAlreadyRequested = errors.New("settlement already requested")
	ErrNotResolved      = errors.New("market not resolved")
	ErrAlreadyClaimed   = errors.New("winnings already claimed")
	ErrNoWinningStake   = errors.New("no stake on the winning option")
	ErrNotRequested     = errors.New("settlement not requested")
)

// Resource errors: the caller must supply more funds.
var (
	ErrInsufficientEscrow = errors.New("insufficient escrow for reward and bond")
	ErrInsufficientFee    = errors.New("fee below quoted delivery fee")
	ErrAmountOverflow     = errors.New("amount overflow")
)

// External-dependency errors: surfaced for operator intervention.
var (
	ErrOracleOutcomeOutOfRange = errors.New("oracle outcome out of range")
	ErrTransportUnavailable    = errors.New("message transport unavailable")
	ErrUnknownMarket           = errors.New("message for unknown market")
	ErrOracleUnavailable       = errors.New("oracle unavailable")
)

// Lookup errors.
var (
	ErrNotFound       = errors.New("not found")
	ErrMarketNotFound = errors.New("market not found")
	ErrLockHeld       = errors.New("lock already held")
)

// Kind groups errors by how the caller should react.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindTiming
	KindResource
	KindExternal
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTiming:
		return "timing"
	case KindResource:
		return "resource"
	case KindExternal:
		return "external"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

var kinds = []struct {
	kind Kind
	errs []error
}{
	{KindValidation, []error{ErrInvalidOption, ErrInvalidOutcome, ErrDuplicateMarket, ErrInvalidMarket,
		ErrMissingMarketID, ErrUnexpectedID, ErrZeroAmount, ErrInvalidPayload, ErrWrongRole}},
	{KindTiming, []error{ErrMarketExpired, ErrMarketResolved, ErrAlreadyResolved, ErrNotExpiredYet,
		ErrAlreadyRequested, ErrNotResolved, ErrAlreadyClaimed, ErrNoWinningStake, ErrNotRequested, ErrLockHeld}},
	{KindResource, []error{ErrInsufficientEscrow, ErrInsufficientFee, ErrAmountOverflow}},
	{KindExternal, []error{ErrOracleOutcomeOutOfRange, ErrTransportUnavailable, ErrUnknownMarket, ErrOracleUnavailable}},
	{KindNotFound, []error{ErrNotFound, ErrMarketNotFound}},
}

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	for _, group := range kinds {
		for _, target := range group.errs {
			if errors.Is(err, target) {
				return group.kind
			}
		}
	}
	return KindInternal
}
