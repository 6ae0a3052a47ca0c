package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/atmx/settlement-engine/internal/model"
)

// optimisticOracleABI covers the subset of the optimistic oracle used here.
const optimisticOracleABI = `[
 {"type":"function","name":"requestPrice","stateMutability":"nonpayable","inputs":[
   {"name":"identifier","type":"bytes32"},{"name":"timestamp","type":"uint256"},
   {"name":"ancillaryData","type":"bytes"},{"name":"currency","type":"address"},
   {"name":"reward","type":"uint256"}],"outputs":[{"name":"totalBond","type":"uint256"}]},
 {"type":"function","name":"setBond","stateMutability":"nonpayable","inputs":[
   {"name":"identifier","type":"bytes32"},{"name":"timestamp","type":"uint256"},
   {"name":"ancillaryData","type":"bytes"},{"name":"bond","type":"uint256"}],"outputs":[{"name":"totalBond","type":"uint256"}]},
 {"type":"function","name":"setCustomLiveness","stateMutability":"nonpayable","inputs":[
   {"name":"identifier","type":"bytes32"},{"name":"timestamp","type":"uint256"},
   {"name":"ancillaryData","type":"bytes"},{"name":"customLiveness","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"hasPrice","stateMutability":"view","inputs":[
   {"name":"requester","type":"address"},{"name":"identifier","type":"bytes32"},
   {"name":"timestamp","type":"uint256"},{"name":"ancillaryData","type":"bytes"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"getState","stateMutability":"view","inputs":[
   {"name":"requester","type":"address"},{"name":"identifier","type":"bytes32"},
   {"name":"timestamp","type":"uint256"},{"name":"ancillaryData","type":"bytes"}],"outputs":[{"name":"","type":"uint8"}]},
 {"type":"function","name":"settleAndGetPrice","stateMutability":"nonpayable","inputs":[
   {"name":"identifier","type":"bytes32"},{"name":"timestamp","type":"uint256"},
   {"name":"ancillaryData","type":"bytes"}],"outputs":[{"name":"","type":"int256"}]}
]`

const erc20ABI = `[
 {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
   {"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// Oracle-side request states, in contract enum order.
const (
	stateInvalid uint8 = iota
	stateRequested
	stateProposed
	stateExpired
	stateDisputed
	stateResolved
	stateSettled
)

// Backend is the chain access EthOracle needs. *chain.Client satisfies it.
type Backend interface {
	Address() common.Address
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	Transact(ctx context.Context, to common.Address, data []byte, value *big.Int) (*types.Receipt, error)
}

// EthConfig locates the oracle contracts.
type EthConfig struct {
	Oracle   common.Address // optimistic oracle
	Currency common.Address // ERC-20 the reward and bond are paid in
	Liveness uint64         // dispute window in seconds; 0 keeps the oracle default
}

// EthOracle talks to an optimistic oracle contract over JSON-RPC. The
// requester in every Key must be the backend's own address, since the
// contract records msg.sender as requester.
type EthOracle struct {
	backend Backend
	cfg     EthConfig
	oracle  abi.ABI
	erc20   abi.ABI
	logger  *zap.Logger
}

// NewEthOracle parses the contract ABIs and returns an EthOracle.
func NewEthOracle(backend Backend, cfg EthConfig, logger *zap.Logger) (*EthOracle, error) {
	oo, err := abi.JSON(strings.NewReader(optimisticOracleABI))
	if err != nil {
		return nil, fmt.Errorf("oracle: parse oracle abi: %w", err)
	}
	erc, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("oracle: parse erc20 abi: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EthOracle{backend: backend, cfg: cfg, oracle: oo, erc20: erc, logger: logger}, nil
}

// SubmitRequest approves reward plus bond, then calls requestPrice, setBond
// and, if configured, setCustomLiveness. Failures after requestPrice wrap
// ErrRequestPlaced.
func (o *EthOracle) SubmitRequest(ctx context.Context, key Key, reward, bond model.Amount) error {
	if key.Requester != o.backend.Address() {
		return fmt.Errorf("oracle: requester %s is not the signing account %s", key.Requester.Hex(), o.backend.Address().Hex())
	}
	total, err := reward.Add(bond)
	if err != nil {
		return err
	}
	ts := big.NewInt(key.Timestamp.Unix())

	if !total.IsZero() {
		data, err := o.erc20.Pack("approve", o.cfg.Oracle, total.Big())
		if err != nil {
			return fmt.Errorf("oracle: pack approve: %w", err)
		}
		if _, err := o.backend.Transact(ctx, o.cfg.Currency, data, nil); err != nil {
			return fmt.Errorf("oracle: approve: %w", err)
		}
	}

	data, err := o.oracle.Pack("requestPrice", key.Identifier, ts, key.Question, o.cfg.Currency, reward.Big())
	if err != nil {
		return fmt.Errorf("oracle: pack requestPrice: %w", err)
	}
	receipt, err := o.backend.Transact(ctx, o.cfg.Oracle, data, nil)
	if err != nil {
		return fmt.Errorf("oracle: requestPrice: %w", err)
	}

	if !bond.IsZero() {
		data, err := o.oracle.Pack("setBond", key.Identifier, ts, key.Question, bond.Big())
		if err != nil {
			return fmt.Errorf("%w: pack setBond: %v", ErrRequestPlaced, err)
		}
		if _, err := o.backend.Transact(ctx, o.cfg.Oracle, data, nil); err != nil {
			return fmt.Errorf("%w: setBond: %v", ErrRequestPlaced, err)
		}
	}
	if o.cfg.Liveness > 0 {
		data, err := o.oracle.Pack("setCustomLiveness", key.Identifier, ts, key.Question, new(big.Int).SetUint64(o.cfg.Liveness))
		if err != nil {
			return fmt.Errorf("%w: pack setCustomLiveness: %v", ErrRequestPlaced, err)
		}
		if _, err := o.backend.Transact(ctx, o.cfg.Oracle, data, nil); err != nil {
			return fmt.Errorf("%w: setCustomLiveness: %v", ErrRequestPlaced, err)
		}
	}

	o.logger.Info("oracle request submitted",
		zap.String("tx", receipt.TxHash.Hex()),
		zap.Stringer("key", key.ID()),
	)
	return nil
}

// ResolvedOutcome checks hasPrice and, when true, simulates settleAndGetPrice
// to read the final value without sending a transaction.
func (o *EthOracle) ResolvedOutcome(ctx context.Context, key Key) (int64, bool, error) {
	ts := big.NewInt(key.Timestamp.Unix())

	var has bool
	if err := o.call(ctx, &has, "hasPrice", key.Requester, key.Identifier, ts, key.Question); err != nil {
		return 0, false, err
	}
	if !has {
		return 0, false, nil
	}

	var price *big.Int
	if err := o.call(ctx, &price, "settleAndGetPrice", key.Identifier, ts, key.Question); err != nil {
		return 0, false, err
	}
	if !price.IsInt64() {
		// Far out of range for any market; report it as such.
		return -1, true, nil
	}
	return price.Int64(), true, nil
}

// RequestState maps the contract's request state onto model.RequestState.
func (o *EthOracle) RequestState(ctx context.Context, key Key) (model.RequestState, error) {
	var state uint8
	if err := o.call(ctx, &state, "getState", key.Requester, key.Identifier, big.NewInt(key.Timestamp.Unix()), key.Question); err != nil {
		return "", err
	}
	switch state {
	case stateRequested:
		return model.RequestRequested, nil
	case stateProposed, stateExpired:
		return model.RequestProposed, nil
	case stateDisputed:
		return model.RequestDisputed, nil
	case stateResolved, stateSettled:
		return model.RequestResolved, nil
	default:
		return "", fmt.Errorf("oracle: request state %d", state)
	}
}

func (o *EthOracle) call(ctx context.Context, out any, method string, args ...any) error {
	data, err := o.oracle.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("oracle: pack %s: %w", method, err)
	}
	res, err := o.backend.Call(ctx, o.cfg.Oracle, data)
	if err != nil {
		return fmt.Errorf("oracle: %s: %w", method, err)
	}
	if err := o.oracle.UnpackIntoInterface(out, method, res); err != nil {
		return fmt.Errorf("oracle: unpack %s: %w", method, err)
	}
	return nil
}

var (
	_ Oracle      = (*EthOracle)(nil)
	_ StateReader = (*EthOracle)(nil)
)
