// Package oracle drives market settlement through an optimistic oracle.
//
// The oracle itself is a black box behind the Oracle interface: a request is
// submitted once, and later polls either find no answer yet or a final
// integer. Proposal, dispute and voting happen inside the oracle.
package oracle

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/atmx/settlement-engine/internal/model"
)

// Key identifies one oracle request. The same key is used to submit and to
// poll.
type Key struct {
	Requester  common.Address
	Identifier common.Hash
	Timestamp  time.Time
	Question   []byte
}

// ID is keccak256(requester, identifier, timestamp, question), a compact
// handle for logs and in-memory indexes.
func (k Key) ID() common.Hash {
	ts := common.LeftPadBytes(big.NewInt(k.Timestamp.Unix()).Bytes(), 32)
	return crypto.Keccak256Hash(k.Requester.Bytes(), k.Identifier.Bytes(), ts, k.Question)
}

// ErrRequestPlaced wraps a SubmitRequest failure that happened after the
// request itself was accepted by the oracle. The request is live and its
// reward has been paid; callers must not retry it or refund it.
var ErrRequestPlaced = errors.New("oracle: request placed")

// Oracle is the consumed oracle service.
type Oracle interface {
	// SubmitRequest asks the oracle to answer key, escrowing reward and bond.
	SubmitRequest(ctx context.Context, key Key, reward, bond model.Amount) error

	// ResolvedOutcome returns the final answer for key. ok is false while the
	// oracle has not settled; that is not an error.
	ResolvedOutcome(ctx context.Context, key Key) (outcome int64, ok bool, err error)
}

// StateReader is implemented by oracles that expose their internal request
// state. The adapter records it for operators while a request is pending.
type StateReader interface {
	RequestState(ctx context.Context, key Key) (model.RequestState, error)
}
