package messenger

import (
	"context"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/atmx/settlement-engine/internal/model"
)

// DefaultGasLimit is the executor gas granted to the destination receive.
const DefaultGasLimit uint64 = 500_000

// DefaultBufferPct is the safety margin added to quotes before sending.
const DefaultBufferPct = 20

// DeliveryOptions are per-message executor settings.
type DeliveryOptions struct {
	GasLimit   uint64       `json:"gas_limit"`
	NativeDrop model.Amount `json:"native_drop"`
}

// DefaultDeliveryOptions returns options with DefaultGasLimit and no drop.
func DefaultDeliveryOptions() DeliveryOptions {
	return DeliveryOptions{GasLimit: DefaultGasLimit}
}

// DeliveryHandle identifies a sent message.
type DeliveryHandle struct {
	ID    string      `json:"id"`
	GUID  common.Hash `json:"guid"`
	Nonce uint64      `json:"nonce"`
}

// Handler applies an inbound payload on the destination side. Transports
// call it at least once per message and retry while it returns an error the
// transport considers transient.
type Handler func(ctx context.Context, payload []byte) error

// Transport is the consumed message channel.
type Transport interface {
	// Quote returns the fee for sending payload to dst.
	Quote(ctx context.Context, dst uint32, payload []byte, opts DeliveryOptions) (model.Amount, error)
	// Send submits payload paying fee. It fails with model.ErrInsufficientFee
	// if fee is below the transport's own price.
	Send(ctx context.Context, dst uint32, payload []byte, opts DeliveryOptions, fee model.Amount) (DeliveryHandle, error)
}

// Tariff prices a message as base + perByte*len(payload) +
// gasPrice*gasLimit + nativeDrop. Transports without a native fee market use
// it to quote.
type Tariff struct {
	Base     model.Amount `toml:"base"`
	PerByte  model.Amount `toml:"per_byte"`
	GasPrice model.Amount `toml:"gas_price"`
}

// Fee computes the tariff for payload and opts.
func (t Tariff) Fee(payload []byte, opts DeliveryOptions) (model.Amount, error) {
	bytesFee, err := model.MulDiv(t.PerByte, model.NewAmount(uint64(len(payload))), model.NewAmount(1))
	if err != nil {
		return model.Amount{}, err
	}
	gasFee, err := model.MulDiv(t.GasPrice, model.NewAmount(opts.GasLimit), model.NewAmount(1))
	if err != nil {
		return model.Amount{}, err
	}
	return model.SumAmounts([]model.Amount{t.Base, bytesFee, gasFee, opts.NativeDrop})
}

// NewGUID derives the globally unique id of a message from its path and
// nonce: keccak256(nonce, src, dst, payload).
func NewGUID(nonce uint64, src, dst uint32, payload []byte) common.Hash {
	var hdr [16]byte
	binary.BigEndian.PutUint64(hdr[0:8], nonce)
	binary.BigEndian.PutUint32(hdr[8:12], src)
	binary.BigEndian.PutUint32(hdr[12:16], dst)
	return crypto.Keccak256Hash(hdr[:], payload)
}
