package messenger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/atmx/settlement-engine/internal/model"
)

// Payload is the decoded content of an outcome message.
type Payload struct {
	MarketID uint64
	Outcome  int64
	Resolved bool
}

type wirePayload struct {
	MarketID uint64 `json:"marketId"`
	Outcome  int64  `json:"outcome"`
	Resolved bool   `json:"resolved"`
}

// Encode returns the canonical payload
//
//	{"marketId":N,"outcome":K,"resolved":true}
func Encode(marketID uint64, outcome int64) ([]byte, error) {
	if marketID == 0 {
		return nil, fmt.Errorf("%w: market id is zero", model.ErrInvalidPayload)
	}
	if outcome < 0 {
		return nil, fmt.Errorf("%w: negative outcome %d", model.ErrInvalidPayload, outcome)
	}
	return json.Marshal(wirePayload{MarketID: marketID, Outcome: outcome, Resolved: true})
}

// Decode parses a payload regardless of field order or whitespace. marketId
// and outcome may be JSON numbers or numeric strings. Unknown fields are
// ignored; a missing or false resolved flag is rejected.
func Decode(data []byte) (Payload, error) {
	var raw map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", model.ErrInvalidPayload, err)
	}
	if dec.More() {
		return Payload{}, fmt.Errorf("%w: trailing data", model.ErrInvalidPayload)
	}

	id, err := integerField(raw, "marketId")
	if err != nil {
		return Payload{}, err
	}
	if id <= 0 {
		return Payload{}, fmt.Errorf("%w: marketId must be positive", model.ErrInvalidPayload)
	}
	outcome, err := integerField(raw, "outcome")
	if err != nil {
		return Payload{}, err
	}
	if outcome < 0 {
		return Payload{}, fmt.Errorf("%w: negative outcome %d", model.ErrInvalidPayload, outcome)
	}

	rv, ok := raw["resolved"]
	if !ok {
		return Payload{}, fmt.Errorf("%w: missing resolved", model.ErrInvalidPayload)
	}
	var resolved bool
	if err := json.Unmarshal(rv, &resolved); err != nil {
		return Payload{}, fmt.Errorf("%w: resolved: %v", model.ErrInvalidPayload, err)
	}
	if !resolved {
		return Payload{}, fmt.Errorf("%w: resolved is false", model.ErrInvalidPayload)
	}
	return Payload{MarketID: uint64(id), Outcome: outcome, Resolved: true}, nil
}

// integerField reads name as a JSON integer or a string holding one.
func integerField(raw map[string]json.RawMessage, name string) (int64, error) {
	v, ok := raw[name]
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", model.ErrInvalidPayload, name)
	}
	s := strings.TrimSpace(string(v))
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(v, &s); err != nil {
			return 0, fmt.Errorf("%w: %s: %v", model.ErrInvalidPayload, name, err)
		}
		s = strings.TrimSpace(s)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not an integer", model.ErrInvalidPayload, name, s)
	}
	return n, nil
}
