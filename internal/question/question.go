// Package question encodes market questions in the multiple-choice format the
// optimistic oracle expects as ancillary data, and derives the bytes32 query
// identifier.
//
// Format:
//
//	{"title":"...","description":"...","options":[["No","0"],["Yes","1"]]}
//
// Each option is a [label, value] pair where value is the decimal index the
// oracle must return to select it.
package question

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// IdentifierName is the oracle price identifier for multiple-choice queries.
const IdentifierName = "MULTIPLE_CHOICE_QUERY"

// Identifier is IdentifierName right-padded to 32 bytes.
var Identifier = common.BytesToHash(common.RightPadBytes([]byte(IdentifierName), common.HashLength))

var (
	ErrInvalidQuestion = errors.New("question: invalid question")
	ErrTooFewOptions   = errors.New("question: need at least 2 options")
)

// Question is a decoded multiple-choice query.
type Question struct {
	Title       string
	Description string
	Options     []string
}

type wire struct {
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Options     [][2]string `json:"options"`
}

// Format encodes q. Labels are JSON-escaped; option values are their indices.
func Format(q Question) ([]byte, error) {
	if strings.TrimSpace(q.Title) == "" {
		return nil, fmt.Errorf("%w: empty title", ErrInvalidQuestion)
	}
	if len(q.Options) < 2 {
		return nil, ErrTooFewOptions
	}
	w := wire{Title: q.Title, Description: q.Description, Options: make([][2]string, len(q.Options))}
	for i, o := range q.Options {
		w.Options[i] = [2]string{o, strconv.Itoa(i)}
	}
	return json.Marshal(w)
}

// Parse decodes data and checks that option values are exactly 0..n-1 in
// order.
func Parse(data []byte) (Question, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return Question{}, fmt.Errorf("%w: %v", ErrInvalidQuestion, err)
	}
	if strings.TrimSpace(w.Title) == "" {
		return Question{}, fmt.Errorf("%w: empty title", ErrInvalidQuestion)
	}
	if len(w.Options) < 2 {
		return Question{}, ErrTooFewOptions
	}
	q := Question{Title: w.Title, Description: w.Description, Options: make([]string, len(w.Options))}
	for i, pair := range w.Options {
		if pair[1] != strconv.Itoa(i) {
			return Question{}, fmt.Errorf("%w: option %d has value %q", ErrInvalidQuestion, i, pair[1])
		}
		q.Options[i] = pair[0]
	}
	return q, nil
}
