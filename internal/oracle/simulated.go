package oracle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/settlement-engine/internal/model"
)

// ErrUnknownRequest is returned by Simulated for keys never submitted.
var ErrUnknownRequest = errors.New("oracle: unknown request")

type simRequest struct {
	key        Key
	reward     model.Amount
	bond       model.Amount
	state      model.RequestState
	proposed   int64
	proposedAt time.Time
	resolved   int64
}

// Simulated is an in-process optimistic oracle. A proposal becomes final once
// its liveness passes without a dispute; a disputed request stays open until
// Settle is called. Used by tests and local runs.
type Simulated struct {
	mu       sync.Mutex
	now      func() time.Time
	liveness time.Duration
	requests map[common.Hash]*simRequest

	// SubmitErr, when set, fails every SubmitRequest.
	SubmitErr error
	// PollErr, when set, fails every ResolvedOutcome.
	PollErr error
}

// NewSimulated creates a Simulated oracle. A nil now uses time.Now.
func NewSimulated(liveness time.Duration, now func() time.Time) *Simulated {
	if now == nil {
		now = time.Now
	}
	return &Simulated{
		now:      now,
		liveness: liveness,
		requests: make(map[common.Hash]*simRequest),
	}
}

func (s *Simulated) SubmitRequest(_ context.Context, key Key, reward, bond model.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SubmitErr != nil {
		return s.SubmitErr
	}
	id := key.ID()
	if _, ok := s.requests[id]; ok {
		return errors.New("oracle: request already exists")
	}
	s.requests[id] = &simRequest{
		key:      key,
		reward:   reward,
		bond:     bond,
		state:    model.RequestRequested,
		resolved: model.NoOutcome,
	}
	return nil
}

func (s *Simulated) ResolvedOutcome(_ context.Context, key Key) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PollErr != nil {
		return 0, false, s.PollErr
	}
	r, ok := s.requests[key.ID()]
	if !ok {
		return 0, false, ErrUnknownRequest
	}
	s.expire(r)
	if r.state != model.RequestResolved {
		return 0, false, nil
	}
	return r.resolved, true, nil
}

func (s *Simulated) RequestState(_ context.Context, key Key) (model.RequestState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[key.ID()]
	if !ok {
		return "", ErrUnknownRequest
	}
	s.expire(r)
	return r.state, nil
}

// expire finalizes an undisputed proposal whose liveness has passed.
func (s *Simulated) expire(r *simRequest) {
	if r.state == model.RequestProposed && !s.now().Before(r.proposedAt.Add(s.liveness)) {
		r.state = model.RequestResolved
		r.resolved = r.proposed
	}
}

// Propose records a proposed answer and starts the liveness window.
func (s *Simulated) Propose(key Key, outcome int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[key.ID()]
	if !ok {
		return ErrUnknownRequest
	}
	if r.state != model.RequestRequested {
		return errors.New("oracle: request is not awaiting a proposal")
	}
	r.state = model.RequestProposed
	r.proposed = outcome
	r.proposedAt = s.now()
	return nil
}

// Dispute challenges the current proposal within its liveness window.
func (s *Simulated) Dispute(key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[key.ID()]
	if !ok {
		return ErrUnknownRequest
	}
	s.expire(r)
	if r.state != model.RequestProposed {
		return errors.New("oracle: nothing to dispute")
	}
	r.state = model.RequestDisputed
	return nil
}

// Settle forces the final answer, as a dispute vote would. Calling it again
// replaces the answer, which models an operator-corrected value.
func (s *Simulated) Settle(key Key, outcome int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[key.ID()]
	if !ok {
		return ErrUnknownRequest
	}
	r.state = model.RequestResolved
	r.resolved = outcome
	return nil
}

// Keys returns the keys of every submitted request.
func (s *Simulated) Keys() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]Key, 0, len(s.requests))
	for _, r := range s.requests {
		keys = append(keys, r.key)
	}
	return keys
}

var (
	_ Oracle      = (*Simulated)(nil)
	_ StateReader = (*Simulated)(nil)
)
