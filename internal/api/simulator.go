package api

import (
	"net/http"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/oracle"
)

// Operator routes for the in-process oracle. They are mounted only when the
// origin runs oracle.Simulated, standing in for proposers, disputers and the
// dispute vote of a real oracle.

type proposalRequest struct {
	MarketID uint64 `json:"market_id" validate:"required"`
	Outcome  *int64 `json:"outcome" validate:"required"`
}

type disputeRequest struct {
	MarketID uint64 `json:"market_id" validate:"required"`
}

// ProposeOutcome handles POST /api/v1/oracle/proposals.
func (s *Server) ProposeOutcome(w http.ResponseWriter, r *http.Request) {
	var req proposalRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.simulate(w, r, req.MarketID, func(k oracle.Key) error { return s.sim.Propose(k, *req.Outcome) })
}

// DisputeProposal handles POST /api/v1/oracle/disputes.
func (s *Server) DisputeProposal(w http.ResponseWriter, r *http.Request) {
	var req disputeRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.simulate(w, r, req.MarketID, s.sim.Dispute)
}

// SettleOutcome handles POST /api/v1/oracle/settlements and forces the final
// answer, as a dispute vote would.
func (s *Server) SettleOutcome(w http.ResponseWriter, r *http.Request) {
	var req proposalRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.simulate(w, r, req.MarketID, func(k oracle.Key) error { return s.sim.Settle(k, *req.Outcome) })
}

func (s *Server) simulate(w http.ResponseWriter, r *http.Request, id uint64, apply func(oracle.Key) error) {
	key, err := s.adapter.Key(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := apply(key); err != nil {
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Kind: model.KindTiming.String()})
		return
	}
	state, err := s.sim.RequestState(r.Context(), key)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": id,
		"key":       key.ID().Hex(),
		"state":     state,
	})
}
