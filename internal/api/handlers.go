package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/lifecycle"
	"github.com/atmx/settlement-engine/internal/messenger"
	"github.com/atmx/settlement-engine/internal/model"
)

// MarketView is a market with derived fields for clients.
type MarketView struct {
	*model.Market
	CategoryName   string          `json:"category_name"`
	State          lifecycle.State `json:"state"`
	TotalPool      model.Amount    `json:"total_pool"`
	TotalPoolEther string          `json:"total_pool_ether"`
	SettlementAt   time.Time       `json:"settlement_opens_at"`
}

func (s *Server) marketView(m *model.Market) (MarketView, error) {
	total, err := model.SumAmounts(m.PoolAmounts)
	if err != nil {
		return MarketView{}, err
	}
	return MarketView{
		Market:         m,
		CategoryName:   m.Category.String(),
		State:          lifecycle.StateOf(m, s.ledger.Now()),
		TotalPool:      total,
		TotalPoolEther: total.Ether().String(),
		SettlementAt:   m.SettlementOpensAt(),
	}, nil
}

// BetView is a bet with its derived status.
type BetView struct {
	*model.Bet
	Status            model.BetStatus `json:"status"`
	Claimable         bool            `json:"claimable"`
	PotentialWinnings []model.Amount  `json:"potential_winnings,omitempty"`
}

type createMarketRequest struct {
	// ID is required on the display ledger and rejected on the origin.
	ID                      uint64       `json:"id"`
	Title                   string       `json:"title" validate:"required,max=256"`
	Description             string       `json:"description" validate:"max=4096"`
	Category                string       `json:"category" validate:"required"`
	Options                 []string     `json:"options" validate:"min=2,max=32,dive,required"`
	ExpirationDate          time.Time    `json:"expiration_date" validate:"required"`
	VerificationTimeSeconds int64        `json:"verification_time_seconds" validate:"gte=0"`
	Creator                 string       `json:"creator" validate:"required,eth_addr"`
	Reward                  model.Amount `json:"reward"`
	Bond                    model.Amount `json:"bond"`
}

type placeBetRequest struct {
	User   string       `json:"user" validate:"required,eth_addr"`
	Option *int         `json:"option" validate:"required,gte=0"`
	Amount model.Amount `json:"amount"`
}

type claimRequest struct {
	User string `json:"user" validate:"required,eth_addr"`
}

type depositRequest struct {
	Amount model.Amount `json:"amount"`
}

// ListMarkets handles GET /api/v1/markets. An optional ?state= filters by
// lifecycle state.
func (s *Server) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.ledger.Markets(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	want := lifecycle.State(strings.ToLower(r.URL.Query().Get("state")))
	views := make([]MarketView, 0, len(markets))
	for i := range markets {
		v, err := s.marketView(&markets[i])
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		if want != "" && v.State != want {
			continue
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

// CreateMarket handles POST /api/v1/markets.
func (s *Server) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if !s.decode(w, r, &req) {
		return
	}
	cat, err := model.ParseCategory(req.Category)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	m, err := s.ledger.CreateMarket(r.Context(), ledger.MarketParams{
		ID:               req.ID,
		Title:            req.Title,
		Description:      req.Description,
		Category:         cat,
		Options:          req.Options,
		ExpirationDate:   req.ExpirationDate,
		VerificationTime: time.Duration(req.VerificationTimeSeconds) * time.Second,
		Creator:          common.HexToAddress(req.Creator),
		Reward:           req.Reward,
		Bond:             req.Bond,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	v, err := s.marketView(m)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// GetMarket handles GET /api/v1/markets/{marketID}.
func (s *Server) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	m, err := s.ledger.Market(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	v, err := s.marketView(m)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ListBets handles GET /api/v1/markets/{marketID}/bets.
func (s *Server) ListBets(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	m, err := s.ledger.Market(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	bets, err := s.ledger.Bets(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	now := s.ledger.Now()
	views := make([]BetView, 0, len(bets))
	for i := range bets {
		b := &bets[i]
		status := model.StatusOf(m, b, now)
		views = append(views, BetView{Bet: b, Status: status, Claimable: status == model.BetWonUnclaimed})
	}
	writeJSON(w, http.StatusOK, views)
}

// GetBet handles GET /api/v1/markets/{marketID}/bets/{user}. It includes what
// the user would receive for each option winning on the current pools.
func (s *Server) GetBet(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	b, err := s.ledger.Bet(ctx, id, user)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	status, err := s.ledger.BetStatus(ctx, id, user)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	claimable, err := s.lifecycle.Claimable(ctx, id, user)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	view := BetView{Bet: b, Status: status, Claimable: claimable}
	if status == model.BetActive || status == model.BetPendingResolution {
		view.PotentialWinnings = make([]model.Amount, len(b.PerOptionAmount))
		for opt := range b.PerOptionAmount {
			if view.PotentialWinnings[opt], err = s.ledger.PotentialWinnings(ctx, id, user, opt); err != nil {
				writeError(w, s.logger, err)
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, view)
}

// PlaceBet handles POST /api/v1/markets/{marketID}/bets.
func (s *Server) PlaceBet(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	var req placeBetRequest
	if !s.decode(w, r, &req) {
		return
	}
	b, err := s.ledger.PlaceBet(r.Context(), id, common.HexToAddress(req.User), *req.Option, req.Amount)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// Claim handles POST /api/v1/markets/{marketID}/claims.
func (s *Server) Claim(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	var req claimRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := s.ledger.Claim(r.Context(), id, common.HexToAddress(req.User))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":    id,
		"user":         common.HexToAddress(req.User),
		"amount":       amount,
		"amount_ether": amount.Ether().String(),
	})
}

// CanSettle handles GET /api/v1/markets/{marketID}/settlement.
func (s *Server) CanSettle(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok || !s.requireAdapter(w) {
		return
	}
	ready, reason := s.adapter.CanSettle(r.Context(), id)
	resp := map[string]any{"market_id": id, "ready": ready, "reason": reason}
	req, err := s.adapter.Request(r.Context(), id)
	switch {
	case err == nil:
		resp["request"] = req
	case !errors.Is(err, model.ErrNotFound):
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// RequestSettlement handles POST /api/v1/markets/{marketID}/settlement.
func (s *Server) RequestSettlement(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok || !s.requireAdapter(w) {
		return
	}
	req, err := s.adapter.RequestSettlement(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// Poll handles POST /api/v1/markets/{marketID}/poll.
func (s *Server) Poll(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok || !s.requireAdapter(w) {
		return
	}
	settled, err := s.adapter.PollAndSettle(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	m, err := s.ledger.Market(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	v, err := s.marketView(m)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settled": settled, "market": v})
}

// Relay handles POST /api/v1/markets/{marketID}/relay.
func (s *Server) Relay(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	h, err := s.lifecycle.Relay(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h)
}

// ListDeliveries handles GET /api/v1/markets/{marketID}/deliveries.
func (s *Server) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := marketID(w, r)
	if !ok {
		return
	}
	if s.messenger == nil {
		writeError(w, s.logger, model.ErrTransportUnavailable)
		return
	}
	ds, err := s.messenger.Deliveries(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if ds == nil {
		ds = []model.Delivery{}
	}
	writeJSON(w, http.StatusOK, ds)
}

// ListOracleRequests handles GET /api/v1/oracle-requests.
func (s *Server) ListOracleRequests(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdapter(w) {
		return
	}
	reqs, err := s.adapter.Requests(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if reqs == nil {
		reqs = []model.OracleRequest{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

// GetEscrow handles GET /api/v1/escrow.
func (s *Server) GetEscrow(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdapter(w) {
		return
	}
	bal, err := s.adapter.EscrowBalance(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowView(bal))
}

// Deposit handles POST /api/v1/escrow/deposits.
func (s *Server) Deposit(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdapter(w) {
		return
	}
	var req depositRequest
	if !s.decode(w, r, &req) {
		return
	}
	bal, err := s.adapter.DepositFunds(r.Context(), req.Amount)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowView(bal))
}

func escrowView(bal model.Amount) map[string]any {
	return map[string]any{"balance": bal, "balance_ether": bal.Ether().String()}
}

// ReceiveMessage handles POST /api/v1/messages. The body is the raw outcome
// payload as carried by the transport, for operators replaying a delivery by
// hand.
func (s *Server) ReceiveMessage(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	res, err := s.lifecycle.Receive(r.Context(), payload)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	p, _ := messenger.Decode(payload)
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": p.MarketID,
		"result":    res.String(),
	})
}
