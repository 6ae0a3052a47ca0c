// Package api exposes a ledger to operators over HTTP. Every handler is a thin
// caller of the ledger, oracle adapter, messenger and lifecycle controller.
//
// Amounts are integer strings in the smallest unit; responses add an
// *_ether decimal rendering for display only.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/lifecycle"
	"github.com/atmx/settlement-engine/internal/messenger"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/oracle"
)

const maxBodyBytes = 1 << 20

// Server holds the components behind the HTTP routes. Adapter is nil on the
// display ledger.
type Server struct {
	ledger    *ledger.Ledger
	adapter   *oracle.Adapter
	messenger *messenger.Messenger
	lifecycle *lifecycle.Controller
	hub       *WSHub
	sim       *oracle.Simulated
	validate  *validator.Validate
	logger    *zap.Logger
}

// NewServer creates a Server. hub may be nil to disable /api/v1/ws. An
// adapter over oracle.Simulated also mounts the /api/v1/oracle routes.
func NewServer(lg *ledger.Ledger, adapter *oracle.Adapter, msgr *messenger.Messenger, ctl *lifecycle.Controller, hub *WSHub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	var sim *oracle.Simulated
	if adapter != nil {
		sim, _ = adapter.Oracle().(*oracle.Simulated)
	}
	return &Server{
		ledger:    lg,
		adapter:   adapter,
		messenger: msgr,
		lifecycle: ctl,
		hub:       hub,
		sim:       sim,
		validate:  v,
		logger:    logger.With(zap.String("component", "api")),
	}
}

// Routes returns the HTTP handler with middleware and every route mounted.
func (s *Server) Routes(corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}).Handler)

	r.Get("/health", s.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/markets", s.ListMarkets)
			r.Post("/markets", s.CreateMarket)
			r.Get("/markets/{marketID}", s.GetMarket)
			r.Get("/markets/{marketID}/bets", s.ListBets)
			r.Post("/markets/{marketID}/bets", s.PlaceBet)
			r.Get("/markets/{marketID}/bets/{user}", s.GetBet)
			r.Post("/markets/{marketID}/claims", s.Claim)
			r.Get("/markets/{marketID}/settlement", s.CanSettle)
			r.Post("/markets/{marketID}/settlement", s.RequestSettlement)
			r.Post("/markets/{marketID}/poll", s.Poll)
			r.Post("/markets/{marketID}/relay", s.Relay)
			r.Get("/markets/{marketID}/deliveries", s.ListDeliveries)

			r.Get("/oracle-requests", s.ListOracleRequests)
			r.Get("/escrow", s.GetEscrow)
			r.Post("/escrow/deposits", s.Deposit)

			r.Post("/messages", s.ReceiveMessage)

			if s.sim != nil {
				r.Post("/oracle/proposals", s.ProposeOutcome)
				r.Post("/oracle/disputes", s.DisputeProposal)
				r.Post("/oracle/settlements", s.SettleOutcome)
			}
		})
	})
	return r
}

// Health handles GET /health.
func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "settlement-engine",
		"role":    string(s.ledger.Role()),
	})
}

// decode reads a JSON body into dst and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeMessage(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func marketID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "marketID"), 10, 64)
	if err != nil || id == 0 {
		writeMessage(w, http.StatusBadRequest, "market id must be a positive integer")
		return 0, false
	}
	return id, true
}

func userParam(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	u := chi.URLParam(r, "user")
	if !common.IsHexAddress(u) {
		writeMessage(w, http.StatusBadRequest, "user must be a hex address")
		return common.Address{}, false
	}
	return common.HexToAddress(u), true
}

func (s *Server) requireAdapter(w http.ResponseWriter) bool {
	if s.adapter == nil {
		writeError(w, s.logger, model.ErrWrongRole)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
