package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/settlement-engine/internal/api"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/lifecycle"
	"github.com/atmx/settlement-engine/internal/messenger"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/oracle"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/transport/memory"
)

const (
	originEID  = 40161
	displayEID = 40231

	creator = "0x00000000000000000000000000000000000000c1"
	alice   = "0x000000000000000000000000000000000000a11c"
	bob     = "0x0000000000000000000000000000000000000b0b"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	clock   *clock
	net     *memory.Network
	oracle  *oracle.Simulated
	origin  http.Handler
	display http.Handler
}

// newTestEnv wires an origin and a display server over an in-memory network.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clk := &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	net := memory.NewNetwork(messenger.Tariff{Base: model.NewAmount(1_000)})

	originSt := store.NewMemoryStore()
	origin := ledger.New(model.RoleOrigin, originSt, ledger.WithClock(clk.Now))
	sim := oracle.NewSimulated(time.Hour, clk.Now)
	ad := oracle.NewAdapter(origin, originSt, sim, oracle.Config{
		Requester:     common.HexToAddress(creator),
		DefaultReward: model.NewAmount(100),
		DefaultBond:   model.NewAmount(50),
	}, nil)
	sender := messenger.New(origin, originSt, net.Endpoint(originEID), originEID, messenger.DefaultDeliveryOptions(), nil)
	originCtl := lifecycle.New(origin, ad, sender, lifecycle.Config{Destination: displayEID}, nil)

	displaySt := store.NewMemoryStore()
	display := ledger.New(model.RoleDisplay, displaySt, ledger.WithClock(clk.Now))
	receiver := messenger.New(display, displaySt, nil, displayEID, messenger.DefaultDeliveryOptions(), nil)
	displayCtl := lifecycle.New(display, nil, receiver, lifecycle.Config{}, nil)
	net.Register(displayEID, receiver.Handler())

	return &testEnv{
		clock:   clk,
		net:     net,
		oracle:  sim,
		origin:  api.NewServer(origin, ad, sender, originCtl, nil, nil).Routes([]string{"*"}),
		display: api.NewServer(display, nil, receiver, displayCtl, nil, nil).Routes([]string{"*"}),
	}
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

func marketBody(e *testEnv, id uint64) map[string]any {
	body := map[string]any{
		"title":                     "Will BTC close above 100k on Friday?",
		"category":                  "crypto",
		"options":                   []string{"No", "Yes"},
		"expiration_date":           e.clock.Now().Add(time.Hour),
		"verification_time_seconds": 600,
		"creator":                   creator,
	}
	if id != 0 {
		body["id"] = id
	}
	return body
}

type marketResp struct {
	ID             uint64          `json:"id"`
	IsResolved     bool            `json:"is_resolved"`
	Outcome        int64           `json:"outcome"`
	CategoryName   string          `json:"category_name"`
	State          lifecycle.State `json:"state"`
	TotalPool      model.Amount    `json:"total_pool"`
	TotalPoolEther string          `json:"total_pool_ether"`
}

func createMarket(t *testing.T, e *testEnv) uint64 {
	t.Helper()
	w := do(t, e.origin, http.MethodPost, "/api/v1/markets", marketBody(e, 0))
	expectStatus(t, w, http.StatusCreated)
	var m marketResp
	decodeBody(t, w, &m)
	if w := do(t, e.display, http.MethodPost, "/api/v1/markets", marketBody(e, m.ID)); w.Code != http.StatusCreated {
		t.Fatalf("display create: %d %s", w.Code, w.Body.String())
	}
	return m.ID
}

func placeBet(t *testing.T, h http.Handler, id uint64, user string, option int, amount string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, h, http.MethodPost, fmt.Sprintf("/api/v1/markets/%d/bets", id), map[string]any{
		"user": user, "option": option, "amount": amount,
	})
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	w := do(t, e.display, http.MethodGet, "/health", nil)
	expectStatus(t, w, http.StatusOK)
	var body map[string]string
	decodeBody(t, w, &body)
	if body["status"] != "ok" || body["role"] != "display" {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestCreateMarket(t *testing.T) {
	e := newTestEnv(t)
	w := do(t, e.origin, http.MethodPost, "/api/v1/markets", marketBody(e, 0))
	expectStatus(t, w, http.StatusCreated)

	var m marketResp
	decodeBody(t, w, &m)
	if m.ID != 1 {
		t.Errorf("expected id 1, got %d", m.ID)
	}
	if m.CategoryName != "CRYPTO" || m.State != lifecycle.StateCreated {
		t.Errorf("unexpected market: %+v", m)
	}
	if m.Outcome != model.NoOutcome {
		t.Errorf("expected no outcome, got %d", m.Outcome)
	}
}

func TestCreateMarket_Rejects(t *testing.T) {
	e := newTestEnv(t)
	tests := []struct {
		name   string
		mutate func(map[string]any)
		server http.Handler
	}{
		{"one option", func(b map[string]any) { b["options"] = []string{"Yes"} }, e.origin},
		{"blank option", func(b map[string]any) { b["options"] = []string{"Yes", ""} }, e.origin},
		{"bad creator", func(b map[string]any) { b["creator"] = "bob" }, e.origin},
		{"unknown category", func(b map[string]any) { b["category"] = "WEATHER" }, e.origin},
		{"past expiry", func(b map[string]any) { b["expiration_date"] = e.clock.Now().Add(-time.Minute) }, e.origin},
		{"id on origin", func(b map[string]any) { b["id"] = 7 }, e.origin},
		{"no id on display", func(b map[string]any) {}, e.display},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := marketBody(e, 0)
			tt.mutate(body)
			w := do(t, tt.server, http.MethodPost, "/api/v1/markets", body)
			expectStatus(t, w, http.StatusBadRequest)
		})
	}

	w := do(t, e.origin, http.MethodPost, "/api/v1/markets", `{"title": "x", "surprise": 1}`)
	expectStatus(t, w, http.StatusBadRequest)
}

func TestGetMarket_Errors(t *testing.T) {
	e := newTestEnv(t)
	expectStatus(t, do(t, e.origin, http.MethodGet, "/api/v1/markets/99", nil), http.StatusNotFound)
	expectStatus(t, do(t, e.origin, http.MethodGet, "/api/v1/markets/abc", nil), http.StatusBadRequest)
	expectStatus(t, do(t, e.origin, http.MethodGet, "/api/v1/markets/0", nil), http.StatusBadRequest)
}

func TestPlaceBet_AndPotentialWinnings(t *testing.T) {
	e := newTestEnv(t)
	id := createMarket(t, e)

	expectStatus(t, placeBet(t, e.origin, id, alice, 0, "10"), http.StatusOK)
	expectStatus(t, placeBet(t, e.origin, id, bob, 1, "30"), http.StatusOK)
	expectStatus(t, placeBet(t, e.origin, id, alice, 1, "10"), http.StatusOK)

	w := do(t, e.origin, http.MethodGet, fmt.Sprintf("/api/v1/markets/%d", id), nil)
	expectStatus(t, w, http.StatusOK)
	var m marketResp
	decodeBody(t, w, &m)
	if m.TotalPool.Uint64() != 50 || m.State != lifecycle.StateOpen {
		t.Errorf("expected open market with pool 50, got %+v", m)
	}

	w = do(t, e.origin, http.MethodGet, fmt.Sprintf("/api/v1/markets/%d/bets/%s", id, alice), nil)
	expectStatus(t, w, http.StatusOK)
	var b struct {
		PerOptionAmount   []model.Amount  `json:"per_option_amount"`
		Status            model.BetStatus `json:"status"`
		Claimable         bool            `json:"claimable"`
		PotentialWinnings []model.Amount  `json:"potential_winnings"`
	}
	decodeBody(t, w, &b)
	if b.Status != model.BetActive || b.Claimable {
		t.Errorf("unexpected bet: %+v", b)
	}
	// Option 0 wins: alice holds all of pool 0 and takes all 40 of pool 1.
	// Option 1 wins: alice holds 10 of 40 and gets a quarter of pool 0.
	if len(b.PotentialWinnings) != 2 || b.PotentialWinnings[0].Uint64() != 50 || b.PotentialWinnings[1].Uint64() != 12 {
		t.Errorf("unexpected potential winnings: %v", b.PotentialWinnings)
	}

	w = do(t, e.origin, http.MethodGet, fmt.Sprintf("/api/v1/markets/%d/bets", id), nil)
	expectStatus(t, w, http.StatusOK)
	var bets []json.RawMessage
	decodeBody(t, w, &bets)
	if len(bets) != 2 {
		t.Errorf("expected 2 bets, got %d", len(bets))
	}
}

func TestPlaceBet_Rejects(t *testing.T) {
	e := newTestEnv(t)
	id := createMarket(t, e)

	expectStatus(t, placeBet(t, e.origin, id, alice, 2, "10"), http.StatusBadRequest)
	expectStatus(t, placeBet(t, e.origin, id, alice, 0, "0"), http.StatusBadRequest)
	expectStatus(t, placeBet(t, e.origin, id, "nope", 0, "10"), http.StatusBadRequest)
	expectStatus(t, placeBet(t, e.origin, 42, alice, 0, "10"), http.StatusNotFound)
	w := do(t, e.origin, http.MethodPost, fmt.Sprintf("/api/v1/markets/%d/bets", id), map[string]any{"user": alice, "amount": "5"})
	expectStatus(t, w, http.StatusBadRequest)

	e.clock.Advance(time.Hour)
	expectStatus(t, placeBet(t, e.origin, id, alice, 0, "10"), http.StatusConflict)
}

func TestSettlementFlow(t *testing.T) {
	e := newTestEnv(t)
	id := createMarket(t, e)
	for _, h := range []http.Handler{e.origin, e.display} {
		expectStatus(t, placeBet(t, h, id, alice, 0, "10"), http.StatusOK)
		expectStatus(t, placeBet(t, h, id, bob, 1, "30"), http.StatusOK)
	}
	settlement := fmt.Sprintf("/api/v1/markets/%d/settlement", id)

	// Too early.
	expectStatus(t, do(t, e.origin, http.MethodPost, settlement, nil), http.StatusConflict)

	e.clock.Advance(time.Hour + 10*time.Minute)
	w := do(t, e.origin, http.MethodGet, settlement, nil)
	expectStatus(t, w, http.StatusOK)
	var can struct {
		Ready  bool   `json:"ready"`
		Reason string `json:"reason"`
	}
	decodeBody(t, w, &can)
	if can.Ready || !strings.Contains(can.Reason, "insufficient escrow") {
		t.Errorf("expected escrow shortfall, got %+v", can)
	}
	expectStatus(t, do(t, e.origin, http.MethodPost, settlement, nil), http.StatusPaymentRequired)

	w = do(t, e.origin, http.MethodPost, "/api/v1/escrow/deposits", map[string]any{"amount": "150"})
	expectStatus(t, w, http.StatusOK)
	expectStatus(t, do(t, e.origin, http.MethodPost, settlement, nil), http.StatusCreated)
	expectStatus(t, do(t, e.origin, http.MethodPost, settlement, nil), http.StatusConflict)

	w = do(t, e.origin, http.MethodGet, "/api/v1/escrow", nil)
	expectStatus(t, w, http.StatusOK)
	var esc struct {
		Balance model.Amount `json:"balance"`
	}
	decodeBody(t, w, &esc)
	if !esc.Balance.IsZero() {
		t.Errorf("expected escrow drained, got %s", esc.Balance)
	}

	poll := fmt.Sprintf("/api/v1/markets/%d/poll", id)
	var polled struct {
		Settled bool       `json:"settled"`
		Market  marketResp `json:"market"`
	}
	w = do(t, e.origin, http.MethodPost, poll, nil)
	expectStatus(t, w, http.StatusOK)
	decodeBody(t, w, &polled)
	if polled.Settled || polled.Market.State != lifecycle.StateSettlementRequested {
		t.Fatalf("expected pending settlement, got %+v", polled)
	}

	keys := e.oracle.Keys()
	if len(keys) != 1 {
		t.Fatalf("expected 1 oracle request, got %d", len(keys))
	}
	if err := e.oracle.Propose(keys[0], 1); err != nil {
		t.Fatal(err)
	}
	e.clock.Advance(time.Hour)

	w = do(t, e.origin, http.MethodPost, poll, nil)
	expectStatus(t, w, http.StatusOK)
	decodeBody(t, w, &polled)
	if !polled.Settled || !polled.Market.IsResolved || polled.Market.Outcome != 1 {
		t.Fatalf("expected resolved to option 1, got %+v", polled)
	}

	w = do(t, e.origin, http.MethodGet, "/api/v1/oracle-requests", nil)
	expectStatus(t, w, http.StatusOK)
	var reqs []model.OracleRequest
	decodeBody(t, w, &reqs)
	if len(reqs) != 1 || reqs[0].State != model.RequestResolved {
		t.Errorf("unexpected oracle requests: %+v", reqs)
	}

	// Relay, deliver, then both sides pay bob the whole pool.
	expectStatus(t, do(t, e.origin, http.MethodPost, fmt.Sprintf("/api/v1/markets/%d/relay", id), nil), http.StatusAccepted)
	w = do(t, e.origin, http.MethodGet, fmt.Sprintf("/api/v1/markets/%d/deliveries", id), nil)
	expectStatus(t, w, http.StatusOK)
	var ds []model.Delivery
	decodeBody(t, w, &ds)
	if len(ds) != 1 || ds[0].Destination != displayEID {
		t.Errorf("unexpected deliveries: %+v", ds)
	}
	if n, err := e.net.Flush(context.Background()); err != nil || n != 1 {
		t.Fatalf("Flush: n=%d err=%v", n, err)
	}

	claims := fmt.Sprintf("/api/v1/markets/%d/claims", id)
	for _, h := range []http.Handler{e.origin, e.display} {
		w = do(t, h, http.MethodPost, claims, map[string]string{"user": bob})
		expectStatus(t, w, http.StatusOK)
		var c struct {
			Amount model.Amount `json:"amount"`
		}
		decodeBody(t, w, &c)
		if c.Amount.Uint64() != 40 {
			t.Errorf("expected claim 40, got %s", c.Amount)
		}
		expectStatus(t, do(t, h, http.MethodPost, claims, map[string]string{"user": bob}), http.StatusConflict)
		expectStatus(t, do(t, h, http.MethodPost, claims, map[string]string{"user": alice}), http.StatusConflict)
	}
}

func TestDisplay_OracleRoutesRejected(t *testing.T) {
	e := newTestEnv(t)
	id := createMarket(t, e)
	for _, path := range []string{
		fmt.Sprintf("/api/v1/markets/%d/settlement", id),
		fmt.Sprintf("/api/v1/markets/%d/poll", id),
		fmt.Sprintf("/api/v1/markets/%d/relay", id),
	} {
		w := do(t, e.display, http.MethodPost, path, nil)
		expectStatus(t, w, http.StatusBadRequest)
		if !strings.Contains(w.Body.String(), "not permitted") {
			t.Errorf("%s: unexpected body %s", path, w.Body.String())
		}
	}
	expectStatus(t, do(t, e.display, http.MethodGet, "/api/v1/escrow", nil), http.StatusBadRequest)
}

func TestReceiveMessage(t *testing.T) {
	e := newTestEnv(t)
	id := createMarket(t, e)

	payload := fmt.Sprintf(`{"marketId":%d,"outcome":0,"resolved":true}`, id)
	w := do(t, e.display, http.MethodPost, "/api/v1/messages", payload)
	expectStatus(t, w, http.StatusOK)
	var res struct {
		Result string `json:"result"`
	}
	decodeBody(t, w, &res)
	if res.Result != "applied" {
		t.Errorf("expected applied, got %s", res.Result)
	}

	w = do(t, e.display, http.MethodPost, "/api/v1/messages", payload)
	expectStatus(t, w, http.StatusOK)
	decodeBody(t, w, &res)
	if res.Result != "already_applied" {
		t.Errorf("expected already_applied, got %s", res.Result)
	}

	expectStatus(t, do(t, e.display, http.MethodPost, "/api/v1/messages", `{"marketId":77,"outcome":0,"resolved":true}`), http.StatusBadGateway)
	expectStatus(t, do(t, e.display, http.MethodPost, "/api/v1/messages", `{"marketId":1}`), http.StatusBadRequest)
}

func TestListMarkets_StateFilter(t *testing.T) {
	e := newTestEnv(t)
	first := createMarket(t, e)
	createMarket(t, e)
	expectStatus(t, placeBet(t, e.origin, first, alice, 0, "1"), http.StatusOK)

	w := do(t, e.origin, http.MethodGet, "/api/v1/markets?state=open", nil)
	expectStatus(t, w, http.StatusOK)
	var ms []marketResp
	decodeBody(t, w, &ms)
	if len(ms) != 1 || ms[0].ID != first {
		t.Errorf("expected only market %d, got %+v", first, ms)
	}

	w = do(t, e.origin, http.MethodGet, "/api/v1/markets", nil)
	decodeBody(t, w, &ms)
	if len(ms) != 2 {
		t.Errorf("expected 2 markets, got %d", len(ms))
	}
}

func TestSimulatedOracleRoutes(t *testing.T) {
	e := newTestEnv(t)
	id := createMarket(t, e)
	proposals := "/api/v1/oracle/proposals"

	// Not requested yet.
	w := do(t, e.origin, http.MethodPost, proposals, map[string]any{"market_id": id, "outcome": 1})
	expectStatus(t, w, http.StatusConflict)

	e.clock.Advance(time.Hour + 10*time.Minute)
	expectStatus(t, do(t, e.origin, http.MethodPost, "/api/v1/escrow/deposits", map[string]any{"amount": "150"}), http.StatusOK)
	expectStatus(t, do(t, e.origin, http.MethodPost, fmt.Sprintf("/api/v1/markets/%d/settlement", id), nil), http.StatusCreated)

	expectStatus(t, do(t, e.origin, http.MethodPost, proposals, map[string]any{"market_id": id}), http.StatusBadRequest)

	var resp struct {
		State model.RequestState `json:"state"`
	}
	w = do(t, e.origin, http.MethodPost, proposals, map[string]any{"market_id": id, "outcome": 0})
	expectStatus(t, w, http.StatusOK)
	decodeBody(t, w, &resp)
	if resp.State != model.RequestProposed {
		t.Errorf("expected proposed, got %s", resp.State)
	}

	disputes := "/api/v1/oracle/disputes"
	expectStatus(t, do(t, e.origin, http.MethodPost, disputes, map[string]any{"market_id": id}), http.StatusOK)
	expectStatus(t, do(t, e.origin, http.MethodPost, disputes, map[string]any{"market_id": id}), http.StatusConflict)

	w = do(t, e.origin, http.MethodPost, "/api/v1/oracle/settlements", map[string]any{"market_id": id, "outcome": 1})
	expectStatus(t, w, http.StatusOK)
	decodeBody(t, w, &resp)
	if resp.State != model.RequestResolved {
		t.Errorf("expected resolved, got %s", resp.State)
	}

	var polled struct {
		Settled bool       `json:"settled"`
		Market  marketResp `json:"market"`
	}
	w = do(t, e.origin, http.MethodPost, fmt.Sprintf("/api/v1/markets/%d/poll", id), nil)
	expectStatus(t, w, http.StatusOK)
	decodeBody(t, w, &polled)
	if !polled.Settled || polled.Market.Outcome != 1 {
		t.Errorf("expected settlement on outcome 1, got %+v", polled)
	}

	// The display ledger has no oracle.
	expectStatus(t, do(t, e.display, http.MethodPost, proposals, map[string]any{"market_id": id, "outcome": 1}), http.StatusNotFound)
}
