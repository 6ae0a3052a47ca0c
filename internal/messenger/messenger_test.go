package messenger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/messenger"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/transport/memory"
)

const (
	originEID  = 40161
	displayEID = 40231
)

var tariff = messenger.Tariff{
	Base:     model.NewAmount(1_000),
	PerByte:  model.NewAmount(16),
	GasPrice: model.NewAmount(2),
}

func TestEncode_Canonical(t *testing.T) {
	b, err := messenger.Encode(12, 3)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got, want := string(b), `{"marketId":12,"outcome":3,"resolved":true}`; got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
	if _, err := messenger.Encode(0, 1); !errors.Is(err, model.ErrInvalidPayload) {
		t.Errorf("zero market id: expected ErrInvalidPayload, got %v", err)
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		id      uint64
		outcome int64
		wantErr bool
	}{
		{"canonical", `{"marketId":12,"outcome":3,"resolved":true}`, 12, 3, false},
		{"quoted numbers", `{"marketId":"12","outcome":"3","resolved":true}`, 12, 3, false},
		{"field order", `{"resolved":true,"outcome":0,"marketId":5}`, 5, 0, false},
		{"whitespace", "{\n  \"marketId\" : 5 ,\n\t\"outcome\": 1,\"resolved\" :true }\n", 5, 1, false},
		{"unknown field", `{"marketId":5,"outcome":1,"resolved":true,"v":2}`, 5, 1, false},
		{"not json", `marketId=5`, 0, 0, true},
		{"missing outcome", `{"marketId":5,"resolved":true}`, 0, 0, true},
		{"negative outcome", `{"marketId":5,"outcome":-1,"resolved":true}`, 0, 0, true},
		{"fractional id", `{"marketId":5.5,"outcome":1,"resolved":true}`, 0, 0, true},
		{"zero id", `{"marketId":0,"outcome":1,"resolved":true}`, 0, 0, true},
		{"not resolved", `{"marketId":5,"outcome":1,"resolved":false}`, 0, 0, true},
		{"missing resolved", `{"marketId":5,"outcome":1}`, 0, 0, true},
		{"trailing data", `{"marketId":5,"outcome":1,"resolved":true} {}`, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := messenger.Decode([]byte(tt.in))
			if tt.wantErr {
				if !errors.Is(err, model.ErrInvalidPayload) {
					t.Fatalf("expected ErrInvalidPayload, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if p.MarketID != tt.id || p.Outcome != tt.outcome || !p.Resolved {
				t.Errorf("got %+v", p)
			}
		})
	}
}

func TestWithBuffer(t *testing.T) {
	got, err := messenger.WithBuffer(model.NewAmount(1_000), messenger.DefaultBufferPct)
	if err != nil {
		t.Fatalf("WithBuffer: %v", err)
	}
	if got.Uint64() != 1_200 {
		t.Errorf("expected 1200, got %s", got)
	}
}

// pair wires an origin messenger to a display ledger over an in-memory network.
type pair struct {
	net       *memory.Network
	originSt  *store.MemoryStore
	display   *ledger.Ledger
	sender    *messenger.Messenger
	receiver  *messenger.Messenger
	displayID uint64
}

func newPair(t *testing.T) *pair {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	net := memory.NewNetwork(tariff)
	originSt := store.NewMemoryStore()
	origin := ledger.New(model.RoleOrigin, originSt, ledger.WithClock(func() time.Time { return now }))

	displaySt := store.NewMemoryStore()
	display := ledger.New(model.RoleDisplay, displaySt, ledger.WithClock(func() time.Time { return now }))
	if _, err := display.CreateMarket(ctx, ledger.MarketParams{
		ID:             1,
		Title:          "Derby winner",
		Category:       model.CategorySports,
		Options:        []string{"Home", "Draw", "Away"},
		ExpirationDate: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}

	p := &pair{
		net:       net,
		originSt:  originSt,
		display:   display,
		sender:    messenger.New(origin, originSt, net.Endpoint(originEID), originEID, messenger.DefaultDeliveryOptions(), nil),
		receiver:  messenger.New(display, displaySt, nil, displayEID, messenger.DefaultDeliveryOptions(), nil),
		displayID: 1,
	}
	net.Register(displayEID, p.receiver.Handler())
	return p
}

func TestSend_RecordsDeliveryAndResolvesDisplay(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	h, err := p.sender.SendOutcome(ctx, displayEID, p.displayID, 2, messenger.DefaultBufferPct)
	if err != nil {
		t.Fatalf("SendOutcome: %v", err)
	}
	if h.Nonce != 1 || h.ID == "" {
		t.Errorf("unexpected handle %+v", h)
	}

	ds, err := p.sender.Deliveries(ctx, p.displayID)
	if err != nil || len(ds) != 1 {
		t.Fatalf("expected 1 delivery, got %d (%v)", len(ds), err)
	}
	if ds[0].GUID != h.GUID || ds[0].Destination != displayEID {
		t.Errorf("delivery mismatch: %+v", ds[0])
	}

	if n, err := p.net.Flush(ctx); err != nil || n != 1 {
		t.Fatalf("Flush: n=%d err=%v", n, err)
	}
	m, _ := p.display.Market(ctx, p.displayID)
	if !m.IsResolved || m.Outcome != 2 {
		t.Errorf("display market not resolved to 2: %+v", m)
	}
}

func TestSend_InsufficientFee(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	payload, _ := messenger.Encode(p.displayID, 1)

	quote, err := p.sender.QuoteFee(ctx, displayEID, payload)
	if err != nil {
		t.Fatalf("QuoteFee: %v", err)
	}
	low, _ := quote.Sub(model.NewAmount(1))
	if _, err := p.sender.Send(ctx, displayEID, payload, low); !errors.Is(err, model.ErrInsufficientFee) {
		t.Fatalf("expected ErrInsufficientFee, got %v", err)
	}
	if p.net.Pending() != 0 {
		t.Error("underpaid message was queued")
	}
	if _, err := p.sender.Send(ctx, displayEID, payload, quote); err != nil {
		t.Fatalf("Send at exact quote: %v", err)
	}
}

func TestSend_TransportDown(t *testing.T) {
	p := newPair(t)
	p.net.SetDown(true)
	_, err := p.sender.SendOutcome(context.Background(), displayEID, p.displayID, 0, messenger.DefaultBufferPct)
	if !errors.Is(err, model.ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
	if model.KindOf(err) != model.KindExternal {
		t.Errorf("expected external kind, got %s", model.KindOf(err))
	}
}

func TestOnReceive_DuplicateIsNoop(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	p.net.SetDuplicate(true)

	if _, err := p.sender.SendOutcome(ctx, displayEID, p.displayID, 1, messenger.DefaultBufferPct); err != nil {
		t.Fatalf("SendOutcome: %v", err)
	}
	if _, err := p.net.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	payload, _ := messenger.Encode(p.displayID, 1)
	res, err := p.receiver.OnReceive(ctx, payload)
	if err != nil || res != messenger.AlreadyApplied {
		t.Fatalf("expected AlreadyApplied, got %v %v", res, err)
	}

	// A later message with a different outcome cannot change a resolved market.
	other, _ := messenger.Encode(p.displayID, 0)
	if res, err := p.receiver.OnReceive(ctx, other); err != nil || res != messenger.AlreadyApplied {
		t.Fatalf("expected AlreadyApplied, got %v %v", res, err)
	}
	m, _ := p.display.Market(ctx, p.displayID)
	if m.Outcome != 1 {
		t.Errorf("outcome changed to %d", m.Outcome)
	}
}

func TestOnReceive_Errors(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	unknown, _ := messenger.Encode(99, 0)
	if _, err := p.receiver.OnReceive(ctx, unknown); !errors.Is(err, model.ErrUnknownMarket) {
		t.Errorf("expected ErrUnknownMarket, got %v", err)
	}
	outOfRange, _ := messenger.Encode(p.displayID, 3)
	if _, err := p.receiver.OnReceive(ctx, outOfRange); !errors.Is(err, model.ErrInvalidOutcome) {
		t.Errorf("expected ErrInvalidOutcome, got %v", err)
	}
	if _, err := p.receiver.OnReceive(ctx, []byte(`{"marketId":1}`)); !errors.Is(err, model.ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
	m, _ := p.display.Market(ctx, p.displayID)
	if m.IsResolved {
		t.Error("market resolved by a rejected message")
	}
}

func TestFlush_RetriesFailedDelivery(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	// Unknown market on the display side: the message stays queued.
	if _, err := p.sender.SendOutcome(ctx, displayEID, 2, 0, messenger.DefaultBufferPct); err != nil {
		t.Fatalf("SendOutcome: %v", err)
	}
	if n, err := p.net.Flush(ctx); n != 0 || !errors.Is(err, model.ErrUnknownMarket) {
		t.Fatalf("expected failed delivery, got n=%d err=%v", n, err)
	}
	if p.net.Pending() != 1 {
		t.Fatalf("expected 1 pending, got %d", p.net.Pending())
	}

	// Once the market is mirrored, the retry applies it.
	if _, err := p.display.CreateMarket(ctx, ledger.MarketParams{
		ID:             2,
		Title:          "Second",
		Category:       model.CategorySports,
		Options:        []string{"A", "B"},
		ExpirationDate: p.display.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	if n, err := p.net.Flush(ctx); n != 1 || err != nil {
		t.Fatalf("retry: n=%d err=%v", n, err)
	}
	if p.net.Pending() != 0 {
		t.Error("queue not drained")
	}
}
