package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

type memUploader struct {
	objects map[string][]byte
	err     error
}

func (u *memUploader) Put(_ context.Context, key string, body io.Reader, _ string) error {
	if u.err != nil {
		return u.err
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	u.objects[key] = b
	return nil
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 30, 15, 0, time.UTC)
	ms := store.NewMemoryStore()
	lg := ledger.New(model.RoleOrigin, ms, ledger.WithClock(func() time.Time { return now }))

	m, err := lg.CreateMarket(ctx, ledger.MarketParams{
		Title:          "Archive me",
		Category:       model.CategoryEconomy,
		Options:        []string{"No", "Yes"},
		ExpirationDate: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	for _, u := range []string{"0x01", "0x02"} {
		if _, err := lg.PlaceBet(ctx, m.ID, common.HexToAddress(u), 1, model.NewAmount(5)); err != nil {
			t.Fatalf("PlaceBet: %v", err)
		}
	}
	if _, err := ms.CreditEscrow(ctx, model.NewAmount(42)); err != nil {
		t.Fatal(err)
	}

	up := &memUploader{objects: map[string][]byte{}}
	s := NewSnapshotter(ms, up, model.RoleOrigin, "snapshots", nil)
	s.now = func() time.Time { return now }

	key, n, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if key != "snapshots/origin/2025/06/01/123015.jsonl" {
		t.Errorf("unexpected key %s", key)
	}
	if n != 4 {
		t.Errorf("expected 4 records, got %d", n)
	}

	counts := map[string]int{}
	sc := bufio.NewScanner(bytes.NewReader(up.objects[key]))
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		counts[r.Type]++
		if r.Type == "escrow" && r.Escrow.Uint64() != 42 {
			t.Errorf("escrow = %s", r.Escrow)
		}
	}
	if counts["market"] != 1 || counts["bet"] != 2 || counts["escrow"] != 1 {
		t.Errorf("unexpected record mix %v", counts)
	}
}

func TestSnapshot_UploadError(t *testing.T) {
	up := &memUploader{objects: map[string][]byte{}, err: errors.New("bucket gone")}
	s := NewSnapshotter(store.NewMemoryStore(), up, model.RoleDisplay, "snapshots", nil)
	if _, _, err := s.Snapshot(context.Background()); err == nil {
		t.Fatal("expected upload error")
	}
}

func TestNormaliseEndpoint(t *testing.T) {
	if got := normaliseEndpoint("minio.local:9000"); got != "https://minio.local:9000" {
		t.Errorf("got %s", got)
	}
	if got := normaliseEndpoint("http://localhost:9000"); got != "http://localhost:9000" {
		t.Errorf("got %s", got)
	}
}
