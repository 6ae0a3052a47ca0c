// Package archive uploads periodic JSONL snapshots of a ledger's persisted
// state (markets, bets, oracle requests and deliveries) for audit.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// Uploader stores one object.
type Uploader interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
}

// Record is one line of a snapshot.
type Record struct {
	Type          string               `json:"type"`
	Market        *model.Market        `json:"market,omitempty"`
	Bet           *model.Bet           `json:"bet,omitempty"`
	OracleRequest *model.OracleRequest `json:"oracle_request,omitempty"`
	Delivery      *model.Delivery      `json:"delivery,omitempty"`
	Escrow        *model.Amount        `json:"escrow,omitempty"`
}

// Snapshotter writes snapshots of one store.
type Snapshotter struct {
	store    store.Store
	uploader Uploader
	role     model.Role
	prefix   string
	now      func() time.Time
	logger   *zap.Logger
}

// NewSnapshotter creates a Snapshotter writing under prefix/role/.
func NewSnapshotter(st store.Store, up Uploader, role model.Role, prefix string, logger *zap.Logger) *Snapshotter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshotter{
		store:    st,
		uploader: up,
		role:     role,
		prefix:   prefix,
		now:      time.Now,
		logger:   logger.With(zap.String("component", "archive")),
	}
}

// Key returns the object key of a snapshot taken at t:
//
//	<prefix>/<role>/2025/06/01/120000.jsonl
func (s *Snapshotter) Key(t time.Time) string {
	t = t.UTC()
	return path.Join(s.prefix, string(s.role), t.Format("2006/01/02"), t.Format("150405")+".jsonl")
}

// Collect reads the full persisted state as records.
func (s *Snapshotter) Collect(ctx context.Context) ([]Record, error) {
	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: list markets: %w", err)
	}
	var recs []Record
	for i := range markets {
		m := &markets[i]
		recs = append(recs, Record{Type: "market", Market: m})

		bets, err := s.store.ListBets(ctx, m.ID)
		if err != nil {
			return nil, fmt.Errorf("archive: list bets %d: %w", m.ID, err)
		}
		for j := range bets {
			recs = append(recs, Record{Type: "bet", Bet: &bets[j]})
		}

		deliveries, err := s.store.ListDeliveries(ctx, m.ID)
		if err != nil {
			return nil, fmt.Errorf("archive: list deliveries %d: %w", m.ID, err)
		}
		for j := range deliveries {
			recs = append(recs, Record{Type: "delivery", Delivery: &deliveries[j]})
		}
	}

	reqs, err := s.store.ListOracleRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: list oracle requests: %w", err)
	}
	for i := range reqs {
		recs = append(recs, Record{Type: "oracle_request", OracleRequest: &reqs[i]})
	}

	if s.role == model.RoleOrigin {
		bal, err := s.store.EscrowBalance(ctx)
		if err != nil {
			return nil, fmt.Errorf("archive: escrow balance: %w", err)
		}
		recs = append(recs, Record{Type: "escrow", Escrow: &bal})
	}
	return recs, nil
}

// Snapshot uploads the current state and returns its key and record count.
func (s *Snapshotter) Snapshot(ctx context.Context) (string, int, error) {
	recs, err := s.Collect(ctx)
	if err != nil {
		metrics.ArchiveUploads.WithLabelValues("error").Inc()
		return "", 0, err
	}
	buf, err := marshalJSONL(recs)
	if err != nil {
		metrics.ArchiveUploads.WithLabelValues("error").Inc()
		return "", 0, fmt.Errorf("archive: marshal: %w", err)
	}

	key := s.Key(s.now())
	if err := s.uploader.Put(ctx, key, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		metrics.ArchiveUploads.WithLabelValues("error").Inc()
		return "", 0, err
	}
	metrics.ArchiveUploads.WithLabelValues("ok").Inc()
	s.logger.Info("snapshot uploaded", zap.String("key", key), zap.Int("records", len(recs)))
	return key, len(recs), nil
}

// Run snapshots every interval until ctx is cancelled.
func (s *Snapshotter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, _, err := s.Snapshot(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("snapshot failed", zap.Error(err))
			}
		}
	}
}

// marshalJSONL encodes records one compact JSON object per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
