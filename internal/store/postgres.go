package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/settlement-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const pgUniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Amounts are stored as NUMERIC(78,0) and travel as decimal text so no
// precision is lost in either direction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded migrations in lexicographic order, recording
// each applied file in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("postgres: create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", name, err)
		}
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			var applied bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, name,
			).Scan(&applied); err != nil || applied {
				return err
			}
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name)
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", name, err)
		}
	}
	return nil
}

// --- Markets ---

func (s *PostgresStore) NextMarketID(ctx context.Context) (uint64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`UPDATE market_counter SET value = value + 1 WHERE id = 1 RETURNING value`,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("next market id: %w", err)
	}
	return uint64(id), nil
}

func (s *PostgresStore) InsertMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, title, description, category, options, expiration_date,
		                      verification_secs, pool_amounts, is_resolved, outcome, creator,
		                      request_time, reward, bond, relayed, created_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC[], $9, $10, $11,
		         $12, $13::NUMERIC, $14::NUMERIC, $15, $16, $17)`,
		int64(m.ID), m.Title, m.Description, int16(m.Category), m.Options, m.ExpirationDate,
		int64(m.VerificationTime/time.Second), amountStrings(m.PoolAmounts), m.IsResolved, m.Outcome,
		m.Creator.Hex(), nullTime(m.RequestTime), m.Reward.String(), m.Bond.String(),
		m.Relayed, m.CreatedAt, nullTime(m.ResolvedAt),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("market %d: %w", m.ID, model.ErrDuplicateMarket)
		}
		return fmt.Errorf("insert market %d: %w", m.ID, err)
	}
	return nil
}

const marketColumns = `id, title, description, category, options, expiration_date,
	verification_secs, pool_amounts::TEXT[], is_resolved, outcome, creator,
	request_time, reward::TEXT, bond::TEXT, relayed, created_at, resolved_at`

func (s *PostgresStore) GetMarket(ctx context.Context, id uint64) (*model.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`, int64(id))
	m, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %d: %w", id, model.ErrMarketNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %d: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+marketColumns+` FROM markets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpdateMarket(ctx context.Context, m *model.Market) error {
	return updateMarket(ctx, s.pool, m)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func updateMarket(ctx context.Context, db execer, m *model.Market) error {
	tag, err := db.Exec(ctx,
		`UPDATE markets
		 SET pool_amounts = $2::NUMERIC[], is_resolved = $3, outcome = $4,
		     request_time = $5, reward = $6::NUMERIC, bond = $7::NUMERIC,
		     relayed = $8, resolved_at = $9
		 WHERE id = $1`,
		int64(m.ID), amountStrings(m.PoolAmounts), m.IsResolved, m.Outcome,
		nullTime(m.RequestTime), m.Reward.String(), m.Bond.String(),
		m.Relayed, nullTime(m.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("update market %d: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %d: %w", m.ID, model.ErrMarketNotFound)
	}
	return nil
}

// --- Bets ---

const betColumns = `market_id, user_addr, per_option_amount::TEXT[], claimed, claimed_amount::TEXT, updated_at`

func (s *PostgresStore) GetBet(ctx context.Context, marketID uint64, user common.Address) (*model.Bet, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+betColumns+` FROM bets WHERE market_id = $1 AND user_addr = $2`,
		int64(marketID), user.Hex())
	b, err := scanBet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bet %d/%s: %w", marketID, user.Hex(), model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get bet %d/%s: %w", marketID, user.Hex(), err)
	}
	return b, nil
}

func (s *PostgresStore) ListBets(ctx context.Context, marketID uint64) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+betColumns+` FROM bets WHERE market_id = $1 ORDER BY user_addr`, int64(marketID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bets []model.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		bets = append(bets, *b)
	}
	return bets, rows.Err()
}

func (s *PostgresStore) SaveBet(ctx context.Context, b *model.Bet) error {
	return saveBet(ctx, s.pool, b)
}

func saveBet(ctx context.Context, db execer, b *model.Bet) error {
	_, err := db.Exec(ctx,
		`INSERT INTO bets (market_id, user_addr, per_option_amount, claimed, claimed_amount, updated_at)
		 VALUES ($1, $2, $3::NUMERIC[], $4, $5::NUMERIC, $6)
		 ON CONFLICT (market_id, user_addr) DO UPDATE
		 SET per_option_amount = EXCLUDED.per_option_amount,
		     claimed = EXCLUDED.claimed,
		     claimed_amount = EXCLUDED.claimed_amount,
		     updated_at = EXCLUDED.updated_at`,
		int64(b.MarketID), b.User.Hex(), amountStrings(b.PerOptionAmount),
		b.Claimed, b.ClaimedAmount.String(), b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save bet %d/%s: %w", b.MarketID, b.User.Hex(), err)
	}
	return nil
}

func (s *PostgresStore) SaveBetAndMarket(ctx context.Context, m *model.Market, b *model.Bet) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := updateMarket(ctx, tx, m); err != nil {
			return err
		}
		return saveBet(ctx, tx, b)
	})
}

// --- Oracle requests ---

const requestColumns = `market_id, requester, identifier, request_ts, question,
	reward::TEXT, bond::TEXT, state, resolved_outcome, updated_at`

func (s *PostgresStore) GetOracleRequest(ctx context.Context, marketID uint64) (*model.OracleRequest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM oracle_requests WHERE market_id = $1`, int64(marketID))
	r, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("oracle request %d: %w", marketID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get oracle request %d: %w", marketID, err)
	}
	return r, nil
}

func (s *PostgresStore) ListOracleRequests(ctx context.Context) ([]model.OracleRequest, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+requestColumns+` FROM oracle_requests ORDER BY market_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []model.OracleRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *r)
	}
	return requests, rows.Err()
}

func (s *PostgresStore) SaveOracleRequest(ctx context.Context, r *model.OracleRequest) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO oracle_requests (market_id, requester, identifier, request_ts, question,
		                              reward, bond, state, resolved_outcome, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)
		 ON CONFLICT (market_id) DO UPDATE
		 SET state = EXCLUDED.state,
		     resolved_outcome = EXCLUDED.resolved_outcome,
		     updated_at = EXCLUDED.updated_at`,
		int64(r.MarketID), r.Requester.Hex(), r.Identifier.Bytes(), r.Timestamp, r.Question,
		r.Reward.String(), r.Bond.String(), string(r.State), r.ResolvedOutcome, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save oracle request %d: %w", r.MarketID, err)
	}
	return nil
}

// --- Escrow ---

func (s *PostgresStore) EscrowBalance(ctx context.Context) (model.Amount, error) {
	var bal string
	if err := s.pool.QueryRow(ctx, `SELECT balance::TEXT FROM escrow WHERE id = 1`).Scan(&bal); err != nil {
		return model.Amount{}, fmt.Errorf("escrow balance: %w", err)
	}
	return model.ParseAmount(bal)
}

func (s *PostgresStore) CreditEscrow(ctx context.Context, amount model.Amount) (model.Amount, error) {
	return s.adjustEscrow(ctx, func(cur model.Amount) (model.Amount, error) {
		return cur.Add(amount)
	})
}

func (s *PostgresStore) DebitEscrow(ctx context.Context, amount model.Amount) (model.Amount, error) {
	return s.adjustEscrow(ctx, func(cur model.Amount) (model.Amount, error) {
		if cur.Lt(amount) {
			return cur, fmt.Errorf("have %s, need %s: %w", cur, amount, model.ErrInsufficientEscrow)
		}
		return cur.Sub(amount)
	})
}

// adjustEscrow locks the escrow row, applies fn and writes the result back
// inside one transaction.
func (s *PostgresStore) adjustEscrow(ctx context.Context, fn func(model.Amount) (model.Amount, error)) (model.Amount, error) {
	var next model.Amount
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var bal string
		if err := tx.QueryRow(ctx, `SELECT balance::TEXT FROM escrow WHERE id = 1 FOR UPDATE`).Scan(&bal); err != nil {
			return err
		}
		cur, err := model.ParseAmount(bal)
		if err != nil {
			return err
		}
		if next, err = fn(cur); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE escrow SET balance = $1::NUMERIC WHERE id = 1`, next.String())
		return err
	})
	if err != nil {
		return model.Amount{}, err
	}
	return next, nil
}

// --- Deliveries ---

func (s *PostgresStore) InsertDelivery(ctx context.Context, d *model.Delivery) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deliveries (id, market_id, destination, payload, fee, guid, nonce, sent_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)`,
		d.ID, int64(d.MarketID), int64(d.Destination), d.Payload, d.Fee.String(),
		d.GUID.Bytes(), int64(d.Nonce), d.SentAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery %s: %w", d.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListDeliveries(ctx context.Context, marketID uint64) ([]model.Delivery, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, destination, payload, fee::TEXT, guid, nonce, sent_at
		 FROM deliveries WHERE market_id = $1 ORDER BY sent_at`, int64(marketID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []model.Delivery
	for rows.Next() {
		var (
			d                   model.Delivery
			marketID, dest, nce int64
			fee                 string
			guid                []byte
		)
		if err := rows.Scan(&d.ID, &marketID, &dest, &d.Payload, &fee, &guid, &nce, &d.SentAt); err != nil {
			return nil, err
		}
		d.MarketID, d.Destination, d.Nonce = uint64(marketID), uint32(dest), uint64(nce)
		d.GUID = common.BytesToHash(guid)
		if d.Fee, err = model.ParseAmount(fee); err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// --- Scan helpers ---

func scanMarket(row pgx.Row) (*model.Market, error) {
	var (
		m                  model.Market
		id, verifySecs     int64
		category           int16
		pools              []string
		creator            string
		reward, bond       string
		requestT, resolveT *time.Time
	)
	if err := row.Scan(&id, &m.Title, &m.Description, &category, &m.Options, &m.ExpirationDate,
		&verifySecs, &pools, &m.IsResolved, &m.Outcome, &creator,
		&requestT, &reward, &bond, &m.Relayed, &m.CreatedAt, &resolveT); err != nil {
		return nil, err
	}
	m.ID = uint64(id)
	m.Category = model.Category(category)
	m.VerificationTime = time.Duration(verifySecs) * time.Second
	m.Creator = common.HexToAddress(creator)
	if requestT != nil {
		m.RequestTime = *requestT
	}
	if resolveT != nil {
		m.ResolvedAt = *resolveT
	}

	var err error
	if m.PoolAmounts, err = parseAmounts(pools); err != nil {
		return nil, err
	}
	if m.Reward, err = model.ParseAmount(reward); err != nil {
		return nil, err
	}
	if m.Bond, err = model.ParseAmount(bond); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanBet(row pgx.Row) (*model.Bet, error) {
	var (
		b        model.Bet
		marketID int64
		user     string
		stakes   []string
		claimed  string
	)
	if err := row.Scan(&marketID, &user, &stakes, &b.Claimed, &claimed, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.MarketID = uint64(marketID)
	b.User = common.HexToAddress(user)

	var err error
	if b.PerOptionAmount, err = parseAmounts(stakes); err != nil {
		return nil, err
	}
	if b.ClaimedAmount, err = model.ParseAmount(claimed); err != nil {
		return nil, err
	}
	return &b, nil
}

func scanRequest(row pgx.Row) (*model.OracleRequest, error) {
	var (
		r            model.OracleRequest
		marketID     int64
		requester    string
		identifier   []byte
		reward, bond string
		state        string
	)
	if err := row.Scan(&marketID, &requester, &identifier, &r.Timestamp, &r.Question,
		&reward, &bond, &state, &r.ResolvedOutcome, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.MarketID = uint64(marketID)
	r.Requester = common.HexToAddress(requester)
	r.Identifier = common.BytesToHash(identifier)
	r.State = model.RequestState(state)

	var err error
	if r.Reward, err = model.ParseAmount(reward); err != nil {
		return nil, err
	}
	if r.Bond, err = model.ParseAmount(bond); err != nil {
		return nil, err
	}
	return &r, nil
}

func amountStrings(xs []model.Amount) []string {
	out := make([]string, len(xs))
	for i, x := range xs {
		out[i] = x.String()
	}
	return out
}

func parseAmounts(ss []string) ([]model.Amount, error) {
	out := make([]model.Amount, len(ss))
	for i, s := range ss {
		a, err := model.ParseAmount(s)
		if err != nil {
			return nil, err
		}
		out[i] = a
	}
	return out, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ Store = (*PostgresStore)(nil)
