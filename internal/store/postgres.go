package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// Schema is the PostgreSQL DDL applied by Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS account_states (
	account_id  TEXT PRIMARY KEY,
	version     BIGINT NOT NULL,
	txn_count   INTEGER NOT NULL DEFAULT 0,
	state       JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger_transactions (
	id            TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL,
	direction     TEXT NOT NULL,
	type          TEXT NOT NULL,
	pocket        TEXT NOT NULL,
	asset         TEXT NOT NULL,
	amount        NUMERIC NOT NULL CHECK (amount > 0),
	reference     TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	timestamp     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_transactions_account_idx ON ledger_transactions (account_id, timestamp);

CREATE TABLE IF NOT EXISTS fixed_term_plans (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	asset          TEXT NOT NULL,
	apy_percent    NUMERIC NOT NULL,
	duration_days  INTEGER NOT NULL,
	min_amount     NUMERIC NOT NULL,
	pool_total     NUMERIC NOT NULL,
	pool_filled    NUMERIC NOT NULL CHECK (pool_filled <= pool_total)
);

CREATE TABLE IF NOT EXISTS p2p_offers (
	id             TEXT PRIMARY KEY,
	type           TEXT NOT NULL,
	asset          TEXT NOT NULL,
	fiat_currency  TEXT NOT NULL,
	price          NUMERIC NOT NULL,
	limit_min      NUMERIC NOT NULL,
	limit_max      NUMERIC NOT NULL,
	merchant       TEXT NOT NULL
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Account state is a JSONB document guarded by an optimistic version; every
// new transaction is also mirrored into ledger_transactions for audit.
// Catalog values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) Load(ctx context.Context, accountID string) (*model.AccountState, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM account_states WHERE account_id = $1`, accountID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", accountID, err)
	}

	var st model.AccountState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode account %s: %w", accountID, err)
	}
	return &st, nil
}

func (s *PostgresStore) Save(ctx context.Context, accountID string, state *model.AccountState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := saveState(ctx, tx, accountID, state); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) SaveBatch(ctx context.Context, states ...*model.AccountState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, st := range states {
		if err := saveState(ctx, tx, st.Account.ID, st); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// saveState checks the stored version under a row lock, mirrors new
// transactions into ledger_transactions and upserts the state document.
func saveState(ctx context.Context, tx pgx.Tx, accountID string, state *model.AccountState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode account %s: %w", accountID, err)
	}

	var version int64
	var txnCount int
	err = tx.QueryRow(ctx,
		`SELECT version, txn_count FROM account_states WHERE account_id = $1 FOR UPDATE`,
		accountID).Scan(&version, &txnCount)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("lock account %s: %w", accountID, err)
	}
	if state.Version != version+1 {
		return fmt.Errorf("account %s: have v%d, got v%d: %w", accountID, version, state.Version, ErrVersionConflict)
	}
	if txnCount > len(state.Transactions) {
		return fmt.Errorf("account %s: transaction log shrank from %d to %d", accountID, txnCount, len(state.Transactions))
	}

	for _, t := range state.Transactions[txnCount:] {
		_, err := tx.Exec(ctx,
			`INSERT INTO ledger_transactions (id, account_id, direction, type, pocket, asset, amount, reference, description, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10)`,
			t.ID, t.AccountID, string(t.Direction), string(t.Type), string(t.Pocket),
			t.Asset, t.Amount.String(), t.Reference, t.Description, t.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert transaction %s: %w", t.ID, err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO account_states (account_id, version, txn_count, state, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (account_id) DO UPDATE
		 SET version = EXCLUDED.version, txn_count = EXCLUDED.txn_count,
		     state = EXCLUDED.state, updated_at = now()`,
		accountID, state.Version, len(state.Transactions), raw,
	)
	if err != nil {
		return fmt.Errorf("save account %s: %w", accountID, err)
	}
	return nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT account_id FROM account_states ORDER BY account_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) GetPlan(ctx context.Context, id string) (*model.FixedTermPlan, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, asset, apy_percent::TEXT, duration_days,
		        min_amount::TEXT, pool_total::TEXT, pool_filled::TEXT
		 FROM fixed_term_plans WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get plan %s: %w", id, err)
	}
	defer rows.Close()

	plans, err := scanPlans(rows)
	if err != nil {
		return nil, err
	}
	if len(plans) == 0 {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	return &plans[0], nil
}

func (s *PostgresStore) ListPlans(ctx context.Context) ([]model.FixedTermPlan, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, asset, apy_percent::TEXT, duration_days,
		        min_amount::TEXT, pool_total::TEXT, pool_filled::TEXT
		 FROM fixed_term_plans ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPlans(rows)
}

func (s *PostgresStore) SavePlan(ctx context.Context, p *model.FixedTermPlan) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fixed_term_plans (id, name, asset, apy_percent, duration_days, min_amount, pool_total, pool_filled)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC)
		 ON CONFLICT (id) DO UPDATE
		 SET name = EXCLUDED.name, asset = EXCLUDED.asset, apy_percent = EXCLUDED.apy_percent,
		     duration_days = EXCLUDED.duration_days, min_amount = EXCLUDED.min_amount,
		     pool_total = EXCLUDED.pool_total, pool_filled = EXCLUDED.pool_filled`,
		p.ID, p.Name, p.Asset, p.APYPercent.String(), p.DurationDays,
		p.MinAmount.String(), p.PoolTotal.String(), p.PoolFilled.String(),
	)
	return err
}

func (s *PostgresStore) GetOffer(ctx context.Context, id string) (*model.P2POffer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, asset, fiat_currency, price::TEXT,
		        limit_min::TEXT, limit_max::TEXT, merchant
		 FROM p2p_offers WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get offer %s: %w", id, err)
	}
	defer rows.Close()

	offers, err := scanOffers(rows)
	if err != nil {
		return nil, err
	}
	if len(offers) == 0 {
		return nil, fmt.Errorf("offer %s: %w", id, ErrNotFound)
	}
	return &offers[0], nil
}

func (s *PostgresStore) ListOffers(ctx context.Context) ([]model.P2POffer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, asset, fiat_currency, price::TEXT,
		        limit_min::TEXT, limit_max::TEXT, merchant
		 FROM p2p_offers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOffers(rows)
}

func (s *PostgresStore) SaveOffer(ctx context.Context, o *model.P2POffer) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO p2p_offers (id, type, asset, fiat_currency, price, limit_min, limit_max, merchant)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)
		 ON CONFLICT (id) DO UPDATE
		 SET type = EXCLUDED.type, asset = EXCLUDED.asset, fiat_currency = EXCLUDED.fiat_currency,
		     price = EXCLUDED.price, limit_min = EXCLUDED.limit_min, limit_max = EXCLUDED.limit_max,
		     merchant = EXCLUDED.merchant`,
		o.ID, string(o.Type), o.Asset, o.FiatCurrency, o.Price.String(),
		o.LimitMin.String(), o.LimitMax.String(), o.Merchant,
	)
	return err
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanPlans(rows pgxRows) ([]model.FixedTermPlan, error) {
	var plans []model.FixedTermPlan
	for rows.Next() {
		var p model.FixedTermPlan
		var apyS, minS, totalS, filledS string

		if err := rows.Scan(&p.ID, &p.Name, &p.Asset, &apyS, &p.DurationDays,
			&minS, &totalS, &filledS); err != nil {
			return nil, err
		}

		p.APYPercent, _ = decimal.NewFromString(apyS)
		p.MinAmount, _ = decimal.NewFromString(minS)
		p.PoolTotal, _ = decimal.NewFromString(totalS)
		p.PoolFilled, _ = decimal.NewFromString(filledS)

		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func scanOffers(rows pgxRows) ([]model.P2POffer, error) {
	var offers []model.P2POffer
	for rows.Next() {
		var o model.P2POffer
		var typ, priceS, minS, maxS string

		if err := rows.Scan(&o.ID, &typ, &o.Asset, &o.FiatCurrency, &priceS,
			&minS, &maxS, &o.Merchant); err != nil {
			return nil, err
		}

		o.Type = model.OrderType(typ)
		o.Price, _ = decimal.NewFromString(priceS)
		o.LimitMin, _ = decimal.NewFromString(minS)
		o.LimitMax, _ = decimal.NewFromString(maxS)

		offers = append(offers, o)
	}
	return offers, rows.Err()
}
