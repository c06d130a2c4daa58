package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists runs in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS faucet_runs (
    id TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    recipient TEXT NOT NULL,
    denom TEXT NOT NULL,
    amount TEXT NOT NULL,
    result JSONB,
    error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS faucet_runs_pending_idx ON faucet_runs (created_at) WHERE state = 'pending';
CREATE INDEX IF NOT EXISTS faucet_runs_expires_idx ON faucet_runs (expires_at) WHERE expires_at IS NOT NULL;
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Create(ctx context.Context, rec Record) error {
	rec, err := newRecord(rec)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
INSERT INTO faucet_runs (id, state, recipient, denom, amount, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING
`, rec.ID, string(rec.State), rec.Recipient, rec.Denom, rec.Amount, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
	}
	return nil
}

func (p *PostgresStore) Resolve(ctx context.Context, id string, res Resolution) error {
	if err := res.validate(); err != nil {
		return err
	}
	result, err := encodeResult(res.Result)
	if err != nil {
		return err
	}

	tag, err := p.pool.Exec(ctx, `
UPDATE faucet_runs
SET state = $2, result = $3, error = $4, updated_at = $5, expires_at = $6
WHERE id = $1 AND state = 'pending'
`, id, string(res.State), result, res.Error, res.ResolvedAt, nullTime(res.ExpiresAt))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var state string
	err = p.pool.QueryRow(ctx, `SELECT state FROM faucet_runs WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, state)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, state, recipient, denom, amount, result, error, created_at, updated_at, expires_at
FROM faucet_runs
WHERE id = $1
`, id)

	var (
		rec       Record
		state     string
		result    []byte
		expiresAt *time.Time
	)
	err := row.Scan(&rec.ID, &state, &rec.Recipient, &rec.Denom, &rec.Amount, &result, &rec.Error,
		&rec.CreatedAt, &rec.UpdatedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.State = State(state)
	if expiresAt != nil {
		rec.ExpiresAt = *expiresAt
	}
	if len(result) > 0 {
		rec.Result = &Result{}
		if err := json.Unmarshal(result, rec.Result); err != nil {
			return nil, fmt.Errorf("decode run result %s: %w", id, err)
		}
	}

	if rec.expired(time.Now()) {
		go p.deleteRun(context.Background(), id)
		return nil, ErrNotFound
	}
	return &rec, nil
}

// FailPending only touches runs older than createdBefore, so runs still
// executing on other replicas sharing the table are left alone.
func (p *PostgresStore) FailPending(ctx context.Context, createdBefore time.Time, res Resolution) (int, error) {
	if err := failPendingResolution(res); err != nil {
		return 0, err
	}
	tag, err := p.pool.Exec(ctx, `
UPDATE faucet_runs
SET state = 'failed', error = $1, updated_at = $2, expires_at = $3
WHERE state = 'pending' AND created_at < $4
`, res.Error, res.ResolvedAt, nullTime(res.ExpiresAt), createdBefore)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// PruneExpired removes terminal runs past their expiry.
func (p *PostgresStore) PruneExpired(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM faucet_runs WHERE expires_at IS NOT NULL AND expires_at < $1`, time.Now())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresStore) deleteRun(ctx context.Context, id string) {
	_, _ = p.pool.Exec(ctx, `DELETE FROM faucet_runs WHERE id = $1`, id)
}

func encodeResult(res *Result) ([]byte, error) {
	if res == nil {
		return nil, nil
	}
	return json.Marshal(res)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
