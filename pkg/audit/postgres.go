package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uhyunpark/hyperpredict/pkg/app/core/position"
)

const schema = `
CREATE TABLE IF NOT EXISTS prediction_trades (
	trade_id        TEXT PRIMARY KEY,
	market          TEXT NOT NULL,
	owner           TEXT NOT NULL,
	seq             BIGINT NOT NULL,
	side            TEXT NOT NULL,
	action          TEXT NOT NULL,
	amount          BIGINT NOT NULL,
	shares          BIGINT NOT NULL,
	yes_probability BIGINT NOT NULL,
	traded_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS prediction_trades_market_seq ON prediction_trades (market, seq);
`

// Postgres archives trades in a prediction_trades table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn and creates the table if needed.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

// WriteTrades inserts trades, skipping ids that are already archived.
func (p *Postgres) WriteTrades(ctx context.Context, trades []*position.Trade) (int, error) {
	batch := &pgx.Batch{}
	for _, t := range trades {
		batch.Queue(`
			INSERT INTO prediction_trades (trade_id, market, owner, seq, side, action, amount, shares, yes_probability, traded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (trade_id) DO NOTHING
		`, t.ID, t.Market.Hex(), t.Owner.Hex(), int64(t.Seq), t.Side.String(), string(t.Action),
			t.Amount, t.Shares, t.YesProbability, time.Unix(t.Timestamp, 0).UTC())
	}

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()

	written := 0
	for range trades {
		ct, err := results.Exec()
		if err != nil {
			return written, fmt.Errorf("postgres: insert trade: %w", err)
		}
		written += int(ct.RowsAffected())
	}
	return written, nil
}
