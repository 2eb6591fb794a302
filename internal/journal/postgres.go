package journal

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres stores events in the append-only pair_events table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn, verifies the connection and applies the
// embedded migrations.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Migrate runs every embedded migration in file name order. Migrations are
// idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := migrationsFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := p.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

func (p *Postgres) Record(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ts := time.UnixMilli(ev.TsMs).UTC()

	query := `
		INSERT INTO pair_events (
			ts, event, attempt_id, mode, symbol, slug, token_id, side, order_type,
			price, size, action, status, pnl, ok, err, payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err = p.pool.Exec(ctx, query,
		ts,
		ev.Event,
		ev.AttemptID,
		ev.Mode,
		ev.Symbol,
		ev.Slug,
		ev.TokenID,
		ev.Side,
		ev.OrderType,
		numericOrNull(ev.Price),
		numericOrNull(ev.Size),
		ev.Action,
		ev.Status,
		numericOrNull(ev.PnL),
		ev.Ok,
		ev.Err,
		payload,
	)
	if err != nil {
		return fmt.Errorf("insert pair event: %w", err)
	}
	return nil
}

// EventsForAttempt returns the event names recorded for one attempt in
// insertion order.
func (p *Postgres) EventsForAttempt(ctx context.Context, attemptID string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT event FROM pair_events WHERE attempt_id = $1 ORDER BY id`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query pair events: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan pair event: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// numericOrNull passes decimal strings through as text so Postgres parses
// them into NUMERIC without float rounding.
func numericOrNull(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}
