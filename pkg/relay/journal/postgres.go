package journal

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

var eventColumns = []string{"session_key", "event", "reason", "modality", "occurred_at"}

// Postgres appends records to relay_session_events.
type Postgres struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL and applies pending migrations.
func Open(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("journal: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

// Migrate runs the embedded goose migrations against pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrations, err := Migrations()
	if err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations)
	if err != nil {
		return fmt.Errorf("journal: migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("journal: migrate up: %w", err)
	}
	return nil
}

// Migrations returns the embedded migration files rooted at their directory.
func Migrations() (fs.FS, error) {
	return fs.Sub(embedMigrations, "migrations")
}

func (p *Postgres) Append(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	_, err := p.pool.CopyFrom(ctx,
		pgx.Identifier{"relay_session_events"},
		eventColumns,
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			r := records[i]
			return []any{r.Key, r.Event, r.Reason, r.Modality, r.At}, nil
		}),
	)
	return err
}

func (p *Postgres) Close() {
	p.pool.Close()
}
