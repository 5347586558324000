package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the connection shared by every PostgresTable[E]; one pool
// backs all entity kinds, distinguished by the "kind" column, grounded on
// the teacher's PostgresStore/pgxpool setup in the original store package.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create postgres pool: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if p.pool == nil {
		return fmt.Errorf("store: postgres not initialized")
	}
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS entities (
			kind       TEXT NOT NULL,
			partition  TEXT NOT NULL,
			row        TEXT NOT NULL DEFAULT '',
			data       JSONB NOT NULL,
			etag       TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (kind, partition, row)
		)`)
	if err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	_, err = p.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities(kind)`)
	if err != nil {
		return fmt.Errorf("store: ensure index: %w", err)
	}
	return nil
}

// PostgresTable is the Table[E] implementation backed by the shared
// "entities" table.
type PostgresTable[E any] struct {
	pg     *Postgres
	schema Schema[E]
}

func NewPostgresTable[E any](pg *Postgres, schema Schema[E]) *PostgresTable[E] {
	return &PostgresTable[E]{pg: pg, schema: schema}
}

func (t *PostgresTable[E]) Create(ctx context.Context, e *E) error {
	etag := uuid.New().String()
	t.schema.SetETag(e, etag)
	now := time.Now().UTC()

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	tag, err := t.pg.pool.Exec(ctx, `
		INSERT INTO entities (kind, partition, row, data, etag, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $6)
		ON CONFLICT (kind, partition, row) DO NOTHING
	`, t.schema.Kind, t.schema.PartitionOf(e), t.schema.RowOf(e), data, etag, now)
	if err != nil {
		return fmt.Errorf("store: create %s: %w", t.schema.Kind, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: create %s: %s/%s already exists", t.schema.Kind, t.schema.PartitionOf(e), t.schema.RowOf(e))
	}
	return nil
}

func (t *PostgresTable[E]) Get(ctx context.Context, partition, row string) (*E, error) {
	var data []byte
	err := t.pg.pool.QueryRow(ctx, `
		SELECT data FROM entities WHERE kind = $1 AND partition = $2 AND row = $3
	`, t.schema.Kind, partition, row).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", t.schema.Kind, err)
	}
	var e E
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *PostgresTable[E]) Update(ctx context.Context, e *E) error {
	priorETag := t.schema.GetETag(e)
	newETag := uuid.New().String()
	t.schema.SetETag(e, newETag)
	now := time.Now().UTC()

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	tag, err := t.pg.pool.Exec(ctx, `
		UPDATE entities SET data = $5::jsonb, etag = $6, updated_at = $7
		WHERE kind = $1 AND partition = $2 AND row = $3 AND etag = $4
	`, t.schema.Kind, t.schema.PartitionOf(e), t.schema.RowOf(e), priorETag, data, newETag, now)
	if err != nil {
		t.schema.SetETag(e, priorETag)
		return fmt.Errorf("store: update %s: %w", t.schema.Kind, err)
	}
	if tag.RowsAffected() == 0 {
		t.schema.SetETag(e, priorETag)
		if _, err := t.Get(ctx, t.schema.PartitionOf(e), t.schema.RowOf(e)); err == ErrNotFound {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (t *PostgresTable[E]) Delete(ctx context.Context, partition, row string) error {
	_, err := t.pg.pool.Exec(ctx, `
		DELETE FROM entities WHERE kind = $1 AND partition = $2 AND row = $3
	`, t.schema.Kind, partition, row)
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", t.schema.Kind, err)
	}
	return nil
}

func (t *PostgresTable[E]) ListPartition(ctx context.Context, partition string) ([]*E, error) {
	rows, err := t.pg.pool.Query(ctx, `
		SELECT data FROM entities WHERE kind = $1 AND partition = $2
	`, t.schema.Kind, partition)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", t.schema.Kind, err)
	}
	defer rows.Close()
	return scanEntities[E](rows)
}

func (t *PostgresTable[E]) Scan(ctx context.Context, keep func(*E) bool) ([]*E, error) {
	rows, err := t.pg.pool.Query(ctx, `SELECT data FROM entities WHERE kind = $1`, t.schema.Kind)
	if err != nil {
		return nil, fmt.Errorf("store: scan %s: %w", t.schema.Kind, err)
	}
	defer rows.Close()

	all, err := scanEntities[E](rows)
	if err != nil {
		return nil, err
	}
	if keep == nil {
		return all, nil
	}
	out := make([]*E, 0, len(all))
	for _, e := range all {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func scanEntities[E any](rows pgx.Rows) ([]*E, error) {
	out := make([]*E, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var e E
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

var _ Table[struct{}] = (*PostgresTable[struct{}])(nil)
