package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

const recordsSchema = `CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	key        TEXT NOT NULL,
	doc        JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (collection, key)
)`

// PostgresStore keeps documents as JSONB rows keyed by (collection, key).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	return openPostgres("postgres", dsn)
}

func openPostgres(driverName, dsn string) (*PostgresStore, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

// Migrate creates the records table if it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, recordsSchema)
	return err
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Get(ctx context.Context, collection, key string) (Doc, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM records WHERE collection = $1 AND key = $2`, collection, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return unmarshalDoc(raw)
}

func (p *PostgresStore) Query(ctx context.Context, collection, field string, value any) ([]Doc, error) {
	want, err := json.Marshal(normalize(value))
	if err != nil {
		return nil, fmt.Errorf("encode query value: %w", err)
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT doc FROM records WHERE collection = $1 AND doc -> $2 = $3::jsonb ORDER BY key`,
		collection, field, string(want))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Doc, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		d, err := unmarshalDoc(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Set(ctx context.Context, collection, key string, doc Doc) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO records (collection, key, doc) VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (collection, key) DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`,
		collection, key, string(b))
	return err
}

func (p *PostgresStore) Update(ctx context.Context, collection, key string, fields Doc) error {
	b, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `UPDATE records SET doc = doc || $3::jsonb, updated_at = NOW()
		WHERE collection = $1 AND key = $2`, collection, key, string(b))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, collection, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM records WHERE collection = $1 AND key = $2`, collection, key)
	return err
}

func (p *PostgresStore) ConditionalUpdate(ctx context.Context, collection, key, field string, expected any, fields Doc) error {
	b, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	exp, err := json.Marshal(normalize(expected))
	if err != nil {
		return fmt.Errorf("encode expected value: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `UPDATE records SET doc = doc || $3::jsonb, updated_at = NOW()
		WHERE collection = $1 AND key = $2 AND doc -> $4 = $5::jsonb`,
		collection, key, string(b), field, string(exp))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	err = p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM records WHERE collection = $1 AND key = $2)`,
		collection, key).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func unmarshalDoc(raw []byte) (Doc, error) {
	var d Doc
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("corrupt document: %w", err)
	}
	return d, nil
}
