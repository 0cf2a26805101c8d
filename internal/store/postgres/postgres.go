package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"restocost/backend/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS table_rows (
	table_name TEXT NOT NULL,
	row_key    TEXT NOT NULL,
	seq        BIGSERIAL NOT NULL,
	fields     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (table_name, row_key)
);
CREATE INDEX IF NOT EXISTS table_rows_seq_idx ON table_rows (table_name, seq);
`

// Store keeps every logical table in one generic rows table. Each row's
// columns live in a JSONB object; seq preserves append order.
type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ReadTable(ctx context.Context, table string) ([]store.Row, error) {
	if _, err := store.KeyColumn(table); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT fields
		FROM table_rows
		WHERE table_name = $1
		ORDER BY seq
	`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]store.Row, 0, 64)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		row := store.Row{}
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", store.ErrMalformedRow, table, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) AppendRow(ctx context.Context, table string, row store.Row) error {
	if err := store.CheckColumns(table, row); err != nil {
		return err
	}
	key, err := store.RowKey(table, row)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO table_rows (table_name, row_key, fields, updated_at)
		VALUES ($1, $2, $3::jsonb, now())
	`, table, key, string(payload))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s/%s", store.ErrDuplicateKey, table, key)
		}
		return err
	}
	return nil
}

func (s *Store) UpdateRow(ctx context.Context, table string, rowKey string, fields store.Row) error {
	return s.UpdateRows(ctx, table, []store.RowUpdate{{Key: rowKey, Fields: fields}})
}

// UpdateRows merges every update into its row inside one serializable
// transaction. A missing row aborts the whole set.
func (s *Store) UpdateRows(ctx context.Context, table string, updates []store.RowUpdate) error {
	keyCol, err := store.KeyColumn(table)
	if err != nil {
		return err
	}
	payloads := make([]string, len(updates))
	for i, upd := range updates {
		if err := store.CheckColumns(table, upd.Fields); err != nil {
			return err
		}
		if newKey, ok := upd.Fields[keyCol]; ok && newKey != upd.Key {
			return fmt.Errorf("%w: %s key column is immutable", store.ErrInvalidUpdate, table)
		}
		raw, err := json.Marshal(upd.Fields)
		if err != nil {
			return err
		}
		payloads[i] = string(raw)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for i, upd := range updates {
		var current []byte
		err := tx.QueryRowContext(ctx, `
			SELECT fields
			FROM table_rows
			WHERE table_name = $1 AND row_key = $2
			FOR UPDATE
		`, table, upd.Key).Scan(&current)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.NotFoundError{Table: table, Key: upd.Key}
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE table_rows
			SET fields = fields || $3::jsonb, updated_at = now()
			WHERE table_name = $1 AND row_key = $2
		`, table, upd.Key, payloads[i]); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
