package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"restocost/backend/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS table_rows (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL,
	row_key    TEXT NOT NULL,
	fields     TEXT NOT NULL,
	UNIQUE (table_name, row_key)
);
`

type rowRecord struct {
	Key    string `db:"row_key"`
	Fields string `db:"fields"`
}

// Store is the single-file gateway for one-process deployments.
type Store struct {
	db *sqlx.DB
}

func New(ctx context.Context, path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
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

	var records []rowRecord
	err := s.db.SelectContext(ctx, &records,
		`SELECT row_key, fields FROM table_rows WHERE table_name = ? ORDER BY seq`, table)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}

	out := make([]store.Row, 0, len(records))
	for _, rec := range records {
		row := store.Row{}
		if err := json.Unmarshal([]byte(rec.Fields), &row); err != nil {
			return nil, fmt.Errorf("%w: %s[%s]: %v", store.ErrMalformedRow, table, rec.Key, err)
		}
		out = append(out, row)
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

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO table_rows (table_name, row_key, fields) VALUES (?, ?, ?)`, table, key, string(payload))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s/%s", store.ErrDuplicateKey, table, key)
		}
		return fmt.Errorf("append %s/%s: %w", table, key, err)
	}
	return nil
}

func (s *Store) UpdateRow(ctx context.Context, table string, rowKey string, fields store.Row) error {
	return s.UpdateRows(ctx, table, []store.RowUpdate{{Key: rowKey, Fields: fields}})
}

func (s *Store) UpdateRows(ctx context.Context, table string, updates []store.RowUpdate) error {
	keyCol, err := store.KeyColumn(table)
	if err != nil {
		return err
	}
	for _, upd := range updates {
		if err := store.CheckColumns(table, upd.Fields); err != nil {
			return err
		}
		if newKey, ok := upd.Fields[keyCol]; ok && newKey != upd.Key {
			return fmt.Errorf("%w: %s key column is immutable", store.ErrInvalidUpdate, table)
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, upd := range updates {
		var raw string
		err := tx.GetContext(ctx, &raw,
			`SELECT fields FROM table_rows WHERE table_name = ? AND row_key = ?`, table, upd.Key)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.NotFoundError{Table: table, Key: upd.Key}
			}
			return err
		}
		row := store.Row{}
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			return fmt.Errorf("%w: %s[%s]: %v", store.ErrMalformedRow, table, upd.Key, err)
		}
		for col, val := range upd.Fields {
			row[col] = val
		}
		merged, err := json.Marshal(row)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE table_rows SET fields = ? WHERE table_name = ? AND row_key = ?`,
			string(merged), table, upd.Key); err != nil {
			return err
		}
	}

	return tx.Commit()
}
