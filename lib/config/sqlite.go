// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/patchbay-dev/patchbay/bridge"
	"github.com/patchbay-dev/patchbay/lib/codec"
	"github.com/patchbay-dev/patchbay/lib/sqlitepool"
)

const bridgeSchema = `
CREATE TABLE IF NOT EXISTS bridges (
	position INTEGER NOT NULL,
	id       TEXT PRIMARY KEY,
	record   BLOB NOT NULL
);`

// SQLiteStore keeps the bridge table in a SQLite database, one CBOR
// record per bridge. Saves replace the table in one transaction.
type SQLiteStore struct {
	pool *sqlitepool.Pool
}

func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, bridgeSchema, nil)
		},
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{pool: pool}, nil
}

func (s *SQLiteStore) Load() ([]bridge.Config, error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var records []bridge.Config
	err = sqlitex.Execute(conn, "SELECT id, record FROM bridges ORDER BY position", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			data := make([]byte, stmt.ColumnLen(1))
			stmt.ColumnBytes(1, data)
			var record bridge.Config
			if err := codec.Unmarshal(data, &record); err != nil {
				return fmt.Errorf("decoding bridge %s: %w", stmt.ColumnText(0), err)
			}
			records = append(records, record)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("loading bridge table: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) Save(records []bridge.Config) (err error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("saving bridge table: %w", err)
	}
	defer endTransaction(&err)

	if err := sqlitex.ExecuteTransient(conn, "DELETE FROM bridges", nil); err != nil {
		return err
	}
	for position, record := range records {
		data, err := codec.Marshal(record)
		if err != nil {
			return fmt.Errorf("encoding bridge %s: %w", record.ID, err)
		}
		err = sqlitex.Execute(conn, "INSERT INTO bridges (position, id, record) VALUES (?, ?, ?)", &sqlitex.ExecOptions{
			Args: []any{position, record.ID, data},
		})
		if err != nil {
			return fmt.Errorf("saving bridge %s: %w", record.ID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.pool.Close() }

// OpenStore picks the store for path by extension: .db, .sqlite and
// .sqlite3 open a SQLiteStore, anything else a FileStore.
func OpenStore(path string, logger *slog.Logger) (Store, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		store, err := NewSQLiteStore(path, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return NewFileStore(path), nil
	}
}
