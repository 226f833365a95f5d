// Package store persists small JSON documents in a local SQLite file.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`

// KV is a string-keyed store of JSON values.
type KV struct {
	db  *sql.DB
	log logrus.FieldLogger
	now func() time.Time
}

// Open opens (creating if needed) the database at path.
func Open(ctx context.Context, path string, log logrus.FieldLogger) (*KV, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithFields(logrus.Fields{"component": "store", "path": path})

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Single connection; SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: connect %s: %w", path, err)
	}
	for _, p := range []string{"PRAGMA busy_timeout=5000;", "PRAGMA synchronous=NORMAL;"} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.WithError(err).Debug("sqlite pragma skipped")
		}
	}
	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&mode); err != nil {
		log.WithError(err).Debug("sqlite WAL skipped")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	log.WithField("journal_mode", mode).Debug("store opened")
	return &KV{db: db, log: log, now: time.Now}, nil
}

// Get decodes the value at key into v. It reports false when key is absent.
func (k *KV) Get(ctx context.Context, key string, v any) (bool, error) {
	var raw string
	err := k.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return true, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return true, nil
}

func (k *KV) Set(ctx context.Context, key string, v any) error {
	if key == "" {
		return fmt.Errorf("store: empty key")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	_, err = k.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(b), k.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: set %s: %w", key, err)
	}
	return nil
}

func (k *KV) Delete(ctx context.Context, key string) error {
	if _, err := k.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	return nil
}

// Keys lists keys starting with prefix, sorted.
func (k *KV) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := k.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE substr(key, 1, length(?)) = ? ORDER BY key`, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("store: keys %q: %w", prefix, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("store: keys %q: %w", prefix, err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (k *KV) Close() error {
	if k == nil || k.db == nil {
		return nil
	}
	return k.db.Close()
}
