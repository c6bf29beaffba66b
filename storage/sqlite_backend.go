package storage

import (
	"database/sql"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLiteBackend stores the session keys in a small key-value table. Batch
// updates run inside a transaction, which gives ClearAll and grouped token
// writes their atomicity.
type SQLiteBackend struct {
	db *sql.DB
}

func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "[NewSQLiteBackend] open")
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session (
			key    TEXT PRIMARY KEY,
			value  TEXT NOT NULL
		);`,
	); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "[NewSQLiteBackend] init schema")
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Get(key string) (string, bool) {
	var value string
	err := b.db.QueryRow(`SELECT value FROM session WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

func (b *SQLiteBackend) Update(set map[string]string, del []string) error {
	tx, err := b.db.Begin()
	if err != nil {
		return errors.Wrap(err, "[SQLiteBackend.Update] begin")
	}
	defer tx.Rollback()

	for key, value := range set {
		if _, err := tx.Exec(
			`INSERT INTO session (key, value) VALUES (?, ?)
			 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
			key, value,
		); err != nil {
			return errors.Wrapf(err, "[SQLiteBackend.Update] set %q", key)
		}
	}
	for _, key := range del {
		if _, err := tx.Exec(`DELETE FROM session WHERE key = ?`, key); err != nil {
			return errors.Wrapf(err, "[SQLiteBackend.Update] delete %q", key)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "[SQLiteBackend.Update] commit")
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
