package store

import (
	"context"
	"database/sql"

	"github.com/ganadoscan/ganadoscan/internal/errors"
)

// Meta keys.
const (
	MetaActiveBatch    = "active_batch"
	MetaLegacyImported = "legacy_imported"
)

// GetMeta returns the value stored under key and whether it exists.
func (o ops) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := o.q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Store(err, "get meta "+key)
	}
	return v, true, nil
}

// SetMeta stores value under key.
func (o ops) SetMeta(ctx context.Context, key, value string) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return errors.Store(err, "set meta "+key)
	}
	return nil
}

// DeleteMeta removes key.
func (o ops) DeleteMeta(ctx context.Context, key string) error {
	if _, err := o.q.ExecContext(ctx, `DELETE FROM meta WHERE key = ?`, key); err != nil {
		return errors.Store(err, "delete meta "+key)
	}
	return nil
}
