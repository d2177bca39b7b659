package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
)

// KVEntry is one integer row of the key-value store
type KVEntry struct {
	Key   string
	Value int64
}

// GetInt reads an integer value. ok is false when the key is absent.
func GetInt(ctx context.Context, q Querier, key string) (value int64, ok bool, err error) {
	var v sql.NullInt64
	err = q.QueryRowContext(ctx, `SELECT value_int FROM key_value_store WHERE id = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v.Int64, v.Valid, nil
}

// SetInt writes an integer value
func SetInt(ctx context.Context, q Querier, key string, value int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO key_value_store (id, value_int) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET value_int = excluded.value_int`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// GetString reads a string value. ok is false when the key is absent.
func GetString(ctx context.Context, q Querier, key string) (value string, ok bool, err error) {
	var v sql.NullString
	err = q.QueryRowContext(ctx, `SELECT value_string FROM key_value_store WHERE id = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v.String, v.Valid, nil
}

// SetString writes a string value
func SetString(ctx context.Context, q Querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO key_value_store (id, value_string) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET value_string = excluded.value_string`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// ListInts returns integer entries whose key starts with prefix, ordered by key
func ListInts(ctx context.Context, q Querier, prefix string) ([]KVEntry, error) {
	ds := dialect.From("key_value_store").
		Select("id", "value_int").
		Where(
			hasPrefix("id", prefix),
			goqu.C("value_int").IsNotNull(),
		).
		Order(goqu.C("id").Asc())

	sqlStr, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build key listing: %w", err)
	}

	rows, err := q.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var out []KVEntry
	for rows.Next() {
		var e KVEntry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeletePrefix removes every key starting with prefix and returns how many were removed
func DeletePrefix(ctx context.Context, q Querier, prefix string) (int64, error) {
	sqlStr, args, err := dialect.Delete("key_value_store").
		Where(hasPrefix("id", prefix)).
		Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build key deletion: %w", err)
	}

	res, err := q.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete keys: %w", err)
	}
	return res.RowsAffected()
}

// hasPrefix matches literally, unlike LIKE which treats _ as a wildcard
func hasPrefix(column, prefix string) exp.Expression {
	return goqu.L("substr(?, 1, ?) = ?", goqu.C(column), len(prefix), prefix)
}
