package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/maxpert/sitesync/common"
)

// Tx is a write transaction. Every mutation made through it appends to the
// changelog in the same transaction.
type Tx struct {
	*sql.Tx
	store *Store

	savepoints int
	tables     map[string]struct{}
	lastCursor uint64
}

// Commit commits and wakes changelog subscribers
func (t *Tx) Commit() error {
	if err := t.Tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	if t.lastCursor > 0 {
		tables := make([]string, 0, len(t.tables))
		for name := range t.tables {
			tables = append(tables, name)
		}
		sort.Strings(tables)
		t.store.hub.Signal(t.lastCursor, tables)
	}
	return nil
}

// Get reads a row inside the transaction
func (t *Tx) Get(ctx context.Context, table, id string) (Row, error) {
	return getRow(ctx, t, table, id)
}

// Find reads rows whose JSON field equals value inside the transaction
func (t *Tx) Find(ctx context.Context, table, field string, value any) ([]Row, error) {
	return findRows(ctx, t, table, field, value)
}

// FindIDs returns the ids of rows whose JSON field equals value, in id order
func (t *Tx) FindIDs(ctx context.Context, table, field string, value any) ([]string, error) {
	return findIDs(ctx, t, table, field, value)
}

// Apply executes one translated operation
func (t *Tx) Apply(ctx context.Context, op Op) error {
	switch op.Action {
	case common.ActionUpsert:
		return t.Upsert(ctx, op.Table, op.ID, op.Row, op.Meta)
	case common.ActionDelete:
		return t.Delete(ctx, op.Table, op.ID, op.Meta)
	default:
		return &common.ConstraintError{Table: op.Table, ID: op.ID, Reason: fmt.Sprintf("unknown action %q", op.Action)}
	}
}

// Upsert writes row under (table, id). Writing a row identical to the stored
// one is a no-op and leaves the changelog untouched.
func (t *Tx) Upsert(ctx context.Context, table, id string, row Row, meta Meta) error {
	if table == "" || id == "" {
		return &common.ConstraintError{Table: table, ID: id, Reason: "table and id are required"}
	}

	for _, ref := range t.store.referencesFrom(table) {
		target, ok := row[ref.Field].(string)
		if !ok || target == "" {
			continue
		}
		exists, err := t.exists(ctx, ref.RefTable, target)
		if err != nil {
			return err
		}
		if !exists {
			return &common.ConstraintError{
				Table:  table,
				ID:     id,
				Reason: fmt.Sprintf("%s references missing %s %q", ref.Field, ref.RefTable, target),
			}
		}
	}

	data, err := json.Marshal(row)
	if err != nil {
		return &common.ConstraintError{Table: table, ID: id, Reason: err.Error()}
	}

	var current string
	err = t.QueryRowContext(ctx, `SELECT data FROM records WHERE table_name = ? AND id = ?`, table, id).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read %s/%s: %w", table, id, err)
	case current == string(data):
		return nil
	}

	_, err = t.ExecContext(ctx, `
		INSERT INTO records (table_name, id, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(table_name, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		table, id, string(data), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", table, id, err)
	}

	return t.appendChangelog(ctx, table, id, common.ActionUpsert, meta)
}

// Delete removes (table, id). Deleting an absent row is a no-op.
func (t *Tx) Delete(ctx context.Context, table, id string, meta Meta) error {
	for _, ref := range t.store.referencesTo(table) {
		var n int
		err := t.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM records WHERE table_name = ? AND json_extract(data, ?) = ?`,
			ref.Table, jsonPath(ref.Field), id).Scan(&n)
		if err != nil {
			return fmt.Errorf("failed to check references to %s/%s: %w", table, id, err)
		}
		if n > 0 {
			return &common.ConstraintError{
				Table:  table,
				ID:     id,
				Reason: fmt.Sprintf("still referenced by %d %s row(s)", n, ref.Table),
			}
		}
	}

	res, err := t.ExecContext(ctx, `DELETE FROM records WHERE table_name = ? AND id = ?`, table, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", table, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	return t.appendChangelog(ctx, table, id, common.ActionDelete, meta)
}

// Savepoint opens a nested sub-transaction and returns its name
func (t *Tx) Savepoint(ctx context.Context) (string, error) {
	t.savepoints++
	name := fmt.Sprintf("sp_%d", t.savepoints)
	if _, err := t.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return "", fmt.Errorf("failed to open savepoint: %w", err)
	}
	return name, nil
}

// RollbackTo undoes everything since the savepoint and releases it
func (t *Tx) RollbackTo(ctx context.Context, name string) error {
	if _, err := t.ExecContext(ctx, "ROLLBACK TO "+name); err != nil {
		return fmt.Errorf("failed to roll back to %s: %w", name, err)
	}
	return t.Release(ctx, name)
}

// Release folds the savepoint into the enclosing transaction
func (t *Tx) Release(ctx context.Context, name string) error {
	if _, err := t.ExecContext(ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("failed to release %s: %w", name, err)
	}
	return nil
}

func (t *Tx) exists(ctx context.Context, table, id string) (bool, error) {
	var one int
	err := t.QueryRowContext(ctx, `SELECT 1 FROM records WHERE table_name = ? AND id = ?`, table, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check %s/%s: %w", table, id, err)
	}
	return true, nil
}

func (t *Tx) appendChangelog(ctx context.Context, table, id string, action common.Action, meta Meta) error {
	res, err := t.ExecContext(ctx, `
		INSERT INTO changelog (table_name, row_id, action, store_id, owner_id, source_site_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		table, id, string(action), meta.StoreID, meta.OwnerID, int64(meta.SourceSiteID), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to append changelog for %s/%s: %w", table, id, err)
	}

	if c, err := res.LastInsertId(); err == nil && uint64(c) > t.lastCursor {
		t.lastCursor = uint64(c)
	}
	t.tables[table] = struct{}{}
	return nil
}
