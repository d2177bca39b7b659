package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/maxpert/sitesync/common"
	"github.com/maxpert/sitesync/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "site.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func stage(t *testing.T, b *Buffer, db *store.Store, table, id string, action common.Action, data string) {
	t.Helper()
	require.NoError(t, b.Stage(context.Background(), db.DB(), Record{
		TableName: table,
		RecordID:  id,
		Action:    action,
		Data:      json.RawMessage(data),
	}))
}

func TestStage_Idempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	b := New(0)

	stage(t, b, db, "item", "r1", common.ActionUpsert, `{"name":"first"}`)
	pending, err := b.PendingOrdered(ctx, db.DB(), common.ActionUpsert, nil, nil)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, b.MarkIntegrated(ctx, db.DB(), pending[0]))

	stage(t, b, db, "item", "r1", common.ActionUpsert, `{"name":"second"}`)

	var count int
	require.NoError(t, db.DB().QueryRow(`SELECT COUNT(*) FROM sync_buffer`).Scan(&count))
	assert.Equal(t, 1, count)

	rec, err := b.Get(ctx, db.DB(), "item", "r1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"second"}`, string(rec.Data))
	assert.Nil(t, rec.IntegrationAt)
	assert.Nil(t, rec.IntegrationError)
	assert.Zero(t, rec.Attempts)
}

func TestStage_RequiresKey(t *testing.T) {
	err := New(0).Stage(context.Background(), newTestDB(t).DB(), Record{TableName: "item"})
	assert.Error(t, err)
}

func TestPendingOrdered_DependencyRank(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	b := New(0)
	ranks := map[string]int{"name": 0, "store": 1, "item": 0, "stock_line": 2}

	stage(t, b, db, "stock_line", "sl1", common.ActionUpsert, `{}`)
	stage(t, b, db, "store", "s1", common.ActionUpsert, `{}`)
	stage(t, b, db, "unknown", "u1", common.ActionUpsert, `{}`)
	stage(t, b, db, "item", "i2", common.ActionUpsert, `{}`)
	stage(t, b, db, "name", "n1", common.ActionUpsert, `{}`)
	stage(t, b, db, "item", "i1", common.ActionUpsert, `{}`)
	stage(t, b, db, "stock_line", "sl0", common.ActionDelete, `{}`)
	stage(t, b, db, "store", "s0", common.ActionDelete, `{}`)
	stage(t, b, db, "name", "n0", common.ActionDelete, `{}`)

	upserts, err := b.PendingOrdered(ctx, db.DB(), common.ActionUpsert, ranks, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"i2", "n1", "i1", "s1", "sl1", "u1"}, ids(upserts))

	deletes, err := b.PendingOrdered(ctx, db.DB(), common.ActionDelete, ranks, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"sl0", "s0", "n0"}, ids(deletes))

	filtered, err := b.PendingOrdered(ctx, db.DB(), common.ActionUpsert, ranks, []string{"item"})
	require.NoError(t, err)
	assert.Equal(t, []string{"i2", "i1"}, ids(filtered))
}

func TestMarkIntegrated_SkipsRestaged(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	b := New(0)

	stage(t, b, db, "item", "r1", common.ActionUpsert, `{"v":1}`)
	pending, err := b.PendingOrdered(ctx, db.DB(), common.ActionUpsert, nil, nil)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	stage(t, b, db, "item", "r1", common.ActionUpsert, `{"v":2}`)
	require.NoError(t, b.MarkIntegrated(ctx, db.DB(), pending[0]))

	again, err := b.PendingOrdered(ctx, db.DB(), common.ActionUpsert, nil, nil)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.JSONEq(t, `{"v":2}`, string(again[0].Data))
}

func TestMarkError_DeadLettersAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	b := New(3)

	stage(t, b, db, "item", "r1", common.ActionUpsert, `{}`)

	for attempt := 1; attempt <= 3; attempt++ {
		pending, err := b.PendingOrdered(ctx, db.DB(), common.ActionUpsert, nil, nil)
		require.NoError(t, err)
		require.Len(t, pending, 1, "attempt %d", attempt)

		dead, err := b.MarkError(ctx, db.DB(), pending[0], errors.New("missing store"))
		require.NoError(t, err)
		assert.Equal(t, attempt == 3, dead)
	}

	pending, err := b.PendingOrdered(ctx, db.DB(), common.ActionUpsert, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, pending)

	p, dl, err := b.Stats(ctx, db.DB())
	require.NoError(t, err)
	assert.Zero(t, p)
	assert.Equal(t, 1, dl)

	errs, err := b.Errors(ctx, db.DB(), 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	require.NotNil(t, errs[0].IntegrationError)
	assert.Equal(t, "missing store", *errs[0].IntegrationError)
	assert.NotNil(t, errs[0].DeadLetteredAt)
	assert.Equal(t, 3, errs[0].Attempts)

	n, err := b.Requeue(ctx, db.DB(), "item")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err = b.PendingOrdered(ctx, db.DB(), common.ActionUpsert, nil, nil)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Zero(t, pending[0].Attempts)
}

func TestMarkError_UnlimitedNeverDeadLetters(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	b := New(0)

	stage(t, b, db, "item", "r1", common.ActionUpsert, `{}`)
	for i := 0; i < 100; i++ {
		pending, err := b.PendingOrdered(ctx, db.DB(), common.ActionUpsert, nil, nil)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		dead, err := b.MarkError(ctx, db.DB(), pending[0], errors.New("still failing"))
		require.NoError(t, err)
		require.False(t, dead)
	}
}

func TestTruncate(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	b := New(0)

	stage(t, b, db, "item", "r1", common.ActionUpsert, `{}`)
	stage(t, b, db, "item", "r2", common.ActionDelete, `{}`)

	n, err := b.Truncate(ctx, db.DB())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	p, dl, err := b.Stats(ctx, db.DB())
	require.NoError(t, err)
	assert.Zero(t, p)
	assert.Zero(t, dl)
}

func ids(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.RecordID
	}
	return out
}
