package cursor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/maxpert/sitesync/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCursors(t *testing.T) (*Store, *store.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "site.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), db
}

func TestKey_String(t *testing.T) {
	assert.Equal(t, "cursor/pull/changelog", Key{Direction: Pull, Generation: Changelog}.String())
	assert.Equal(t, "cursor/pull/legacy/item", Key{Direction: Pull, Generation: Legacy, Consumer: "item"}.String())
	assert.Equal(t, "cursor/processor/local/requisition_transfer", ProcessorKey("requisition_transfer").String())
}

func TestGet_DefaultsToZero(t *testing.T) {
	cursors, _ := newTestCursors(t)
	v, err := cursors.Get(context.Background(), nil, Key{Direction: Push, Generation: Changelog})
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestSet_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "site.db")
	key := Key{Direction: Pull, Generation: Changelog}

	db, err := store.Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, NewStore(db).Set(ctx, nil, key, 42))
	require.NoError(t, db.Close())

	db, err = store.Open(path, nil)
	require.NoError(t, err)
	defer db.Close()

	v, err := NewStore(db).Get(ctx, nil, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)
}

func TestSet_AtomicWithTransaction(t *testing.T) {
	ctx := context.Background()
	cursors, db := newTestCursors(t)
	key := ProcessorKey("p")

	errBoom := errors.New("boom")
	err := db.Update(ctx, func(tx *store.Tx) error {
		if err := tx.Upsert(ctx, "invoice", "inv1", store.Row{"a": 1}, store.Meta{}); err != nil {
			return err
		}
		if err := cursors.Set(ctx, tx, key, 5); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	v, err := cursors.Get(ctx, nil, key)
	require.NoError(t, err)
	assert.Zero(t, v, "cursor must roll back with its effect")

	require.NoError(t, db.Update(ctx, func(tx *store.Tx) error {
		return cursors.Set(ctx, tx, key, 5)
	}))
	v, err = cursors.Get(ctx, nil, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)
}

func TestAdvance_NeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	cursors, _ := newTestCursors(t)
	key := Key{Direction: Push, Generation: Legacy}

	v, err := cursors.Advance(ctx, nil, key, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), v)

	v, err = cursors.Advance(ctx, nil, key, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), v)

	got, err := cursors.Get(ctx, nil, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got)
}

func TestListAndReset(t *testing.T) {
	ctx := context.Background()
	cursors, _ := newTestCursors(t)

	require.NoError(t, cursors.Set(ctx, nil, Key{Direction: Pull, Generation: Legacy, Consumer: "item"}, 3))
	require.NoError(t, cursors.Set(ctx, nil, Key{Direction: Pull, Generation: Legacy, Consumer: "store"}, 4))
	require.NoError(t, cursors.Set(ctx, nil, Key{Direction: Push, Generation: Legacy}, 7))
	require.NoError(t, cursors.Set(ctx, nil, ProcessorKey("p"), 1))

	list, err := cursors.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 4)

	n, err := cursors.Reset(ctx, nil, Pull, Legacy)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	list, err = cursors.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "cursor/processor/local/p", list[0].Key)
	assert.Equal(t, "cursor/push/legacy", list[1].Key)
}
