package processor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/sitesync/common"
	"github.com/maxpert/sitesync/cursor"
	"github.com/maxpert/sitesync/notify"
	"github.com/maxpert/sitesync/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	name    string
	tables  []string
	deletes bool
	mark    bool

	mu     sync.Mutex
	seen   []string
	failOn string
}

func (r *recorder) Name() string         { return r.name }
func (r *recorder) Tables() []string     { return r.tables }
func (r *recorder) HandlesDeletes() bool { return r.deletes }

func (r *recorder) Process(ctx context.Context, tx *store.Tx, e store.ChangelogEntry) error {
	if r.mark {
		if err := tx.Upsert(ctx, "processed", e.RowID, store.Row{"cursor": e.Cursor}, store.Meta{}); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e.RowID == r.failOn {
		return errors.New("side effect failed")
	}
	r.seen = append(r.seen, e.TableName+":"+e.RowID+":"+string(e.Action))
	return nil
}

func (r *recorder) entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func (r *recorder) heal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failOn = ""
}

func openStore(t *testing.T, hub *notify.Hub) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "site.db"), hub)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newRunner(t *testing.T, db *store.Store, p Processor, batch int) *Runner {
	t.Helper()
	r, err := NewRunner(context.Background(), RunnerConfig{
		DB:           db,
		Cursors:      cursor.NewStore(db),
		Processor:    p,
		BatchSize:    batch,
		PollInterval: time.Hour,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	})
	require.NoError(t, err)
	return r
}

func upsert(t *testing.T, db *store.Store, table, id string, row store.Row) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.Update(ctx, func(tx *store.Tx) error {
		return tx.Upsert(ctx, table, id, row, store.Meta{})
	}))
}

func remove(t *testing.T, db *store.Store, table, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.Update(ctx, func(tx *store.Tx) error {
		return tx.Delete(ctx, table, id, store.Meta{})
	}))
}

func persisted(t *testing.T, db *store.Store, name string) uint64 {
	t.Helper()
	v, err := cursor.NewStore(db).Get(context.Background(), nil, cursor.ProcessorKey(name))
	require.NoError(t, err)
	return v
}

func TestRunner_ProcessesRelevantUpserts(t *testing.T) {
	ctx := context.Background()
	db := openStore(t, nil)

	upsert(t, db, "item", "i1", store.Row{"v": 1})
	upsert(t, db, "name", "n1", store.Row{"v": 1})
	upsert(t, db, "item", "i2", store.Row{"v": 1})
	remove(t, db, "item", "i1")
	upsert(t, db, "item_line", "l1", store.Row{"v": 1})

	p := &recorder{name: "items", tables: []string{"item*"}}
	r := newRunner(t, db, p, 2)
	require.NoError(t, r.Catchup(ctx))

	assert.Equal(t, []string{"item:i1:upsert", "item:i2:upsert", "item_line:l1:upsert"}, p.entries())
	assert.Equal(t, uint64(6), r.Position())
	assert.Equal(t, uint64(6), persisted(t, db, "items"))

	// Nothing new, nothing repeated
	require.NoError(t, r.Catchup(ctx))
	assert.Len(t, p.entries(), 3)
}

func TestRunner_DeleteHandlerSeesDeletes(t *testing.T) {
	db := openStore(t, nil)
	upsert(t, db, "item", "i1", store.Row{"v": 1})
	remove(t, db, "item", "i1")

	p := &recorder{name: "all", deletes: true}
	require.NoError(t, newRunner(t, db, p, 10).Catchup(context.Background()))
	assert.Equal(t, []string{"item:i1:upsert", "item:i1:delete"}, p.entries())
}

func TestRunner_FailureHoldsCursorOnFailingEntry(t *testing.T) {
	ctx := context.Background()
	db := openStore(t, nil)

	upsert(t, db, "item", "i1", store.Row{"v": 1})
	upsert(t, db, "name", "n1", store.Row{"v": 1})
	upsert(t, db, "item", "i2", store.Row{"v": 1})
	upsert(t, db, "item", "i3", store.Row{"v": 1})

	p := &recorder{name: "items", tables: []string{"item"}, mark: true, failOn: "i2"}
	r := newRunner(t, db, p, 10)

	err := r.Catchup(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cursor 3")
	assert.Equal(t, uint64(3), r.Position())
	assert.Equal(t, uint64(3), persisted(t, db, "items"))

	// The effect of the failed entry rolled back with it
	_, err = db.Get(ctx, "processed", "i2")
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = db.Get(ctx, "processed", "i1")
	assert.NoError(t, err)

	p.heal()
	require.NoError(t, r.Catchup(ctx))
	assert.Equal(t, []string{"item:i1:upsert", "item:i2:upsert", "item:i3:upsert"}, p.entries())
}

func TestRunner_ResumesFromPersistedCursor(t *testing.T) {
	ctx := context.Background()
	db := openStore(t, nil)

	upsert(t, db, "item", "i1", store.Row{"v": 1})
	first := &recorder{name: "items"}
	require.NoError(t, newRunner(t, db, first, 10).Catchup(ctx))

	upsert(t, db, "item", "i2", store.Row{"v": 1})
	second := &recorder{name: "items"}
	r := newRunner(t, db, second, 10)
	assert.Equal(t, uint64(2), r.Position())
	require.NoError(t, r.Catchup(ctx))
	assert.Equal(t, []string{"item:i2:upsert"}, second.entries())
}

func TestRunner_WakesOnCommit(t *testing.T) {
	hub := notify.NewHub()
	db := openStore(t, hub)

	p := &recorder{name: "items", tables: []string{"item"}}
	r := newRunner(t, db, p, 10)
	r.Start()
	defer r.Stop()

	upsert(t, db, "item", "i1", store.Row{"v": 1})
	assert.Eventually(t, func() bool { return len(p.entries()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestRunner_RetriesAfterFailure(t *testing.T) {
	db := openStore(t, nil)
	upsert(t, db, "item", "i1", store.Row{"v": 1})

	p := &recorder{name: "items", failOn: "i1"}
	r := newRunner(t, db, p, 10)
	r.Start()
	defer r.Stop()

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, p.entries())

	p.heal()
	assert.Eventually(t, func() bool { return len(p.entries()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

// courier writes to the site database while delivering, which only works
// when the runner holds no write transaction
type courier struct {
	db  *store.Store
	mu  sync.Mutex
	ids []string
}

func (c *courier) Name() string     { return "courier" }
func (c *courier) Tables() []string { return []string{"item"} }

func (c *courier) Deliver(ctx context.Context, r store.Reader, e store.ChangelogEntry) error {
	row, err := r.Get(ctx, e.TableName, e.RowID)
	if err != nil {
		return err
	}
	if err := c.db.Update(ctx, func(tx *store.Tx) error {
		return tx.Upsert(ctx, "delivery", e.RowID, store.Row{"name": row["name"]}, store.Meta{})
	}); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, e.RowID)
	return nil
}

func (c *courier) delivered() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func TestRunner_DelivererRunsOutsideTransaction(t *testing.T) {
	db := openStore(t, nil)
	upsert(t, db, "item", "i1", store.Row{"name": "Gauze"})
	upsert(t, db, "item", "i2", store.Row{"name": "Swab"})

	c := &courier{db: db}
	r := newRunner(t, db, c, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Catchup(ctx))

	assert.Equal(t, []string{"i1", "i2"}, c.delivered())
	assert.Equal(t, uint64(3), r.Position())
	assert.Equal(t, uint64(3), persisted(t, db, "courier"))

	row, err := db.Get(ctx, "delivery", "i2")
	require.NoError(t, err)
	assert.Equal(t, "Swab", row["name"])
}

type nameOnly struct{}

func (nameOnly) Name() string     { return "idle" }
func (nameOnly) Tables() []string { return nil }

func TestNewRunner_Validates(t *testing.T) {
	db := openStore(t, nil)
	ctx := context.Background()

	_, err := NewRunner(ctx, RunnerConfig{Cursors: cursor.NewStore(db), Processor: &recorder{name: "x"}})
	assert.Error(t, err)
	_, err = NewRunner(ctx, RunnerConfig{DB: db, Cursors: cursor.NewStore(db), Processor: &recorder{}})
	assert.Error(t, err)
	_, err = NewRunner(ctx, RunnerConfig{DB: db, Cursors: cursor.NewStore(db), Processor: &recorder{name: "x", tables: []string{"[bad"}}})
	assert.Error(t, err)
	_, err = NewRunner(ctx, RunnerConfig{DB: db, Cursors: cursor.NewStore(db), Processor: nameOnly{}})
	assert.Error(t, err)
}

func TestManager(t *testing.T) {
	ctx := context.Background()
	db := openStore(t, nil)
	upsert(t, db, "item", "i1", store.Row{"v": 1})
	upsert(t, db, "item", "i2", store.Row{"v": 1})

	m := NewManager(db)
	require.NoError(t, m.Add(newRunner(t, db, &recorder{name: "a"}, 10)))
	require.NoError(t, m.Add(newRunner(t, db, &recorder{name: "b", failOn: "i2"}, 10)))
	assert.Error(t, m.Add(newRunner(t, db, &recorder{name: "a"}, 10)))

	assert.Equal(t, map[string]uint64{"a": 2, "b": 2}, m.Lags())

	assert.Error(t, m.Catchup(ctx))
	assert.Equal(t, map[string]uint64{"a": 0, "b": 1}, m.Lags())
	assert.Equal(t, map[string]uint64{"a": 3, "b": 2}, m.Positions())

	m.Start()
	m.Stop()
}
