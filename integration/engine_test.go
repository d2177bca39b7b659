package integration

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/maxpert/sitesync/buffer"
	"github.com/maxpert/sitesync/common"
	"github.com/maxpert/sitesync/store"
	"github.com/maxpert/sitesync/translator"
	"github.com/maxpert/sitesync/translator/tables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	db     *store.Store
	buf    *buffer.Buffer
	engine *Engine
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "site.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	translators := tables.Default()
	tables.DeclareReferences(db, translators)
	registry, err := translator.NewRegistry(translators...)
	require.NoError(t, err)

	buf := buffer.New(maxAttempts)
	return &fixture{db: db, buf: buf, engine: NewEngine(db, buf, registry)}
}

func (f *fixture) stage(t *testing.T, table, id string, action common.Action, data string) {
	t.Helper()
	require.NoError(t, f.buf.Stage(context.Background(), f.db.DB(), buffer.Record{
		TableName: table,
		RecordID:  id,
		Action:    action,
		Data:      json.RawMessage(data),
	}))
}

func (f *fixture) record(t *testing.T, table, id string) *buffer.Record {
	t.Helper()
	rec, err := f.buf.Get(context.Background(), f.db.DB(), table, id)
	require.NoError(t, err)
	return rec
}

func TestIntegrate_DependencyOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	// Location depends on store but arrives first
	f.stage(t, "Location", "l1", common.ActionUpsert, `{"code": "A1", "store_ID": "s1"}`)
	f.stage(t, "store", "s1", common.ActionUpsert, `{"name": "Main"}`)

	report, err := f.engine.Integrate(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Tables["store"].Integrated)
	assert.Equal(t, 1, report.Tables["Location"].Integrated)

	entries, err := f.db.ChangelogFrom(ctx, nil, store.ChangelogQuery{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "store", entries[0].TableName)
	assert.Equal(t, "location", entries[1].TableName)
}

func TestIntegrate_DeletesInReverseOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	f.stage(t, "store", "s1", common.ActionUpsert, `{"name": "Main"}`)
	f.stage(t, "Location", "l1", common.ActionUpsert, `{"store_ID": "s1"}`)
	_, err := f.engine.Integrate(ctx, nil)
	require.NoError(t, err)

	f.stage(t, "store", "s1", common.ActionDelete, ``)
	f.stage(t, "Location", "l1", common.ActionDelete, ``)
	report, err := f.engine.Integrate(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, TableReport{Integrated: 2}, report.Totals())

	_, err = f.db.Get(ctx, "store", "s1")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestIntegrate_PartialFailureIsolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	f.stage(t, "item", "i1", common.ActionUpsert, `{"item_name": "One"}`)
	f.stage(t, "item", "i2", common.ActionUpsert, `{"item_name": `)
	f.stage(t, "item", "i3", common.ActionUpsert, `{"item_name": "Three"}`)

	report, err := f.engine.Integrate(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, &TableReport{Integrated: 2, Failed: 1}, report.Tables["item"])

	assert.NotNil(t, f.record(t, "item", "i1").IntegrationAt)
	assert.NotNil(t, f.record(t, "item", "i3").IntegrationAt)

	bad := f.record(t, "item", "i2")
	assert.Nil(t, bad.IntegrationAt)
	require.NotNil(t, bad.IntegrationError)
	assert.Contains(t, *bad.IntegrationError, "malformed payload")
	assert.Equal(t, 1, bad.Attempts)

	_, err = f.db.Get(ctx, "item", "i2")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestIntegrate_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	f.stage(t, "item", "i1", common.ActionUpsert, `{"item_name": "One", "default_pack_size": 10}`)
	_, err := f.engine.Integrate(ctx, nil)
	require.NoError(t, err)

	first, err := f.db.Get(ctx, "item", "i1")
	require.NoError(t, err)

	// Crash between applying and marking integrated
	_, err = f.db.DB().Exec(`UPDATE sync_buffer SET integration_at = NULL`)
	require.NoError(t, err)

	report, err := f.engine.Integrate(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Tables["item"].Integrated)

	second, err := f.db.Get(ctx, "item", "i1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	n, err := f.db.Count(ctx, "item")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIntegrate_NoTranslatorLeavesRecordPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)

	f.stage(t, "X", "r1", common.ActionUpsert, `{"anything": true}`)

	for i := 0; i < 5; i++ {
		report, err := f.engine.Integrate(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Tables["X"].Unhandled)
	}

	rec := f.record(t, "X", "r1")
	assert.Nil(t, rec.IntegrationAt)
	assert.Nil(t, rec.IntegrationError)
	assert.Nil(t, rec.DeadLetteredAt)
	assert.Zero(t, rec.Attempts)
}

func TestIntegrate_ConstraintFailureSelfHeals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	f.stage(t, "Location", "l1", common.ActionUpsert, `{"store_ID": "s1"}`)
	report, err := f.engine.Integrate(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Tables["Location"].Failed)

	rec := f.record(t, "Location", "l1")
	require.NotNil(t, rec.IntegrationError)
	assert.Contains(t, *rec.IntegrationError, "missing store")

	f.stage(t, "store", "s1", common.ActionUpsert, `{"name": "Main"}`)
	report, err = f.engine.Integrate(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, TableReport{Integrated: 2}, report.Totals())
	assert.NotNil(t, f.record(t, "Location", "l1").IntegrationAt)
}

func TestIntegrate_DeadLetterAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)

	f.stage(t, "Location", "l1", common.ActionUpsert, `{"store_ID": "never"}`)

	report, err := f.engine.Integrate(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, report.DeadLettered)

	report, err = f.engine.Integrate(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeadLettered)

	report, err = f.engine.Integrate(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, report.Tables)
}

func TestIntegrate_FanOutPartialFailureRollsBackOnlyFailingOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	f.stage(t, "name", "n1", common.ActionUpsert, `{"name": "Clinic"}`)
	// The join references a store that has not arrived
	f.stage(t, "name_store_join", "j1", common.ActionUpsert, `{"name_ID": "n1", "store_ID": "s1"}`)

	report, err := f.engine.Integrate(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Tables["name_store_join"].Failed)

	_, err = f.db.Get(ctx, "name_store_join", "j1")
	assert.ErrorIs(t, err, common.ErrNotFound)

	// The derived permission row has no constraint and still lands
	perm, err := f.db.Get(ctx, "user_permission", tables.PermissionID("j1"))
	require.NoError(t, err)
	assert.Equal(t, "store_access", perm.String("permission"))
}

func TestIntegrate_RowsAreNotLocal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	require.NoError(t, f.buf.Stage(ctx, f.db.DB(), buffer.Record{
		TableName: "item", RecordID: "i1", Action: common.ActionUpsert,
		Data: json.RawMessage(`{"item_name": "One"}`), SourceSiteID: 7,
	}))
	f.stage(t, "item", "i2", common.ActionUpsert, `{"item_name": "Two"}`)

	_, err := f.engine.Integrate(ctx, nil)
	require.NoError(t, err)

	local, err := f.db.ChangelogFrom(ctx, nil, store.ChangelogQuery{LocalOnly: true})
	require.NoError(t, err)
	assert.Empty(t, local)

	all, err := f.db.ChangelogFrom(ctx, nil, store.ChangelogQuery{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, uint64(7), all[0].SourceSiteID)
	assert.Equal(t, common.CentralSourceID, all[1].SourceSiteID)
}

func TestIntegrate_TableFilter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	f.stage(t, "item", "i1", common.ActionUpsert, `{"item_name": "One"}`)
	f.stage(t, "name", "n1", common.ActionUpsert, `{"name": "N"}`)

	report, err := f.engine.Integrate(ctx, []string{"name"})
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, report.TableNames())
	assert.Nil(t, f.record(t, "item", "i1").IntegrationAt)
}
