package processor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/maxpert/sitesync/filesync"
	"github.com/maxpert/sitesync/store"
	"github.com/maxpert/sitesync/translator/tables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingQueue struct{}

func (failingQueue) Enqueue(...filesync.Entry) error { return errors.New("queue unavailable") }

func writeReference(t *testing.T, db *store.Store, id string, source uint64, row store.Row) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.Update(ctx, func(tx *store.Tx) error {
		return tx.Upsert(ctx, tables.FileReferenceTable, id, row, store.Meta{SourceSiteID: source})
	}))
}

func TestFileQueue_SchedulesTransfers(t *testing.T) {
	ctx := context.Background()
	db := openStore(t, nil)

	q, err := filesync.OpenQueue(filepath.Join(t.TempDir(), "file_queue"))
	require.NoError(t, err)
	defer q.Close()

	writeReference(t, db, "f-local", 0, store.Row{"file_name": "scan.pdf", "table_name": "invoice", "record_id": "inv1"})
	writeReference(t, db, "f-remote", 5, store.Row{"file_name": "photo.jpg", "table_name": "requisition", "record_id": "r1"})
	writeReference(t, db, "f-gone", 5, store.Row{"file_name": "old.txt", "deleted_datetime": "2024-01-01T00:00:00"})
	upsert(t, db, "invoice", "inv1", store.Row{"status": "new"})

	require.NoError(t, newRunner(t, db, NewFileQueue(q), 10).Catchup(ctx))
	require.Equal(t, 2, q.Pending())

	first, err := q.Next()
	require.NoError(t, err)
	assert.Equal(t, "f-local", first.FileID)
	assert.Equal(t, filesync.Upload, first.Direction)
	assert.Equal(t, "scan.pdf", first.FileName)
	assert.Equal(t, "invoice", first.TableName)
	assert.Equal(t, "inv1", first.RecordID)
	require.NoError(t, q.Ack(first.Seq))

	second, err := q.Next()
	require.NoError(t, err)
	assert.Equal(t, "f-remote", second.FileID)
	assert.Equal(t, filesync.Download, second.Direction)
}

func TestFileQueue_EnqueueFailureHoldsCursor(t *testing.T) {
	db := openStore(t, nil)
	writeReference(t, db, "f1", 0, store.Row{"file_name": "scan.pdf"})

	r := newRunner(t, db, NewFileQueue(failingQueue{}), 10)
	assert.Error(t, r.Catchup(context.Background()))
	assert.Equal(t, uint64(0), r.Position())
	assert.Equal(t, uint64(0), persisted(t, db, "file_queue"))
}
