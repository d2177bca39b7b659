package processor

import (
	"context"
	"time"

	"github.com/maxpert/sitesync/filesync"
	"github.com/maxpert/sitesync/store"
	"github.com/maxpert/sitesync/translator/tables"
)

// Enqueuer accepts attachment transfers
type Enqueuer interface {
	Enqueue(entries ...filesync.Entry) error
}

// FileQueue schedules attachment transfers for file references: uploads for
// references created on this site, downloads for those that arrived from
// elsewhere. The queue lives outside the site database, so a crash before
// commit can schedule a transfer twice; transfers are idempotent.
type FileQueue struct {
	queue Enqueuer
}

var _ Processor = (*FileQueue)(nil)

func NewFileQueue(queue Enqueuer) *FileQueue {
	return &FileQueue{queue: queue}
}

func (p *FileQueue) Name() string { return "file_queue" }

func (p *FileQueue) Tables() []string {
	return []string{tables.FileReferenceTable}
}

func (p *FileQueue) Process(ctx context.Context, tx *store.Tx, entry store.ChangelogEntry) error {
	row, err := get(ctx, tx, tables.FileReferenceTable, entry.RowID)
	if err != nil || row == nil {
		return err
	}
	if row.String("deleted_datetime") != "" {
		return nil
	}

	direction := filesync.Download
	if entry.IsLocal() {
		direction = filesync.Upload
	}

	return p.queue.Enqueue(filesync.Entry{
		FileID:     entry.RowID,
		Direction:  direction,
		TableName:  row.String("table_name"),
		RecordID:   row.String("record_id"),
		FileName:   row.String("file_name"),
		EnqueuedAt: time.Now().UnixMilli(),
	})
}
