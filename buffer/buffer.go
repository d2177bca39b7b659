package buffer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/maxpert/sitesync/common"
	"github.com/maxpert/sitesync/store"
	"github.com/rs/zerolog/log"
)

var dialect = goqu.Dialect("sqlite3")

var recordColumns = []any{
	"table_name", "record_id", "action", "data", "source_site_id", "received_seq",
	"received_at", "integration_at", "integration_error", "attempts", "dead_lettered_at",
}

// Record is one inbound row staged for integration
type Record struct {
	TableName    string          `json:"table_name"`
	RecordID     string          `json:"record_id"`
	Action       common.Action   `json:"action"`
	Data         json.RawMessage `json:"data"`
	SourceSiteID uint64          `json:"source_site_id"`

	ReceivedSeq      int64      `json:"received_seq"`
	ReceivedAt       time.Time  `json:"received_at"`
	IntegrationAt    *time.Time `json:"integration_at,omitempty"`
	IntegrationError *string    `json:"integration_error,omitempty"`
	Attempts         int        `json:"attempts"`
	DeadLetteredAt   *time.Time `json:"dead_lettered_at,omitempty"`
}

// Buffer is the durable staging area between the protocol client and the
// integration engine
type Buffer struct {
	maxAttempts int
}

// New creates a buffer that dead-letters records after maxAttempts failed
// integrations. 0 retries forever.
func New(maxAttempts int) *Buffer {
	return &Buffer{maxAttempts: maxAttempts}
}

// Stage inserts or overwrites the record keyed by (table_name, record_id).
// Restaging clears any previous integration outcome and moves the record to
// the end of the arrival order.
func (b *Buffer) Stage(ctx context.Context, q store.Querier, rec Record) error {
	if rec.TableName == "" || rec.RecordID == "" {
		return fmt.Errorf("staged record requires table_name and record_id")
	}
	if len(rec.Data) == 0 {
		rec.Data = json.RawMessage("null")
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_buffer (
			table_name, record_id, action, data, source_site_id, received_seq, received_at,
			integration_at, integration_error, attempts, dead_lettered_at
		) VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(received_seq), 0) + 1 FROM sync_buffer), ?, NULL, NULL, 0, NULL)
		ON CONFLICT(table_name, record_id) DO UPDATE SET
			action = excluded.action,
			data = excluded.data,
			source_site_id = excluded.source_site_id,
			received_seq = excluded.received_seq,
			received_at = excluded.received_at,
			integration_at = NULL,
			integration_error = NULL,
			attempts = 0,
			dead_lettered_at = NULL`,
		rec.TableName, rec.RecordID, string(rec.Action), string(rec.Data),
		int64(rec.SourceSiteID), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to stage %s/%s: %w", rec.TableName, rec.RecordID, err)
	}
	return nil
}

// MarkIntegrated records a successful integration. A record restaged since
// it was read is left pending.
func (b *Buffer) MarkIntegrated(ctx context.Context, q store.Querier, rec Record) error {
	_, err := q.ExecContext(ctx, `
		UPDATE sync_buffer SET integration_at = ?, integration_error = NULL
		WHERE table_name = ? AND record_id = ? AND received_seq = ?`,
		time.Now().UnixNano(), rec.TableName, rec.RecordID, rec.ReceivedSeq)
	if err != nil {
		return fmt.Errorf("failed to mark %s/%s integrated: %w", rec.TableName, rec.RecordID, err)
	}
	return nil
}

// MarkError records a failed attempt and reports whether the record was
// dead-lettered by it.
func (b *Buffer) MarkError(ctx context.Context, q store.Querier, rec Record, cause error) (bool, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	var deadLettered sql.NullInt64
	err := q.QueryRowContext(ctx, `
		UPDATE sync_buffer SET
			integration_error = ?,
			attempts = attempts + 1,
			dead_lettered_at = CASE WHEN ? > 0 AND attempts + 1 >= ? THEN ? ELSE NULL END
		WHERE table_name = ? AND record_id = ? AND received_seq = ?
		RETURNING dead_lettered_at`,
		msg, b.maxAttempts, b.maxAttempts, time.Now().UnixNano(),
		rec.TableName, rec.RecordID, rec.ReceivedSeq).Scan(&deadLettered)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark %s/%s errored: %w", rec.TableName, rec.RecordID, err)
	}

	if deadLettered.Valid {
		log.Warn().
			Str("table", rec.TableName).
			Str("record_id", rec.RecordID).
			Int("max_attempts", b.maxAttempts).
			Str("error", msg).
			Msg("Staged record dead-lettered")
	}
	return deadLettered.Valid, nil
}

// PendingOrdered returns records of the given action still awaiting
// integration. Upserts come in ascending dependency rank, deletes in
// descending rank, each table in arrival order. Tables without a rank sort last.
func (b *Buffer) PendingOrdered(ctx context.Context, q store.Querier, action common.Action, ranks map[string]int, tables []string) ([]Record, error) {
	ds := dialect.From("sync_buffer").
		Select(recordColumns...).
		Where(
			goqu.C("integration_at").IsNull(),
			goqu.C("dead_lettered_at").IsNull(),
			goqu.C("action").Eq(string(action)),
		).
		Order(goqu.C("received_seq").Asc())
	if len(tables) > 0 {
		ds = ds.Where(goqu.C("table_name").In(tables))
	}

	records, err := b.query(ctx, q, ds)
	if err != nil {
		return nil, err
	}

	rankOf := func(table string) (int, bool) {
		r, ok := ranks[table]
		return r, ok
	}

	sort.SliceStable(records, func(i, j int) bool {
		ri, oki := rankOf(records[i].TableName)
		rj, okj := rankOf(records[j].TableName)
		if oki != okj {
			return oki
		}
		if ri == rj {
			return false
		}
		if action == common.ActionDelete {
			return ri > rj
		}
		return ri < rj
	})
	return records, nil
}

// Errors lists records whose last integration attempt failed, dead-lettered first
func (b *Buffer) Errors(ctx context.Context, q store.Querier, limit int) ([]Record, error) {
	ds := dialect.From("sync_buffer").
		Select(recordColumns...).
		Where(
			goqu.C("integration_at").IsNull(),
			goqu.C("integration_error").IsNotNull(),
		).
		Order(goqu.L("dead_lettered_at IS NULL").Asc(), goqu.C("table_name").Asc(), goqu.C("received_seq").Asc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	return b.query(ctx, q, ds)
}

// Requeue clears the attempt count and dead-letter mark of pending records,
// for one table or all when table is empty.
func (b *Buffer) Requeue(ctx context.Context, q store.Querier, table string) (int64, error) {
	upd := dialect.Update("sync_buffer").
		Set(goqu.Record{"attempts": 0, "dead_lettered_at": nil}).
		Where(goqu.C("integration_at").IsNull())
	if table != "" {
		upd = upd.Where(goqu.C("table_name").Eq(table))
	}

	sqlStr, args, err := upd.Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build requeue: %w", err)
	}
	res, err := q.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue: %w", err)
	}
	return res.RowsAffected()
}

// Truncate empties the buffer as part of a deliberate re-pull
func (b *Buffer) Truncate(ctx context.Context, q store.Querier) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM sync_buffer`)
	if err != nil {
		return 0, fmt.Errorf("failed to truncate sync buffer: %w", err)
	}
	return res.RowsAffected()
}

// Stats counts pending and dead-lettered records
func (b *Buffer) Stats(ctx context.Context, q store.Querier) (pending, deadLettered int, err error) {
	err = q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN dead_lettered_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN dead_lettered_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM sync_buffer WHERE integration_at IS NULL`).Scan(&pending, &deadLettered)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count sync buffer: %w", err)
	}
	return pending, deadLettered, nil
}

// Get reads one staged record
func (b *Buffer) Get(ctx context.Context, q store.Querier, table, recordID string) (*Record, error) {
	ds := dialect.From("sync_buffer").
		Select(recordColumns...).
		Where(goqu.C("table_name").Eq(table), goqu.C("record_id").Eq(recordID))

	records, err := b.query(ctx, q, ds)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, common.ErrNotFound
	}
	return &records[0], nil
}

func (b *Buffer) query(ctx context.Context, q store.Querier, ds *goqu.SelectDataset) ([]Record, error) {
	sqlStr, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build buffer query: %w", err)
	}

	rows, err := q.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync buffer: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var action, data string
		var sourceSite, receivedAt int64
		var integrationAt, deadLettered sql.NullInt64
		var integrationErr sql.NullString
		if err := rows.Scan(
			&rec.TableName, &rec.RecordID, &action, &data, &sourceSite, &rec.ReceivedSeq,
			&receivedAt, &integrationAt, &integrationErr, &rec.Attempts, &deadLettered,
		); err != nil {
			return nil, fmt.Errorf("failed to scan staged record: %w", err)
		}

		rec.Action = common.Action(action)
		rec.Data = json.RawMessage(data)
		rec.SourceSiteID = uint64(sourceSite)
		rec.ReceivedAt = time.Unix(0, receivedAt)
		rec.IntegrationAt = nullTime(integrationAt)
		rec.DeadLetteredAt = nullTime(deadLettered)
		if integrationErr.Valid {
			msg := integrationErr.String
			rec.IntegrationError = &msg
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}
