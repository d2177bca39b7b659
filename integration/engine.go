package integration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/maxpert/sitesync/buffer"
	"github.com/maxpert/sitesync/common"
	"github.com/maxpert/sitesync/store"
	"github.com/maxpert/sitesync/telemetry"
	"github.com/maxpert/sitesync/translator"
	"github.com/rs/zerolog/log"
)

// TableReport counts integration outcomes for one table
type TableReport struct {
	Integrated int `json:"integrated"`
	Failed     int `json:"failed"`
	Unhandled  int `json:"unhandled"`
}

// Report is the result of one integration pass
type Report struct {
	Tables       map[string]*TableReport `json:"tables"`
	DeadLettered int                     `json:"dead_lettered"`
}

func newReport() *Report {
	return &Report{Tables: make(map[string]*TableReport)}
}

func (r *Report) table(name string) *TableReport {
	t, ok := r.Tables[name]
	if !ok {
		t = &TableReport{}
		r.Tables[name] = t
	}
	return t
}

// Totals sums the per-table counts
func (r *Report) Totals() TableReport {
	var total TableReport
	for _, t := range r.Tables {
		total.Integrated += t.Integrated
		total.Failed += t.Failed
		total.Unhandled += t.Unhandled
	}
	return total
}

// TableNames returns the reported tables sorted by name
func (r *Report) TableNames() []string {
	names := make([]string, 0, len(r.Tables))
	for name := range r.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Engine drains the sync buffer into local storage
type Engine struct {
	db       *store.Store
	buf      *buffer.Buffer
	registry *translator.Registry

	// One pass at a time
	mu sync.Mutex
}

// NewEngine creates an integration engine
func NewEngine(db *store.Store, buf *buffer.Buffer, registry *translator.Registry) *Engine {
	return &Engine{db: db, buf: buf, registry: registry}
}

// Integrate runs one pass: pending upserts in dependency order, then pending
// deletes in reverse dependency order. tables limits the pass to some
// external tables; nil means all. Per-record failures are recorded in the
// buffer and the report, only storage failures abort the pass.
func (e *Engine) Integrate(ctx context.Context, tables []string) (*Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := newReport()
	ranks := e.registry.Ranks()

	for _, action := range []common.Action{common.ActionUpsert, common.ActionDelete} {
		records, err := e.buf.PendingOrdered(ctx, e.db.DB(), action, ranks, tables)
		if err != nil {
			return report, err
		}

		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if err := e.integrateRecord(ctx, rec, report); err != nil {
				return report, err
			}
		}
	}

	totals := report.Totals()
	if totals.Integrated+totals.Failed+totals.Unhandled > 0 {
		log.Info().
			Int("integrated", totals.Integrated).
			Int("failed", totals.Failed).
			Int("unhandled", totals.Unhandled).
			Int("dead_lettered", report.DeadLettered).
			Msg("Integration pass finished")
	}

	return report, nil
}

func (e *Engine) integrateRecord(ctx context.Context, rec buffer.Record, report *Report) (err error) {
	tr := report.table(rec.TableName)

	ops, translateErr := e.registry.FromExternal(translator.ExternalRecord{
		TableName: rec.TableName,
		RecordID:  rec.RecordID,
		Action:    rec.Action,
		Data:      rec.Data,
	})
	if errors.Is(translateErr, translator.ErrNoTranslator) {
		tr.Unhandled++
		telemetry.IntegrationRecordsTotal.With(rec.TableName, "unhandled").Inc()
		log.Debug().
			Str("table", rec.TableName).
			Str("record_id", rec.RecordID).
			Msg("No translator for staged record, leaving it pending")
		return nil
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	recordErr := translateErr
	if recordErr == nil {
		recordErr, err = e.apply(ctx, tx, rec, ops)
		if err != nil {
			return err
		}
	}

	if recordErr != nil {
		dead, err := e.buf.MarkError(ctx, tx, rec, recordErr)
		if err != nil {
			return err
		}
		if dead {
			report.DeadLettered++
		}
		tr.Failed++
		telemetry.IntegrationRecordsTotal.With(rec.TableName, "failed").Inc()
		log.Warn().
			Err(recordErr).
			Str("table", rec.TableName).
			Str("record_id", rec.RecordID).
			Str("category", string(common.Category(recordErr))).
			Int("attempts", rec.Attempts+1).
			Msg("Failed to integrate staged record")
	} else {
		if err := e.buf.MarkIntegrated(ctx, tx, rec); err != nil {
			return err
		}
		tr.Integrated++
		telemetry.IntegrationRecordsTotal.With(rec.TableName, "integrated").Inc()
	}

	return tx.Commit()
}

// apply runs every op in its own savepoint. A failing op is rolled back and
// the rest still run; the first failure is returned as recordErr. err is
// only set when the transaction itself is unusable.
func (e *Engine) apply(ctx context.Context, tx *store.Tx, rec buffer.Record, ops []store.Op) (recordErr error, err error) {
	source := rec.SourceSiteID
	if source == 0 {
		source = common.CentralSourceID
	}

	for _, op := range ops {
		op.Meta.SourceSiteID = source

		sp, err := tx.Savepoint(ctx)
		if err != nil {
			return nil, err
		}

		if applyErr := tx.Apply(ctx, op); applyErr != nil {
			if err := tx.RollbackTo(ctx, sp); err != nil {
				return nil, fmt.Errorf("failed to roll back %s/%s: %w", op.Table, op.ID, err)
			}
			if recordErr == nil {
				recordErr = applyErr
			}
			continue
		}

		if err := tx.Release(ctx, sp); err != nil {
			return nil, err
		}
	}
	return recordErr, nil
}
