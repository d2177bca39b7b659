package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/maxpert/sitesync/buffer"
	"github.com/maxpert/sitesync/common"
	"github.com/maxpert/sitesync/cursor"
	"github.com/maxpert/sitesync/filter"
	"github.com/maxpert/sitesync/store"
	"github.com/maxpert/sitesync/telemetry"
	"github.com/maxpert/sitesync/translator"
	"github.com/rs/zerolog/log"
)

const defaultBatchSize = 500

// Pipeline is the generation independent half of a protocol client: it
// stages pulled pages and walks the local changelog for pushes.
type Pipeline struct {
	DB       *store.Store
	Cursors  *cursor.Store
	Buffer   *buffer.Buffer
	Registry *translator.Registry

	// PushFilter limits pushed internal tables, nil pushes every translated table
	PushFilter *filter.GlobFilter
	SiteID     uint64
	BatchSize  int
}

// Outbound is a translated changelog entry waiting to be sent
type Outbound struct {
	Cursor uint64
	Record WireRecord
}

// Sender delivers one run of outbound records. A nil error means central
// acknowledged every record in the run.
type Sender func(ctx context.Context, run []Outbound) error

// Limit is the configured page size
func (p *Pipeline) Limit() int {
	if p.BatchSize < 1 {
		return defaultBatchSize
	}
	return p.BatchSize
}

// StagePage stages every record of a pulled page and moves the pull cursor
// to one past the highest record cursor, in one transaction. The cursor
// never moves backwards. Returns the resulting cursor.
func (p *Pipeline) StagePage(ctx context.Context, key cursor.Key, page []PageRecord) (uint64, error) {
	if len(page) == 0 {
		return p.Cursors.Get(ctx, nil, key)
	}

	var next uint64
	err := p.DB.Update(ctx, func(tx *store.Tx) error {
		var last uint64
		for _, pr := range page {
			rec := pr.Record
			action, err := common.ParseAction(string(rec.Action))
			if err != nil {
				return &common.TransportError{Op: "pull", Err: fmt.Errorf("record %s/%s at %d: %w", rec.TableName, rec.RecordID, pr.Cursor, err)}
			}
			if rec.TableName == "" || rec.RecordID == "" {
				return &common.TransportError{Op: "pull", Err: fmt.Errorf("record at %d has no table or id", pr.Cursor)}
			}

			err = p.Buffer.Stage(ctx, tx, buffer.Record{
				TableName:    rec.TableName,
				RecordID:     rec.RecordID,
				Action:       action,
				Data:         rec.Data,
				SourceSiteID: rec.SourceSiteID,
			})
			if err != nil {
				return err
			}

			if pr.Cursor > last {
				last = pr.Cursor
			}
		}

		var err error
		next, err = p.Cursors.Advance(ctx, tx, key, last+1)
		return err
	})
	if err != nil {
		return 0, err
	}

	telemetry.PulledRecordsTotal.With(string(key.Generation)).Add(float64(len(page)))
	log.Debug().
		Str("cursor_key", key.String()).
		Int("records", len(page)).
		Uint64("cursor", next).
		Msg("Staged page")
	return next, nil
}

type pushItem struct {
	cursor  uint64
	record  *WireRecord
	failed  bool
	handled bool
}

// Push walks local changelog entries from the cursor at key, translates
// them and hands them to send. With splitByTable every run of consecutive
// entries for the same external table is sent on its own, otherwise a page
// is one run. The cursor advances past every acknowledged run but never
// past the first entry that failed translation: that entry and everything
// after it are offered again on the next push.
func (p *Pipeline) Push(ctx context.Context, key cursor.Key, splitByTable bool, send Sender) (*PushResult, error) {
	result := &PushResult{Tables: make(map[string]int)}

	pos, err := p.Cursors.Get(ctx, nil, key)
	if err != nil {
		return result, err
	}

	var holdAt uint64
	limit := p.Limit()

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		entries, err := p.DB.ChangelogFrom(ctx, nil, store.ChangelogQuery{From: pos, Limit: limit, LocalOnly: true})
		if err != nil {
			return result, err
		}
		if len(entries) == 0 {
			break
		}

		items := p.translate(ctx, entries, result)

		var sendErr error
		for _, run := range runs(items, splitByTable) {
			out := make([]Outbound, 0, len(run))
			for _, it := range run {
				out = append(out, Outbound{Cursor: it.cursor, Record: *it.record})
			}
			if sendErr = send(ctx, out); sendErr != nil {
				break
			}
			for _, it := range run {
				it.handled = true
				result.Sent++
				result.Tables[it.record.TableName]++
			}
			telemetry.PushedRecordsTotal.With(string(key.Generation)).Add(float64(len(run)))
		}

		safe := entries[len(entries)-1].Cursor + 1
		for _, it := range items {
			if it.failed && holdAt == 0 {
				holdAt = it.cursor
			}
			if !it.handled {
				safe = it.cursor
				break
			}
		}
		if holdAt != 0 && holdAt < safe {
			safe = holdAt
		}

		if _, err := p.Cursors.Advance(ctx, nil, key, safe); err != nil {
			return result, err
		}
		if sendErr != nil {
			return result, sendErr
		}

		pos = entries[len(entries)-1].Cursor + 1
		if len(entries) < limit {
			break
		}
	}

	return result, nil
}

// translate converts one changelog page. Entries with nothing to send are
// handled immediately, entries that fail translation are never handled.
func (p *Pipeline) translate(ctx context.Context, entries []store.ChangelogEntry, result *PushResult) []*pushItem {
	items := make([]*pushItem, 0, len(entries))
	for _, e := range entries {
		it := &pushItem{cursor: e.Cursor}
		items = append(items, it)

		if !p.PushFilter.Match(e.TableName) {
			it.handled = true
			continue
		}

		ext, err := p.Registry.ToExternal(ctx, p.DB, e)
		switch {
		case errors.Is(err, translator.ErrNoTranslator), err == nil && ext == nil:
			it.handled = true
		case err != nil:
			it.failed = true
			result.Held++
			telemetry.PushSkippedTotal.With(e.TableName).Inc()
			log.Warn().
				Err(err).
				Str("table", e.TableName).
				Str("row_id", e.RowID).
				Uint64("cursor", e.Cursor).
				Msg("Holding changelog entry that failed translation")
		default:
			it.record = &WireRecord{
				TableName:    ext.TableName,
				RecordID:     ext.RecordID,
				Action:       ext.Action,
				Data:         ext.Data,
				SourceSiteID: p.SiteID,
			}
		}
	}
	return items
}

// runs groups the sendable items of a page
func runs(items []*pushItem, splitByTable bool) [][]*pushItem {
	var out [][]*pushItem
	var current []*pushItem
	for _, it := range items {
		if it.record == nil {
			continue
		}
		if splitByTable && len(current) > 0 && current[0].record.TableName != it.record.TableName {
			out = append(out, current)
			current = nil
		}
		current = append(current, it)
	}
	if len(current) > 0 {
		out = append(out, current)
	}
	return out
}
