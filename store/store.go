package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/maxpert/sitesync/common"
	"github.com/maxpert/sitesync/notify"
	"github.com/rs/zerolog/log"
)

const defaultBusyTimeoutMS = 5000

var dialect = goqu.Dialect("sqlite3")

// Reference declares that Field of a row holds the id of a row in RefTable
type Reference struct {
	Table    string
	Field    string
	RefTable string
}

// Store is the site's local relational storage. Writes go through a single
// connection with immediate transactions, reads through a small WAL pool.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
	path    string
	hub     *notify.Hub

	refsMu sync.RWMutex
	refs   map[string][]Reference // keyed by Table
	inRefs map[string][]Reference // keyed by RefTable
}

// Open opens (or creates) the database at path. hub may be nil.
func Open(path string, hub *notify.Hub) (*Store, error) {
	writeDSN := withParams(path, fmt.Sprintf("_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", defaultBusyTimeoutMS))
	writeDB, err := sql.Open(SQLiteDriverName, writeDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	for _, schema := range Schemas() {
		if _, err := writeDB.Exec(schema); err != nil {
			writeDB.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	readDSN := withParams(path, fmt.Sprintf("_journal_mode=WAL&_busy_timeout=%d", defaultBusyTimeoutMS))
	readDB, err := sql.Open(SQLiteDriverName, readDSN)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(0)

	log.Info().Str("path", path).Msg("Opened site database")

	return &Store{
		writeDB: writeDB,
		readDB:  readDB,
		path:    path,
		hub:     hub,
		refs:    make(map[string][]Reference),
		inRefs:  make(map[string][]Reference),
	}, nil
}

func withParams(path, params string) string {
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return "file:" + path + "?" + params
}

// Close closes both connection pools
func (s *Store) Close() error {
	readErr := s.readDB.Close()
	if err := s.writeDB.Close(); err != nil {
		return err
	}
	return readErr
}

// DB returns the write handle. Never use it while holding a Tx on the same goroutine.
func (s *Store) DB() *sql.DB {
	return s.writeDB
}

// ReadDB returns the read pool
func (s *Store) ReadDB() *sql.DB {
	return s.readDB
}

// Hub returns the commit notification hub, possibly nil
func (s *Store) Hub() *notify.Hub {
	return s.hub
}

// DeclareReference makes upserts into table fail with a ConstraintError when
// row[field] names a row missing from refTable, and makes deletes from
// refTable fail while such a row still points at the deleted id.
func (s *Store) DeclareReference(table, field, refTable string) {
	ref := Reference{Table: table, Field: field, RefTable: refTable}

	s.refsMu.Lock()
	defer s.refsMu.Unlock()
	s.refs[table] = append(s.refs[table], ref)
	s.inRefs[refTable] = append(s.inRefs[refTable], ref)
}

func (s *Store) referencesFrom(table string) []Reference {
	s.refsMu.RLock()
	defer s.refsMu.RUnlock()
	return s.refs[table]
}

func (s *Store) referencesTo(table string) []Reference {
	s.refsMu.RLock()
	defer s.refsMu.RUnlock()
	return s.inRefs[table]
}

// Begin starts an immediate write transaction
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	sqlTx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{Tx: sqlTx, store: s, tables: make(map[string]struct{})}, nil
}

// Update runs fn in a transaction, committing when it returns nil
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Warn().Err(rbErr).Msg("Rollback failed")
		}
		return err
	}

	return tx.Commit()
}

// Get reads one row from the read pool
func (s *Store) Get(ctx context.Context, table, id string) (Row, error) {
	return getRow(ctx, s.readDB, table, id)
}

// Find reads rows whose JSON field equals value
func (s *Store) Find(ctx context.Context, table, field string, value any) ([]Row, error) {
	return findRows(ctx, s.readDB, table, field, value)
}

// Count returns the number of rows stored for table
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	var n int
	err := s.readDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE table_name = ?`, table).Scan(&n)
	return n, err
}

// LatestCursor returns the cursor of the newest changelog entry, 0 when empty
func (s *Store) LatestCursor(ctx context.Context) (uint64, error) {
	var c uint64
	err := s.readDB.QueryRowContext(ctx, `SELECT COALESCE(MAX(cursor), 0) FROM changelog`).Scan(&c)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest cursor: %w", err)
	}
	return c, nil
}

// ChangelogFrom returns entries with cursor >= q.From in cursor order.
// A nil querier reads from the read pool.
func (s *Store) ChangelogFrom(ctx context.Context, q Querier, query ChangelogQuery) ([]ChangelogEntry, error) {
	if q == nil {
		q = s.readDB
	}

	ds := dialect.From("changelog").
		Select("cursor", "table_name", "row_id", "action", "store_id", "owner_id", "source_site_id", "created_at").
		Where(goqu.C("cursor").Gte(query.From)).
		Order(goqu.C("cursor").Asc())

	if query.LocalOnly {
		ds = ds.Where(goqu.C("source_site_id").Eq(0))
	}
	if len(query.Tables) > 0 {
		ds = ds.Where(goqu.C("table_name").In(query.Tables))
	}
	if query.Limit > 0 {
		ds = ds.Limit(uint(query.Limit))
	}

	sqlStr, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build changelog query: %w", err)
	}

	rows, err := q.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read changelog: %w", err)
	}
	defer rows.Close()

	var entries []ChangelogEntry
	for rows.Next() {
		var e ChangelogEntry
		var action string
		var sourceSite, createdAt int64
		if err := rows.Scan(&e.Cursor, &e.TableName, &e.RowID, &action, &e.StoreID, &e.OwnerID, &sourceSite, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan changelog entry: %w", err)
		}
		e.Action = common.Action(action)
		e.SourceSiteID = uint64(sourceSite)
		e.CreatedAt = time.Unix(0, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func getRow(ctx context.Context, q Querier, table, id string) (Row, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM records WHERE table_name = ? AND id = ?`, table, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", table, id, err)
	}
	return decodeRow(data)
}

func findRows(ctx context.Context, q Querier, table, field string, value any) ([]Row, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT data FROM records WHERE table_name = ? AND json_extract(data, ?) = ? ORDER BY id`,
		table, jsonPath(field), value)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s by %s: %w", table, field, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		row, err := decodeRow(data)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func findIDs(ctx context.Context, q Querier, table, field string, value any) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id FROM records WHERE table_name = ? AND json_extract(data, ?) = ? ORDER BY id`,
		table, jsonPath(field), value)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s ids by %s: %w", table, field, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func jsonPath(field string) string {
	return `$."` + field + `"`
}

func decodeRow(data string) (Row, error) {
	var row Row
	if err := json.Unmarshal([]byte(data), &row); err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}
	return row, nil
}
