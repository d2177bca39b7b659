package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/maxpert/sitesync/common"
)

// Row is the decoded JSON payload of one stored record
type Row map[string]any

// String returns the field as a string, or "" when absent or not a string
func (r Row) String(field string) string {
	if v, ok := r[field].(string); ok {
		return v
	}
	return ""
}

// Meta is the provenance attached to a mutation and copied to its changelog entry
type Meta struct {
	StoreID string
	OwnerID string
	// SourceSiteID is 0 for writes made on this site
	SourceSiteID uint64
}

// Op is one internal storage operation produced by translation
type Op struct {
	Table  string
	ID     string
	Action common.Action
	Row    Row
	Meta   Meta
}

// ChangelogEntry is one immutable row of the local changelog
type ChangelogEntry struct {
	Cursor       uint64
	TableName    string
	RowID        string
	Action       common.Action
	StoreID      string
	OwnerID      string
	SourceSiteID uint64
	CreatedAt    time.Time
}

// IsLocal reports whether the mutation originated on this site
func (e ChangelogEntry) IsLocal() bool {
	return e.SourceSiteID == 0
}

// ChangelogQuery selects changelog entries with cursor >= From
type ChangelogQuery struct {
	From      uint64
	Limit     int
	LocalOnly bool
	Tables    []string
}

// Querier is satisfied by *sql.DB, *sql.Tx and *Tx
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Reader gives translators and processors read access to stored rows
type Reader interface {
	Get(ctx context.Context, table, id string) (Row, error)
	Find(ctx context.Context, table, field string, value any) ([]Row, error)
}
