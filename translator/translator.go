// Package translator converts rows between the central server's wire format
// and local storage. Each Translator claims one external table name and may
// fan one wire record out into several internal operations.
package translator

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/maxpert/sitesync/common"
	"github.com/maxpert/sitesync/store"
)

// ErrNoTranslator is returned when no registered translator claims a table.
// It is not a translation failure: the record is left for a later pass.
var ErrNoTranslator = errors.New("no translator for table")

// ExternalRecord is one row in wire format
type ExternalRecord struct {
	TableName string          `json:"table_name"`
	RecordID  string          `json:"record_id"`
	Action    common.Action   `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Translator converts one external table in both directions.
//
// TryFromExternal returns ok=false when rec belongs to another table. A
// malformed payload is reported as an error, preferably *common.TranslationError.
//
// TryToExternal returns ok=false when entry's table is not produced by this
// translator. ok=true with a nil record means the entry is owned but has
// nothing to send, for example an upsert of a row deleted since.
type Translator interface {
	TableName() string
	Dependencies() []string
	TryFromExternal(rec ExternalRecord) (ops []store.Op, ok bool, err error)
	TryToExternal(ctx context.Context, r store.Reader, entry store.ChangelogEntry) (out *ExternalRecord, ok bool, err error)
}
