// Package protocol moves records between a site and the central server.
//
// Two generations of the central API exist: the per-table legacy endpoints
// (package legacy) and the unified changelog endpoints (package changelog).
// Both implement Client and share the staging and push logic in Pipeline,
// so the orchestration above them does not care which one is configured.
package protocol

import (
	"context"
	"encoding/json"

	"github.com/maxpert/sitesync/common"
	"github.com/maxpert/sitesync/cursor"
)

// Client is one protocol generation
type Client interface {
	Generation() cursor.Generation

	// Pull stages every record central has after the pull cursor. isInitial
	// is true until the site has completed its first full cycle.
	Pull(ctx context.Context, isInitial bool) (*PullResult, error)

	// Push sends local changelog entries after the push cursor
	Push(ctx context.Context) (*PushResult, error)
}

// WireRecord is a record as central sends and receives it
type WireRecord struct {
	TableName    string          `json:"table_name"`
	RecordID     string          `json:"record_id"`
	Action       common.Action   `json:"action"`
	Data         json.RawMessage `json:"data,omitempty"`
	SourceSiteID uint64          `json:"source_site_id,omitempty"`
}

// PageRecord is a wire record with its position in central's stream
type PageRecord struct {
	Cursor uint64     `json:"cursor"`
	Record WireRecord `json:"record"`
}

// PullResult summarises one pull
type PullResult struct {
	Pages   int            `json:"pages"`
	Records int            `json:"records"`
	Tables  map[string]int `json:"tables"`
}

// NewPullResult creates an empty pull summary
func NewPullResult() *PullResult {
	return &PullResult{Tables: make(map[string]int)}
}

// Add counts a staged page
func (r *PullResult) Add(page []PageRecord) {
	r.Pages++
	r.Records += len(page)
	for _, pr := range page {
		r.Tables[pr.Record.TableName]++
	}
}

// PushResult summarises one push
type PushResult struct {
	Sent   int            `json:"sent"`
	Held   int            `json:"held"`
	Tables map[string]int `json:"tables"`
}
