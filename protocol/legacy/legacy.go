// Package legacy speaks the per-table v5 sync API. Each table has its own
// endpoint and its own pull cursor.
package legacy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/maxpert/sitesync/cursor"
	"github.com/maxpert/sitesync/protocol"
	"github.com/rs/zerolog/log"
)

const basePath = "/sync/v5/tables/"

type pullResponse struct {
	Records     []protocol.PageRecord `json:"records"`
	IsLastBatch bool                  `json:"is_last_batch"`
}

type pushRequest struct {
	Records []protocol.WireRecord `json:"records"`
}

// Client is the legacy protocol generation
type Client struct {
	transport *protocol.HTTPTransport
	pipeline  *protocol.Pipeline
}

var _ protocol.Client = (*Client)(nil)

// New creates a legacy client
func New(transport *protocol.HTTPTransport, pipeline *protocol.Pipeline) *Client {
	return &Client{transport: transport, pipeline: pipeline}
}

func (c *Client) Generation() cursor.Generation {
	return cursor.Legacy
}

// PullKey is the pull cursor of one table
func PullKey(table string) cursor.Key {
	return cursor.Key{Direction: cursor.Pull, Generation: cursor.Legacy, Consumer: table}
}

// PushKey is the push cursor over the local changelog
func PushKey() cursor.Key {
	return cursor.Key{Direction: cursor.Push, Generation: cursor.Legacy}
}

func tablePath(table string) string {
	return basePath + url.PathEscape(table) + "/records"
}

// Pull fetches every registered table in dependency order
func (c *Client) Pull(ctx context.Context, isInitial bool) (*protocol.PullResult, error) {
	result := protocol.NewPullResult()
	for _, table := range c.pipeline.Registry.Tables() {
		if err := c.pullTable(ctx, table, isInitial, result); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (c *Client) pullTable(ctx context.Context, table string, isInitial bool, result *protocol.PullResult) error {
	key := PullKey(table)
	pos, err := c.pipeline.Cursors.Get(ctx, nil, key)
	if err != nil {
		return err
	}

	for {
		query := url.Values{}
		query.Set("cursor", strconv.FormatUint(pos, 10))
		query.Set("limit", strconv.Itoa(c.pipeline.Limit()))
		query.Set("initial", strconv.FormatBool(isInitial))

		var resp pullResponse
		if err := c.transport.DoJSON(ctx, "pull", http.MethodGet, tablePath(table), query, nil, &resp); err != nil {
			return err
		}

		// The per-table endpoint may leave the table implicit
		for i := range resp.Records {
			if resp.Records[i].Record.TableName == "" {
				resp.Records[i].Record.TableName = table
			}
		}

		next, err := c.pipeline.StagePage(ctx, key, resp.Records)
		if err != nil {
			return err
		}
		if len(resp.Records) > 0 {
			result.Add(resp.Records)
		}

		if resp.IsLastBatch || len(resp.Records) == 0 {
			return nil
		}
		if next <= pos {
			return fmt.Errorf("pull %s: cursor did not advance past %d", table, pos)
		}
		pos = next
	}
}

// Push sends each run of same-table entries to that table's endpoint
func (c *Client) Push(ctx context.Context) (*protocol.PushResult, error) {
	return c.pipeline.Push(ctx, PushKey(), true, func(ctx context.Context, run []protocol.Outbound) error {
		table := run[0].Record.TableName
		req := pushRequest{Records: make([]protocol.WireRecord, 0, len(run))}
		for _, o := range run {
			req.Records = append(req.Records, o.Record)
		}

		if err := c.transport.DoJSON(ctx, "push", http.MethodPost, tablePath(table), nil, req, nil); err != nil {
			return err
		}
		log.Debug().Str("table", table).Int("records", len(run)).Msg("Pushed run")
		return nil
	})
}
