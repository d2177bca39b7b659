// Package changelog speaks the v6 sync API: one pull and one push endpoint
// over central's unified changelog, plus a status endpoint polled while
// central integrates what a site pushed.
package changelog

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/maxpert/sitesync/common"
	"github.com/maxpert/sitesync/cursor"
	"github.com/maxpert/sitesync/protocol"
	"github.com/rs/zerolog/log"
)

const (
	pullPath   = "/central/sync/pull"
	pushPath   = "/central/sync/push"
	statusPath = "/central/sync/site_status"
)

type pullRequest struct {
	Cursor        uint64 `json:"cursor"`
	BatchSize     int    `json:"batch_size"`
	IsInitialised bool   `json:"is_initialised"`
}

type pullResponse struct {
	EndCursor    uint64                `json:"end_cursor"`
	TotalRecords uint64                `json:"total_records"`
	IsLastBatch  bool                  `json:"is_last_batch"`
	Records      []protocol.PageRecord `json:"records"`
}

type pushRequest struct {
	SiteID  uint64                `json:"site_id"`
	Records []protocol.WireRecord `json:"records"`
}

type siteStatus struct {
	IsIntegrating bool `json:"is_integrating"`
}

// Options tune how long a push waits for central to integrate
type Options struct {
	IntegrationTimeout time.Duration
	PollInterval       time.Duration
}

// Client is the changelog protocol generation
type Client struct {
	transport *protocol.HTTPTransport
	pipeline  *protocol.Pipeline
	opts      Options
}

var _ protocol.Client = (*Client)(nil)

// New creates a changelog client
func New(transport *protocol.HTTPTransport, pipeline *protocol.Pipeline, opts Options) *Client {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.IntegrationTimeout <= 0 {
		opts.IntegrationTimeout = 5 * time.Minute
	}
	return &Client{transport: transport, pipeline: pipeline, opts: opts}
}

func (c *Client) Generation() cursor.Generation {
	return cursor.Changelog
}

var (
	pullKey = cursor.Key{Direction: cursor.Pull, Generation: cursor.Changelog}
	pushKey = cursor.Key{Direction: cursor.Push, Generation: cursor.Changelog}
)

// Pull pages through central's changelog until it reports the last batch
func (c *Client) Pull(ctx context.Context, isInitial bool) (*protocol.PullResult, error) {
	result := protocol.NewPullResult()

	pos, err := c.pipeline.Cursors.Get(ctx, nil, pullKey)
	if err != nil {
		return result, err
	}

	for {
		req := pullRequest{Cursor: pos, BatchSize: c.pipeline.Limit(), IsInitialised: !isInitial}
		var resp pullResponse
		if err := c.transport.DoJSON(ctx, "pull", http.MethodPost, pullPath, nil, req, &resp); err != nil {
			return result, err
		}

		next, err := c.pipeline.StagePage(ctx, pullKey, resp.Records)
		if err != nil {
			return result, err
		}
		if len(resp.Records) > 0 {
			result.Add(resp.Records)
		}

		log.Debug().
			Uint64("cursor", next).
			Uint64("end_cursor", resp.EndCursor).
			Uint64("total_records", resp.TotalRecords).
			Int("records", len(resp.Records)).
			Msg("Pulled batch")

		if resp.IsLastBatch || len(resp.Records) == 0 {
			return result, nil
		}
		if next <= pos {
			return result, fmt.Errorf("pull: cursor did not advance past %d", pos)
		}
		pos = next
	}
}

// Push sends local changes in batches, then waits until central has
// integrated them
func (c *Client) Push(ctx context.Context) (*protocol.PushResult, error) {
	result, err := c.pipeline.Push(ctx, pushKey, false, func(ctx context.Context, run []protocol.Outbound) error {
		req := pushRequest{SiteID: c.pipeline.SiteID, Records: make([]protocol.WireRecord, 0, len(run))}
		for _, o := range run {
			req.Records = append(req.Records, o.Record)
		}
		return c.transport.DoJSON(ctx, "push", http.MethodPost, pushPath, nil, req, nil)
	})
	if err != nil {
		return result, err
	}

	if result.Sent > 0 {
		if err := c.waitForIntegration(ctx); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (c *Client) waitForIntegration(ctx context.Context) error {
	start := time.Now()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		var status siteStatus
		if err := c.transport.DoJSON(ctx, "status", http.MethodGet, statusPath, nil, nil, &status); err != nil {
			return err
		}
		if !status.IsIntegrating {
			log.Debug().Dur("waited", time.Since(start)).Msg("Central finished integrating push")
			return nil
		}

		if elapsed := time.Since(start); elapsed >= c.opts.IntegrationTimeout {
			return &common.TimeoutError{Op: "waiting for central integration", Elapsed: elapsed}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
