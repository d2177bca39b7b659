// Package sink exports the local changelog to message brokers. An Exporter
// is a changelog processor, so every sink gets its own cursor and
// at-least-once delivery.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/sitesync/cfg"
	"github.com/maxpert/sitesync/common"
	"github.com/maxpert/sitesync/store"
	"github.com/maxpert/sitesync/telemetry"
)

const DefaultPublishTimeout = 5 * time.Second

// Sink is a destination for changelog events
type Sink interface {
	// Publish sends value under key. A nil value is a tombstone.
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

// Factory creates a Sink from its configuration for the exporting site
type Factory func(config cfg.SinkConfiguration, siteID uint64) (Sink, error)

var (
	factories = make(map[string]Factory)
	factoryMu sync.RWMutex
)

// Register makes a sink type available to New
func Register(sinkType string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[sinkType] = factory
}

func create(config cfg.SinkConfiguration, siteID uint64) (Sink, error) {
	factoryMu.RLock()
	factory, ok := factories[config.Type]
	factoryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}
	return factory(config, siteID)
}

// Event is the exported form of one changelog entry
type Event struct {
	Cursor       uint64    `json:"cursor"`
	Table        string    `json:"table"`
	ID           string    `json:"id"`
	Action       string    `json:"action"`
	StoreID      string    `json:"store_id,omitempty"`
	SourceSiteID uint64    `json:"source_site_id"`
	SiteID       uint64    `json:"site_id"`
	ChangedAt    int64     `json:"changed_at"` // unix ms
	Data         store.Row `json:"data,omitempty"`
}

// Exporter publishes changelog entries of the filtered tables to a sink
type Exporter struct {
	name        string
	sink        Sink
	topicPrefix string
	tables      []string
	siteID      uint64
	timeout     time.Duration
}

// NewExporter wraps an existing sink
func NewExporter(name string, s Sink, topicPrefix string, tables []string, siteID uint64) *Exporter {
	return &Exporter{
		name:        name,
		sink:        s,
		topicPrefix: topicPrefix,
		tables:      tables,
		siteID:      siteID,
		timeout:     DefaultPublishTimeout,
	}
}

// New creates the sink described by config and its exporter
func New(config cfg.SinkConfiguration, siteID uint64) (*Exporter, error) {
	s, err := create(config, siteID)
	if err != nil {
		return nil, fmt.Errorf("sink %s: %w", config.Name, err)
	}
	return NewExporter(config.Name, s, config.TopicPrefix, config.FilterTables, siteID), nil
}

// Name scopes the exporter cursor to the sink
func (e *Exporter) Name() string { return "sink/" + e.name }

func (e *Exporter) Tables() []string { return e.tables }

func (e *Exporter) HandlesDeletes() bool { return true }

// Close releases the sink
func (e *Exporter) Close() error {
	return e.sink.Close()
}

func (e *Exporter) topic(table string) string {
	if e.topicPrefix == "" {
		return table
	}
	return e.topicPrefix + "." + table
}

// Deliver publishes the entry, followed by a tombstone for deletes. Rows
// are read from r with no write transaction open.
func (e *Exporter) Deliver(ctx context.Context, r store.Reader, entry store.ChangelogEntry) error {
	event := Event{
		Cursor:       entry.Cursor,
		Table:        entry.TableName,
		ID:           entry.RowID,
		Action:       string(entry.Action),
		StoreID:      entry.StoreID,
		SourceSiteID: entry.SourceSiteID,
		SiteID:       e.siteID,
		ChangedAt:    entry.CreatedAt.UnixMilli(),
	}

	if entry.Action == common.ActionUpsert {
		row, err := r.Get(ctx, entry.TableName, entry.RowID)
		if errors.Is(err, common.ErrNotFound) {
			// Deleted since; the delete entry follows
			return nil
		}
		if err != nil {
			return err
		}
		event.Data = row
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	topic := e.topic(entry.TableName)
	if err := e.publish(ctx, topic, entry.RowID, data); err != nil {
		return err
	}
	if entry.Action == common.ActionDelete {
		return e.publish(ctx, topic, entry.RowID, nil)
	}
	return nil
}

func (e *Exporter) publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.sink.Publish(ctx, topic, key, value); err != nil {
		telemetry.SinkPublishTotal.With(e.name, "failed").Inc()
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	telemetry.SinkPublishTotal.With(e.name, "success").Inc()
	return nil
}
