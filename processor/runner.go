// Package processor runs business side effects off the local changelog.
// Each processor owns a cursor. Effects inside the site database commit in
// the same transaction as the cursor advance; deliveries to outside systems
// run with no transaction open and are at least once.
package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/sitesync/common"
	"github.com/maxpert/sitesync/cursor"
	"github.com/maxpert/sitesync/filter"
	"github.com/maxpert/sitesync/notify"
	"github.com/maxpert/sitesync/store"
	"github.com/maxpert/sitesync/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBatchSize       = 100
	DefaultPollInterval    = 5 * time.Second
	DefaultRetryInitial    = 100 * time.Millisecond
	DefaultRetryMax        = 30 * time.Second
	DefaultRetryMultiplier = 2.0
)

// Processor names a changelog consumer and the tables it cares about. A
// processor implements TxProcessor or Deliverer.
type Processor interface {
	Name() string
	// Tables returns glob patterns of the tables processed, empty for all
	Tables() []string
}

// TxProcessor applies its effect inside the site database. Process must be
// safe to repeat for an entry, since a crash between effect and commit
// replays it.
type TxProcessor interface {
	Processor
	Process(ctx context.Context, tx *store.Tx, entry store.ChangelogEntry) error
}

// Deliverer hands entries to a system outside the site database. Deliver
// runs with no transaction open, so a slow destination never holds the
// write connection. The cursor advances after Deliver returns.
type Deliverer interface {
	Processor
	Deliver(ctx context.Context, r store.Reader, entry store.ChangelogEntry) error
}

// DeleteHandler is implemented by processors that want delete entries too.
// Others only see upserts.
type DeleteHandler interface {
	HandlesDeletes() bool
}

// RunnerConfig configures a processor runner
type RunnerConfig struct {
	DB              *store.Store
	Cursors         *cursor.Store
	Processor       Processor
	BatchSize       int           // Changelog entries per scan
	PollInterval    time.Duration // Scan interval when no commit wakes the runner
	RetryInitial    time.Duration // First wait after a failed entry
	RetryMax        time.Duration // Backoff cap
	RetryMultiplier float64
}

// Runner feeds one processor from its cursor
type Runner struct {
	config   RunnerConfig
	key      cursor.Key
	filter   *filter.GlobFilter
	apply    func(ctx context.Context, e store.ChangelogEntry) error
	deletes  bool
	position atomic.Uint64 // Everything below has been handled
	catchMu  sync.Mutex    // one catchup at a time, loop or operator

	cancel      context.CancelFunc
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewRunner validates the config and loads the processor cursor
func NewRunner(ctx context.Context, config RunnerConfig) (*Runner, error) {
	if config.DB == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.Cursors == nil {
		return nil, fmt.Errorf("cursor store is required")
	}
	if config.Processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if config.Processor.Name() == "" {
		return nil, fmt.Errorf("processor name is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 1 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}

	f, err := filter.NewGlobFilter(config.Processor.Tables())
	if err != nil {
		return nil, fmt.Errorf("processor %s: %w", config.Processor.Name(), err)
	}

	r := &Runner{
		config: config,
		key:    cursor.ProcessorKey(config.Processor.Name()),
		filter: f,
	}
	switch p := config.Processor.(type) {
	case TxProcessor:
		r.apply = r.inTx(p)
	case Deliverer:
		r.apply = r.deliver(p)
	default:
		return nil, fmt.Errorf("processor %s implements neither Process nor Deliver", config.Processor.Name())
	}
	if dh, ok := config.Processor.(DeleteHandler); ok {
		r.deletes = dh.HandlesDeletes()
	}

	pos, err := config.Cursors.Get(ctx, nil, r.key)
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor %s: %w", r.key, err)
	}
	r.position.Store(pos)
	return r, nil
}

func (r *Runner) Name() string {
	return r.config.Processor.Name()
}

// Position is the processor cursor
func (r *Runner) Position() uint64 {
	return r.position.Load()
}

// Start launches the runner goroutine
func (r *Runner) Start() {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.running.Load() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.doneCh = make(chan struct{})
	r.running.Store(true)

	log.Info().
		Str("processor", r.Name()).
		Uint64("cursor", r.position.Load()).
		Msg("Starting changelog processor")

	go r.loop(ctx)
}

// Stop cancels the runner and waits for the in-flight entry to finish
func (r *Runner) Stop() {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if !r.running.Load() {
		return
	}

	r.cancel()
	<-r.doneCh
	r.running.Store(false)

	log.Info().Str("processor", r.Name()).Msg("Changelog processor stopped")
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.doneCh)

	var signals <-chan notify.Signal
	if hub := r.config.DB.Hub(); hub != nil {
		ch, unsubscribe := hub.Subscribe(notify.Filter{})
		defer unsubscribe()
		signals = ch
	}

	delay := r.config.RetryInitial
	for {
		wait := r.config.PollInterval
		wake := signals

		if err := r.Catchup(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().
				Err(err).
				Str("processor", r.Name()).
				Uint64("cursor", r.position.Load()).
				Dur("retry_delay", delay).
				Msg("Changelog processor failed, retrying")

			// Commits must not cut the backoff short
			wait, wake = delay, nil
			delay = time.Duration(float64(delay) * r.config.RetryMultiplier)
			if delay > r.config.RetryMax {
				delay = r.config.RetryMax
			}
		} else {
			delay = r.config.RetryInitial
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Catchup processes entries until the changelog is exhausted or an entry
// fails. The cursor stays on the failing entry. Safe to call while the
// runner goroutine is active.
func (r *Runner) Catchup(ctx context.Context) error {
	r.catchMu.Lock()
	defer r.catchMu.Unlock()

	for {
		n, err := r.runBatch(ctx)
		if err != nil || n < r.config.BatchSize {
			return err
		}
	}
}

func (r *Runner) relevant(e store.ChangelogEntry) bool {
	if e.Action == common.ActionDelete && !r.deletes {
		return false
	}
	return r.filter.Match(e.TableName)
}

func (r *Runner) runBatch(ctx context.Context) (int, error) {
	name := r.Name()
	from := r.position.Load()

	entries, err := r.config.DB.ChangelogFrom(ctx, nil, store.ChangelogQuery{
		From:  from,
		Limit: r.config.BatchSize,
	})
	if err != nil {
		return 0, err
	}

	// Irrelevant entries are passed over in bulk
	handled := from
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			r.advance(handled)
			return 0, err
		}

		if !r.relevant(e) {
			handled = e.Cursor + 1
			telemetry.ProcessorEntriesTotal.With(name, "skipped").Inc()
			continue
		}

		if err := r.apply(ctx, e); err != nil {
			r.advance(handled)
			telemetry.ProcessorEntriesTotal.With(name, "failed").Inc()
			return 0, fmt.Errorf("processor %s at cursor %d (%s/%s): %w", name, e.Cursor, e.TableName, e.RowID, err)
		}

		handled = e.Cursor + 1
		r.position.Store(handled)
		telemetry.ProcessorEntriesTotal.With(name, "processed").Inc()
	}

	r.advance(handled)
	return len(entries), nil
}

func (r *Runner) inTx(p TxProcessor) func(context.Context, store.ChangelogEntry) error {
	return func(ctx context.Context, e store.ChangelogEntry) error {
		return r.config.DB.Update(ctx, func(tx *store.Tx) error {
			if err := p.Process(ctx, tx, e); err != nil {
				return err
			}
			_, err := r.config.Cursors.Advance(ctx, tx, r.key, e.Cursor+1)
			return err
		})
	}
}

func (r *Runner) deliver(p Deliverer) func(context.Context, store.ChangelogEntry) error {
	return func(ctx context.Context, e store.ChangelogEntry) error {
		if err := p.Deliver(ctx, r.config.DB, e); err != nil {
			return err
		}
		// A crash here redelivers the entry
		_, err := r.config.Cursors.Advance(ctx, nil, r.key, e.Cursor+1)
		return err
	}
}

// advance persists progress made over skipped entries
func (r *Runner) advance(to uint64) {
	if to <= r.position.Load() {
		return
	}

	// Detached from the caller so progress survives shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := r.config.Cursors.Advance(ctx, nil, r.key, to); err != nil {
		log.Warn().Err(err).Str("processor", r.Name()).Uint64("cursor", to).Msg("Failed to advance processor cursor")
		return
	}
	r.position.Store(to)
}
