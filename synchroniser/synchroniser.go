package synchroniser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/sitesync/buffer"
	"github.com/maxpert/sitesync/common"
	"github.com/maxpert/sitesync/integration"
	"github.com/maxpert/sitesync/protocol"
	"github.com/maxpert/sitesync/store"
	"github.com/maxpert/sitesync/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

const initialisedKey = "sync/initialised"

// Request narrows a cycle. Tables limits integration to some external
// tables; pull and push always cover everything.
type Request struct {
	Tables []string `json:"tables,omitempty"`
}

// Merge combines two pending requests. An unfiltered request wins.
func (r Request) Merge(other Request) Request {
	if len(r.Tables) == 0 || len(other.Tables) == 0 {
		return Request{}
	}
	seen := make(map[string]struct{}, len(r.Tables)+len(other.Tables))
	var merged []string
	for _, t := range append(append([]string{}, r.Tables...), other.Tables...) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		merged = append(merged, t)
	}
	return Request{Tables: merged}
}

// Report is the outcome of one cycle
type Report struct {
	Started     time.Time            `json:"started"`
	Finished    time.Time            `json:"finished"`
	Pull        *protocol.PullResult `json:"pull,omitempty"`
	Integration *integration.Report  `json:"integration,omitempty"`
	Push        *protocol.PushResult `json:"push,omitempty"`
	Error       string               `json:"error,omitempty"`
	Category    common.ErrorCategory `json:"category,omitempty"`
}

// TableStatus is the last integration outcome of one table
type TableStatus struct {
	integration.TableReport
	UpdatedAt time.Time `json:"updated_at"`
}

// Status is the synchroniser state exposed to operators
type Status struct {
	Cycles       int       `json:"cycles"`
	LastStarted  time.Time `json:"last_started"`
	LastFinished time.Time `json:"last_finished"`
	LastSuccess  time.Time `json:"last_success"`
	LastError    string    `json:"last_error,omitempty"`
}

// Synchroniser runs pull, integrate and push as one cycle
type Synchroniser struct {
	db     *store.Store
	buf    *buffer.Buffer
	engine *integration.Engine
	client protocol.Client

	cycleMu sync.Mutex

	statusMu sync.RWMutex
	status   Status
	tables   *xsync.MapOf[string, TableStatus]
}

// New creates a synchroniser
func New(db *store.Store, buf *buffer.Buffer, engine *integration.Engine, client protocol.Client) *Synchroniser {
	return &Synchroniser{
		db:     db,
		buf:    buf,
		engine: engine,
		client: client,
		tables: xsync.NewMapOf[string, TableStatus](),
	}
}

// IsInitialised reports whether the site completed its first cycle
func (s *Synchroniser) IsInitialised(ctx context.Context) (bool, error) {
	v, ok, err := store.GetString(ctx, s.db.DB(), initialisedKey)
	if err != nil {
		return false, err
	}
	return ok && v == "true", nil
}

// Sync runs one cycle. Per-record integration failures do not fail the
// cycle; transport, storage and timeout errors do.
func (s *Synchroniser) Sync(ctx context.Context, req Request) (report *Report, err error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	report = &Report{Started: time.Now()}
	s.statusMu.Lock()
	s.status.LastStarted = report.Started
	s.statusMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync cycle panicked: %v", r)
		}
		s.finish(report, err)
	}()

	initialised, err := s.IsInitialised(ctx)
	if err != nil {
		return report, err
	}

	report.Pull, err = s.client.Pull(ctx, !initialised)
	if err != nil {
		return report, fmt.Errorf("pull: %w", err)
	}

	report.Integration, err = s.engine.Integrate(ctx, req.Tables)
	if err != nil {
		return report, fmt.Errorf("integrate: %w", err)
	}
	s.recordTables(report.Integration)

	if !initialised {
		if err := store.SetString(ctx, s.db.DB(), initialisedKey, "true"); err != nil {
			return report, err
		}
		log.Info().Msg("Site initialised")
	}

	report.Push, err = s.client.Push(ctx)
	if err != nil {
		return report, fmt.Errorf("push: %w", err)
	}
	return report, nil
}

func (s *Synchroniser) finish(report *Report, err error) {
	report.Finished = time.Now()
	duration := report.Finished.Sub(report.Started)
	telemetry.SyncCycleDurationSeconds.Observe(duration.Seconds())

	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	s.status.Cycles++
	s.status.LastFinished = report.Finished

	if err != nil {
		report.Error = err.Error()
		report.Category = common.Category(err)
		s.status.LastError = report.Error
		telemetry.SyncCyclesTotal.With("failed").Inc()
		log.Error().
			Err(err).
			Str("category", string(report.Category)).
			Dur("duration", duration).
			Msg("Sync cycle failed")
		return
	}

	s.status.LastSuccess = report.Finished
	s.status.LastError = ""
	telemetry.SyncCyclesTotal.With("success").Inc()

	ev := log.Info().Dur("duration", duration)
	if report.Pull != nil {
		ev = ev.Int("pulled", report.Pull.Records)
	}
	if report.Push != nil {
		ev = ev.Int("pushed", report.Push.Sent).Int("held", report.Push.Held)
	}
	ev.Msg("Sync cycle finished")
}

func (s *Synchroniser) recordTables(r *integration.Report) {
	now := time.Now()
	for name, t := range r.Tables {
		s.tables.Store(name, TableStatus{TableReport: *t, UpdatedAt: now})
	}
}

// Status returns a snapshot of the synchroniser state
func (s *Synchroniser) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// Tables returns the last integration outcome per external table
func (s *Synchroniser) Tables() map[string]TableStatus {
	out := make(map[string]TableStatus, s.tables.Size())
	s.tables.Range(func(name string, st TableStatus) bool {
		out[name] = st
		return true
	})
	return out
}

// BufferStats samples the sync buffer backlog
func (s *Synchroniser) BufferStats() (pending, deadLettered int, err error) {
	return s.buf.Stats(context.Background(), s.db.ReadDB())
}
