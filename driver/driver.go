// Package driver schedules sync cycles. A cycle runs when an operator or
// another component triggers one, or when the sync interval elapses once
// the site is initialised. Concurrent triggers coalesce into a single
// pending cycle.
package driver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/sitesync/common"
	"github.com/maxpert/sitesync/synchroniser"
	"github.com/maxpert/sitesync/telemetry"
	"github.com/rs/zerolog/log"
)

// State of the sync driver
type State int32

const (
	// Uninitialised waits for an explicit trigger, the timer is off
	Uninitialised State = iota
	// Idle waits for a trigger or the next interval
	Idle
	// Syncing is running a cycle
	Syncing
)

func (s State) String() string {
	switch s {
	case Uninitialised:
		return "uninitialised"
	case Idle:
		return "idle"
	case Syncing:
		return "syncing"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Syncer runs one sync cycle
type Syncer interface {
	Sync(ctx context.Context, req synchroniser.Request) (*synchroniser.Report, error)
	IsInitialised(ctx context.Context) (bool, error)
}

// Sidecar must be quiet while a cycle runs. Hold and Release only bracket
// cycles and leave any operator pause alone.
type Sidecar interface {
	Hold()
	Release()
}

type pendingCycle struct {
	req      synchroniser.Request
	promises []*future.Promise[*synchroniser.Report]
}

// SyncDriver owns the sync loop
type SyncDriver struct {
	syncer   Syncer
	interval func() time.Duration
	sidecar  Sidecar

	trigger   chan struct{}
	pendingMu sync.Mutex
	pending   *pendingCycle

	state       atomic.Int32
	cancel      context.CancelFunc
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// New creates a driver. interval is read before every wait so changes take
// effect on the next iteration. sidecar may be nil.
func New(syncer Syncer, interval func() time.Duration, sidecar Sidecar) *SyncDriver {
	return &SyncDriver{
		syncer:   syncer,
		interval: interval,
		sidecar:  sidecar,
		trigger:  make(chan struct{}, 1),
	}
}

// State returns the current driver state
func (d *SyncDriver) State() State {
	return State(d.state.Load())
}

func (d *SyncDriver) setState(s State) {
	d.state.Store(int32(s))
	telemetry.DriverState.Set(float64(s))
}

// Trigger requests a cycle without waiting for it. Requests made while one
// is already pending are merged into it.
func (d *SyncDriver) Trigger(req synchroniser.Request) {
	d.enqueue(req, nil)
}

// TriggerAndWait requests a cycle and returns a future resolved with the
// report of the cycle that covers the request
func (d *SyncDriver) TriggerAndWait(req synchroniser.Request) *future.Future[*synchroniser.Report] {
	p := future.NewPromise[*synchroniser.Report]()
	d.enqueue(req, p)
	return p.Future()
}

func (d *SyncDriver) enqueue(req synchroniser.Request, p *future.Promise[*synchroniser.Report]) {
	d.pendingMu.Lock()
	if d.pending == nil {
		d.pending = &pendingCycle{req: req}
	} else {
		d.pending.req = d.pending.req.Merge(req)
	}
	if p != nil {
		d.pending.promises = append(d.pending.promises, p)
	}
	d.pendingMu.Unlock()

	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *SyncDriver) takePending() *pendingCycle {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	p := d.pending
	d.pending = nil
	return p
}

// Start reads the initialisation flag and starts the loop
func (d *SyncDriver) Start(ctx context.Context) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if d.running.Load() {
		return nil
	}

	initialised, err := d.syncer.IsInitialised(ctx)
	if err != nil {
		return fmt.Errorf("failed to read initialisation state: %w", err)
	}
	if initialised {
		d.setState(Idle)
	} else {
		d.setState(Uninitialised)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.doneCh = make(chan struct{})
	d.running.Store(true)

	log.Info().Str("state", d.State().String()).Msg("Starting sync driver")

	go d.loop(loopCtx)
	return nil
}

// Stop cancels a running cycle and waits for the loop to exit. Futures of
// requests still pending are resolved with common.ErrStopped.
func (d *SyncDriver) Stop() {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if !d.running.Load() {
		return
	}

	d.cancel()
	<-d.doneCh
	d.running.Store(false)

	if p := d.takePending(); p != nil {
		for _, promise := range p.promises {
			promise.Set(nil, common.ErrStopped)
		}
	}
	log.Info().Msg("Sync driver stopped")
}

func (d *SyncDriver) loop(ctx context.Context) {
	defer close(d.doneCh)

	for {
		var timer *time.Timer
		var timerC <-chan time.Time
		if d.State() == Idle {
			timer = time.NewTimer(d.interval())
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-d.trigger:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return
		}

		p := d.takePending()
		if p == nil {
			p = &pendingCycle{}
		}
		d.runCycle(ctx, p)
	}
}

func (d *SyncDriver) runCycle(ctx context.Context, p *pendingCycle) {
	previous := d.State()
	d.setState(Syncing)

	if d.sidecar != nil {
		d.sidecar.Hold()
	}
	report, err := d.syncer.Sync(ctx, p.req)
	if d.sidecar != nil {
		d.sidecar.Release()
	}

	next := Idle
	if err != nil && previous == Uninitialised {
		if ok, _ := d.syncer.IsInitialised(context.Background()); !ok {
			next = Uninitialised
		}
	}
	d.setState(next)

	for _, promise := range p.promises {
		promise.Set(report, err)
	}
}
