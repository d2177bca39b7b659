// Package filesync is the attachment sidecar. It drains a durable transfer
// queue in the background and goes quiet whenever the sync driver runs a
// cycle.
package filesync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/sitesync/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultIdleInterval = 30 * time.Second

	signalBuffer = 8
)

type signalKind int

const (
	signalStart signalKind = iota
	signalStop
	signalPause
	signalUnPause
	signalHold
	signalRelease
)

type signal struct {
	kind signalKind
	ack  chan struct{}
}

// Options configures the sidecar
type Options struct {
	PollInterval time.Duration // wait after a failed transfer
	IdleInterval time.Duration // wait when the queue is empty
	MaxAttempts  int           // transfers are dropped after this many failures, 0 = never
}

// Status is the sidecar state exposed to operators
type Status struct {
	Started bool `json:"started"`
	Paused  bool `json:"paused"` // by an operator
	Held    bool `json:"held"`   // by the sync driver
	Pending int  `json:"pending"`
}

// Driver runs attachment transfers. It starts stopped and held: Start
// enables transfers, Hold and Release bracket sync cycles. Pause and
// UnPause are the operator's switch and are independent of cycles, so a
// paused sidecar stays paused across any number of cycles.
type Driver struct {
	queue    *Queue
	transfer Transferer
	opts     Options

	signals chan signal
	started atomic.Bool
	paused  atomic.Bool
	held    atomic.Bool

	cancel      context.CancelFunc
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewDriver creates the sidecar
func NewDriver(queue *Queue, transfer Transferer, opts Options) *Driver {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = DefaultIdleInterval
	}

	d := &Driver{
		queue:    queue,
		transfer: transfer,
		opts:     opts,
		signals:  make(chan signal, signalBuffer),
	}
	d.held.Store(true)
	return d
}

// Run launches the loop goroutine. Transfers begin once Start is signalled.
func (d *Driver) Run() {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if d.running.Load() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.doneCh = make(chan struct{})
	d.running.Store(true)
	go d.loop(ctx)
}

// Close terminates the loop and waits for it
func (d *Driver) Close() {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if !d.running.Load() {
		return
	}
	d.cancel()
	<-d.doneCh
	d.running.Store(false)
}

// Start enables transfers
func (d *Driver) Start() { d.send(signalStart, false) }

// Stop disables transfers until the next Start
func (d *Driver) Stop() { d.send(signalStop, false) }

// Pause suspends transfers and returns once no transfer is in flight
func (d *Driver) Pause() { d.send(signalPause, true) }

// UnPause resumes transfers suspended by Pause
func (d *Driver) UnPause() { d.send(signalUnPause, false) }

// Hold suspends transfers for a sync cycle and returns once no transfer is
// in flight
func (d *Driver) Hold() { d.send(signalHold, true) }

// Release ends the hold taken by Hold. An operator pause stays in effect.
func (d *Driver) Release() { d.send(signalRelease, false) }

func (d *Driver) send(kind signalKind, wait bool) {
	if !d.running.Load() {
		d.apply(kind)
		return
	}

	s := signal{kind: kind}
	if wait {
		s.ack = make(chan struct{})
	}

	select {
	case d.signals <- s:
	case <-d.doneCh:
		return
	}
	if wait {
		select {
		case <-s.ack:
		case <-d.doneCh:
		}
	}
}

func (d *Driver) apply(kind signalKind) {
	switch kind {
	case signalStart:
		d.started.Store(true)
	case signalStop:
		d.started.Store(false)
	case signalPause:
		d.paused.Store(true)
	case signalUnPause:
		d.paused.Store(false)
	case signalHold:
		d.held.Store(true)
	case signalRelease:
		d.held.Store(false)
	}
}

func (d *Driver) handle(s signal) {
	d.apply(s.kind)
	if s.ack != nil {
		close(s.ack)
	}
}

// Status returns the sidecar state
func (d *Driver) Status() Status {
	return Status{
		Started: d.started.Load(),
		Paused:  d.paused.Load(),
		Held:    d.held.Load(),
		Pending: d.queue.Pending(),
	}
}

func (d *Driver) active() bool {
	return d.started.Load() && !d.paused.Load() && !d.held.Load()
}

func (d *Driver) loop(ctx context.Context) {
	defer close(d.doneCh)

	for {
		// Signals are drained once per iteration
		if !d.drain(ctx) {
			return
		}

		if !d.active() {
			select {
			case <-ctx.Done():
				return
			case s := <-d.signals:
				d.handle(s)
			}
			continue
		}

		wait := d.step(ctx)
		if wait == 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case s := <-d.signals:
			timer.Stop()
			d.handle(s)
		case <-timer.C:
		}
	}
}

func (d *Driver) drain(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case s := <-d.signals:
			d.handle(s)
		default:
			return true
		}
	}
}

// step runs at most one transfer and returns how long to wait before the
// next one
func (d *Driver) step(ctx context.Context) time.Duration {
	e, err := d.queue.Next()
	if err != nil {
		log.Error().Err(err).Msg("Failed to read file transfer queue")
		return d.opts.PollInterval
	}
	if e == nil {
		return d.opts.IdleInterval
	}

	direction := string(e.Direction)
	if err := d.transfer.Transfer(ctx, *e); err != nil {
		if ctx.Err() != nil {
			return 0
		}

		if d.opts.MaxAttempts > 0 && e.Attempts+1 >= d.opts.MaxAttempts {
			telemetry.FileTransfersTotal.With(direction, "dropped").Inc()
			log.Error().
				Err(err).
				Str("file_id", e.FileID).
				Str("direction", direction).
				Int("attempts", e.Attempts+1).
				Msg("Giving up on file transfer")
			if ackErr := d.queue.Ack(e.Seq); ackErr != nil {
				log.Error().Err(ackErr).Uint64("seq", e.Seq).Msg("Failed to drop file transfer")
			}
			return d.opts.PollInterval
		}

		telemetry.FileTransfersTotal.With(direction, "failed").Inc()
		log.Warn().
			Err(err).
			Str("file_id", e.FileID).
			Str("direction", direction).
			Int("attempts", e.Attempts+1).
			Msg("File transfer failed, requeueing")
		if reqErr := d.queue.Requeue(*e, err); reqErr != nil {
			log.Error().Err(reqErr).Uint64("seq", e.Seq).Msg("Failed to requeue file transfer")
		}
		return d.opts.PollInterval
	}

	if err := d.queue.Ack(e.Seq); err != nil {
		log.Error().Err(err).Uint64("seq", e.Seq).Msg("Failed to acknowledge file transfer")
		return d.opts.PollInterval
	}
	telemetry.FileTransfersTotal.With(direction, "success").Inc()
	log.Debug().Str("file_id", e.FileID).Str("direction", direction).Msg("File transferred")
	return 0
}
