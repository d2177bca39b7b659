package filesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransfer struct {
	mu       sync.Mutex
	done     []string
	fail     map[string]int // remaining failures per file
	inFlight bool
	delay    time.Duration
}

func (f *fakeTransfer) Transfer(ctx context.Context, e Entry) error {
	f.mu.Lock()
	f.inFlight = true
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight = false
	if f.fail[e.FileID] > 0 {
		f.fail[e.FileID]--
		return errors.New("transfer failed")
	}
	f.done = append(f.done, e.FileID)
	return nil
}

func (f *fakeTransfer) transferred() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.done...)
}

func newDriver(t *testing.T, tr Transferer, maxAttempts int) (*Driver, *Queue) {
	t.Helper()
	q := openQueue(t, t.TempDir())
	t.Cleanup(func() { q.Close() })

	d := NewDriver(q, tr, Options{
		PollInterval: time.Millisecond,
		IdleInterval: 5 * time.Millisecond,
		MaxAttempts:  maxAttempts,
	})
	d.Run()
	t.Cleanup(d.Close)
	return d, q
}

func TestDriver_StartsHeld(t *testing.T) {
	tr := &fakeTransfer{}
	d, q := newDriver(t, tr, 0)
	require.NoError(t, q.Enqueue(Entry{FileID: "f1", Direction: Upload}))

	assert.Equal(t, Status{Started: false, Held: true, Pending: 1}, d.Status())

	d.Start()
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, tr.transferred())

	d.Release()
	assert.Eventually(t, func() bool { return len(tr.transferred()) == 1 }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, time.Millisecond)
}

func TestDriver_PauseWaitsForInFlightTransfer(t *testing.T) {
	tr := &fakeTransfer{delay: 20 * time.Millisecond}
	d, q := newDriver(t, tr, 0)
	d.Start()
	d.Release()

	require.NoError(t, q.Enqueue(Entry{FileID: "f1"}, Entry{FileID: "f2"}, Entry{FileID: "f3"}))
	assert.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.inFlight
	}, time.Second, time.Millisecond)

	d.Pause()
	tr.mu.Lock()
	inFlight := tr.inFlight
	tr.mu.Unlock()
	assert.False(t, inFlight)

	done := len(tr.transferred())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, done, len(tr.transferred()))

	d.UnPause()
	assert.Eventually(t, func() bool { return len(tr.transferred()) == 3 }, time.Second, time.Millisecond)
}

func TestDriver_FailedTransferDoesNotBlockQueue(t *testing.T) {
	tr := &fakeTransfer{fail: map[string]int{"f1": 2}}
	d, q := newDriver(t, tr, 0)
	require.NoError(t, q.Enqueue(Entry{FileID: "f1"}, Entry{FileID: "f2"}))

	d.Start()
	d.Release()

	assert.Eventually(t, func() bool { return len(tr.transferred()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"f2", "f1"}, tr.transferred())
}

func TestDriver_DropsAfterMaxAttempts(t *testing.T) {
	tr := &fakeTransfer{fail: map[string]int{"f1": 100}}
	d, q := newDriver(t, tr, 3)
	require.NoError(t, q.Enqueue(Entry{FileID: "f1"}))

	d.Start()
	d.Release()

	assert.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, time.Millisecond)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, 97, tr.fail["f1"])
	assert.Empty(t, tr.done)
}

func TestDriver_StopDisablesTransfers(t *testing.T) {
	tr := &fakeTransfer{}
	d, q := newDriver(t, tr, 0)
	d.Start()
	d.Release()
	d.Stop()
	d.Hold()
	d.Release()

	require.NoError(t, q.Enqueue(Entry{FileID: "f1"}))
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, tr.transferred())
	assert.False(t, d.Status().Started)
}

func TestDriver_SignalsWithoutLoop(t *testing.T) {
	q := openQueue(t, t.TempDir())
	defer q.Close()

	d := NewDriver(q, &fakeTransfer{}, Options{})
	d.Pause()
	d.Start()
	d.Release()
	assert.Equal(t, Status{Started: true, Paused: true}, d.Status())
	d.UnPause()
	assert.Equal(t, Status{Started: true}, d.Status())
	d.Close()
}

func TestDriver_OperatorPauseOutlivesCycles(t *testing.T) {
	tr := &fakeTransfer{}
	d, q := newDriver(t, tr, 0)
	d.Start()
	d.Release()
	d.Pause()

	// Two sync cycles come and go
	d.Hold()
	d.Release()
	d.Hold()
	d.Release()

	require.NoError(t, q.Enqueue(Entry{FileID: "f1"}))
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, tr.transferred())
	assert.Equal(t, Status{Started: true, Paused: true, Pending: 1}, d.Status())

	d.UnPause()
	assert.Eventually(t, func() bool { return len(tr.transferred()) == 1 }, time.Second, time.Millisecond)
}

func TestDriver_HeldSidecarIgnoresUnPause(t *testing.T) {
	tr := &fakeTransfer{}
	d, q := newDriver(t, tr, 0)
	d.Start()
	d.UnPause()

	require.NoError(t, q.Enqueue(Entry{FileID: "f1"}))
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, tr.transferred())

	d.Release()
	assert.Eventually(t, func() bool { return len(tr.transferred()) == 1 }, time.Second, time.Millisecond)
}
