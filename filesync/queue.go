package filesync

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/sitesync/encoding"
	"github.com/rs/zerolog/log"
)

// Key layout
const (
	prefixEntry = "/fq/"      // /fq/{16-digit-zero-padded-seq}
	keyCursor   = "/fqcursor" // last acknowledged seq
	keySeq      = "/fqseq"    // last assigned seq
)

const cleanupIntervalMask = 0x3F

// Direction of an attachment transfer
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// Entry is one queued attachment transfer
type Entry struct {
	Seq        uint64    `msgpack:"seq"`
	FileID     string    `msgpack:"file_id"`
	Direction  Direction `msgpack:"direction"`
	TableName  string    `msgpack:"table_name"`
	RecordID   string    `msgpack:"record_id"`
	FileName   string    `msgpack:"file_name"`
	Attempts   int       `msgpack:"attempts"`
	EnqueuedAt int64     `msgpack:"enqueued_at"`
	LastError  string    `msgpack:"last_error,omitempty"`
}

// Queue is a Pebble-backed FIFO of transfers with a single consumer cursor.
// Entries at or below the cursor are acknowledged and removed in the
// background.
type Queue struct {
	db *pebble.DB

	mu      sync.Mutex
	lastSeq uint64
	cursor  uint64

	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup
	closed         atomic.Bool
}

// OpenQueue creates or opens the queue at path
func OpenQueue(path string) (*Queue, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open file queue at %s: %w", path, err)
	}

	q := &Queue{db: db}
	if q.lastSeq, err = q.readUint(keySeq); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence: %w", err)
	}
	if q.cursor, err = q.readUint(keyCursor); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}

	if n := q.lastSeq - q.cursor; n > 0 {
		log.Info().Uint64("pending", n).Msg("Loaded file transfer queue")
	}
	return q, nil
}

func (q *Queue) readUint(key string) (uint64, error) {
	val, closer, err := q.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, fmt.Errorf("invalid value length %d for %s", len(val), key)
	}
	return binary.LittleEndian.Uint64(val), nil
}

func uintBytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func entryKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016d", prefixEntry, seq))
}

func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Enqueue appends entries and assigns their sequence numbers
func (q *Queue) Enqueue(entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if q.closed.Load() {
		return fmt.Errorf("file queue is closed")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	return q.appendLocked(nil, entries)
}

func (q *Queue) appendLocked(batch *pebble.Batch, entries []Entry) error {
	if batch == nil {
		batch = q.db.NewBatch()
		defer batch.Close()
	}

	seq := q.lastSeq
	for i := range entries {
		seq++
		entries[i].Seq = seq

		val, err := encoding.Marshal(&entries[i])
		if err != nil {
			return fmt.Errorf("failed to marshal transfer: %w", err)
		}
		if err := batch.Set(entryKey(seq), val, nil); err != nil {
			return fmt.Errorf("failed to write transfer: %w", err)
		}
	}
	if err := batch.Set([]byte(keySeq), uintBytes(seq), nil); err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit transfers: %w", err)
	}

	q.lastSeq = seq
	return nil
}

// Next returns the oldest unacknowledged entry, nil when the queue is empty
func (q *Queue) Next() (*Entry, error) {
	if q.closed.Load() {
		return nil, fmt.Errorf("file queue is closed")
	}

	q.mu.Lock()
	start := entryKey(q.cursor + 1)
	q.mu.Unlock()

	iter, err := q.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: prefixUpperBound([]byte(prefixEntry)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	for iter.SeekGE(start); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		var e Entry
		if err := encoding.Unmarshal(val, &e); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping unreadable file transfer")
			continue
		}
		return &e, nil
	}
	return nil, iter.Error()
}

// Ack acknowledges every entry up to and including seq
func (q *Queue) Ack(seq uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := q.db.NewBatch()
	defer batch.Close()
	if err := q.ackLocked(batch, seq); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit ack: %w", err)
	}
	q.afterAck(seq)
	return nil
}

func (q *Queue) ackLocked(batch *pebble.Batch, seq uint64) error {
	if seq <= q.cursor {
		return nil
	}
	if err := batch.Set([]byte(keyCursor), uintBytes(seq), nil); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}
	return nil
}

func (q *Queue) afterAck(seq uint64) {
	if seq <= q.cursor {
		return
	}
	q.cursor = seq
	if seq&cleanupIntervalMask == 0 && q.cleanupRunning.CompareAndSwap(false, true) {
		q.cleanupWg.Add(1)
		go q.cleanupAsync(seq)
	}
}

// Requeue acknowledges e and appends it again at the tail with one more
// attempt recorded, so a failing transfer does not block the ones behind it
func (q *Queue) Requeue(e Entry, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := q.db.NewBatch()
	defer batch.Close()

	if err := q.ackLocked(batch, e.Seq); err != nil {
		return err
	}
	e.Attempts++
	if cause != nil {
		e.LastError = cause.Error()
	}
	if err := q.appendLocked(batch, []Entry{e}); err != nil {
		return err
	}
	q.afterAck(e.Seq)
	return nil
}

// Pending is the number of unacknowledged entries
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.lastSeq - q.cursor)
}

// cleanup deletes acknowledged entries
func (q *Queue) cleanup(upTo uint64) {
	if q.closed.Load() {
		return
	}
	if err := q.db.DeleteRange([]byte(prefixEntry), entryKey(upTo+1), pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("cursor", upTo).Msg("Failed to clean up file queue")
		return
	}
	log.Debug().Uint64("cursor", upTo).Msg("Cleaned up file queue")
}

func (q *Queue) cleanupAsync(upTo uint64) {
	defer q.cleanupWg.Done()
	defer q.cleanupRunning.Store(false)
	q.cleanup(upTo)
}

// Close waits for background cleanup and closes Pebble
func (q *Queue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("file queue already closed")
	}
	q.cleanupWg.Wait()
	return q.db.Close()
}
