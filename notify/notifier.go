package notify

import (
	"sync"
	"sync/atomic"
)

// defaultSignalBufferSize is the buffer size for changelog signal channels.
// Subscribers that can't keep up will have signals dropped (non-blocking send).
const defaultSignalBufferSize = 16

// Signal announces that the changelog grew up to Cursor with writes to Tables.
type Signal struct {
	Cursor uint64
	Tables []string
}

// Filter narrows a subscription to the tables it names. Empty means all tables.
type Filter struct {
	Tables []string
}

type subscription struct {
	id     uint64
	filter Filter
	ch     chan Signal
	closed atomic.Bool
}

func (s *subscription) matches(tables []string) bool {
	if len(s.filter.Tables) == 0 || len(tables) == 0 {
		return true
	}

	for _, want := range s.filter.Tables {
		for _, got := range tables {
			if want == got {
				return true
			}
		}
	}
	return false
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub fans out commit notifications to changelog consumers.
// Thread-safe; a nil *Hub drops every signal.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates a new changelog notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal sends a signal to all matching subscribers (non-blocking).
func (h *Hub) Signal(cursor uint64, tables []string) {
	if h == nil {
		return
	}

	signal := Signal{
		Cursor: cursor,
		Tables: tables,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(tables) {
			continue
		}

		select {
		case sub.ch <- signal:
		default:
			// Buffer full, the subscriber will catch up from its cursor
		}
	}
}

// Subscribe creates a new subscription and returns the signal channel and cancel function.
// Signals are dropped when the buffer is full. The cancel function is idempotent.
func (h *Hub) Subscribe(filter Filter) (<-chan Signal, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Signal, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
