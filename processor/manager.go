package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/maxpert/sitesync/store"
	"github.com/rs/zerolog/log"
)

// Manager owns the lifecycle of every processor runner
type Manager struct {
	db      *store.Store
	runners []*Runner
	running atomic.Bool
	mu      sync.Mutex
}

// NewManager creates an empty manager
func NewManager(db *store.Store) *Manager {
	return &Manager{db: db}
}

// Add registers a runner. Runners added while the manager runs start immediately.
func (m *Manager) Add(r *Runner) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.runners {
		if existing.Name() == r.Name() {
			return fmt.Errorf("duplicate processor: %s", r.Name())
		}
	}
	m.runners = append(m.runners, r)

	if m.running.Load() {
		r.Start()
	}
	return nil
}

// Start starts all runners
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running.Swap(true) {
		return
	}

	log.Info().Int("processors", len(m.runners)).Msg("Starting changelog processors")
	for _, r := range m.runners {
		r.Start()
	}
}

// Stop stops all runners
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running.Swap(false) {
		return
	}

	for _, r := range m.runners {
		r.Stop()
	}
	log.Info().Msg("Changelog processors stopped")
}

// Catchup runs every processor over the changelog on the calling goroutine
func (m *Manager) Catchup(ctx context.Context) error {
	m.mu.Lock()
	runners := append([]*Runner(nil), m.runners...)
	m.mu.Unlock()

	for _, r := range runners {
		if err := r.Catchup(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Positions returns the cursor of every processor
func (m *Manager) Positions() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]uint64, len(m.runners))
	for _, r := range m.runners {
		out[r.Name()] = r.Position()
	}
	return out
}

// Lags returns how many changelog entries each processor has yet to look at
func (m *Manager) Lags() map[string]uint64 {
	latest, err := m.db.LatestCursor(context.Background())
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read latest changelog cursor")
		return nil
	}

	// Changelog cursors start at 1
	out := m.Positions()
	for name, pos := range out {
		next := max(pos, 1)
		if latest >= next {
			out[name] = latest - next + 1
		} else {
			out[name] = 0
		}
	}
	return out
}
