package translator

import (
	"container/heap"
	"context"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/sitesync/common"
	"github.com/maxpert/sitesync/store"
	"github.com/rs/zerolog/log"
)

const pushCacheSize = 256

// noTranslator caches a negative push lookup
const noTranslator = -1

// Registry dispatches records to the translator claiming their table and
// holds the dependency order of all external tables.
type Registry struct {
	translators []Translator
	byTable     map[string]Translator
	ranks       map[string]int
	order       []string

	// internal table -> index into translators, filled on first sight.
	// Push lookup scans every translator once per internal table, O(tables),
	// which is fine for the few dozen tables a site carries.
	pushCache *lru.Cache[string, int]
}

// NewRegistry validates and indexes the translators. It fails on a table
// claimed twice or a dependency cycle. Dependencies on unregistered tables
// are logged and ignored.
func NewRegistry(translators ...Translator) (*Registry, error) {
	r := &Registry{
		translators: translators,
		byTable:     make(map[string]Translator, len(translators)),
	}

	for _, t := range translators {
		name := t.TableName()
		if name == "" {
			return nil, &common.ConfigError{Field: "translator", Reason: "translator claims an empty table name"}
		}
		if _, dup := r.byTable[name]; dup {
			return nil, &common.ConfigError{Field: "translator", Reason: fmt.Sprintf("table %q claimed by more than one translator", name)}
		}
		r.byTable[name] = t
	}

	order, err := r.topoSort()
	if err != nil {
		return nil, err
	}
	r.order = order
	r.ranks = make(map[string]int, len(order))
	for i, name := range order {
		r.ranks[name] = i
	}

	cache, err := lru.New[string, int](pushCacheSize)
	if err != nil {
		return nil, err
	}
	r.pushCache = cache

	return r, nil
}

// topoSort orders tables so every table follows its dependencies, breaking
// ties by name so the order is stable across restarts.
func (r *Registry) topoSort() ([]string, error) {
	indegree := make(map[string]int, len(r.byTable))
	dependents := make(map[string][]string, len(r.byTable))

	for name := range r.byTable {
		indegree[name] = 0
	}

	for name, t := range r.byTable {
		seen := make(map[string]bool)
		for _, dep := range t.Dependencies() {
			if dep == name || seen[dep] {
				continue
			}
			seen[dep] = true
			if _, ok := r.byTable[dep]; !ok {
				log.Warn().Str("table", name).Str("dependency", dep).Msg("Ignoring dependency on table without translator")
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	ready := &nameHeap{}
	for name, d := range indegree {
		if d == 0 {
			heap.Push(ready, name)
		}
	}

	order := make([]string, 0, len(indegree))
	for ready.Len() > 0 {
		name := heap.Pop(ready).(string)
		order = append(order, name)
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				heap.Push(ready, dep)
			}
		}
	}

	if len(order) != len(indegree) {
		var stuck []string
		for name, d := range indegree {
			if d > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, &common.ConfigError{Field: "translator", Reason: fmt.Sprintf("dependency cycle among tables %v", stuck)}
	}
	return order, nil
}

// Tables returns external table names in dependency order
func (r *Registry) Tables() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Ranks returns the dependency rank of each external table. Lower ranks are
// integrated first.
func (r *Registry) Ranks() map[string]int {
	out := make(map[string]int, len(r.ranks))
	for k, v := range r.ranks {
		out[k] = v
	}
	return out
}

// Rank returns the dependency rank of table
func (r *Registry) Rank(table string) (int, bool) {
	rank, ok := r.ranks[table]
	return rank, ok
}

// Translators returns the translators in registration order
func (r *Registry) Translators() []Translator {
	return r.translators
}

// FromExternal translates an inbound record. It returns ErrNoTranslator when
// no translator claims the record's table.
func (r *Registry) FromExternal(rec ExternalRecord) ([]store.Op, error) {
	t, ok := r.byTable[rec.TableName]
	if !ok {
		return nil, ErrNoTranslator
	}

	ops, ok, err := t.TryFromExternal(rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoTranslator
	}
	return ops, nil
}

// ToExternal translates a local changelog entry for push. It returns
// ErrNoTranslator when no translator produces the entry's table, and a nil
// record when the owning translator has nothing to send.
func (r *Registry) ToExternal(ctx context.Context, reader store.Reader, entry store.ChangelogEntry) (*ExternalRecord, error) {
	if idx, ok := r.pushCache.Get(entry.TableName); ok {
		if idx == noTranslator {
			return nil, ErrNoTranslator
		}
		out, owned, err := r.translators[idx].TryToExternal(ctx, reader, entry)
		if err != nil || owned {
			return out, err
		}
		// Cached owner declined, fall back to a fresh scan
		r.pushCache.Remove(entry.TableName)
	}

	for idx, t := range r.translators {
		out, owned, err := t.TryToExternal(ctx, reader, entry)
		if err != nil {
			r.pushCache.Add(entry.TableName, idx)
			return nil, err
		}
		if owned {
			r.pushCache.Add(entry.TableName, idx)
			return out, nil
		}
	}

	r.pushCache.Add(entry.TableName, noTranslator)
	return nil, ErrNoTranslator
}

type nameHeap []string

func (h nameHeap) Len() int           { return len(h) }
func (h nameHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h nameHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *nameHeap) Push(x any)        { *h = append(*h, x.(string)) }
func (h *nameHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
