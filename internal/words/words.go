// Package words keeps the per-pattern word-hit tables pushed by the REGEX
// authority. Tables are selected by name through an explicit registry; an
// unknown name is an error, never undefined behavior.
package words

import (
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/SDGBots/scp-079-long/internal/metrics"
	"github.com/SDGBots/scp-079-long/internal/storage"
	"github.com/rs/zerolog"
)

// ErrUnknownTable reports a lookup for a table name not configured at startup.
var ErrUnknownTable = errors.New("unknown word table")

// Table is one word → hit-counter mapping. All access is under the table
// mutex: a reconciliation is atomic with respect to matchers, and matchers
// mutate counters.
type Table struct {
	name  string
	store storage.Store
	log   zerolog.Logger

	mu     sync.Mutex
	counts map[string]int64
	res    map[string]*regexp.Regexp
}

// Registry maps table names to handles, populated once at startup.
type Registry struct {
	store  storage.Store
	tables map[string]*Table
}

// NewRegistry loads (or initializes) one table per configured name.
func NewRegistry(store storage.Store, names []string, log zerolog.Logger) (*Registry, error) {
	r := &Registry{store: store, tables: make(map[string]*Table, len(names))}
	for _, name := range names {
		t := &Table{
			name:   name,
			store:  store,
			log:    log.With().Str("table", name).Logger(),
			counts: make(map[string]int64),
			res:    make(map[string]*regexp.Regexp),
		}
		err := store.Load(t.storeName(), &t.counts)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			if err := store.Save(t.storeName(), t.counts); err != nil {
				return nil, fmt.Errorf("init table %s: %w", name, err)
			}
		case err != nil:
			return nil, fmt.Errorf("load table %s: %w", name, err)
		}
		if t.counts == nil {
			t.counts = make(map[string]int64)
		}
		for word := range t.counts {
			t.compile(word)
		}
		metrics.WordTableSize.WithLabelValues(name).Set(float64(len(t.counts)))
		r.tables[name] = t
	}
	return r, nil
}

// Get returns the named table.
func (r *Registry) Get(name string) (*Table, error) {
	t, ok := r.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return t, nil
}

// Names lists the configured tables.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	return names
}

func (t *Table) storeName() string {
	return t.name + "_words"
}

// compile caches the word's pattern; invalid patterns stay in the table but
// never match. Called with t.mu held (or during single-threaded init).
func (t *Table) compile(word string) {
	re, err := regexp.Compile(word)
	if err != nil {
		t.log.Warn().Str("word", word).Err(err).Msg("invalid pattern, will never match")
		return
	}
	t.res[word] = re
}

// Reconcile replaces the table's word set with the pushed authoritative list.
// Words in both keep their accumulated counts; words only in the push start at
// zero; words absent from the push are dropped regardless of prior count. The
// whole swap happens under the table lock, so no reader observes a
// half-reconciled table.
func (t *Table) Reconcile(pushed []string) {
	pushedSet := make(map[string]bool, len(pushed))
	for _, w := range pushed {
		pushedSet[w] = true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	removed, added := 0, 0
	for word := range t.counts {
		if !pushedSet[word] {
			delete(t.counts, word)
			delete(t.res, word)
			removed++
		}
	}
	for word := range pushedSet {
		if _, ok := t.counts[word]; !ok {
			t.counts[word] = 0
			t.compile(word)
			added++
		}
	}

	if err := t.store.Save(t.storeName(), t.counts); err != nil {
		t.log.Error().Err(err).Msg("word table snapshot failed")
	}
	metrics.WordReconciles.WithLabelValues(t.name).Inc()
	metrics.WordTableSize.WithLabelValues(t.name).Set(float64(len(t.counts)))
	t.log.Info().Int("added", added).Int("removed", removed).
		Int("size", len(t.counts)).Msg("word table reconciled")
}

// Match reports whether any word pattern matches text, bumping the hit
// counter of the first match.
func (t *Table) Match(text string) bool {
	if text == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for word, re := range t.res {
		if re.MatchString(text) {
			t.counts[word]++
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the table contents.
func (t *Table) Snapshot() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.counts))
	for w, c := range t.counts {
		out[w] = c
	}
	return out
}

// Len returns the number of words in the table.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}
