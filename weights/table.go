// Package weights holds the pretrained weight table a graph is compiled against.
//
// The compiler never probes the table: it first records every weight the graph needs in a
// Manifest, validates the whole manifest against the Table, and only then builds the real
// graph, claiming each path through Source.Require.
package weights

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Source is what block builders need from a weight store: a claim on a path with the
// element count the layer's shape implies.
type Source interface {
	Require(key Key, count int) error
}

// Entry is one flat weight buffer and its declared element count.
type Entry struct {
	Values []float32
	Count  int
}

// Table maps dotted weight paths to buffers. It is read-only during compilation; claims
// are tracked so that Release can report paths no layer used.
type Table struct {
	mu       sync.Mutex
	entries  map[string]Entry
	claimed  map[string]bool
	released bool
}

// NewTable builds a table from raw buffers; each declared count is the buffer length.
func NewTable(buffers map[string][]float32) *Table {
	t := &Table{
		entries: make(map[string]Entry, len(buffers)),
		claimed: map[string]bool{},
	}
	for path, values := range buffers {
		t.entries[path] = Entry{Values: values, Count: len(values)}
	}
	return t
}

// Put adds or replaces an entry with an explicit declared count.
func (t *Table) Put(path string, values []float32, count int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[path] = Entry{Values: values, Count: count}
}

// Len is the number of entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Paths returns every path in sorted order.
func (t *Table) Paths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	paths := make([]string, 0, len(t.entries))
	for p := range t.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (t *Table) check(key Key, count int) error {
	path := key.Path()
	entry, ok := t.entries[path]
	if !ok {
		return &WeightContractError{Path: path, Want: count, Got: Missing}
	}
	if entry.Count != count || len(entry.Values) != count {
		got := entry.Count
		if got == count {
			got = len(entry.Values)
		}
		return &WeightContractError{Path: path, Want: count, Got: got}
	}
	return nil
}

// Require claims key. Repeated claims of the same path are references to one shared
// buffer (the distribution decode weights are used by every scale).
func (t *Table) Require(key Key, count int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return fmt.Errorf("weight table already released, cannot claim %s", key)
	}
	if err := t.check(key, count); err != nil {
		return err
	}
	t.claimed[key.Path()] = true
	return nil
}

// Validate checks every requirement of m up front and joins all contract violations.
func (t *Table) Validate(m *Manifest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for _, req := range m.Requirements() {
		if err := t.check(req.Key, req.Count); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Values returns the buffer of a claimed path.
func (t *Table) Values(key Key) ([]float32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return nil, fmt.Errorf("weight table already released, cannot read %s", key)
	}
	path := key.Path()
	if !t.claimed[path] {
		return nil, fmt.Errorf("weight %s was never claimed by the graph", path)
	}
	return t.entries[path].Values, nil
}

// Unclaimed lists the paths no layer required, sorted.
func (t *Table) Unclaimed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for p := range t.entries {
		if !t.claimed[p] {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Release drops every buffer and returns the paths that were never claimed.
func (t *Table) Release() []string {
	unclaimed := t.Unclaimed()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = map[string]Entry{}
	t.claimed = map[string]bool{}
	t.released = true
	return unclaimed
}

// Requirement is one weight the graph needs.
type Requirement struct {
	Key   Key
	Count int
}

// Manifest records requirements instead of checking them. Building a graph against a
// Manifest yields the exact required set for a configuration.
type Manifest struct {
	order []Requirement
	index map[string]int
	errs  []error
}

func NewManifest() *Manifest {
	return &Manifest{index: map[string]int{}}
}

// Require records key. A path required twice with different counts is a contract error.
func (m *Manifest) Require(key Key, count int) error {
	path := key.Path()
	if i, ok := m.index[path]; ok {
		if m.order[i].Count != count {
			err := &WeightContractError{Path: path, Want: m.order[i].Count, Got: count}
			m.errs = append(m.errs, err)
			return err
		}
		return nil
	}
	m.index[path] = len(m.order)
	m.order = append(m.order, Requirement{Key: key, Count: count})
	return nil
}

// Requirements in first-use order.
func (m *Manifest) Requirements() []Requirement {
	out := make([]Requirement, len(m.order))
	copy(out, m.order)
	return out
}

// Len is the number of distinct paths.
func (m *Manifest) Len() int { return len(m.order) }

// Err joins every conflicting requirement recorded so far.
func (m *Manifest) Err() error { return errors.Join(m.errs...) }

// TotalElements is the sum of all required element counts.
func (m *Manifest) TotalElements() int {
	total := 0
	for _, r := range m.order {
		total += r.Count
	}
	return total
}

// Synthesize builds a table that satisfies m, filling values with fill(key, i). Used to
// produce placeholder weight files and in tests.
func Synthesize(m *Manifest, fill func(key Key, i int) float32) *Table {
	buffers := make(map[string][]float32, m.Len())
	for _, req := range m.order {
		values := make([]float32, req.Count)
		if fill != nil {
			for i := range values {
				values[i] = fill(req.Key, i)
			}
		}
		buffers[req.Key.Path()] = values
	}
	return NewTable(buffers)
}
