package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	gateway "github.com/eugener/heimdall/internal"
)

// Memory is the in-process document store. A single RWMutex guards every
// read and mutation; no method calls another locked method, so the lock is
// never taken twice on one goroutine.
type Memory struct {
	mu          sync.RWMutex
	collections map[string][]Document

	watchMu  sync.Mutex
	watchers map[string][]chan Event

	snap *snapshotter // nil when persistence is disabled
}

// NewMemory creates an empty in-process store. When dumpPath is non-empty,
// Dump/Restore persist an encrypted snapshot derived from passphrase.
func NewMemory(dumpPath, passphrase string) (*Memory, error) {
	m := &Memory{
		collections: make(map[string][]Document),
		watchers:    make(map[string][]chan Event),
	}
	if dumpPath != "" {
		snap, err := newSnapshotter(dumpPath, passphrase)
		if err != nil {
			return nil, err
		}
		m.snap = snap
	}
	return m, nil
}

// copyValue deep-copies a document value so callers never alias store state.
func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = copyValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = copyValue(vv)
		}
		return out
	case []byte:
		return slices.Clone(t)
	default:
		return v
	}
}

func copyDoc(doc Document) Document {
	return copyValue(doc).(Document)
}

// FindOne returns the first matching document, or gateway.ErrNotFound.
func (m *Memory) FindOne(_ context.Context, collection string, filter Filter) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, doc := range m.collections[collection] {
		if matches(doc, filter) {
			return copyDoc(doc), nil
		}
	}
	return nil, gateway.ErrNotFound
}

// Find returns all matching documents with optional sort/skip/limit.
func (m *Memory) Find(_ context.Context, collection string, filter Filter, opts *FindOptions) ([]Document, error) {
	m.mu.RLock()
	var out []Document
	for _, doc := range m.collections[collection] {
		if matches(doc, filter) {
			out = append(out, copyDoc(doc))
		}
	}
	m.mu.RUnlock()

	if opts == nil {
		return out, nil
	}
	if opts.Sort != "" {
		path, desc := opts.Sort, false
		if strings.HasPrefix(path, "-") {
			path, desc = path[1:], true
		}
		slices.SortStableFunc(out, func(a, b Document) int {
			c := compareValues(valueAt(a, path), valueAt(b, path))
			if desc {
				return -c
			}
			return c
		})
	}
	if opts.Skip > 0 {
		if opts.Skip >= len(out) {
			return nil, nil
		}
		out = out[opts.Skip:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

func valueAt(doc Document, path string) any {
	v, _ := pathGet(doc, path)
	return v
}

func compareValues(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// InsertOne appends a document to the collection.
func (m *Memory) InsertOne(_ context.Context, collection string, doc Document) error {
	stored := copyDoc(doc)
	m.mu.Lock()
	m.collections[collection] = append(m.collections[collection], stored)
	m.mu.Unlock()

	m.notify(Event{Type: EventInsert, Collection: collection, Document: copyDoc(stored)})
	return nil
}

// UpdateOne applies the update to the first matching document under the
// write lock, making filter-guarded updates (CAS) atomic.
func (m *Memory) UpdateOne(_ context.Context, collection string, filter Filter, update Update) error {
	m.mu.Lock()
	var updated Document
	for _, doc := range m.collections[collection] {
		if matches(doc, filter) {
			if err := ApplyUpdate(doc, update); err != nil {
				m.mu.Unlock()
				return err
			}
			updated = copyDoc(doc)
			break
		}
	}
	m.mu.Unlock()

	if updated == nil {
		return gateway.ErrNotFound
	}
	m.notify(Event{Type: EventUpdate, Collection: collection, Document: updated})
	return nil
}

// DeleteOne removes the first matching document.
func (m *Memory) DeleteOne(_ context.Context, collection string, filter Filter) error {
	m.mu.Lock()
	var deleted Document
	docs := m.collections[collection]
	for i, doc := range docs {
		if matches(doc, filter) {
			deleted = doc
			m.collections[collection] = slices.Delete(docs, i, i+1)
			break
		}
	}
	m.mu.Unlock()

	if deleted == nil {
		return gateway.ErrNotFound
	}
	m.notify(Event{Type: EventDelete, Collection: collection, Document: copyDoc(deleted)})
	return nil
}

// Count returns the number of matching documents.
func (m *Memory) Count(_ context.Context, collection string, filter Filter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, doc := range m.collections[collection] {
		if matches(doc, filter) {
			n++
		}
	}
	return n, nil
}

// Watch emits change events for a collection until ctx is cancelled.
// Slow consumers drop events rather than blocking writers.
func (m *Memory) Watch(ctx context.Context, collection string) (<-chan Event, error) {
	ch := make(chan Event, 64)
	m.watchMu.Lock()
	m.watchers[collection] = append(m.watchers[collection], ch)
	m.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		m.watchMu.Lock()
		chans := m.watchers[collection]
		for i, c := range chans {
			if c == ch {
				m.watchers[collection] = slices.Delete(chans, i, i+1)
				break
			}
		}
		m.watchMu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (m *Memory) notify(ev Event) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	for _, ch := range m.watchers[ev.Collection] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Dump writes the encrypted snapshot, when persistence is configured.
func (m *Memory) Dump() error {
	if m.snap == nil {
		return nil
	}
	m.mu.RLock()
	state := copyValue(toAnyMap(m.collections)).(map[string]any)
	m.mu.RUnlock()
	return m.snap.dump(state)
}

// Restore loads the encrypted snapshot if one exists.
func (m *Memory) Restore() error {
	if m.snap == nil {
		return nil
	}
	state, err := m.snap.restore()
	if err != nil || state == nil {
		return err
	}
	m.mu.Lock()
	m.collections = fromAnyMap(state)
	m.mu.Unlock()
	return nil
}

// Close flushes the snapshot when persistence is configured.
func (m *Memory) Close() error { return m.Dump() }

// gob cannot encode map[string][]Document through an interface without the
// concrete shape; the snapshot uses map[string]any throughout.
func toAnyMap(c map[string][]Document) map[string]any {
	out := make(map[string]any, len(c))
	for coll, docs := range c {
		arr := make([]any, len(docs))
		for i, d := range docs {
			arr[i] = d
		}
		out[coll] = arr
	}
	return out
}

func fromAnyMap(state map[string]any) map[string][]Document {
	out := make(map[string][]Document, len(state))
	for coll, v := range state {
		arr, _ := v.([]any)
		docs := make([]Document, 0, len(arr))
		for _, d := range arr {
			if doc, ok := d.(map[string]any); ok {
				docs = append(docs, doc)
			}
		}
		out[coll] = docs
	}
	return out
}
