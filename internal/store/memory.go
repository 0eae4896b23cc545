package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory keeps collections in process. Watchers receive changes through an
// unbounded queue so a slow consumer never blocks writers.
type Memory struct {
	mu          sync.Mutex
	seq         uint64
	timers      uint64
	collections map[string]map[string]memDoc
	watchers    map[string]map[*memWatcher]struct{}
}

type memDoc struct {
	seq    uint64
	data   json.RawMessage
	expiry uint64 // id of the pending expiry timer, 0 when none
}

type memWatcher struct {
	filter  Filter
	mu      sync.Mutex
	pending []Change
	wake    chan struct{}
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]map[string]memDoc),
		watchers:    make(map[string]map[*memWatcher]struct{}),
	}
}

// Set upserts the document and notifies watchers. Any pending expiry is cleared.
func (m *Memory) Set(_ context.Context, collection, id string, doc any) error {
	if id == "" {
		return ErrEmptyID
	}
	data, err := encode(doc)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	docs, ok := m.collections[collection]
	if !ok {
		docs = make(map[string]memDoc)
		m.collections[collection] = docs
	}

	kind := ChangeModified
	existing, exists := docs[id]
	if !exists {
		m.seq++
		existing.seq = m.seq
		kind = ChangeAdded
	}
	existing.data = data
	existing.expiry = 0
	docs[id] = existing

	m.notify(collection, Change{Kind: kind, Doc: Document{ID: id, Data: data}})
	return nil
}

// Add stores doc under a fresh uuid.
func (m *Memory) Add(ctx context.Context, collection string, doc any) (string, error) {
	id := uuid.New().String()
	if err := m.Set(ctx, collection, id, doc); err != nil {
		return "", err
	}
	return id, nil
}

// Delete removes the document. Concurrent callers race on the mutex, so only
// one of them sees true.
func (m *Memory) Delete(_ context.Context, collection, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remove(collection, id), nil
}

// Expire schedules removal after ttl. A later Set or Expire supersedes it.
func (m *Memory) Expire(_ context.Context, collection, id string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.collections[collection][id]
	if !ok {
		return false, nil
	}
	m.timers++
	timer := m.timers
	existing.expiry = timer
	m.collections[collection][id] = existing

	time.AfterFunc(ttl, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if d, ok := m.collections[collection][id]; ok && d.expiry == timer {
			m.remove(collection, id)
		}
	})
	return true, nil
}

// remove must be called with m.mu held.
func (m *Memory) remove(collection, id string) bool {
	existing, ok := m.collections[collection][id]
	if !ok {
		return false
	}
	delete(m.collections[collection], id)

	m.notify(collection, Change{Kind: ChangeRemoved, Doc: Document{ID: id, Data: existing.data}})
	return true
}

// Query returns matching documents in insertion order.
func (m *Memory) Query(_ context.Context, collection string, filter Filter) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.query(collection, filter), nil
}

func (m *Memory) query(collection string, filter Filter) []Document {
	type entry struct {
		seq uint64
		doc Document
	}
	entries := make([]entry, 0, len(m.collections[collection]))
	for id, d := range m.collections[collection] {
		if filter.Match(d.data) {
			entries = append(entries, entry{seq: d.seq, doc: Document{ID: id, Data: d.data}})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	docs := make([]Document, len(entries))
	for i, e := range entries {
		docs[i] = e.doc
	}
	return docs
}

// Watch delivers the current snapshot and then every matching change.
func (m *Memory) Watch(ctx context.Context, collection string, filter Filter) (<-chan []Change, error) {
	w := &memWatcher{filter: filter, wake: make(chan struct{}, 1)}

	// Snapshot and registration happen atomically so no commit is missed
	m.mu.Lock()
	snapshot := m.query(collection, filter)
	if m.watchers[collection] == nil {
		m.watchers[collection] = make(map[*memWatcher]struct{})
	}
	m.watchers[collection][w] = struct{}{}
	m.mu.Unlock()

	first := make([]Change, len(snapshot))
	for i, doc := range snapshot {
		first[i] = Change{Kind: ChangeAdded, Doc: doc}
	}

	out := make(chan []Change)
	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.watchers[collection], w)
			m.mu.Unlock()
			close(out)
		}()

		select {
		case out <- first:
		case <-ctx.Done():
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.wake:
			}

			batch := w.take()
			if len(batch) == 0 {
				continue
			}
			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// notify must be called with m.mu held.
func (m *Memory) notify(collection string, change Change) {
	for w := range m.watchers[collection] {
		if !w.filter.Match(change.Doc.Data) {
			continue
		}
		w.mu.Lock()
		w.pending = append(w.pending, change)
		w.mu.Unlock()

		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

func (w *memWatcher) take() []Change {
	w.mu.Lock()
	defer w.mu.Unlock()
	batch := w.pending
	w.pending = nil
	return batch
}
