package docstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// MemoryStore is an in-process Store with real optimistic concurrency:
// every document has a revision, a commit validates the revisions of its
// read set, and conflicting bodies are re-run under the retry policy.
// Documents are kept BSON-encoded so callers never share memory with it.
type MemoryStore struct {
	mu    sync.RWMutex
	docs  map[Key]*memDoc
	rev   uint64
	retry RetryPolicy

	clockMu sync.Mutex
	clock   func() time.Time
	last    time.Time
}

type memDoc struct {
	raw bson.Raw
	rev uint64
}

type MemoryOption func(*MemoryStore)

// WithClock replaces the wall clock.
func WithClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.clock = clock }
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) MemoryOption {
	return func(s *MemoryStore) { s.retry = p }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		docs:  make(map[Key]*memDoc),
		retry: DefaultRetryPolicy(),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns a strictly increasing millisecond timestamp, which is the
// resolution BSON dates keep.
func (s *MemoryStore) Now() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	t := s.clock().UTC().Truncate(time.Millisecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Millisecond)
	}
	s.last = t
	return t
}

func (s *MemoryStore) Get(_ context.Context, key Key) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, _ := s.read(key)
	return snap, nil
}

func (s *MemoryStore) read(key Key) (*Snapshot, uint64) {
	d, ok := s.docs[key]
	if !ok {
		return &Snapshot{Key: key}, 0
	}
	raw := make(bson.Raw, len(d.raw))
	copy(raw, d.raw)
	return &Snapshot{Key: key, exists: true, raw: raw}, d.rev
}

func (s *MemoryStore) RunTransaction(ctx context.Context, fn TxFunc) error {
	return runWithRetry(ctx, s.retry, func(ctx context.Context) error {
		tx := &memTx{store: s, reads: make(map[Key]uint64), now: s.Now()}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return s.commit(tx)
	})
}

// Len reports the number of documents in a collection.
func (s *MemoryStore) Len(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.docs {
		if k.Collection == collection {
			n++
		}
	}
	return n
}

func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, rev := range tx.reads {
		var current uint64
		if d, ok := s.docs[key]; ok {
			current = d.rev
		}
		if current != rev {
			return fmt.Errorf("%w: %s", ErrConflict, key)
		}
	}

	// Stage every write first so a failing Update leaves nothing applied.
	staged := make(map[Key]*memDoc)
	lookup := func(key Key) (*memDoc, bool) {
		if d, ok := staged[key]; ok {
			return d, d != nil
		}
		d, ok := s.docs[key]
		return d, ok
	}

	for _, w := range tx.writes {
		switch w.kind {
		case writeSet:
			raw, err := bson.Marshal(w.doc)
			if err != nil {
				return fmt.Errorf("encode %s: %w", w.key, err)
			}
			staged[w.key] = &memDoc{raw: raw}
		case writeDelete:
			staged[w.key] = nil
		case writeUpdate, writeMerge:
			current, exists := lookup(w.key)
			if !exists && w.kind == writeUpdate {
				return fmt.Errorf("update %s: %w", w.key, ErrNotFound)
			}
			base := bson.M{}
			if exists {
				if err := bson.Unmarshal(current.raw, &base); err != nil {
					return fmt.Errorf("decode %s: %w", w.key, err)
				}
			}
			applyFields(base, w.fields, !exists)
			raw, err := bson.Marshal(base)
			if err != nil {
				return fmt.Errorf("encode %s: %w", w.key, err)
			}
			staged[w.key] = &memDoc{raw: raw}
		}
	}

	for key, d := range staged {
		if d == nil {
			delete(s.docs, key)
			continue
		}
		s.rev++
		d.rev = s.rev
		s.docs[key] = d
	}
	return nil
}

func applyFields(base bson.M, fields Fields, created bool) {
	for name, v := range fields {
		switch op := v.(type) {
		case increment:
			base[name] = addInt(base[name], op.n)
		case onCreate:
			if created {
				base[name] = op.v
			}
		default:
			base[name] = v
		}
	}
}

func addInt(current any, n int64) int64 {
	switch x := current.(type) {
	case int32:
		return int64(x) + n
	case int64:
		return x + n
	case int:
		return int64(x) + n
	case float64:
		return int64(x) + n
	}
	return n
}

func (s *MemoryStore) Query(_ context.Context, q Query) (*Page, error) {
	type row struct {
		key Key
		m   bson.M
		raw bson.Raw
	}

	s.mu.RLock()
	var rows []row
	for key, d := range s.docs {
		if key.Collection != q.Collection || (q.Owner != "" && key.Owner != q.Owner) {
			continue
		}
		var m bson.M
		if err := bson.Unmarshal(d.raw, &m); err != nil {
			s.mu.RUnlock()
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		matched := true
		for _, f := range q.Filters {
			if !matchFilter(m, f) {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		raw := make(bson.Raw, len(d.raw))
		copy(raw, d.raw)
		rows = append(rows, row{key: key, m: m, raw: raw})
	}
	s.mu.RUnlock()

	values := func(m bson.M) []any {
		out := make([]any, len(q.OrderBy))
		for i, o := range q.OrderBy {
			out[i] = m[o.Field]
		}
		return out
	}
	sort.Slice(rows, func(i, j int) bool {
		return compareRows(q.OrderBy, rows[i].m, rows[i].key, values(rows[j].m), rows[j].key) < 0
	})

	if q.After != nil {
		after := Key{Collection: q.Collection, Owner: q.After.Owner, ID: q.After.ID}
		start := sort.Search(len(rows), func(i int) bool {
			return compareRows(q.OrderBy, rows[i].m, rows[i].key, q.After.Values, after) > 0
		})
		rows = rows[start:]
	}

	page := &Page{}
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
		last := rows[len(rows)-1]
		page.Next = cursorFor(last.key, last.m, q.OrderBy)
	}
	for _, r := range rows {
		page.Docs = append(page.Docs, &Snapshot{Key: r.key, exists: true, raw: r.raw})
	}
	return page, nil
}

type memTx struct {
	store  *MemoryStore
	reads  map[Key]uint64
	writes []write
	now    time.Time
}

func (t *memTx) Get(_ context.Context, key Key) (*Snapshot, error) {
	if len(t.writes) > 0 {
		return nil, ErrReadAfterWrite
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	snap, rev := t.store.read(key)
	if prev, seen := t.reads[key]; seen && prev != rev {
		// A second read of the same key observed a newer revision; keep the
		// first one so the commit detects the change.
		return snap, nil
	}
	t.reads[key] = rev
	return snap, nil
}

func (t *memTx) Set(key Key, doc any) error {
	t.writes = append(t.writes, write{kind: writeSet, key: key, doc: doc})
	return nil
}

func (t *memTx) Update(key Key, fields Fields) error {
	t.writes = append(t.writes, write{kind: writeUpdate, key: key, fields: fields})
	return nil
}

func (t *memTx) Merge(key Key, fields Fields) error {
	t.writes = append(t.writes, write{kind: writeMerge, key: key, fields: fields})
	return nil
}

func (t *memTx) Delete(key Key) error {
	t.writes = append(t.writes, write{kind: writeDelete, key: key})
	return nil
}

func (t *memTx) Now() time.Time {
	return t.now
}
