package docstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the in-process Store implementation. It backs dev mode and
// is the test double for everything built on the contract.
//
// Subscription wakeups are coalesced per watcher (capacity-1 notify channel):
// a pump that is busy emitting picks up at most one pending wakeup and then
// recomputes the full result set, which preserves the "every emission is the
// current full page" contract without queuing stale snapshots.
type MemoryStore struct {
	clock ServerTime

	mu       sync.Mutex
	closed   bool
	cols     map[string]map[string]map[string]any
	watchers map[*memWatcher]struct{}
}

type memWatcher struct {
	collection string
	docID      string // empty for query watchers
	notify     chan struct{}
}

// NewMemoryStore constructs an empty in-memory store. A nil clock means
// time.Now; tests inject a deterministic one.
func NewMemoryStore(clock ServerTime) *MemoryStore {
	return &MemoryStore{
		clock:    clock,
		cols:     make(map[string]map[string]map[string]any),
		watchers: make(map[*memWatcher]struct{}),
	}
}

// Close shuts the store down and wakes all pumps so they terminate.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for w := range s.watchers {
		wake(w.notify)
	}
	return nil
}

// Get reads one document.
func (s *MemoryStore) Get(ctx context.Context, ref Ref) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Snapshot{}, ErrClosed
	}

	doc, ok := s.cols[ref.Collection][ref.ID]
	if !ok {
		return Snapshot{}, fmt.Errorf("get %s: %w", ref.Path(), ErrNotFound)
	}
	return Snapshot{Ref: ref, Exists: true, Fields: copyFields(doc)}, nil
}

// GetAll runs a one-shot query.
func (s *MemoryStore) GetAll(ctx context.Context, q Query) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.runQuery(q), nil
}

// Batch applies all operations atomically: every OpUpdate target is checked
// for existence before any write is applied, so a failing batch leaves no
// partial state behind.
func (s *MemoryStore) Batch(ctx context.Context, ops []Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	for _, op := range ops {
		if op.Ref.Collection == "" || op.Ref.ID == "" {
			s.mu.Unlock()
			return fmt.Errorf("batch: empty ref in %v op", op.Kind)
		}
		if op.Kind == OpUpdate {
			if _, ok := s.cols[op.Ref.Collection][op.Ref.ID]; !ok {
				s.mu.Unlock()
				return fmt.Errorf("update %s: %w", op.Ref.Path(), ErrNotFound)
			}
		}
	}

	now := s.clock.now()
	touched := make(map[string]map[string]struct{})
	mark := func(ref Ref) {
		ids := touched[ref.Collection]
		if ids == nil {
			ids = make(map[string]struct{})
			touched[ref.Collection] = ids
		}
		ids[ref.ID] = struct{}{}
	}

	for _, op := range ops {
		switch op.Kind {
		case OpSet:
			s.applySet(op, now)
		case OpUpdate:
			s.applyMutate(op.Ref, op.Fields, now)
		case OpDelete:
			delete(s.cols[op.Ref.Collection], op.Ref.ID)
		}
		mark(op.Ref)
	}

	var woken []*memWatcher
	for w := range s.watchers {
		ids, ok := touched[w.collection]
		if !ok {
			continue
		}
		if w.docID != "" {
			if _, ok := ids[w.docID]; !ok {
				continue
			}
		}
		woken = append(woken, w)
	}
	s.mu.Unlock()

	for _, w := range woken {
		wake(w.notify)
	}
	return nil
}

func (s *MemoryStore) applySet(op Op, now time.Time) {
	col := s.cols[op.Ref.Collection]
	if col == nil {
		col = make(map[string]map[string]any)
		s.cols[op.Ref.Collection] = col
	}

	if !op.Merge {
		// Replace, but resolve sentinels against the previous revision so
		// Increment keeps its read-free atomicity.
		prev := col[op.Ref.ID]
		next := make(map[string]any, len(op.Fields))
		for k, v := range op.Fields {
			if rv, keep := resolveValue(v, prev[k], now); keep {
				next[k] = rv
			}
		}
		col[op.Ref.ID] = next
		return
	}
	s.applyMutate(op.Ref, op.Fields, now)
}

func (s *MemoryStore) applyMutate(ref Ref, fields map[string]any, now time.Time) {
	col := s.cols[ref.Collection]
	if col == nil {
		col = make(map[string]map[string]any)
		s.cols[ref.Collection] = col
	}
	doc := col[ref.ID]
	if doc == nil {
		doc = make(map[string]any)
		col[ref.ID] = doc
	}
	mutateFields(doc, fields, now)
}

// mutateFields folds fields into doc, resolving sentinels. Keys may use one
// level of dotted nesting ("lastMessage.status") the way Firestore update
// paths do; that is all the chat core needs.
func mutateFields(doc, fields map[string]any, now time.Time) {
	for k, v := range fields {
		parent, key := doc, k
		if i := strings.IndexByte(k, '.'); i >= 0 {
			head, rest := k[:i], k[i+1:]
			child, _ := doc[head].(map[string]any)
			if child == nil {
				child = make(map[string]any)
				doc[head] = child
			}
			parent, key = child, rest
		}
		if rv, keep := resolveValue(v, parent[key], now); keep {
			parent[key] = rv
		} else {
			delete(parent, key)
		}
	}
}

// resolveValue resolves write-time sentinels. keep=false means the field
// must be removed (FieldDelete).
func resolveValue(v, prev any, now time.Time) (resolved any, keep bool) {
	switch sv := v.(type) {
	case serverTimestampSentinel:
		return now, true
	case fieldDeleteSentinel:
		return nil, false
	case incrementSentinel:
		cur, _ := coerceInt64(prev)
		return cur + sv.n, true
	case map[string]any:
		return copyFields(sv), true
	default:
		return v, true
	}
}

// Subscribe opens a live query feed.
func (s *MemoryStore) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	w := &memWatcher{collection: q.Collection, notify: make(chan struct{}, 1)}
	sub := s.addWatcher(w)
	if sub == nil {
		return nil, ErrClosed
	}

	go func() {
		defer sub.finish(nil)
		for {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			snaps := s.runQuery(q)
			s.mu.Unlock()

			if !sub.deliver(snaps) {
				return
			}
			select {
			case <-ctx.Done():
				sub.Unsubscribe()
				return
			case <-sub.stopped():
				return
			case <-w.notify:
			}
		}
	}()
	return sub, nil
}

// SubscribeDoc opens a live single-document feed.
func (s *MemoryStore) SubscribeDoc(ctx context.Context, ref Ref) (*DocSubscription, error) {
	w := &memWatcher{collection: ref.Collection, docID: ref.ID, notify: make(chan struct{}, 1)}
	sub := s.addDocWatcher(w)
	if sub == nil {
		return nil, ErrClosed
	}

	go func() {
		defer sub.finish(nil)
		for {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			snap := Snapshot{Ref: ref}
			if doc, ok := s.cols[ref.Collection][ref.ID]; ok {
				snap.Exists = true
				snap.Fields = copyFields(doc)
			}
			s.mu.Unlock()

			if !sub.deliver(snap) {
				return
			}
			select {
			case <-ctx.Done():
				sub.Unsubscribe()
				return
			case <-sub.stopped():
				return
			case <-w.notify:
			}
		}
	}()
	return sub, nil
}

func (s *MemoryStore) addWatcher(w *memWatcher) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.watchers[w] = struct{}{}
	return newSub[[]Snapshot](1, func() { s.dropWatcher(w) })
}

func (s *MemoryStore) addDocWatcher(w *memWatcher) *DocSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.watchers[w] = struct{}{}
	return newSub[Snapshot](1, func() { s.dropWatcher(w) })
}

func (s *MemoryStore) dropWatcher(w *memWatcher) {
	s.mu.Lock()
	delete(s.watchers, w)
	s.mu.Unlock()
	wake(w.notify)
}

// runQuery evaluates a query. Caller holds s.mu.
func (s *MemoryStore) runQuery(q Query) []Snapshot {
	var out []Snapshot
	for id, doc := range s.cols[q.Collection] {
		if !matchesAll(doc, q.Filters) {
			continue
		}
		out = append(out, Snapshot{
			Ref:    Ref{Collection: q.Collection, ID: id},
			Exists: true,
			Fields: copyFields(doc),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return snapLess(out[i], out[j], q.OrderBy, q.Desc)
	})

	if q.StartAfter != nil && q.OrderBy != "" {
		cut := 0
		for cut < len(out) {
			c := compareField(out[cut].Fields[q.OrderBy], q.StartAfter)
			if (!q.Desc && c > 0) || (q.Desc && c < 0) {
				break
			}
			cut++
		}
		out = out[cut:]
	}

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func snapLess(a, b Snapshot, orderBy string, desc bool) bool {
	if orderBy != "" {
		if c := compareField(a.Fields[orderBy], b.Fields[orderBy]); c != 0 {
			if desc {
				return c > 0
			}
			return c < 0
		}
	}
	return a.Ref.ID < b.Ref.ID
}

func matchesAll(doc map[string]any, filters []Filter) bool {
	for _, f := range filters {
		v, present := doc[f.Field]
		switch f.Op {
		case FilterEqual:
			if !present || !fieldEqual(v, f.Value) {
				return false
			}
		case FilterNotEqual:
			// Missing fields never match inequality filters.
			if !present || fieldEqual(v, f.Value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func validateQuery(q Query) error {
	if q.Collection == "" {
		return fmt.Errorf("%w: empty collection", ErrInvalidQuery)
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidQuery)
	}
	for _, f := range q.Filters {
		if f.Field == "" {
			return fmt.Errorf("%w: empty filter field", ErrInvalidQuery)
		}
		if f.Op != FilterEqual && f.Op != FilterNotEqual {
			return fmt.Errorf("%w: unsupported filter op %q", ErrInvalidQuery, f.Op)
		}
	}
	if q.StartAfter != nil && q.OrderBy == "" {
		return fmt.Errorf("%w: cursor without order", ErrInvalidQuery)
	}
	return nil
}

func copyFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if m, ok := v.(map[string]any); ok {
			out[k] = copyFields(m)
			continue
		}
		out[k] = v
	}
	return out
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
