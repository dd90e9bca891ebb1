// Package memstore is an in-process store backend. It keeps whole
// collections in maps and re-delivers the full result set of every live
// subscription after each mutation, which matches the snapshot semantics
// the sync core is written against. Used by tests and offline runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"quill/store"
)

type Store struct {
	mu      sync.Mutex
	data    map[string]map[string]store.Doc // collection -> id -> doc
	subs    map[int]*subscription
	nextSub int
	clock   func() time.Time
}

func New() *Store {
	return &Store{
		data:  make(map[string]map[string]store.Doc),
		subs:  make(map[int]*subscription),
		clock: time.Now,
	}
}

func (s *Store) coll(name string) map[string]store.Doc {
	c, ok := s.data[name]
	if !ok {
		c = make(map[string]store.Doc)
		s.data[name] = c
	}
	return c
}

func (s *Store) Write(ctx context.Context, collection, id string, doc interface{}, serverTimeFields ...string) error {
	d, err := store.ToDoc(doc)
	if err != nil {
		return err
	}
	now := s.clock().UnixMilli()
	for _, f := range serverTimeFields {
		setPath(d, f, now)
	}
	s.mu.Lock()
	s.coll(collection)[id] = d
	s.notify(collection)
	s.mu.Unlock()
	return nil
}

func (s *Store) AtomicUpdate(ctx context.Context, collection, id string, ops []store.FieldOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.applyOps(collection, id, ops); err != nil {
		return err
	}
	s.notify(collection)
	return nil
}

func (s *Store) UpdateBatch(ctx context.Context, writes []store.BatchWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	touched := map[string]bool{}
	for _, w := range writes {
		if w.Delete {
			delete(s.coll(w.Collection), w.ID)
		} else if err := s.applyOps(w.Collection, w.ID, w.Ops); err != nil {
			return err
		}
		touched[w.Collection] = true
	}
	for c := range touched {
		s.notify(c)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	delete(s.coll(collection), id)
	s.notify(collection)
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (store.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.coll(collection)[id]
	if !ok {
		return store.Snapshot{}, false, nil
	}
	return store.Snapshot{ID: id, Data: copyDoc(d)}, true, nil
}

func (s *Store) Find(ctx context.Context, q store.Query) ([]store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evaluate(q), nil
}

func (s *Store) Subscribe(ctx context.Context, q store.Query) (store.Subscription, error) {
	sub := &subscription{
		store: s,
		q:     q,
		ch:    make(chan []store.Snapshot, 32),
	}
	s.mu.Lock()
	sub.id = s.nextSub
	s.nextSub++
	s.subs[sub.id] = sub
	sub.deliver(s.evaluate(q))
	s.mu.Unlock()

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			sub.Close()
		}()
	}
	return sub, nil
}

// applyOps addresses existing documents only: an update racing a delete is
// a no-op, never a partial resurrection. Matches the mongo backend.
func (s *Store) applyOps(collection, id string, ops []store.FieldOp) error {
	c := s.coll(collection)
	d, ok := c[id]
	if !ok {
		return nil
	}
	for _, op := range ops {
		switch op.Kind {
		case store.OpSet:
			v, err := normalize(op.Value)
			if err != nil {
				return err
			}
			setPath(d, op.Field, v)
		case store.OpIncrement:
			cur, _ := getPath(d, op.Field)
			setPath(d, op.Field, toInt64(cur)+toInt64(op.Value))
		case store.OpSetUnion:
			v, err := normalize(op.Value)
			if err != nil {
				return err
			}
			cur, _ := getPath(d, op.Field)
			arr := asSlice(cur)
			if !sliceContains(arr, v) {
				arr = append(arr, v)
			}
			setPath(d, op.Field, arr)
		case store.OpSetDifference:
			v, err := normalize(op.Value)
			if err != nil {
				return err
			}
			cur, ok := getPath(d, op.Field)
			if !ok {
				continue
			}
			arr := asSlice(cur)
			out := arr[:0]
			for _, e := range arr {
				if !valueEqual(e, v) {
					out = append(out, e)
				}
			}
			setPath(d, op.Field, out)
		case store.OpDeleteField:
			deletePath(d, op.Field)
		default:
			return errors.Errorf("memstore: unknown op kind %d", op.Kind)
		}
	}
	return nil
}

func (s *Store) evaluate(q store.Query) []store.Snapshot {
	var out []store.Snapshot
	for id, d := range s.coll(q.Collection) {
		if matches(q, id, d) {
			out = append(out, store.Snapshot{ID: id, Data: copyDoc(d)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if q.OrderBy != "" {
			a, _ := getPath(out[i].Data, q.OrderBy)
			b, _ := getPath(out[j].Data, q.OrderBy)
			if cmp := compareValues(a, b); cmp != 0 {
				if q.Desc {
					return cmp > 0
				}
				return cmp < 0
			}
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// notify re-evaluates every subscription on the touched collection.
// Called with s.mu held; deliveries never block.
func (s *Store) notify(collection string) {
	for _, sub := range s.subs {
		if sub.q.Collection == collection {
			sub.deliver(s.evaluate(sub.q))
		}
	}
}

func matches(q store.Query, id string, d store.Doc) bool {
	for f, want := range q.Eq {
		if f == "_id" {
			if s, ok := want.(string); !ok || s != id {
				return false
			}
			continue
		}
		got, ok := getPath(d, f)
		if !ok || !valueEqual(got, want) {
			return false
		}
	}
	for f, want := range q.Contains {
		got, ok := getPath(d, f)
		if !ok || !sliceContains(asSlice(got), want) {
			return false
		}
	}
	return true
}

type subscription struct {
	store  *Store
	q      store.Query
	id     int
	ch     chan []store.Snapshot
	closed sync.Once
}

func (s *subscription) Updates() <-chan []store.Snapshot { return s.ch }

// deliver pushes the latest result set, displacing the oldest undelivered
// one when the consumer lags; only the freshest snapshot matters.
func (s *subscription) deliver(snaps []store.Snapshot) {
	select {
	case s.ch <- snaps:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- snaps:
	default:
	}
}

func (s *subscription) Close() {
	s.closed.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subs, s.id)
		s.store.mu.Unlock()
		close(s.ch)
	})
}

// ---- document plumbing ----

func copyDoc(d store.Doc) store.Doc {
	raw, err := bson.Marshal(d)
	if err != nil {
		return d
	}
	var c store.Doc
	if err := bson.Unmarshal(raw, &c); err != nil {
		return d
	}
	return c
}

// normalize round-trips a value through bson so structs and typed maps end
// up in the same shape a decoded document would have.
func normalize(v interface{}) (interface{}, error) {
	raw, err := bson.Marshal(bson.M{"v": v})
	if err != nil {
		return nil, errors.Wrap(err, "memstore: encode value")
	}
	var wrap map[string]interface{}
	if err := bson.Unmarshal(raw, &wrap); err != nil {
		return nil, errors.Wrap(err, "memstore: decode value")
	}
	return wrap["v"], nil
}

func getPath(d store.Doc, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = map[string]interface{}(d)
	for _, p := range parts {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(d store.Doc, path string, v interface{}) {
	parts := strings.Split(path, ".")
	m := map[string]interface{}(d)
	for _, p := range parts[:len(parts)-1] {
		next, ok := asMap(m[p])
		if !ok {
			next = map[string]interface{}{}
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}

func deletePath(d store.Doc, path string) {
	parts := strings.Split(path, ".")
	m := map[string]interface{}(d)
	for _, p := range parts[:len(parts)-1] {
		next, ok := asMap(m[p])
		if !ok {
			return
		}
		m = next
	}
	delete(m, parts[len(parts)-1])
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case bson.M:
		return m, true
	case store.Doc:
		return m, true
	}
	return nil, false
}

func asSlice(v interface{}) []interface{} {
	switch a := v.(type) {
	case []interface{}:
		return a
	case bson.A:
		return a
	}
	return nil
}

func sliceContains(arr []interface{}, v interface{}) bool {
	for _, e := range arr {
		if valueEqual(e, v) {
			return true
		}
	}
	return false
}

func valueEqual(a, b interface{}) bool {
	if na, aok := asNumber(a); aok {
		nb, bok := asNumber(b)
		return bok && na == nb
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareValues(a, b interface{}) int {
	if na, aok := asNumber(a); aok {
		nb, _ := asNumber(b)
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
