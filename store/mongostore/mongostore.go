// Package mongostore backs the store interface with MongoDB. Change
// delivery does not depend on replica-set change streams: every writer
// publishes a NATS notice per touched collection and each subscription
// requeries on notice, coalescing bursts. That keeps the push contract
// (full result set per delivery) on a standalone mongod.
package mongostore

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"quill/logger"
	"quill/mq"
	"quill/store"
)

const (
	subjectPrefix  = "quill.store."
	coalesceWindow = 50 * time.Millisecond
	requeryTimeout = 10 * time.Second
)

type Store struct {
	db  *mongo.Database
	bus *mq.Conn
}

// New wires a database handle to the notification bus. bus may be nil, in
// which case subscriptions deliver the initial set only.
func New(db *mongo.Database, bus *mq.Conn) *Store {
	return &Store{db: db, bus: bus}
}

// Dial connects and pings mongo, returning the client for shutdown and the
// named database handle.
func Dial(ctx context.Context, uri, dbName string) (*mongo.Client, *mongo.Database, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, errors.Wrap(err, "connect mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, nil, errors.Wrap(err, "ping mongo")
	}
	return client, client.Database(dbName), nil
}

func (s *Store) subject(collection string) string {
	return subjectPrefix + collection
}

func (s *Store) publish(ctx context.Context, collection string) {
	s.bus.Emit(ctx, s.subject(collection), store.Doc{"collection": collection})
}

func (s *Store) Write(ctx context.Context, collection, id string, doc interface{}, serverTimeFields ...string) error {
	d, err := store.ToDoc(doc)
	if err != nil {
		return err
	}
	delete(d, "_id")
	now := time.Now().UnixMilli()
	for _, f := range serverTimeFields {
		d[f] = now
	}
	_, err = s.db.Collection(collection).ReplaceOne(ctx,
		bson.M{"_id": id}, d, options.Replace().SetUpsert(true))
	if err != nil {
		return errors.Wrapf(err, "write %s/%s", collection, id)
	}
	s.publish(ctx, collection)
	return nil
}

func (s *Store) AtomicUpdate(ctx context.Context, collection, id string, ops []store.FieldOp) error {
	update, err := opsToUpdate(ops)
	if err != nil {
		return err
	}
	// No upsert: updates address existing documents, so one racing a
	// delete is a no-op instead of resurrecting a fragment of the doc.
	_, err = s.db.Collection(collection).UpdateByID(ctx, id, update)
	if err != nil {
		return errors.Wrapf(err, "update %s/%s", collection, id)
	}
	s.publish(ctx, collection)
	return nil
}

func (s *Store) UpdateBatch(ctx context.Context, writes []store.BatchWrite) error {
	grouped := map[string][]mongo.WriteModel{}
	for _, w := range writes {
		if w.Delete {
			grouped[w.Collection] = append(grouped[w.Collection],
				mongo.NewDeleteOneModel().SetFilter(bson.M{"_id": w.ID}))
			continue
		}
		update, err := opsToUpdate(w.Ops)
		if err != nil {
			return err
		}
		grouped[w.Collection] = append(grouped[w.Collection],
			mongo.NewUpdateOneModel().
				SetFilter(bson.M{"_id": w.ID}).
				SetUpdate(update))
	}
	for collection, models := range grouped {
		if _, err := s.db.Collection(collection).BulkWrite(ctx, models); err != nil {
			return errors.Wrapf(err, "bulk write %s", collection)
		}
		s.publish(ctx, collection)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return errors.Wrapf(err, "delete %s/%s", collection, id)
	}
	s.publish(ctx, collection)
	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (store.Snapshot, bool, error) {
	var d store.Doc
	err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return store.Snapshot{}, false, nil
	}
	if err != nil {
		return store.Snapshot{}, false, errors.Wrapf(err, "get %s/%s", collection, id)
	}
	delete(d, "_id")
	return store.Snapshot{ID: id, Data: d}, true, nil
}

func (s *Store) Find(ctx context.Context, q store.Query) ([]store.Snapshot, error) {
	opts := options.Find()
	if q.OrderBy != "" {
		dir := 1
		if q.Desc {
			dir = -1
		}
		opts.SetSort(bson.D{{Key: q.OrderBy, Value: dir}, {Key: "_id", Value: 1}})
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cur, err := s.db.Collection(q.Collection).Find(ctx, queryFilter(q), opts)
	if err != nil {
		return nil, errors.Wrapf(err, "find %s", q.Collection)
	}
	defer cur.Close(ctx)

	var out []store.Snapshot
	for cur.Next(ctx) {
		var d store.Doc
		if err := cur.Decode(&d); err != nil {
			return nil, errors.Wrap(err, "decode result")
		}
		id, _ := d["_id"].(string)
		delete(d, "_id")
		out = append(out, store.Snapshot{ID: id, Data: d})
	}
	return out, errors.Wrap(cur.Err(), "cursor")
}

func (s *Store) Subscribe(ctx context.Context, q store.Query) (store.Subscription, error) {
	sub := &subscription{
		st:   s,
		q:    q,
		ch:   make(chan []store.Snapshot, 8),
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	initial, err := s.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	sub.deliver(initial)

	if s.bus != nil {
		cancel, err := s.bus.Subscribe(s.subject(q.Collection), func([]byte) {
			select {
			case sub.kick <- struct{}{}:
			default:
			}
		})
		if err != nil {
			return nil, err
		}
		sub.cancel = cancel
		go sub.loop()
	} else {
		logger.Warnf("mongostore: no bus, subscription on %s is static", q.Collection)
	}

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				sub.Close()
			case <-sub.done:
			}
		}()
	}
	return sub, nil
}

type subscription struct {
	st     *Store
	q      store.Query
	ch     chan []store.Snapshot
	kick   chan struct{}
	done   chan struct{}
	cancel func()
	closed sync.Once

	// sendMu serializes sends on ch against Close's close(ch), so a
	// requery landing during teardown cannot send on a closed channel.
	sendMu sync.Mutex
}

func (s *subscription) Updates() <-chan []store.Snapshot { return s.ch }

// loop turns notification bursts into one requery per coalescing window.
func (s *subscription) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.kick:
		}
		timer := time.NewTimer(coalesceWindow)
		select {
		case <-s.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), requeryTimeout)
		snaps, err := s.st.Find(ctx, s.q)
		cancel()
		if err != nil {
			logger.Errorf("mongostore: requery %s: %v", s.q.Collection, err)
			continue
		}
		s.deliver(snaps)
	}
}

// deliver keeps the freshest result set when the consumer lags.
func (s *subscription) deliver(snaps []store.Snapshot) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
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
		// done first: an in-flight deliver holding sendMu bails out
		// before sending, then the channel can be closed safely. It must
		// still be closed so range-based consumers unblock.
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
		s.sendMu.Lock()
		close(s.ch)
		s.sendMu.Unlock()
	})
}
