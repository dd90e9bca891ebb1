// Package store defines the capability interface this client core requires
// from the remote document store: plain writes, server-evaluated atomic
// field operations, one-shot queries, push subscriptions and deletes.
// Everything above this boundary is backend-agnostic; see memstore and
// mongostore for the two provided backends.
package store

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// Doc is a decoded document body.
type Doc map[string]interface{}

// Snapshot is one document in a delivered result set.
type Snapshot struct {
	ID   string
	Data Doc
}

// Decode unmarshals the snapshot body into a tagged struct.
func (s Snapshot) Decode(out interface{}) error {
	raw, err := bson.Marshal(s.Data)
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}
	return errors.Wrap(bson.Unmarshal(raw, out), "decode snapshot")
}

// ToDoc converts a tagged struct into a Doc through its bson tags.
func ToDoc(v interface{}) (Doc, error) {
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode doc")
	}
	var d Doc
	if err := bson.Unmarshal(raw, &d); err != nil {
		return nil, errors.Wrap(err, "decode doc")
	}
	return d, nil
}

// Field operation kinds. These are evaluated inside the store so that
// concurrent writers never lose updates; client-side read-modify-write of
// shared counters and sets is forbidden at this boundary.
type OpKind int

const (
	OpSet OpKind = iota
	OpIncrement
	OpSetUnion
	OpSetDifference
	OpDeleteField
)

// FieldOp is a single atomic mutation of one (possibly dotted) field path.
type FieldOp struct {
	Kind  OpKind
	Field string
	Value interface{}
}

func Set(field string, v interface{}) FieldOp {
	return FieldOp{Kind: OpSet, Field: field, Value: v}
}

func Increment(field string, delta int64) FieldOp {
	return FieldOp{Kind: OpIncrement, Field: field, Value: delta}
}

func SetUnion(field string, v interface{}) FieldOp {
	return FieldOp{Kind: OpSetUnion, Field: field, Value: v}
}

func SetDifference(field string, v interface{}) FieldOp {
	return FieldOp{Kind: OpSetDifference, Field: field, Value: v}
}

func DeleteField(field string) FieldOp {
	return FieldOp{Kind: OpDeleteField, Field: field}
}

// Query selects documents of one collection. Eq matches scalar fields
// ("_id" addresses the document id), Contains matches array membership.
type Query struct {
	Collection string
	Eq         map[string]interface{}
	Contains   map[string]interface{}
	OrderBy    string
	Desc       bool
	Limit      int
}

// BatchWrite is one entry of an atomic multi-document batch. When Delete is
// set the document is removed and Ops is ignored.
type BatchWrite struct {
	Collection string
	ID         string
	Ops        []FieldOp
	Delete     bool
}

// Subscription delivers the full current result set of its query on every
// change, totally ordered for this subscriber. Updates is closed after Close.
type Subscription interface {
	Updates() <-chan []Snapshot
	Close()
}

// Client is the remote store capability surface.
//
// Write creates or overwrites a whole document; serverTimeFields names
// int64 millisecond fields the store stamps with its own clock at write
// time (the client's optimistic value is replaced).
//
// AtomicUpdate and UpdateBatch address existing documents only: updating a
// missing document is a no-op, never an insert, so an update racing a
// delete cannot resurrect a fragment of the document.
type Client interface {
	Write(ctx context.Context, collection, id string, doc interface{}, serverTimeFields ...string) error
	AtomicUpdate(ctx context.Context, collection, id string, ops []FieldOp) error
	UpdateBatch(ctx context.Context, writes []BatchWrite) error
	Delete(ctx context.Context, collection, id string) error
	Get(ctx context.Context, collection, id string) (Snapshot, bool, error)
	Find(ctx context.Context, q Query) ([]Snapshot, error)
	Subscribe(ctx context.Context, q Query) (Subscription, error)
}
