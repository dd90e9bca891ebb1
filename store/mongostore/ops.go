package mongostore

import (
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"quill/store"
)

// opsToUpdate translates field operations into a mongo update document.
// Each kind maps to the server-evaluated operator with the same semantics,
// so concurrent writers compose instead of clobbering each other.
func opsToUpdate(ops []store.FieldOp) (bson.M, error) {
	update := bson.M{}
	bucket := func(op string) bson.M {
		m, ok := update[op].(bson.M)
		if !ok {
			m = bson.M{}
			update[op] = m
		}
		return m
	}
	for _, op := range ops {
		switch op.Kind {
		case store.OpSet:
			bucket("$set")[op.Field] = op.Value
		case store.OpIncrement:
			bucket("$inc")[op.Field] = op.Value
		case store.OpSetUnion:
			bucket("$addToSet")[op.Field] = op.Value
		case store.OpSetDifference:
			bucket("$pull")[op.Field] = op.Value
		case store.OpDeleteField:
			bucket("$unset")[op.Field] = ""
		default:
			return nil, errors.Errorf("mongostore: unknown op kind %d", op.Kind)
		}
	}
	if len(update) == 0 {
		return nil, errors.New("mongostore: empty op list")
	}
	return update, nil
}

// queryFilter builds the find filter. Array membership needs no operator,
// equality against an array field already matches elements.
func queryFilter(q store.Query) bson.M {
	filter := bson.M{}
	for f, v := range q.Eq {
		filter[f] = v
	}
	for f, v := range q.Contains {
		filter[f] = v
	}
	return filter
}
