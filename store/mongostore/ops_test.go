package mongostore

import (
	"reflect"
	"testing"

	"go.mongodb.org/mongo-driver/bson"

	"quill/store"
)

func TestOpsToUpdate(t *testing.T) {
	update, err := opsToUpdate([]store.FieldOp{
		store.Set("unreadCounts.alice", int64(0)),
		store.Increment("unreadCounts.bob", 1),
		store.SetUnion("reactions.👍", "alice"),
		store.SetDifference("reactions.❤️", "bob"),
		store.DeleteField("lastMessage"),
	})
	if err != nil {
		t.Fatal(err)
	}
	want := bson.M{
		"$set":      bson.M{"unreadCounts.alice": int64(0)},
		"$inc":      bson.M{"unreadCounts.bob": int64(1)},
		"$addToSet": bson.M{"reactions.👍": "alice"},
		"$pull":     bson.M{"reactions.❤️": "bob"},
		"$unset":    bson.M{"lastMessage": ""},
	}
	if !reflect.DeepEqual(update, want) {
		t.Fatalf("update = %v, want %v", update, want)
	}
}

func TestOpsToUpdateMergesSameOperator(t *testing.T) {
	update, err := opsToUpdate([]store.FieldOp{
		store.Set("status", "read"),
		store.Set("edited", true),
	})
	if err != nil {
		t.Fatal(err)
	}
	set := update["$set"].(bson.M)
	if len(set) != 2 {
		t.Fatalf("$set = %v, want two fields", set)
	}
}

func TestOpsToUpdateRejectsEmpty(t *testing.T) {
	if _, err := opsToUpdate(nil); err == nil {
		t.Fatal("expected error for empty op list")
	}
}

func TestQueryFilter(t *testing.T) {
	filter := queryFilter(store.Query{
		Eq:       map[string]interface{}{"chatid": "c1"},
		Contains: map[string]interface{}{"participants": "alice"},
	})
	want := bson.M{"chatid": "c1", "participants": "alice"}
	if !reflect.DeepEqual(filter, want) {
		t.Fatalf("filter = %v, want %v", filter, want)
	}
}
