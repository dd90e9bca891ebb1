// Package reactions toggles emoji reactions on messages. The decision to
// add or remove comes from the snapshot the user acted on; the write is
// always a server-evaluated set union or set difference on the one emoji's
// member list, so two users toggling concurrently both land.
package reactions

import (
	"context"

	"quill/models"
	"quill/store"
)

type Reactions struct {
	st   store.Client
	self string
}

func New(st store.Client, selfID string) *Reactions {
	return &Reactions{st: st, self: selfID}
}

// Toggle flips the local user's membership in msg's reaction set for emoji.
// msg is the message as currently observed; staleness only means the toggle
// lands as a no-op union or difference.
func (r *Reactions) Toggle(ctx context.Context, msg models.Message, emoji string) error {
	field := "reactions." + emoji
	if contains(msg.Reactions[emoji], r.self) {
		return r.st.AtomicUpdate(ctx, models.CollMessages, msg.ID, []store.FieldOp{
			store.SetDifference(field, r.self),
		})
	}
	return r.st.AtomicUpdate(ctx, models.CollMessages, msg.ID, []store.FieldOp{
		store.SetUnion(field, r.self),
	})
}

func contains(users []string, id string) bool {
	for _, u := range users {
		if u == id {
			return true
		}
	}
	return false
}
