package chatsync

import (
	"context"
	"sync"
	"time"

	"quill/logger"
	"quill/models"
	"quill/store"
)

// receiptWindow is how long observed unread peer messages accumulate
// before one batched read-receipt write goes out.
const receiptWindow = 250 * time.Millisecond

// receiptBatcher flips peer messages in the open conversation from sent to
// read. Flips are batched so a burst of deliveries costs one store write.
// A failed flush is dropped; the next snapshot re-observes the same
// messages and retries naturally.
type receiptBatcher struct {
	st     store.Client
	self   string
	window time.Duration

	mu      sync.Mutex
	pending map[string]bool
	timer   *time.Timer
}

func newReceiptBatcher(st store.Client, selfID string) *receiptBatcher {
	return &receiptBatcher{
		st:      st,
		self:    selfID,
		window:  receiptWindow,
		pending: make(map[string]bool),
	}
}

func (b *receiptBatcher) observe(msgs []models.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	added := false
	for _, m := range msgs {
		if m.ID == "" || m.SenderID == b.self || m.Status == models.StatusRead {
			continue
		}
		if !b.pending[m.ID] {
			b.pending[m.ID] = true
			added = true
		}
	}
	if added && b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.flush)
	}
}

func (b *receiptBatcher) flush() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.pending = make(map[string]bool)
	b.timer = nil
	b.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	writes := make([]store.BatchWrite, len(ids))
	for i, id := range ids {
		writes[i] = store.BatchWrite{
			Collection: models.CollMessages,
			ID:         id,
			Ops:        []store.FieldOp{store.Set("status", models.StatusRead)},
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.st.UpdateBatch(ctx, writes); err != nil {
		logger.Warnf("chatsync: read receipts for %d messages: %v", len(ids), err)
	}
}
