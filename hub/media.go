package hub

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"quill/utils"
)

// uiMedia implements the call engine's media interface by relaying opaque
// session descriptors between the engine and the attached UI. The UI owns
// the actual media pipeline; it supplies the descriptor in the same frame
// that triggers the call operation, so acquisition failure on the UI side
// shows up here as a missing descriptor and aborts before any write.
type uiMedia struct {
	hub *Hub

	mu     sync.Mutex
	offer  string
	answer string
}

func (m *uiMedia) supplyOffer(offer string) {
	m.mu.Lock()
	m.offer = offer
	m.mu.Unlock()
}

func (m *uiMedia) supplyAnswer(answer string) {
	m.mu.Lock()
	m.answer = answer
	m.mu.Unlock()
}

func (m *uiMedia) Offer(ctx context.Context, kind string) (string, error) {
	m.mu.Lock()
	offer := m.offer
	m.offer = ""
	m.mu.Unlock()
	if offer == "" {
		return "", errors.New("no offer descriptor from UI")
	}
	return offer, nil
}

func (m *uiMedia) Answer(ctx context.Context, offer string) (string, error) {
	m.mu.Lock()
	answer := m.answer
	m.answer = ""
	m.mu.Unlock()
	if answer == "" {
		return "", errors.New("no answer descriptor from UI")
	}
	return answer, nil
}

func (m *uiMedia) Finalize(answer string) error {
	m.hub.broadcast(utils.M{"type": "call.answer", "answer": answer})
	return nil
}

func (m *uiMedia) Release() {
	m.hub.broadcast(utils.M{"type": "call.release"})
}
