package mq

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"quill/logger"
)

// Conn is a thin wrapper over a NATS connection used for change
// notifications between store writers and subscribers.
type Conn struct {
	nc *nats.Conn
}

func Connect(url string) (*Conn, error) {
	nc, err := nats.Connect(url, nats.Name("quill"))
	if err != nil {
		return nil, errors.Wrap(err, "connect nats")
	}
	return &Conn{nc: nc}, nil
}

// Emit publishes payload as JSON on subject. Best-effort: failures are
// logged, not returned, since a missed notice only delays the next requery.
func (c *Conn) Emit(ctx context.Context, subject string, payload interface{}) {
	if c == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Errorf("mq: marshal %s: %v", subject, err)
		return
	}
	if err := c.nc.Publish(subject, data); err != nil {
		logger.Errorf("mq: publish %s: %v", subject, err)
	}
}

// Subscribe invokes fn for every message on subject until cancel is called.
func (c *Conn) Subscribe(subject string, fn func(data []byte)) (cancel func(), err error) {
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		fn(m.Data)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", subject)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (c *Conn) Close() {
	if c != nil && c.nc != nil {
		c.nc.Close()
	}
}
