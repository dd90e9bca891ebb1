package rdx

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	presenceTTL = 60 * time.Second
	sendKeyTTL  = 2 * time.Minute
)

type CachedPresence struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"lastSeen"`
}

// Client wraps redis for the small ephemeral state the bridge keeps hot:
// presence snapshots and send-idempotency keys.
type Client struct {
	rc *redis.Client
}

func NewClient(addr string) *Client {
	return &Client{rc: redis.NewClient(&redis.Options{Addr: addr})}
}

func (c *Client) SetPresence(ctx context.Context, userID string, online bool, lastSeen int64) error {
	data, err := json.Marshal(CachedPresence{Online: online, LastSeen: lastSeen})
	if err != nil {
		return err
	}
	return c.rc.Set(ctx, "presence:"+userID, data, presenceTTL).Err()
}

func (c *Client) GetPresence(ctx context.Context, userID string) (CachedPresence, bool, error) {
	var p CachedPresence
	data, err := c.rc.Get(ctx, "presence:"+userID).Bytes()
	if err == redis.Nil {
		return p, false, nil
	}
	if err != nil {
		return p, false, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, false, err
	}
	return p, true, nil
}

// ReserveSend marks a client message id as in flight. Returns false when the
// id was already reserved, so retried frames do not double-send.
func (c *Client) ReserveSend(ctx context.Context, clientID string) (bool, error) {
	return c.rc.SetNX(ctx, "send:"+clientID, 1, sendKeyTTL).Result()
}

func (c *Client) Close() error {
	return c.rc.Close()
}
