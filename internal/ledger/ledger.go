// Package ledger persists the at-most-once execution record: one immutable
// response per request id, created on the first terminal outcome and replayed
// verbatim on every later delivery of that id.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"taskmq/internal/mq"
)

// redisAPI is the slice of the Redis client the ledger needs.
type redisAPI interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Record is the persisted shape. Retention is an external concern; nothing
// here deletes records.
type Record struct {
	ID        string      `json:"id"`
	CreatedAt time.Time   `json:"created_at"`
	Response  mq.Response `json:"response"`
}

type Ledger struct {
	rdb     redisAPI
	prefix  string
	nowFunc func() time.Time
}

func New(rdb redisAPI, namespace string) *Ledger {
	return &Ledger{
		rdb:     rdb,
		prefix:  namespace + ":processed:",
		nowFunc: time.Now,
	}
}

// Lookup returns the recorded response for id, if one exists.
func (l *Ledger) Lookup(ctx context.Context, id string) (mq.Response, bool, error) {
	raw, err := l.rdb.Get(ctx, l.prefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return mq.Response{}, false, nil
	}
	if err != nil {
		return mq.Response{}, false, fmt.Errorf("ledger get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return mq.Response{}, false, fmt.Errorf("ledger record %s: %w", id, err)
	}
	return rec.Response, true, nil
}

// Record stores resp under id. First writer wins: a duplicate record after a
// crash-restart race leaves the original untouched and returns nil.
func (l *Ledger) Record(ctx context.Context, id string, resp mq.Response) error {
	rec := Record{ID: id, CreatedAt: l.nowFunc().UTC(), Response: resp}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ledger record: %w", err)
	}
	if err := l.rdb.SetNX(ctx, l.prefix+id, body, 0).Err(); err != nil {
		return fmt.Errorf("ledger setnx: %w", err)
	}
	return nil
}
