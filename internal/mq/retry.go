package mq

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const retryPumpBatch = 16

// PumpDueRetries moves deliveries whose delay has elapsed from the retry set
// back into the requests stream. Returns how many were re-published. Two
// workers pumping concurrently may re-publish the same entry; the ledger
// absorbs that the same way it absorbs broker redelivery.
func (t *Topology) PumpDueRetries(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := t.rdb.ZRangeByScore(ctx, t.RetrySet(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: retryPumpBatch,
	}).Result()
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, raw := range members {
		var d Delivery
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			// Unreadable entry: drop it, it can never be redelivered.
			t.rdb.ZRem(ctx, t.RetrySet(), raw)
			continue
		}
		if err := t.PublishRequest(ctx, d); err != nil {
			return moved, err
		}
		if err := t.rdb.ZRem(ctx, t.RetrySet(), raw).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}
