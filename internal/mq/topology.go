package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Topology owns the broker-side layout: the requests stream with its consumer
// group, the shared responses stream, the retry set and the dead-letter
// stream, all under one namespace. It is also the transport the client and
// the worker publish through.
type Topology struct {
	rdb   *redis.Client
	ns    string
	group string
}

func NewTopology(rdb *redis.Client, namespace, group string) *Topology {
	return &Topology{rdb: rdb, ns: namespace, group: group}
}

func (t *Topology) RequestsStream() string   { return t.ns + ":requests" }
func (t *Topology) ResponsesStream() string  { return t.ns + ":responses" }
func (t *Topology) RetrySet() string         { return t.ns + ":requests:retry" }
func (t *Topology) DeadLetterStream() string { return t.ns + ":requests:dlq" }
func (t *Topology) GroupName() string        { return t.group }

// ReplyChannel names the Pub/Sub channel a caller listens on for responses.
func (t *Topology) ReplyChannel(id string) string { return t.ns + ":reply:" + id }

// Declare creates the streams and the consumer group. Safe to call from every
// process on every start; an already-declared group is a no-op, anything else
// is surfaced to the caller.
func (t *Topology) Declare(ctx context.Context) error {
	for _, stream := range []string{t.RequestsStream(), t.ResponsesStream(), t.DeadLetterStream()} {
		err := t.rdb.XGroupCreateMkStream(ctx, stream, t.group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("declare %s: %w", stream, err)
		}
	}
	return nil
}

// BUSYGROUP means the group already exists, which is exactly what an
// idempotent declaration wants.
func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// PublishRequest appends a delivery to the requests stream.
func (t *Topology) PublishRequest(ctx context.Context, d Delivery) error {
	return t.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: t.RequestsStream(),
		Values: d.values(),
	}).Err()
}

// Respond publishes resp to the caller's reply destination, or to the shared
// responses stream when the request carried none.
func (t *Topology) Respond(ctx context.Context, d Delivery, resp Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	if d.ReplyTo != "" {
		return t.rdb.Publish(ctx, d.ReplyTo, body).Err()
	}
	return t.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: t.ResponsesStream(),
		Values: map[string]any{fieldPayload: string(body), fieldCorrID: resp.CorrelationID},
	}).Err()
}

// ScheduleRetry parks a delivery in the retry set until readyAt. The member
// carries the body and all transport metadata, so the delay survives worker
// restarts and redelivers with the correlation id and reply destination
// intact.
func (t *Topology) ScheduleRetry(ctx context.Context, d Delivery, readyAt time.Time) error {
	member, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal retry entry: %w", err)
	}
	return t.rdb.ZAdd(ctx, t.RetrySet(), redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: string(member),
	}).Err()
}

// DeadLetter appends a record to the dead-letter stream.
func (t *Topology) DeadLetter(ctx context.Context, rec DeadLetterRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dead-letter record: %w", err)
	}
	return t.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: t.DeadLetterStream(),
		Values: map[string]any{fieldPayload: string(body)},
	}).Err()
}

// Ack acknowledges a requests-stream delivery.
func (t *Topology) Ack(ctx context.Context, streamID string) error {
	return t.rdb.XAck(ctx, t.RequestsStream(), t.group, streamID).Err()
}
