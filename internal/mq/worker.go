package mq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// transport is the slice of the Topology the classifier publishes through.
// Narrowed to an interface so the classifier is testable without a broker.
type transport interface {
	Respond(ctx context.Context, d Delivery, resp Response) error
	ScheduleRetry(ctx context.Context, d Delivery, readyAt time.Time) error
	DeadLetter(ctx context.Context, rec DeadLetterRecord) error
	Ack(ctx context.Context, streamID string) error
}

// ResponseLedger is the persisted at-most-once record of terminal responses,
// keyed by request id.
type ResponseLedger interface {
	// Lookup returns the recorded response for id, if any.
	Lookup(ctx context.Context, id string) (Response, bool, error)
	// Record stores resp for id with insert-if-absent semantics: a duplicate
	// record must neither fail nor overwrite the first.
	Record(ctx context.Context, id string, resp Response) error
}

// RequestDispatcher turns a decoded request into an Outcome.
type RequestDispatcher interface {
	Dispatch(ctx context.Context, req Request) Outcome
}

// Worker is the consuming side: one message at a time (prefetch = 1),
// ledger check, dispatch, failure classification, acknowledge — in that
// order, on every path. Horizontal scaling is more worker processes on the
// same group, not more goroutines here.
type Worker struct {
	rdb    *redis.Client
	top    *Topology
	bus    transport
	ledger ResponseLedger
	disp   RequestDispatcher
	logger *zap.Logger

	consumer    string
	maxRetries  int
	retryDelay  time.Duration
	retryPoll   time.Duration
	pollBlock   time.Duration
	reclaimIdle time.Duration
}

func NewWorker(rdb *redis.Client, top *Topology, led ResponseLedger, disp RequestDispatcher, opts ...WorkerOption) *Worker {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	w := &Worker{
		rdb:        rdb,
		top:        top,
		bus:        top,
		ledger:     led,
		disp:       disp,
		logger:     zap.NewNop(),
		consumer:    fmt.Sprintf("%s-%d", host, os.Getpid()),
		maxRetries:  3,
		retryDelay:  5 * time.Second,
		retryPoll:   500 * time.Millisecond,
		pollBlock:   2 * time.Second,
		reclaimIdle: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes the requests stream until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	go w.runRetryPump(ctx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.top.GroupName(),
			Consumer: w.consumer,
			Streams:  []string{w.top.RequestsStream(), ">"},
			Count:    1,
			Block:    w.pollBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ctx.Err()
		}
		if err != nil {
			w.logger.Warn("read requests stream", zap.Error(err))
			time.Sleep(150 * time.Millisecond)
			continue
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				w.process(ctx, deliveryFromMessage(msg))
			}
		}
	}
}

func (w *Worker) runRetryPump(ctx context.Context) {
	ticker := time.NewTicker(w.retryPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			moved, err := w.top.PumpDueRetries(ctx)
			if err != nil && ctx.Err() == nil {
				w.logger.Warn("retry pump", zap.Error(err))
			}
			if moved > 0 {
				w.logger.Info("re-published retries", zap.Int("count", moved))
			}
			w.reclaimAbandoned(ctx)
		}
	}
}

// reclaimAbandoned takes over deliveries a crashed worker read but never
// acknowledged. Without it an entry in a dead consumer's pending list would
// stall forever; the ledger absorbs the duplicate execution this can cause.
func (w *Worker) reclaimAbandoned(ctx context.Context) {
	msgs, _, err := w.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   w.top.RequestsStream(),
		Group:    w.top.GroupName(),
		Consumer: w.consumer,
		MinIdle:  w.reclaimIdle,
		Start:    "0-0",
		Count:    16,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("reclaim pending", zap.Error(err))
		}
		return
	}
	for _, msg := range msgs {
		w.logger.Info("reclaimed abandoned delivery", zap.String("stream_id", msg.ID))
		w.process(ctx, deliveryFromMessage(msg))
	}
}

// process drives a single delivery to a terminal state. Every path
// acknowledges exactly once; a delivery left unacked would stall the stream
// under prefetch = 1.
func (w *Worker) process(ctx context.Context, d Delivery) {
	defer func() {
		if err := w.bus.Ack(ctx, d.StreamID); err != nil {
			w.logger.Error("ack", zap.String("stream_id", d.StreamID), zap.Error(err))
		}
	}()

	req, err := DecodeRequest(d.Body)
	if err != nil {
		w.badRequest(ctx, d, err)
		return
	}

	if req.ID != "" {
		cached, hit, err := w.ledger.Lookup(ctx, req.ID)
		if err != nil {
			// Can't prove the request wasn't already processed: treat as a
			// transient fault rather than risk a duplicate side effect.
			w.transient(ctx, d, req.ID, fmt.Errorf("ledger lookup: %w", err))
			return
		}
		if hit {
			w.logger.Info("idem-replay",
				zap.String("id", req.ID),
				zap.String("action", req.Version+"."+req.Action))
			w.respond(ctx, d, cached)
			return
		}
	}

	out := w.disp.Dispatch(ctx, req)
	if out.Transient() {
		w.transient(ctx, d, req.ID, out.Fault())
		return
	}

	corrID := req.ID
	if corrID == "" {
		corrID = "unknown"
	}
	resp := out.Response(corrID)
	w.record(ctx, req.ID, resp)
	w.respond(ctx, d, resp)

	if out.Rejected() {
		w.logger.Error("failed",
			zap.String("id", corrID),
			zap.String("action", req.Version+"."+req.Action),
			zap.String("error", resp.Error))
	} else {
		w.logger.Info("ok",
			zap.String("id", corrID),
			zap.String("action", req.Version+"."+req.Action))
	}
}

// transient re-publishes to the retry set while budget remains, otherwise
// dead-letters and answers with a recorded error response. A retry is not yet
// a terminal outcome, so nothing is written to the ledger for it.
func (w *Worker) transient(ctx context.Context, d Delivery, reqID string, cause error) {
	if d.RetryCount < w.maxRetries {
		next := d
		next.RetryCount++
		err := w.bus.ScheduleRetry(ctx, next, time.Now().Add(w.retryDelay))
		if err == nil {
			w.logger.Warn("retry scheduled",
				zap.String("id", reqID),
				zap.Int("attempt", next.RetryCount),
				zap.NamedError("cause", cause))
			return
		}
		// The retry entry could not be parked. The deferred ack will still
		// consume the delivery, so acking without answering would drop the
		// request; it terminates here instead.
		w.logger.Error("schedule retry",
			zap.String("id", reqID), zap.Error(err),
			zap.NamedError("cause", cause))
		w.terminalFailure(ctx, d, reqID, fmt.Sprintf("retry publish failed: %v; original fault: %v", err, cause))
		return
	}
	w.terminalFailure(ctx, d, reqID, "retries exhausted: "+cause.Error())
}

// terminalFailure ends a delivery that can no longer be retried: dead-letter,
// recorded error response, answer to the caller.
func (w *Worker) terminalFailure(ctx context.Context, d Delivery, reqID, reason string) {
	w.deadLetter(ctx, d, reason)

	corrID := reqID
	if corrID == "" {
		corrID = "unknown"
	}
	resp := Err(corrID, reason)
	w.record(ctx, reqID, resp)
	w.respond(ctx, d, resp)
	w.logger.Error("dead-lettered", zap.String("id", corrID), zap.String("reason", reason))
}

// badRequest handles an undecodable body: permanent, dead-lettered, answered
// under the transport correlation id when one was carried.
func (w *Worker) badRequest(ctx context.Context, d Delivery, cause error) {
	w.deadLetter(ctx, d, cause.Error())

	corrID := d.CorrelationID
	if corrID == "" {
		corrID = "unknown"
	}
	resp := Err(corrID, cause.Error())
	w.record(ctx, d.CorrelationID, resp)
	w.respond(ctx, d, resp)
	w.logger.Error("bad-request", zap.String("id", corrID), zap.Error(cause))
}

func (w *Worker) respond(ctx context.Context, d Delivery, resp Response) {
	if err := w.bus.Respond(ctx, d, resp); err != nil {
		w.logger.Error("publish response",
			zap.String("id", resp.CorrelationID), zap.Error(err))
	}
}

// record writes a terminal response to the ledger. Skipped when the request
// id could not be recovered: there is no key to replay it under. A write
// failure is logged, not fatal — redelivery re-executes, which at-least-once
// permits.
func (w *Worker) record(ctx context.Context, id string, resp Response) {
	if id == "" {
		return
	}
	if err := w.ledger.Record(ctx, id, resp); err != nil {
		w.logger.Error("ledger record", zap.String("id", id), zap.Error(err))
	}
}

func (w *Worker) deadLetter(ctx context.Context, d Delivery, reason string) {
	rec := DeadLetterRecord{
		FailedAt:      time.Now().UTC(),
		Reason:        reason,
		Request:       rawRequest(d.Body),
		CorrelationID: d.CorrelationID,
		ReplyTo:       d.ReplyTo,
		RetryCount:    d.RetryCount,
	}
	if err := w.bus.DeadLetter(ctx, rec); err != nil {
		w.logger.Error("dead-letter publish", zap.String("id", d.CorrelationID), zap.Error(err))
	}
}
