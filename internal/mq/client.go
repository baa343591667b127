package mq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrTimeout is returned when no response with a matching correlation id
// arrives in time. It means unknown outcome, not failure: the worker may
// still complete the request, and replaying the same request id later will
// return the recorded response.
var ErrTimeout = errors.New("mq: timed out waiting for response")

// ErrDuplicateCall is returned when a call with the same request id is still
// in flight on this client.
var ErrDuplicateCall = errors.New("mq: request id already in flight")

const defaultCallTimeout = 30 * time.Second

// Client is the calling side of the RPC protocol. It holds one exclusive,
// session-scoped reply channel; responses are matched to waiting calls by
// correlation id, so a call is a bounded wait on a future rather than a
// polling loop.
type Client struct {
	rdb     *redis.Client
	top     *Topology
	logger  *zap.Logger
	timeout time.Duration

	once    sync.Once
	initErr error
	sub     *redis.PubSub
	replyCh string

	mu      sync.Mutex
	waiters map[string]chan Response
}

func NewClient(rdb *redis.Client, top *Topology, opts ...ClientOption) *Client {
	c := &Client{
		rdb:     rdb,
		top:     top,
		logger:  zap.NewNop(),
		timeout: defaultCallTimeout,
		waiters: make(map[string]chan Response),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call publishes a request under a fresh id and waits for its response.
func (c *Client) Call(ctx context.Context, version, action string, data map[string]any, auth string) (Response, error) {
	return c.CallWithID(ctx, uuid.NewString(), version, action, data, auth)
}

// CallWithID is Call with a caller-assigned request id. Reusing an id is the
// documented way to retry a side-effecting operation idempotently: the worker
// replays the recorded response instead of re-executing the handler. The
// replay contract is for sequential reuse; a concurrent call with an id that
// is still in flight returns ErrDuplicateCall.
func (c *Client) CallWithID(ctx context.Context, id, version, action string, data map[string]any, auth string) (Response, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if err := c.ensureSubscriber(ctx); err != nil {
		return Response{}, err
	}

	wait := make(chan Response, 1)
	c.mu.Lock()
	if _, inFlight := c.waiters[id]; inFlight {
		c.mu.Unlock()
		return Response{}, ErrDuplicateCall
	}
	c.waiters[id] = wait
	c.mu.Unlock()

	body, err := EncodeRequest(Request{ID: id, Version: version, Action: action, Data: data, Auth: auth})
	if err != nil {
		c.forget(id)
		return Response{}, err
	}
	err = c.top.PublishRequest(ctx, Delivery{
		Body:          body,
		ReplyTo:       c.replyCh,
		CorrelationID: id,
	})
	if err != nil {
		c.forget(id)
		return Response{}, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-wait:
		return resp, nil
	case <-timer.C:
		c.forget(id)
		return Response{}, ErrTimeout
	case <-ctx.Done():
		c.forget(id)
		return Response{}, ctx.Err()
	}
}

// Close tears down the reply subscription.
func (c *Client) Close() error {
	if c.sub != nil {
		return c.sub.Close()
	}
	return nil
}

func (c *Client) ensureSubscriber(ctx context.Context) error {
	c.once.Do(func() {
		c.replyCh = c.top.ReplyChannel(uuid.NewString())
		// The subscription outlives any single call.
		c.sub = c.rdb.Subscribe(context.Background(), c.replyCh)
		if _, err := c.sub.Receive(ctx); err != nil {
			c.initErr = err
			return
		}
		go c.readReplies()
	})
	return c.initErr
}

func (c *Client) readReplies() {
	for msg := range c.sub.Channel() {
		var resp Response
		if err := json.Unmarshal([]byte(msg.Payload), &resp); err != nil {
			c.logger.Warn("undecodable reply", zap.Error(err))
			continue
		}
		c.mu.Lock()
		wait, ok := c.waiters[resp.CorrelationID]
		if ok {
			delete(c.waiters, resp.CorrelationID)
		}
		c.mu.Unlock()
		if ok {
			wait <- resp
		}
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}
