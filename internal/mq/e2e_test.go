package mq_test

import (
	"context"
	"errors"
	"os"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"taskmq/internal/auth"
	"taskmq/internal/handlers"
	"taskmq/internal/ledger"
	"taskmq/internal/mq"
	"taskmq/internal/store"
)

// The tests below exercise the full round trip against a live Redis and are
// skipped unless REDIS_ADDR is set, e.g. REDIS_ADDR=localhost:6379.
type e2e struct {
	rdb    *redis.Client
	top    *mq.Topology
	disp   *mq.Dispatcher
	led    *ledger.Ledger
	client *mq.Client
	store  *store.Store
}

// newEnv wires everything except the worker, so a test can stage broker state
// before consumption begins.
func newEnv(t *testing.T) *e2e {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		t.Skipf("redis at %s unreachable: %v", addr, err)
	}

	ns := "e2e:" + uuid.NewString()[:8]
	top := mq.NewTopology(rdb, ns, ns+":workers")
	if err := top.Declare(context.Background()); err != nil {
		t.Fatalf("declare: %v", err)
	}

	st := store.New(rdb, ns)
	led := ledger.New(rdb, ns)
	issuer := auth.NewTokenIssuer("e2e-secret", time.Hour)
	disp := mq.NewDispatcher(auth.NewAuthenticator(issuer, st))
	handlers.New(st, st, issuer).Register(disp)

	client := mq.NewClient(rdb, top, mq.WithCallTimeout(10*time.Second))
	t.Cleanup(func() {
		client.Close()
		rdb.Close()
	})
	return &e2e{rdb: rdb, top: top, disp: disp, led: led, client: client, store: st}
}

func (e *e2e) startWorker(t *testing.T, opts ...mq.WorkerOption) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	base := []mq.WorkerOption{
		mq.WithMaxRetries(3),
		mq.WithRetryDelay(50 * time.Millisecond),
		mq.WithRetryPollInterval(25 * time.Millisecond),
	}
	worker := mq.NewWorker(e.rdb, e.top, e.led, e.disp, append(base, opts...)...)
	go worker.Run(ctx)
	t.Cleanup(stop)
}

func newE2E(t *testing.T) *e2e {
	t.Helper()
	e := newEnv(t)
	e.startWorker(t)
	return e
}

func (e *e2e) dlqLen(t *testing.T) int64 {
	t.Helper()
	n, err := e.rdb.XLen(context.Background(), e.top.DeadLetterStream()).Result()
	if err != nil {
		t.Fatalf("dlq len: %v", err)
	}
	return n
}

func (e *e2e) login(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	email := "e2e-" + uuid.NewString()[:8] + "@example.com"
	resp, err := e.client.Call(ctx, "v1", "register", map[string]any{
		"email": email, "password": "qwerty123", "full_name": "E2E User",
	}, "")
	if err != nil || resp.Status != mq.StatusOK {
		t.Fatalf("register: %v / %+v", err, resp)
	}
	resp, err = e.client.Call(ctx, "v1", "login", map[string]any{
		"email": email, "password": "qwerty123",
	}, "")
	if err != nil || resp.Status != mq.StatusOK {
		t.Fatalf("login: %v / %+v", err, resp)
	}
	token, _ := resp.Data.(map[string]any)["access_token"].(string)
	if token == "" {
		t.Fatalf("no token in %+v", resp)
	}
	return token
}

func TestE2EHealthCheck(t *testing.T) {
	e := newE2E(t)
	resp, err := e.client.Call(context.Background(), "v1", "health_check", nil, "")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Status != mq.StatusOK {
		t.Fatalf("unexpected response: %+v", resp)
	}
	data, _ := resp.Data.(map[string]any)
	if data["status"] != "ok" {
		t.Fatalf("unexpected payload: %v", resp.Data)
	}
}

func TestE2EIdempotentCreate(t *testing.T) {
	e := newE2E(t)
	ctx := context.Background()
	token := e.login(t)

	reqID := uuid.NewString()
	data := map[string]any{"title": "pay rent"}

	first, err := e.client.CallWithID(ctx, reqID, "v1", "create_task", data, token)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := e.client.CallWithID(ctx, reqID, "v1", "create_task", data, token)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("replay differs:\nfirst  %+v\nsecond %+v", first, second)
	}
	if first.Status != mq.StatusOK {
		t.Fatalf("create failed: %+v", first)
	}

	list, err := e.client.Call(ctx, "v1", "list_tasks", nil, token)
	if err != nil || list.Status != mq.StatusOK {
		t.Fatalf("list: %v / %+v", err, list)
	}
	tasks, _ := list.Data.([]any)
	if len(tasks) != 1 {
		t.Fatalf("expected exactly one task, got %d", len(tasks))
	}
}

func TestE2ERetryThenSucceed(t *testing.T) {
	e := newE2E(t)
	var attempts atomic.Int32
	e.disp.HandleOpen("v1", "flaky", mq.HandlerFunc(
		func(_ context.Context, _ *mq.Principal, _ string, _ map[string]any) mq.Outcome {
			if attempts.Add(1) < 3 {
				return mq.Fail(errors.New("downstream unavailable"))
			}
			return mq.Succeed(map[string]any{"attempts": attempts.Load()})
		}))

	resp, err := e.client.Call(context.Background(), "v1", "flaky", nil, "")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Status != mq.StatusOK {
		t.Fatalf("expected eventual success, got %+v", resp)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if n := e.dlqLen(t); n != 0 {
		t.Fatalf("nothing should be dead-lettered, found %d", n)
	}
}

func TestE2ERetriesExhausted(t *testing.T) {
	e := newE2E(t)
	resp, err := e.client.Call(context.Background(), "v1", "health_check",
		map[string]any{"simulate_temp_error": true}, "")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Status != mq.StatusError {
		t.Fatalf("expected error response, got %+v", resp)
	}
	if resp.Error != "retries exhausted: simulated temporary error" {
		t.Fatalf("unexpected error: %q", resp.Error)
	}
	if n := e.dlqLen(t); n != 1 {
		t.Fatalf("expected one dead letter, got %d", n)
	}
}

func TestE2EReclaimsAbandonedDelivery(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	type result struct {
		resp mq.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := e.client.Call(ctx, "v1", "health_check", nil, "")
		done <- result{resp, err}
	}()

	// Read the request under a consumer that never acks, the state a worker
	// crashing mid-delivery leaves behind.
	deadline := time.Now().Add(5 * time.Second)
	for stranded := false; !stranded; {
		if time.Now().After(deadline) {
			t.Fatal("request never arrived on the stream")
		}
		res, err := e.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    e.top.GroupName(),
			Consumer: "crashed",
			Streams:  []string{e.top.RequestsStream(), ">"},
			Count:    1,
			Block:    500 * time.Millisecond,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			t.Fatalf("read as crashed consumer: %v", err)
		}
		for _, s := range res {
			if len(s.Messages) > 0 {
				stranded = true
			}
		}
	}

	e.startWorker(t, mq.WithReclaimIdle(50*time.Millisecond))

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("call: %v", r.err)
		}
		if r.resp.Status != mq.StatusOK {
			t.Fatalf("unexpected response: %+v", r.resp)
		}
	case <-time.After(8 * time.Second):
		t.Fatal("abandoned delivery was never reclaimed")
	}
}

func TestE2EAuthRequired(t *testing.T) {
	e := newE2E(t)
	resp, err := e.client.Call(context.Background(), "v1", "create_task",
		map[string]any{"title": "nope"}, "")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Error != "auth (JWT token) required for this action" {
		t.Fatalf("unexpected error: %q", resp.Error)
	}
	// A business error is terminal, not a fault; it must not be dead-lettered.
	if n := e.dlqLen(t); n != 0 {
		t.Fatalf("expected empty dlq, got %d", n)
	}
}
