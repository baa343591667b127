package mq

import (
	"context"
	"errors"
	"testing"
)

type authFunc func(ctx context.Context, credential string) (*Principal, error)

func (f authFunc) Resolve(ctx context.Context, credential string) (*Principal, error) {
	return f(ctx, credential)
}

func staticAuth(p *Principal, err error) Authenticator {
	return authFunc(func(context.Context, string) (*Principal, error) { return p, err })
}

func echoHandler(got **Principal) Handler {
	return HandlerFunc(func(_ context.Context, p *Principal, _ string, _ map[string]any) Outcome {
		if got != nil {
			*got = p
		}
		return Succeed(map[string]any{"status": "ok"})
	})
}

func TestDispatchMissingFields(t *testing.T) {
	d := NewDispatcher(staticAuth(nil, errors.New("should not be called")))
	out := d.Dispatch(context.Background(), Request{ID: "x", Version: "v1"})
	if !out.Rejected() {
		t.Fatal("expected business error")
	}
	if resp := out.Response("x"); resp.Error != "Missing required fields: id/version/action" {
		t.Fatalf("unexpected error: %q", resp.Error)
	}
}

func TestDispatchOpenRouteSkipsAuth(t *testing.T) {
	d := NewDispatcher(staticAuth(nil, errors.New("resolve must not run")))
	var principal *Principal
	d.HandleOpen("v1", "health_check", echoHandler(&principal))

	out := d.Dispatch(context.Background(), Request{ID: "1", Version: "v1", Action: "health_check"})
	if out.Transient() || out.Rejected() {
		t.Fatalf("expected success, got %+v", out)
	}
	if principal != nil {
		t.Fatal("open route should run without a principal")
	}
}

func TestDispatchRequiresAuth(t *testing.T) {
	d := NewDispatcher(staticAuth(&Principal{ID: 7}, nil))
	d.Handle("v1", "create_task", echoHandler(nil))

	out := d.Dispatch(context.Background(), Request{ID: "1", Version: "v1", Action: "create_task"})
	if !out.Rejected() {
		t.Fatal("expected business error for missing credential")
	}
	if resp := out.Response("1"); resp.Error != "auth (JWT token) required for this action" {
		t.Fatalf("unexpected error: %q", resp.Error)
	}
}

func TestDispatchAuthFailureIsPermanent(t *testing.T) {
	d := NewDispatcher(staticAuth(nil, BadCredential("Invalid token")))
	d.Handle("v1", "create_task", echoHandler(nil))

	out := d.Dispatch(context.Background(), Request{ID: "1", Version: "v1", Action: "create_task", Auth: "garbage"})
	if out.Transient() {
		t.Fatal("auth failure must never be transient")
	}
	if resp := out.Response("1"); resp.Error != "Invalid token" {
		t.Fatalf("unexpected error: %q", resp.Error)
	}
}

func TestDispatchAuthStoreOutageIsTransient(t *testing.T) {
	d := NewDispatcher(staticAuth(nil, errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")))
	d.Handle("v1", "create_task", echoHandler(nil))

	out := d.Dispatch(context.Background(), Request{ID: "1", Version: "v1", Action: "create_task", Auth: "tok"})
	if !out.Transient() {
		t.Fatalf("store outage during resolution must be retried, got %+v", out.Response("1"))
	}
	if out.Fault() == nil {
		t.Fatal("transient outcome must carry a cause")
	}
}

func TestDispatchPassesPrincipal(t *testing.T) {
	want := &Principal{ID: 42, Email: "a@b.c"}
	d := NewDispatcher(staticAuth(want, nil))
	var got *Principal
	d.Handle("v1", "list_tasks", echoHandler(&got))

	out := d.Dispatch(context.Background(), Request{ID: "1", Version: "v1", Action: "list_tasks", Auth: "tok"})
	if out.Rejected() || out.Transient() {
		t.Fatalf("expected success, got %+v", out)
	}
	if got != want {
		t.Fatalf("principal not passed through: %+v", got)
	}
}

func TestDispatchUnknownAction(t *testing.T) {
	d := NewDispatcher(staticAuth(&Principal{ID: 1}, nil))
	out := d.Dispatch(context.Background(), Request{ID: "1", Version: "v1", Action: "abracadabra", Auth: "tok"})
	if !out.Rejected() {
		t.Fatal("expected business error")
	}
	if resp := out.Response("1"); resp.Error != "Unknown action: v1.abracadabra" {
		t.Fatalf("unexpected error: %q", resp.Error)
	}
}

func TestDispatchSimulatedFaultIsTransient(t *testing.T) {
	d := NewDispatcher(staticAuth(nil, nil))
	d.HandleOpen("v1", "health_check", echoHandler(nil))

	out := d.Dispatch(context.Background(), Request{
		ID: "1", Version: "v1", Action: "health_check",
		Data: map[string]any{"simulate_temp_error": true},
	})
	if !out.Transient() {
		t.Fatalf("expected transient fault, got %+v", out)
	}
	if out.Fault() == nil {
		t.Fatal("transient outcome must carry a cause")
	}
}
