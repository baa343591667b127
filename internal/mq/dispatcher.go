package mq

import (
	"context"
	"errors"
	"fmt"
)

// Principal is the authenticated caller a credential resolves to.
type Principal struct {
	ID       int64
	Email    string
	FullName string
}

// Authenticator resolves an opaque bearer credential to a Principal. A bad
// credential comes back as a CredentialError; any other error is an
// infrastructure fault and rides the retry pipeline.
type Authenticator interface {
	Resolve(ctx context.Context, credential string) (*Principal, error)
}

// CredentialError marks a permanent authentication failure: the credential
// is invalid, expired or names no user. Its message is protocol text and
// travels to the caller verbatim.
type CredentialError struct {
	msg string
}

func (e *CredentialError) Error() string { return e.msg }

// BadCredential builds a CredentialError.
func BadCredential(msg string) error { return &CredentialError{msg: msg} }

// Handler executes one action. p is nil for open (unauthenticated) routes.
type Handler interface {
	Handle(ctx context.Context, p *Principal, version string, data map[string]any) Outcome
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, p *Principal, version string, data map[string]any) Outcome

func (f HandlerFunc) Handle(ctx context.Context, p *Principal, version string, data map[string]any) Outcome {
	return f(ctx, p, version, data)
}

type route struct {
	version string
	action  string
}

// Dispatcher routes a request to its handler by (version, action), enforcing
// authentication on every route not registered as open. It performs no
// persistence itself.
type Dispatcher struct {
	auth     Authenticator
	handlers map[route]Handler
	open     map[route]bool
}

func NewDispatcher(auth Authenticator) *Dispatcher {
	return &Dispatcher{
		auth:     auth,
		handlers: make(map[route]Handler),
		open:     make(map[route]bool),
	}
}

// Handle registers a handler requiring an authenticated caller.
func (d *Dispatcher) Handle(version, action string, h Handler) {
	d.handlers[route{version, action}] = h
}

// HandleOpen registers a handler that runs without a credential.
func (d *Dispatcher) HandleOpen(version, action string, h Handler) {
	r := route{version, action}
	d.handlers[r] = h
	d.open[r] = true
}

// Dispatch drives one request to an Outcome. Malformed envelopes and
// authentication failures are business errors; only the fault-injection
// field and handler faults come back transient.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Outcome {
	if req.ID == "" || req.Version == "" || req.Action == "" {
		return Reject("Missing required fields: id/version/action")
	}

	if v, ok := req.Data["simulate_temp_error"]; ok && v == true {
		return Fail(errors.New("simulated temporary error"))
	}

	r := route{req.Version, req.Action}

	var p *Principal
	if !d.open[r] {
		if req.Auth == "" {
			return Reject("auth (JWT token) required for this action")
		}
		var err error
		p, err = d.auth.Resolve(ctx, req.Auth)
		if err != nil {
			var cred *CredentialError
			if errors.As(err, &cred) {
				return Reject(cred.Error())
			}
			// The credential could not be checked at all, which says nothing
			// about its validity.
			return Fail(fmt.Errorf("resolve credential: %w", err))
		}
	}

	h, ok := d.handlers[r]
	if !ok {
		return Rejectf("Unknown action: %s.%s", req.Version, req.Action)
	}
	return h.Handle(ctx, p, req.Version, req.Data)
}
