package mq

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream entry fields. Transport metadata (reply destination, correlation id,
// retry counter) travels here, never inside the JSON body.
const (
	fieldPayload = "payload"
	fieldReplyTo = "reply_to"
	fieldCorrID  = "correlation_id"
	fieldRetry   = "retry_count"
)

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is the client-to-worker envelope. ID is globally unique per logical
// operation; a client reusing the same ID is asking for an idempotent replay.
type Request struct {
	ID      string         `json:"id"`
	Version string         `json:"version"`
	Action  string         `json:"action"`
	Data    map[string]any `json:"data"`
	Auth    string         `json:"auth"`
}

// Response is the worker-to-client envelope, correlated back to Request.ID.
type Response struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	Data          any    `json:"data"`
	Error         string `json:"error,omitempty"`
}

// OK builds a success Response.
func OK(corrID string, data any) Response {
	return Response{CorrelationID: corrID, Status: StatusOK, Data: data}
}

// Err builds an error Response.
func Err(corrID, msg string) Response {
	return Response{CorrelationID: corrID, Status: StatusError, Error: msg}
}

func EncodeRequest(req Request) ([]byte, error) {
	return json.Marshal(req)
}

func DecodeRequest(body []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Request{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return req, nil
}

func DecodeResponse(body []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return Response{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return resp, nil
}

// Delivery is one message as it travels through the requests stream and the
// retry set: the raw body plus its transport metadata.
type Delivery struct {
	StreamID      string          `json:"-"`
	Body          json.RawMessage `json:"body"`
	ReplyTo       string          `json:"reply_to,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	RetryCount    int             `json:"retry_count,omitempty"`
}

func deliveryFromMessage(m redis.XMessage) Delivery {
	d := Delivery{StreamID: m.ID}
	if raw, ok := m.Values[fieldPayload].(string); ok {
		d.Body = json.RawMessage(raw)
	}
	if v, ok := m.Values[fieldReplyTo].(string); ok {
		d.ReplyTo = v
	}
	if v, ok := m.Values[fieldCorrID].(string); ok {
		d.CorrelationID = v
	}
	if v, ok := m.Values[fieldRetry].(string); ok {
		if n, err := strconv.Atoi(v); err == nil {
			d.RetryCount = n
		}
	}
	return d
}

func (d Delivery) values() map[string]any {
	v := map[string]any{fieldPayload: string(d.Body)}
	if d.ReplyTo != "" {
		v[fieldReplyTo] = d.ReplyTo
	}
	if d.CorrelationID != "" {
		v[fieldCorrID] = d.CorrelationID
	}
	if d.RetryCount > 0 {
		v[fieldRetry] = strconv.Itoa(d.RetryCount)
	}
	return v
}

// DeadLetterRecord is what lands on the dead-letter stream. It is an
// observability sink; nothing in this package consumes it.
type DeadLetterRecord struct {
	FailedAt      time.Time       `json:"failed_at"`
	Reason        string          `json:"reason"`
	Request       json.RawMessage `json:"original_request"`
	CorrelationID string          `json:"correlation_id"`
	ReplyTo       string          `json:"reply_destination,omitempty"`
	RetryCount    int             `json:"retry_count"`
}

// rawRequest keeps undecodable bodies representable in the dead-letter record
// by quoting them as a JSON string.
func rawRequest(body []byte) json.RawMessage {
	if json.Valid(body) {
		return body
	}
	quoted, err := json.Marshal(string(body))
	if err != nil {
		return json.RawMessage(`""`)
	}
	return quoted
}
