package mq

import (
	"time"

	"go.uber.org/zap"
)

type WorkerOption func(*Worker)

func WithLogger(l *zap.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

func WithMaxRetries(n int) WorkerOption {
	return func(w *Worker) {
		if n >= 0 {
			w.maxRetries = n
		}
	}
}

func WithRetryDelay(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.retryDelay = d
		}
	}
}

func WithRetryPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.retryPoll = d
		}
	}
}

// WithReclaimIdle sets how long a pending delivery may sit with another
// consumer before this worker claims it.
func WithReclaimIdle(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.reclaimIdle = d
		}
	}
}

func WithConsumerName(name string) WorkerOption {
	return func(w *Worker) {
		if name != "" {
			w.consumer = name
		}
	}
}

type ClientOption func(*Client)

func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}
