package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Task names.
const (
	CISubmit                 = "ci.submit"
	CIFetch                  = "ci.fetch"
	CIPoll                   = "ci.poll"
	UpdateProjectStatus      = "core.update_project_status"
	MaybeNotifyProjectStatus = "core.maybe_notify_project_status"
	NotifyProjectStatus      = "core.notify_project_status"
	NotificationTimeout      = "core.notification_timeout"
	DispatchBuildCallbacks   = "core.dispatch_build_callbacks"
	PrepareReport            = "core.prepare_report"
)

// IDArgs is the payload of every task acting on a single row. A zero ID
// means "all" for tasks that accept it.
type IDArgs struct {
	ID uint `json:"id"`
}

// Queue publishes tasks for asynchronous, at-least-once execution.
type Queue interface {
	Enqueue(ctx context.Context, name string, args any, opts ...Option) error
}

// Option configures an enqueued task.
type Option func(*enqueueOptions)

type enqueueOptions struct {
	countdown time.Duration
	key       string
}

// WithCountdown delays the task by d.
func WithCountdown(d time.Duration) Option {
	return func(o *enqueueOptions) {
		o.countdown = d
	}
}

// WithKey makes the enqueue a no-op while a task with the same name and
// key is still queued.
func WithKey(key string) Option {
	return func(o *enqueueOptions) {
		o.key = key
	}
}

func buildOptions(opts []Option) enqueueOptions {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// RetryError asks the worker to run the task again after Countdown.
// Explicit retries are not bounded by the attempt cap.
type RetryError struct {
	Err       error
	Countdown time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry in %s: %v", e.Countdown, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// Retry wraps err so the task is rescheduled after countdown.
func Retry(err error, countdown time.Duration) error {
	return &RetryError{Err: err, Countdown: countdown}
}

// AsRetry reports whether err requests a retry.
func AsRetry(err error) (*RetryError, bool) {
	var re *RetryError
	if errors.As(err, &re) {
		return re, true
	}

	return nil, false
}

// Handler executes one task.
type Handler func(ctx context.Context, payload json.RawMessage) error

// HandlerFor decodes the payload into T before calling fn.
func HandlerFor[T any](fn func(ctx context.Context, args T) error) Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var args T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &args); err != nil {
				return fmt.Errorf("decoding task payload: %w", err)
			}
		}

		return fn(ctx, args)
	}
}

// IDHandler adapts a function taking a row id.
func IDHandler(fn func(ctx context.Context, id uint) error) Handler {
	return HandlerFor(func(ctx context.Context, args IDArgs) error {
		return fn(ctx, args.ID)
	})
}
