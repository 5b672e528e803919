// Package retry runs an operation until it succeeds, backing off
// exponentially between attempts.
//
// An Engine never gives up on its own: the only ways out of Do are success,
// cancellation of the caller's context, or Close on the engine. This is the
// delivery guarantee for inbound messages, which must not be acknowledged
// before they were processed.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultInitialInterval is the delay before the first retry.
	DefaultInitialInterval = 100 * time.Millisecond
	// DefaultMaxInterval caps the delay between retries.
	DefaultMaxInterval = 12800 * time.Millisecond
)

// ErrAbandoned is returned by Do when retrying stopped before the operation
// succeeded. The last attempt's error is wrapped alongside it.
var ErrAbandoned = errors.New("retry: abandoned")

// Permanent marks err as not worth retrying: Do stops after the attempt that
// returned it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Notify is called after a failed attempt, before waiting next.
// attempt is 1-based.
type Notify func(err error, attempt int, next time.Duration)

// Engine retries operations until they succeed or the engine is closed.
// It is safe for concurrent use.
type Engine struct {
	initial time.Duration
	max     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithInitialInterval sets the delay before the first retry.
// Default: 100ms
func WithInitialInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.initial = d
		}
	}
}

// WithMaxInterval caps the delay between retries.
// Default: 12.8s
func WithMaxInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.max = d
		}
	}
}

// New creates an open engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		initial: DefaultInitialInterval,
		max:     DefaultMaxInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.max < e.initial {
		e.max = e.initial
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Do calls attempt until it returns nil. Between attempts it calls notify
// (if not nil) and sleeps, doubling the delay up to the configured maximum.
// The number of attempts is unbounded.
//
// Do returns an error wrapping ErrAbandoned and the last attempt error when
// ctx is canceled, the engine is closed or attempt returned a Permanent
// error. The context passed to attempt is canceled when Do gives up.
func (e *Engine) Do(ctx context.Context, attempt func(ctx context.Context) error, notify Notify) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	release := context.AfterFunc(e.ctx, stop)
	defer release()

	var (
		attempts int
		lastErr  error
	)

	operation := func() (struct{}, error) {
		attempts++
		err := attempt(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		lastErr = err
		var perm *permanentError
		if errors.As(err, &perm) {
			lastErr = perm.err
			return struct{}{}, backoff.Permanent(perm.err)
		}
		if e.Closed() {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(e.newBackOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			if notify != nil {
				notify(err, attempts, next)
			}
		}),
	)
	if err == nil {
		return nil
	}
	if lastErr == nil {
		lastErr = err
	}
	return fmt.Errorf("%w after %d attempt(s): %w", ErrAbandoned, attempts, lastErr)
}

// Close stops all current and future retries. It is idempotent.
func (e *Engine) Close() {
	e.cancel()
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	return e.ctx.Err() != nil
}

func (e *Engine) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.initial
	b.MaxInterval = e.max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}
