package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"reminder-engine/internal/reminder"
)

// Sink is the pluggable delivery mechanism behind the dispatcher: address and
// message in, success or a classified failure out.
type Sink interface {
	Send(ctx context.Context, recipient, message string) error
}

// TransientError marks a failure worth retrying, e.g. a network timeout.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient delivery failure: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure retrying cannot fix, e.g. a rejected
// recipient address.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent delivery failure: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error { return &TransientError{Err: err} }

// Permanent wraps err as non-retryable.
func Permanent(err error) error { return &PermanentError{Err: err} }

// IsPermanent reports whether err is classified as non-retryable.
func IsPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

// Policy bounds the retry loop around a sink. Transient failures are retried
// with exponential backoff up to MaxAttempts total attempts; permanent
// failures stop immediately.
type Policy struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     15 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts == 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	return p
}

// Dispatcher delivers a due reminder's notification through a sink, applying
// a per-send timeout and the bounded retry policy. Whatever Deliver returns,
// the occurrence is consumed by the caller; delivery failure never freezes
// the schedule.
type Dispatcher struct {
	sink    Sink
	timeout time.Duration
	policy  Policy
	log     zerolog.Logger
}

// DefaultSendTimeout bounds a single sink call when no timeout is configured.
const DefaultSendTimeout = 10 * time.Second

func New(sink Sink, timeout time.Duration, policy Policy, log zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Dispatcher{
		sink:    sink,
		timeout: timeout,
		policy:  policy.withDefaults(),
		log:     log,
	}
}

// Deliver sends the reminder's notification. Unclassified sink errors and
// timeouts count as transient; transient failures are retried per the policy.
func (d *Dispatcher) Deliver(ctx context.Context, r *reminder.Reminder) error {
	attempt := 0
	operation := func() error {
		attempt++
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		err := d.sink.Send(sendCtx, r.Recipient, r.Message)
		if err == nil {
			return nil
		}
		err = classify(err)
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		d.log.Warn().
			Str("reminder_id", r.ID).
			Int("attempt", attempt).
			Err(err).
			Msg("delivery attempt failed")
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.policy.InitialInterval
	bo.MaxInterval = d.policy.MaxInterval
	bo.MaxElapsedTime = 0

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, d.policy.MaxAttempts-1), ctx))
	if err != nil {
		return err
	}
	return nil
}

// classify maps sink errors into the transient/permanent taxonomy.
// Unclassified errors, including a send timeout, are transient.
func classify(err error) error {
	var terr *TransientError
	var perr *PermanentError
	if errors.As(err, &perr) || errors.As(err, &terr) {
		return err
	}
	return Transient(err)
}
