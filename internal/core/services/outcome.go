package services

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"time"

	"immortal-outreach/internal/core/domain"
)

// Outcome is the classified result of one dispatch attempt.
// Exactly one of Success, Backpressure, IdentityFault, Transient, Terminal.
type Outcome interface {
	Name() string
}

// Success means the channel accepted the message
type Success struct {
	MessageID string
}

// Backpressure means the channel asked us to slow down; it is not a fault
type Backpressure struct {
	Wait time.Duration
}

// IdentityFault means the sending identity is restricted or unusable
type IdentityFault struct {
	Reason string
	// Ban is false when the identity is only over its limit
	Ban bool
}

// Transient is a retryable fault (timeout, connection)
type Transient struct {
	Err error
}

// Terminal is a permanent rejection; never retried
type Terminal struct {
	Reason string
}

func (Success) Name() string       { return "success" }
func (Backpressure) Name() string  { return "backpressure" }
func (IdentityFault) Name() string { return "identity_fault" }
func (Transient) Name() string     { return "transient" }
func (Terminal) Name() string      { return "terminal" }

// Classify maps an adapter result into an Outcome.
// defaultWait is used when a rate-limit signal carries no wait duration.
func Classify(res domain.SendResult, err error, defaultWait time.Duration) Outcome {
	if err != nil {
		if isTransientErr(err) {
			return Transient{Err: err}
		}
		return Terminal{Reason: err.Error()}
	}

	if res.Success {
		return Success{MessageID: res.MessageID}
	}
	if res.Error == nil {
		return Terminal{Reason: "channel reported failure without detail"}
	}

	switch res.Error.Kind {
	case domain.ErrorKindRateLimited:
		wait := res.Error.RetryAfter
		if wait <= 0 {
			wait = defaultWait
		}
		return Backpressure{Wait: wait}
	case domain.ErrorKindAccountRestricted:
		return IdentityFault{Reason: res.Error.Message, Ban: true}
	case domain.ErrorKindTransient:
		return Transient{Err: res.Error}
	default:
		return Terminal{Reason: res.Error.Error()}
	}
}

func isTransientErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var sendErr *domain.SendError
	if errors.As(err, &sendErr) {
		return sendErr.Kind == domain.ErrorKindTransient
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Backoff computes base * 2^(attempt-1) with +/-20% jitter, capped at max
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	d := base * time.Duration(1<<(attempt-1))
	if max > 0 && (d > max || d <= 0) {
		d = max
	}
	jitter := 0.8 + rand.Float64()*0.4
	d = time.Duration(float64(d) * jitter)
	if max > 0 && d > max {
		d = max
	}
	return d
}
