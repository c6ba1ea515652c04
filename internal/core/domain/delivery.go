package domain

import (
	"errors"
	"time"
)

// Sentinel errors shared by core services and adapters
var (
	// ErrPoolExhausted means every identity of the pool was skipped for this attempt
	ErrPoolExhausted = errors.New("no available identity")

	// ErrIdentityUnavailable means the identity is banned or over its limit right now
	ErrIdentityUnavailable = errors.New("identity unavailable")

	ErrIdentityNotFound   = errors.New("identity not found")
	ErrJobNotFound        = errors.New("job not found")
	ErrUnsupportedChannel = errors.New("unsupported channel")

	// ErrReplyInterrupted is returned when new inbound input superseded a reply
	ErrReplyInterrupted = errors.New("reply interrupted by new inbound message")

	ErrQueueClosed = errors.New("queue closed")
)

// ErrorKind classifies a channel delivery failure
type ErrorKind string

// ErrorKind constants
const (
	ErrorKindRateLimited       ErrorKind = "rate_limited"
	ErrorKindAccountRestricted ErrorKind = "account_restricted"
	ErrorKindTransient         ErrorKind = "transient"
	ErrorKindPermanent         ErrorKind = "permanent"
)

// SendRequest is what the core asks a channel adapter to deliver
type SendRequest struct {
	JobID     string
	Identity  string
	Recipient string
	Payload   string
}

// SendError is the channel's explanation of a failed send
type SendError struct {
	Kind       ErrorKind
	RetryAfter time.Duration
	Message    string
}

func (e *SendError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// SendResult is the outcome reported by a channel adapter
type SendResult struct {
	Success   bool
	MessageID string
	Error     *SendError
}

// Sent builds a successful result
func Sent(messageID string) SendResult {
	return SendResult{Success: true, MessageID: messageID}
}

// Failed builds a failed result of the given kind
func Failed(kind ErrorKind, retryAfter time.Duration, message string) SendResult {
	return SendResult{Error: &SendError{Kind: kind, RetryAfter: retryAfter, Message: message}}
}

// DeliveryEvent is published for every dispatch decision
type DeliveryEvent struct {
	JobID      string    `json:"job_id"`
	CampaignID string    `json:"campaign_id"`
	Channel    string    `json:"channel"`
	Identity   string    `json:"identity"`
	Recipient  string    `json:"recipient"`
	Outcome    string    `json:"outcome"`
	Status     JobStatus `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}
