package ports

import (
	"context"
	"time"

	"immortal-outreach/internal/core/domain"
)

// ChannelAdapter is the per-channel capability set the core depends on.
// Implementations must not leak channel-specific types into the core.
type ChannelAdapter interface {
	Name() string

	// Send delivers one payload. Delivery failures the channel can explain are
	// returned in SendResult.Error; a non-nil error means the call itself failed.
	Send(ctx context.Context, req domain.SendRequest) (domain.SendResult, error)

	MarkRead(ctx context.Context, identity, recipient string) error
	SetTyping(ctx context.Context, identity, recipient string, on bool) error

	// IsTyping reports whether the remote party is currently typing
	IsTyping(ctx context.Context, identity, recipient string) (bool, error)
}

// Delivery is one dequeued job together with its settlement handles.
// Exactly one of Ack, Nack or Reschedule settles it.
type Delivery interface {
	Job() *domain.SendJob

	// Ack removes the job from the queue
	Ack(ctx context.Context) error

	// Nack hands the job back for redelivery (infrastructure failure)
	Nack(ctx context.Context) error

	// Reschedule redelivers the (possibly modified) job at the given time
	Reschedule(ctx context.Context, job *domain.SendJob, at time.Time) error
}

// JobQueue is a durable at-least-once work queue
type JobQueue interface {
	Enqueue(ctx context.Context, queue string, job *domain.SendJob) error

	// Dequeue waits up to the queue's poll interval for a job.
	// Returns (nil, nil) when nothing became ready.
	Dequeue(ctx context.Context, queue string) (Delivery, error)

	Close() error
}

// GenerateRequest is the input handed to the response generator
type GenerateRequest struct {
	Conversation domain.ConversationKey
	CampaignID   string
	Identity     string
	Text         string
}

// ResponseGenerator produces the reply text for combined inbound text
type ResponseGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// EventPublisher receives delivery events; implementations must not block
type EventPublisher interface {
	Publish(event domain.DeliveryEvent)
}
