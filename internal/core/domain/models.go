// Package domain contains core business entities
// Following Hexagonal Architecture: These models are infrastructure-agnostic
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Channel names supported by the built-in adapters
const (
	ChannelFacebook = "facebook"
	ChannelDiscord  = "discord"
)

// ============================================================================
// Send jobs
// ============================================================================

// JobStatus is the lifecycle state of a SendJob
type JobStatus string

// JobStatus constants
// Transitions: queued -> inflight -> {completed | requeued | failed}, requeued -> inflight.
// A held job waits for the job linked before it: held -> {queued | failed}.
const (
	JobStatusHeld      JobStatus = "held"
	JobStatusQueued    JobStatus = "queued"
	JobStatusInflight  JobStatus = "inflight"
	JobStatusCompleted JobStatus = "completed"
	JobStatusRequeued  JobStatus = "requeued"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Claimable reports whether a worker may move the job to inflight
func (s JobStatus) Claimable() bool {
	return s == JobStatusQueued || s == JobStatusRequeued
}

// SendJob is one unit of outbound work: a single fragment or campaign message
type SendJob struct {
	ID                string     `json:"id" db:"id"`
	CampaignID        string     `json:"campaign_id" db:"campaign_id"`
	Channel           string     `json:"channel" db:"channel"`
	SenderIdentity    string     `json:"sender_identity" db:"sender_identity"`
	RecipientIdentity string     `json:"recipient_identity" db:"recipient_identity"`
	Payload           string     `json:"payload" db:"payload"`
	Status            JobStatus  `json:"status" db:"status"`
	Attempts          int        `json:"attempts" db:"attempts"`
	ScheduledAt       time.Time  `json:"scheduled_at" db:"scheduled_at"`
	LastError         *string    `json:"last_error,omitempty" db:"last_error"`
	MessageID         *string    `json:"message_id,omitempty" db:"message_id"`
	Excluded          []string   `json:"excluded,omitempty" db:"-"` // identities already failed over from
	NextJobID         *string    `json:"next_job_id,omitempty" db:"next_job_id"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         *time.Time `json:"updated_at,omitempty" db:"updated_at"`
}

// NewSendJob creates a queued job bound to a sender identity
func NewSendJob(campaignID, channel, sender, recipient, payload string) *SendJob {
	now := time.Now()
	return &SendJob{
		ID:                uuid.NewString(),
		CampaignID:        campaignID,
		Channel:           channel,
		SenderIdentity:    sender,
		RecipientIdentity: recipient,
		Payload:           payload,
		Status:            JobStatusQueued,
		ScheduledAt:       now,
		CreatedAt:         now,
	}
}

// IdentityKey returns the identity the job is currently bound to
func (j *SendJob) IdentityKey() IdentityKey {
	return IdentityKey{CampaignID: j.CampaignID, Channel: j.Channel, Address: j.SenderIdentity}
}

// ============================================================================
// Sending identities
// ============================================================================

// PoolKey identifies the identity pool of one campaign on one channel
type PoolKey struct {
	CampaignID string
	Channel    string
}

func (k PoolKey) String() string {
	return k.CampaignID + "/" + k.Channel
}

// IdentityKey identifies one sending identity inside a pool
type IdentityKey struct {
	CampaignID string
	Channel    string
	Address    string
}

// Pool returns the pool the identity belongs to
func (k IdentityKey) Pool() PoolKey {
	return PoolKey{CampaignID: k.CampaignID, Channel: k.Channel}
}

func (k IdentityKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.CampaignID, k.Channel, k.Address)
}

// IdentityRecord is one sending identity (phone number, page, bot account) of a campaign
type IdentityRecord struct {
	CampaignID    string  `json:"campaign_id" db:"campaign_id"`
	Channel       string  `json:"channel" db:"channel"`
	Address       string  `json:"address" db:"address"`
	DailyCount    int     `json:"daily_count" db:"daily_count"`
	TotalCount    int     `json:"total_count" db:"total_count"`
	DailyLimit    int     `json:"daily_limit" db:"daily_limit"`
	TotalLimit    int     `json:"total_limit" db:"total_limit"` // 0 = unlimited
	Reserved      int     `json:"reserved" db:"reserved"`       // sends currently in flight
	Banned        bool    `json:"banned" db:"banned"`
	BanReason     *string `json:"ban_reason,omitempty" db:"ban_reason"`
	RotationIndex int     `json:"rotation_index" db:"rotation_index"`
}

// Key returns the identity key
func (r *IdentityRecord) Key() IdentityKey {
	return IdentityKey{CampaignID: r.CampaignID, Channel: r.Channel, Address: r.Address}
}

// LimitReached reports whether daily or total usage (including reservations) hit the limit
func (r *IdentityRecord) LimitReached() bool {
	if r.DailyLimit > 0 && r.DailyCount+r.Reserved >= r.DailyLimit {
		return true
	}
	if r.TotalLimit > 0 && r.TotalCount+r.Reserved >= r.TotalLimit {
		return true
	}
	return false
}

// Eligible reports whether the identity may be selected for a new send
func (r *IdentityRecord) Eligible() bool {
	return !r.Banned && !r.LimitReached()
}

// AutoRotationIndex asks the pool to place an attached identity at the end of the rotation
const AutoRotationIndex = -1

// RotationCursor is the persisted rotation position of a pool.
// Index and Address identify the identity returned last (Index -1 before the first pick);
// rotation order is (RotationIndex, Address).
type RotationCursor struct {
	Index   int
	Address string
	Version int64
}

// After reports whether rec comes after the cursor in rotation order
func (c RotationCursor) After(rec *IdentityRecord) bool {
	if rec.RotationIndex != c.Index {
		return rec.RotationIndex > c.Index
	}
	return rec.Address > c.Address
}

// ============================================================================
// Conversations and presence
// ============================================================================

// Phase is the visible presence phase of a conversation
type Phase string

// Phase constants
const (
	PhaseOffline   Phase = "offline"
	PhasePreOnline Phase = "pre-online"
	PhaseOnline    Phase = "online"
	PhaseTyping    Phase = "typing"
)

// ConversationKey identifies a conversation: one remote party on one channel
type ConversationKey struct {
	Channel   string
	Recipient string
}

func (k ConversationKey) String() string {
	return k.Channel + ":" + k.Recipient
}

// InboundMessage is one inbound fragment from a remote party
type InboundMessage struct {
	ID         string    `json:"id"`
	Channel    string    `json:"channel"`
	CampaignID string    `json:"campaign_id"`
	Identity   string    `json:"identity"`  // our identity that received the message
	Recipient  string    `json:"recipient"` // the remote party
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// Key returns the conversation the message belongs to
func (m InboundMessage) Key() ConversationKey {
	return ConversationKey{Channel: m.Channel, Recipient: m.Recipient}
}

// ConversationState is the presence/buffer state of one conversation
type ConversationState struct {
	Phase              Phase            `json:"phase"`
	MessageBuffer      []InboundMessage `json:"message_buffer"`
	HasNewMessage      bool             `json:"has_new_message"`
	InterruptRequested bool             `json:"interrupt_requested"`
	OfflineDeadline    *time.Time       `json:"offline_deadline,omitempty"`
	LastActivityAt     time.Time        `json:"last_activity_at"`
}

// CombinedText joins buffered fragments in arrival order
func CombinedText(msgs []InboundMessage) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if t := strings.TrimSpace(m.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// ============================================================================
// Webhook audit
// ============================================================================

// WebhookLog represents the audit trail for incoming webhook events
type WebhookLog struct {
	ID          int64     `json:"id" db:"id"`
	Platform    string    `json:"platform" db:"platform"`
	PayloadJSON []byte    `json:"payload_json" db:"payload_json"`
	Status      string    `json:"status" db:"status"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// WebhookStatus constants for lifecycle management
const (
	WebhookStatusPending   = "pending"
	WebhookStatusProcessed = "processed"
	WebhookStatusFailed    = "failed"
)
