// Package services contains core business logic
// Following Hexagonal Architecture: Services orchestrate domain logic using ports
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"immortal-outreach/internal/adapters/dto"
	"immortal-outreach/internal/core/domain"
	"immortal-outreach/internal/core/ports"
)

const inboundDedupTTL = 24 * time.Hour

// InboundHandler accepts inbound fragments; implemented by PresenceRegistry
type InboundHandler interface {
	HandleInbound(msg domain.InboundMessage) error
}

// InboundRouter turns channel events into InboundMessages for the presence registry
type InboundRouter struct {
	webhookRepo ports.WebhookRepository
	dedupRepo   ports.DedupRepository
	presence    InboundHandler

	// campaign that owns replies on a channel
	campaigns map[string]string
}

// NewInboundRouter creates a router with dependencies injected
func NewInboundRouter(
	webhookRepo ports.WebhookRepository,
	dedupRepo ports.DedupRepository,
	presence InboundHandler,
	campaigns map[string]string,
) *InboundRouter {
	if campaigns == nil {
		campaigns = map[string]string{}
	}
	return &InboundRouter{
		webhookRepo: webhookRepo,
		dedupRepo:   dedupRepo,
		presence:    presence,
		campaigns:   campaigns,
	}
}

// ProcessWebhook handles a raw Messenger webhook payload.
// Echoes, delivery receipts and read receipts are filtered out.
func (r *InboundRouter) ProcessWebhook(ctx context.Context, platform string, payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("PANIC recovered in ProcessWebhook",
				"panic", rec,
				"platform", platform,
			)
		}
	}()

	status := domain.WebhookStatusProcessed
	defer func() {
		r.saveLog(ctx, platform, payload, status)
	}()

	var fbPayload dto.FacebookWebhookRequest
	if err := json.Unmarshal(payload, &fbPayload); err != nil {
		slog.Error("Failed to parse Facebook webhook JSON",
			"error", err,
		)
		status = domain.WebhookStatusFailed
		return
	}

	processed, skipped, failed := 0, 0, 0
	for _, entry := range fbPayload.Entry {
		for i := range entry.Messaging {
			messaging := &entry.Messaging[i]
			if !messaging.IsUserMessage() {
				skipped++
				continue
			}

			msg := domain.InboundMessage{
				ID:         messaging.GetMessageID(),
				Channel:    domain.ChannelFacebook,
				CampaignID: r.campaigns[domain.ChannelFacebook],
				Identity:   messaging.Recipient.ID, // page
				Recipient:  messaging.Sender.ID,    // PSID
				Text:       messaging.GetContent(),
				ReceivedAt: receivedAt(messaging.Timestamp),
			}
			if err := r.Route(ctx, msg); err != nil {
				slog.Error("Failed to route message",
					"error", err,
					"message_id", msg.ID,
				)
				failed++
				continue
			}
			processed++
		}
	}
	if failed > 0 {
		status = domain.WebhookStatusFailed
	}

	slog.Info("Webhook processing completed",
		"processed", processed,
		"skipped", skipped,
		"failed", failed,
	)
}

// Route deduplicates one inbound message and hands it to presence
func (r *InboundRouter) Route(ctx context.Context, msg domain.InboundMessage) error {
	if msg.CampaignID == "" {
		msg.CampaignID = r.campaigns[msg.Channel]
	}
	dedupKey := msg.Channel + ":" + msg.ID

	if msg.ID != "" && r.dedupRepo != nil {
		isDup, err := r.dedupRepo.IsDuplicate(ctx, dedupKey)
		if err != nil {
			return fmt.Errorf("dedup check failed: %w", err)
		}
		if isDup {
			slog.Info("Duplicate message detected, skipping",
				"message_id", msg.ID,
				"channel", msg.Channel,
			)
			return nil
		}
	}

	if err := r.presence.HandleInbound(msg); err != nil {
		return fmt.Errorf("buffer inbound message: %w", err)
	}

	if msg.ID != "" && r.dedupRepo != nil {
		if err := r.dedupRepo.MarkProcessed(ctx, dedupKey, inboundDedupTTL); err != nil {
			slog.Warn("Failed to mark message in dedup cache",
				"error", err,
				"message_id", msg.ID,
			)
		}
	}

	slog.Debug("Inbound message buffered",
		"message_id", msg.ID,
		"channel", msg.Channel,
		"recipient", msg.Recipient,
		"content_preview", preview(msg.Text, 50),
	)
	return nil
}

func (r *InboundRouter) saveLog(ctx context.Context, platform string, payload []byte, status string) {
	if r.webhookRepo == nil {
		return
	}
	log := &domain.WebhookLog{
		Platform:    platform,
		PayloadJSON: payload,
		Status:      status,
		CreatedAt:   time.Now(),
	}
	if err := r.webhookRepo.SaveLog(ctx, log); err != nil {
		slog.Error("Failed to save webhook log",
			"error", err,
		)
	}
}

func receivedAt(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
