// Package handler implements HTTP request handlers
// Following Hexagonal Architecture: Adapters translate HTTP to domain logic
package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// maxWebhookBody bounds the payload read from Facebook
const maxWebhookBody = 1 << 20

// WebhookProcessor consumes verified webhook payloads; implemented by InboundRouter
type WebhookProcessor interface {
	ProcessWebhook(ctx context.Context, platform string, payload []byte)
}

// WebhookHandler handles Facebook webhook verification and events.
// Facebook expects an answer within a few seconds, so processing is asynchronous.
type WebhookHandler struct {
	processor   WebhookProcessor
	appSecret   string // For HMAC signature validation
	verifyToken string // For webhook verification
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(processor WebhookProcessor, appSecret, verifyToken string) *WebhookHandler {
	return &WebhookHandler{
		processor:   processor,
		appSecret:   appSecret,
		verifyToken: verifyToken,
	}
}

// ============================================================================
// GET /webhook/facebook - Webhook Verification
// ============================================================================

// HandleFacebookVerify echoes the subscription challenge when the token matches
// Ref: https://developers.facebook.com/docs/messenger-platform/webhooks#verification
func (h *WebhookHandler) HandleFacebookVerify(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token != "" && token == h.verifyToken {
		slog.Info("Webhook verification successful")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(challenge))
		return
	}

	slog.Warn("Webhook verification failed",
		"mode", mode,
		"token_matches", token == h.verifyToken,
	)
	http.Error(w, "Forbidden", http.StatusForbidden)
}

// ============================================================================
// POST /webhook/facebook - Webhook Events
// ============================================================================

// HandleFacebookEvent validates the signature, answers 200 immediately and
// processes the payload in the background
func (h *WebhookHandler) HandleFacebookEvent(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		slog.Error("Failed to read webhook body", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	// Do NOT process without a valid signature
	signature := r.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		slog.Warn("Webhook received without signature header")
		http.Error(w, "Forbidden - No signature", http.StatusForbidden)
		return
	}
	if !h.validateSignature(body, signature) {
		http.Error(w, "Forbidden - Invalid signature", http.StatusForbidden)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("EVENT_RECEIVED"))

	// the request context ends with the response
	ctx := context.WithoutCancel(r.Context())
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("PANIC in webhook processing goroutine", "panic", rec)
			}
		}()
		h.processor.ProcessWebhook(ctx, "facebook", body)
	}()

	slog.Debug("Webhook received and queued for processing",
		"content_length", len(body),
	)
}

// ============================================================================
// HMAC Signature Validation
// ============================================================================

// validateSignature checks the "sha256=<hex>" HMAC Facebook sends
// Ref: https://developers.facebook.com/docs/messenger-platform/webhooks#security
func (h *WebhookHandler) validateSignature(payload []byte, signatureHeader string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signatureHeader, prefix) {
		slog.Warn("Invalid signature format - missing sha256= prefix")
		return false
	}
	expected, err := hex.DecodeString(strings.TrimPrefix(signatureHeader, prefix))
	if err != nil {
		slog.Warn("Invalid signature format - not hex")
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.appSecret))
	mac.Write(payload)

	if !hmac.Equal(mac.Sum(nil), expected) {
		slog.Warn("Webhook signature mismatch")
		return false
	}
	return true
}
