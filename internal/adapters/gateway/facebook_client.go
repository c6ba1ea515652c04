// Package gateway implements channel adapters for external messaging APIs
// Following Hexagonal Architecture: Outbound adapters for external services
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"immortal-outreach/internal/adapters/dto"
	"immortal-outreach/internal/core/domain"
	"immortal-outreach/internal/core/ports"
)

var _ ports.ChannelAdapter = (*FacebookClient)(nil)

// Messenger sender actions
const (
	actionMarkSeen  = "mark_seen"
	actionTypingOn  = "typing_on"
	actionTypingOff = "typing_off"
)

// FacebookConfig configures the Graph API client
type FacebookConfig struct {
	BaseURL    string // https://graph.facebook.com
	APIVersion string
	Timeout    time.Duration
}

// FacebookClient is the Messenger channel adapter.
// Identity = page ID, recipient = page-scoped user ID (PSID).
type FacebookClient struct {
	httpClient  *http.Client
	cfg         FacebookConfig
	credentials ports.CredentialStore
}

// NewFacebookClient creates a new Facebook API client
func NewFacebookClient(cfg FacebookConfig, credentials ports.CredentialStore) *FacebookClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://graph.facebook.com"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v19.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &FacebookClient{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		cfg:         cfg,
		credentials: credentials,
	}
}

// Name returns the channel name
func (c *FacebookClient) Name() string { return domain.ChannelFacebook }

// Send delivers one text message from a page to a PSID
func (c *FacebookClient) Send(ctx context.Context, req domain.SendRequest) (domain.SendResult, error) {
	token, err := c.credentials.Credential(ctx, domain.ChannelFacebook, req.Identity)
	if err != nil {
		if errors.Is(err, domain.ErrIdentityNotFound) {
			return domain.Failed(domain.ErrorKindAccountRestricted, 0, "no page access token"), nil
		}
		return domain.Failed(domain.ErrorKindTransient, 0, "resolve page token: "+err.Error()), nil
	}

	payload := dto.FacebookSendRequest{
		Recipient:     dto.FacebookUser{ID: req.Recipient},
		MessagingType: "RESPONSE",
		Message:       &dto.FacebookSendMessage{Text: req.Payload},
	}

	slog.Debug("Sending message to Facebook",
		"job_id", req.JobID,
		"page_id", req.Identity,
		"recipient_psid", req.Recipient,
		"text_length", len(req.Payload),
	)

	status, header, body, err := c.post(ctx, token, payload)
	if err != nil {
		slog.Warn("Facebook request failed",
			"error", err,
			"job_id", req.JobID,
		)
		return domain.Failed(domain.ErrorKindTransient, 0, err.Error()), nil
	}

	if status != http.StatusOK {
		return classifyGraphError(status, header, body), nil
	}

	var sendResp dto.FacebookSendResponse
	if err := json.Unmarshal(body, &sendResp); err != nil {
		// 200 means Facebook accepted it
		slog.Warn("Failed to parse success response",
			"error", err,
			"job_id", req.JobID,
		)
	}

	slog.Info("Message sent to Facebook",
		"job_id", req.JobID,
		"page_id", req.Identity,
		"message_id", sendResp.MessageID,
	)
	return domain.Sent(sendResp.MessageID), nil
}

// MarkRead sends the mark_seen sender action
func (c *FacebookClient) MarkRead(ctx context.Context, identity, recipient string) error {
	return c.senderAction(ctx, identity, recipient, actionMarkSeen)
}

// SetTyping toggles the typing bubble in the customer's Messenger
func (c *FacebookClient) SetTyping(ctx context.Context, identity, recipient string, on bool) error {
	action := actionTypingOff
	if on {
		action = actionTypingOn
	}
	return c.senderAction(ctx, identity, recipient, action)
}

// IsTyping is always false: Messenger does not report user typing to pages
func (c *FacebookClient) IsTyping(ctx context.Context, identity, recipient string) (bool, error) {
	return false, nil
}

func (c *FacebookClient) senderAction(ctx context.Context, identity, recipient, action string) error {
	token, err := c.credentials.Credential(ctx, domain.ChannelFacebook, identity)
	if err != nil {
		return fmt.Errorf("resolve page token: %w", err)
	}

	payload := dto.FacebookSendRequest{
		Recipient:    dto.FacebookUser{ID: recipient},
		SenderAction: action,
	}
	status, _, body, err := c.post(ctx, token, payload)
	if err != nil {
		return fmt.Errorf("send %s: %w", action, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("send %s: status %d: %s", action, status, graphMessage(body))
	}
	return nil
}

func (c *FacebookClient) post(ctx context.Context, token string, payload dto.FacebookSendRequest) (int, http.Header, []byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/me/messages", c.cfg.BaseURL, c.cfg.APIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.URL.RawQuery = "access_token=" + token

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("facebook api request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

// classifyGraphError maps a Graph API error to a delivery error kind
// Ref: https://developers.facebook.com/docs/messenger-platform/error-codes
func classifyGraphError(status int, header http.Header, body []byte) domain.SendResult {
	var fbErr dto.FacebookErrorResponse
	if err := json.Unmarshal(body, &fbErr); err != nil || fbErr.Error.Code == 0 {
		slog.Error("Facebook API error (unparseable)",
			"status_code", status,
			"body", string(body),
		)
		if status >= 500 || status == http.StatusTooManyRequests {
			return domain.Failed(domain.ErrorKindTransient, retryAfter(header), fmt.Sprintf("http %d", status))
		}
		return domain.Failed(domain.ErrorKindPermanent, 0, fmt.Sprintf("http %d: %s", status, string(body)))
	}

	e := fbErr.Error
	slog.Error("Facebook API error",
		"status_code", status,
		"error_code", e.Code,
		"error_message", e.Message,
		"error_subcode", e.ErrorSubcode,
		"fbtrace_id", e.FBTraceID,
	)
	msg := fmt.Sprintf("code %d: %s", e.Code, e.Message)

	switch e.Code {
	case 4, 17, 32, 613: // rate limiting
		return domain.Failed(domain.ErrorKindRateLimited, retryAfter(header), msg)
	case 190, 10, 200, 299, 368: // token, permission, policy block
		return domain.Failed(domain.ErrorKindAccountRestricted, 0, msg)
	case 551, 100: // recipient unavailable, invalid parameter
		return domain.Failed(domain.ErrorKindPermanent, 0, msg)
	case 1, 2: // unknown error, service unavailable
		return domain.Failed(domain.ErrorKindTransient, 0, msg)
	}
	if status >= 500 {
		return domain.Failed(domain.ErrorKindTransient, 0, msg)
	}
	return domain.Failed(domain.ErrorKindPermanent, 0, msg)
}

// retryAfter reads Retry-After in seconds; 0 lets the coordinator use its default
func retryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	secs, err := strconv.Atoi(header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func graphMessage(body []byte) string {
	var fbErr dto.FacebookErrorResponse
	if err := json.Unmarshal(body, &fbErr); err == nil && fbErr.Error.Message != "" {
		return fbErr.Error.Message
	}
	return string(body)
}
