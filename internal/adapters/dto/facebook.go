// Package dto contains data transfer objects for external APIs
// Separating DTOs from handlers and gateways prevents import cycles
package dto

// ============================================================================
// Inbound webhook
// Ref: https://developers.facebook.com/docs/messenger-platform/webhooks
// ============================================================================

// FacebookWebhookRequest is the top-level webhook payload
type FacebookWebhookRequest struct {
	Object string          `json:"object"` // "page" for Messenger
	Entry  []FacebookEntry `json:"entry"`
}

// FacebookEntry holds one page's events
type FacebookEntry struct {
	ID        string              `json:"id"`   // Page ID
	Time      int64               `json:"time"` // Unix milliseconds
	Messaging []FacebookMessaging `json:"messaging"`
}

// FacebookMessaging is a single messaging event: message, echo, delivery or read
type FacebookMessaging struct {
	Sender    FacebookUser      `json:"sender"`
	Recipient FacebookUser      `json:"recipient"`
	Timestamp int64             `json:"timestamp"`
	Message   *FacebookMessage  `json:"message,omitempty"`
	Delivery  *FacebookDelivery `json:"delivery,omitempty"`
	Read      *FacebookRead     `json:"read,omitempty"`
}

// FacebookUser is a PSID or page ID
type FacebookUser struct {
	ID string `json:"id"`
}

// FacebookMessage is the message content
type FacebookMessage struct {
	MID         string               `json:"mid"`
	Text        string               `json:"text"`
	Attachments []FacebookAttachment `json:"attachments,omitempty"`
	IsEcho      bool                 `json:"is_echo,omitempty"` // sent by the page itself
}

// FacebookAttachment is a media attachment
type FacebookAttachment struct {
	Type    string                    `json:"type"` // image, video, audio, file
	Payload FacebookAttachmentPayload `json:"payload"`
}

// FacebookAttachmentPayload carries the attachment URL
type FacebookAttachmentPayload struct {
	URL string `json:"url"`
}

// FacebookDelivery is a delivery receipt
type FacebookDelivery struct {
	MIDs      []string `json:"mids"`
	Watermark int64    `json:"watermark"`
}

// FacebookRead is a read receipt
type FacebookRead struct {
	Watermark int64 `json:"watermark"`
}

// IsUserMessage is false for echoes, delivery receipts and read receipts
func (m *FacebookMessaging) IsUserMessage() bool {
	if m.Message == nil || m.Message.IsEcho {
		return false
	}
	return m.Delivery == nil && m.Read == nil
}

// GetMessageID returns the message ID used for deduplication
func (m *FacebookMessaging) GetMessageID() string {
	if m.Message != nil {
		return m.Message.MID
	}
	return ""
}

// GetContent returns the text, or the first attachment URL for media messages
func (m *FacebookMessaging) GetContent() string {
	if m.Message == nil {
		return ""
	}
	if m.Message.Text != "" {
		return m.Message.Text
	}
	if len(m.Message.Attachments) > 0 {
		return m.Message.Attachments[0].Payload.URL
	}
	return ""
}

// ============================================================================
// Outbound Send API
// Ref: https://developers.facebook.com/docs/messenger-platform/reference/send-api
// ============================================================================

// FacebookSendRequest is a text message or a sender action
type FacebookSendRequest struct {
	Recipient     FacebookUser         `json:"recipient"`
	MessagingType string               `json:"messaging_type,omitempty"` // RESPONSE, UPDATE, MESSAGE_TAG
	Message       *FacebookSendMessage `json:"message,omitempty"`
	SenderAction  string               `json:"sender_action,omitempty"` // mark_seen, typing_on, typing_off
}

// FacebookSendMessage is the outbound message body
type FacebookSendMessage struct {
	Text string `json:"text"`
}

// FacebookSendResponse is returned on success
type FacebookSendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// FacebookErrorResponse wraps a Graph API error
type FacebookErrorResponse struct {
	Error FacebookGraphError `json:"error"`
}

// FacebookGraphError is the Graph API error object
type FacebookGraphError struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	Code         int    `json:"code"`
	ErrorSubcode int    `json:"error_subcode"`
	FBTraceID    string `json:"fbtrace_id"`
}
