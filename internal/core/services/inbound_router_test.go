package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"immortal-outreach/internal/core/domain"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// createTestRouter creates a router with mock collaborators
func createTestRouter() (*InboundRouter, *MockWebhookRepository, *MockDedupRepository, *MockInboundHandler) {
	webhookRepo := new(MockWebhookRepository)
	dedupRepo := new(MockDedupRepository)
	presence := new(MockInboundHandler)

	router := NewInboundRouter(webhookRepo, dedupRepo, presence, map[string]string{
		domain.ChannelFacebook: "inbound-fb",
	})

	return router, webhookRepo, dedupRepo, presence
}

// createValidUserMessagePayload creates a valid Facebook webhook JSON with a user message
func createValidUserMessagePayload() []byte {
	payload := map[string]interface{}{
		"object": "page",
		"entry": []map[string]interface{}{
			{
				"id":   "PAGE_ID_456",
				"time": 1234567890,
				"messaging": []map[string]interface{}{
					{
						"sender":    map[string]string{"id": "USER_PSID_123"},
						"recipient": map[string]string{"id": "PAGE_ID_456"},
						"timestamp": 1234567890,
						"message": map[string]interface{}{
							"mid":  "mid.test123",
							"text": "Hello, this is a test message",
						},
					},
				},
			},
		},
	}

	data, _ := json.Marshal(payload)
	return data
}

// createEchoMessagePayload creates a webhook with an echo and a read receipt (both filtered)
func createEchoMessagePayload() []byte {
	payload := map[string]interface{}{
		"object": "page",
		"entry": []map[string]interface{}{
			{
				"id":   "PAGE_ID_456",
				"time": 1234567890,
				"messaging": []map[string]interface{}{
					{
						"sender":    map[string]string{"id": "PAGE_ID_456"},
						"recipient": map[string]string{"id": "USER_PSID_123"},
						"timestamp": 1234567890,
						"message": map[string]interface{}{
							"mid":     "mid.echo123",
							"text":    "This is an echo",
							"is_echo": true,
						},
					},
					{
						"sender":    map[string]string{"id": "USER_PSID_123"},
						"recipient": map[string]string{"id": "PAGE_ID_456"},
						"timestamp": 1234567890,
						"read":      map[string]interface{}{"watermark": 1234567000},
					},
				},
			},
		},
	}

	data, _ := json.Marshal(payload)
	return data
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestProcessWebhook_ValidUserMessage(t *testing.T) {
	router, webhookRepo, dedupRepo, presence := createTestRouter()
	ctx := context.Background()

	webhookRepo.On("SaveLog", ctx, mock.MatchedBy(func(log *domain.WebhookLog) bool {
		return log.Status == domain.WebhookStatusProcessed && log.Platform == "facebook"
	})).Return(nil)
	dedupRepo.On("IsDuplicate", ctx, "facebook:mid.test123").Return(false, nil)
	presence.On("HandleInbound", mock.MatchedBy(func(msg domain.InboundMessage) bool {
		return msg.ID == "mid.test123" &&
			msg.Text == "Hello, this is a test message" &&
			msg.Recipient == "USER_PSID_123" &&
			msg.Identity == "PAGE_ID_456" &&
			msg.CampaignID == "inbound-fb" &&
			msg.Channel == domain.ChannelFacebook
	})).Return(nil)
	dedupRepo.On("MarkProcessed", ctx, "facebook:mid.test123", 24*time.Hour).Return(nil)

	router.ProcessWebhook(ctx, "facebook", createValidUserMessagePayload())

	presence.AssertExpectations(t)
	dedupRepo.AssertExpectations(t)
	webhookRepo.AssertExpectations(t)
}

func TestProcessWebhook_EchoAndReceiptsAreFiltered(t *testing.T) {
	router, webhookRepo, dedupRepo, presence := createTestRouter()
	ctx := context.Background()

	webhookRepo.On("SaveLog", ctx, mock.AnythingOfType("*domain.WebhookLog")).Return(nil)

	router.ProcessWebhook(ctx, "facebook", createEchoMessagePayload())

	presence.AssertNotCalled(t, "HandleInbound", mock.Anything)
	dedupRepo.AssertNotCalled(t, "IsDuplicate", mock.Anything, mock.Anything)
}

func TestProcessWebhook_DuplicateMessage(t *testing.T) {
	router, webhookRepo, dedupRepo, presence := createTestRouter()
	ctx := context.Background()

	webhookRepo.On("SaveLog", ctx, mock.AnythingOfType("*domain.WebhookLog")).Return(nil)
	dedupRepo.On("IsDuplicate", ctx, "facebook:mid.test123").Return(true, nil)

	router.ProcessWebhook(ctx, "facebook", createValidUserMessagePayload())

	dedupRepo.AssertExpectations(t)
	presence.AssertNotCalled(t, "HandleInbound", mock.Anything)
	dedupRepo.AssertNotCalled(t, "MarkProcessed", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessWebhook_InvalidJSON(t *testing.T) {
	router, webhookRepo, _, presence := createTestRouter()
	ctx := context.Background()

	webhookRepo.On("SaveLog", ctx, mock.MatchedBy(func(log *domain.WebhookLog) bool {
		return log.Status == domain.WebhookStatusFailed
	})).Return(nil)

	assert.NotPanics(t, func() {
		router.ProcessWebhook(ctx, "facebook", []byte(`{"invalid json`))
	})
	webhookRepo.AssertExpectations(t)
	presence.AssertNotCalled(t, "HandleInbound", mock.Anything)
}

func TestProcessWebhook_DedupError(t *testing.T) {
	router, webhookRepo, dedupRepo, presence := createTestRouter()
	ctx := context.Background()

	webhookRepo.On("SaveLog", ctx, mock.MatchedBy(func(log *domain.WebhookLog) bool {
		return log.Status == domain.WebhookStatusFailed
	})).Return(nil)
	dedupRepo.On("IsDuplicate", ctx, "facebook:mid.test123").Return(false, errors.New("redis connection error"))

	assert.NotPanics(t, func() {
		router.ProcessWebhook(ctx, "facebook", createValidUserMessagePayload())
	})

	presence.AssertNotCalled(t, "HandleInbound", mock.Anything)
	webhookRepo.AssertExpectations(t)
}

func TestProcessWebhook_PresenceRejects(t *testing.T) {
	router, webhookRepo, dedupRepo, presence := createTestRouter()
	ctx := context.Background()

	webhookRepo.On("SaveLog", ctx, mock.AnythingOfType("*domain.WebhookLog")).Return(nil)
	dedupRepo.On("IsDuplicate", ctx, "facebook:mid.test123").Return(false, nil)
	presence.On("HandleInbound", mock.Anything).Return(domain.ErrUnsupportedChannel)

	router.ProcessWebhook(ctx, "facebook", createValidUserMessagePayload())

	// not marked processed, so a redelivered webhook gets another chance
	dedupRepo.AssertNotCalled(t, "MarkProcessed", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessWebhook_SaveLogErrorIsTolerated(t *testing.T) {
	router, webhookRepo, dedupRepo, presence := createTestRouter()
	ctx := context.Background()

	webhookRepo.On("SaveLog", ctx, mock.Anything).Return(errors.New("database error"))
	dedupRepo.On("IsDuplicate", ctx, mock.Anything).Return(false, nil)
	dedupRepo.On("MarkProcessed", ctx, mock.Anything, mock.Anything).Return(nil)
	presence.On("HandleInbound", mock.Anything).Return(nil)

	assert.NotPanics(t, func() {
		router.ProcessWebhook(ctx, "facebook", createValidUserMessagePayload())
	})
	presence.AssertNumberOfCalls(t, "HandleInbound", 1)
}

func TestProcessWebhook_PanicRecovery(t *testing.T) {
	router, webhookRepo, dedupRepo, _ := createTestRouter()
	ctx := context.Background()

	webhookRepo.On("SaveLog", ctx, mock.AnythingOfType("*domain.WebhookLog")).Return(nil)
	dedupRepo.On("IsDuplicate", ctx, "facebook:mid.test123").Run(func(args mock.Arguments) {
		panic("simulated panic in dedup check")
	}).Return(false, nil)

	assert.NotPanics(t, func() {
		router.ProcessWebhook(ctx, "facebook", createValidUserMessagePayload())
	})
}

func TestRoute_FillsCampaignFromChannel(t *testing.T) {
	router, _, dedupRepo, presence := createTestRouter()
	ctx := context.Background()

	dedupRepo.On("IsDuplicate", ctx, "facebook:m.9").Return(false, nil)
	dedupRepo.On("MarkProcessed", ctx, "facebook:m.9", 24*time.Hour).Return(nil)
	presence.On("HandleInbound", mock.MatchedBy(func(msg domain.InboundMessage) bool {
		return msg.CampaignID == "inbound-fb"
	})).Return(nil)

	err := router.Route(ctx, domain.InboundMessage{ID: "m.9", Channel: domain.ChannelFacebook, Recipient: "U", Text: "hey"})

	assert.NoError(t, err)
	presence.AssertExpectations(t)
}
