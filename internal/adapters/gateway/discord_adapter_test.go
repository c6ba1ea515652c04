package gateway

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"immortal-outreach/internal/core/domain"
)

// MockDiscordSession mocks the discordgo session calls
type MockDiscordSession struct {
	mock.Mock
}

func (m *MockDiscordSession) ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	args := m.Called(channelID, content)
	msg, _ := args.Get(0).(*discordgo.Message)
	return msg, args.Error(1)
}

func (m *MockDiscordSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	args := m.Called(channelID)
	return args.Error(0)
}

func (m *MockDiscordSession) UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	args := m.Called(recipientID)
	ch, _ := args.Get(0).(*discordgo.Channel)
	return ch, args.Error(1)
}

func (m *MockDiscordSession) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockInboundSink mocks the inbound router
type MockInboundSink struct {
	mock.Mock
}

func (m *MockInboundSink) Route(ctx context.Context, msg domain.InboundMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func newTestDiscord(sink InboundSink) (*DiscordAdapter, *MockDiscordSession) {
	a := NewDiscordAdapter(DiscordConfig{CampaignID: "c1"}, sink)
	s := new(MockDiscordSession)
	a.addSession("BOT_1", s)
	return a, s
}

func TestDiscordAdapter_Send(t *testing.T) {
	a, s := newTestDiscord(nil)
	s.On("ChannelMessageSend", "DM_1", "hello").Return(&discordgo.Message{ID: "m1"}, nil)

	res, err := a.Send(context.Background(), domain.SendRequest{JobID: "j1", Identity: "BOT_1", Recipient: "DM_1", Payload: "hello"})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "m1", res.MessageID)
	s.AssertExpectations(t)
}

func TestDiscordAdapter_SendWithoutSessionRestrictsIdentity(t *testing.T) {
	a, _ := newTestDiscord(nil)

	res, err := a.Send(context.Background(), domain.SendRequest{Identity: "BOT_GONE", Recipient: "DM_1", Payload: "x"})

	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.ErrorKindAccountRestricted, res.Error.Kind)
}

func restError(status, code int) error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: status},
		Message:  &discordgo.APIErrorMessage{Code: code, Message: "discord says no"},
	}
}

func TestClassifyDiscordError(t *testing.T) {
	rateLimited := &discordgo.RateLimitError{RateLimit: &discordgo.RateLimit{
		TooManyRequests: &discordgo.TooManyRequests{Message: "You are being rate limited.", RetryAfter: 3 * time.Second},
		URL:             "/channels/DM_1/messages",
	}}

	tests := []struct {
		name      string
		err       error
		wantKind  domain.ErrorKind
		wantRetry time.Duration
	}{
		{"rate limit error", rateLimited, domain.ErrorKindRateLimited, 3 * time.Second},
		{"429 response", restError(http.StatusTooManyRequests, 0), domain.ErrorKindRateLimited, 0},
		{"unauthorized token", restError(http.StatusUnauthorized, 40001), domain.ErrorKindAccountRestricted, 0},
		{"flagged as spam", restError(http.StatusForbidden, 20026), domain.ErrorKindAccountRestricted, 0},
		{"cannot message user", restError(http.StatusForbidden, 50007), domain.ErrorKindPermanent, 0},
		{"missing access to channel", restError(http.StatusForbidden, 50001), domain.ErrorKindPermanent, 0},
		{"missing permissions", restError(http.StatusForbidden, 50013), domain.ErrorKindPermanent, 0},
		{"other forbidden", restError(http.StatusForbidden, 0), domain.ErrorKindPermanent, 0},
		{"server error", restError(http.StatusBadGateway, 0), domain.ErrorKindTransient, 0},
		{"bad request", restError(http.StatusBadRequest, 50006), domain.ErrorKindPermanent, 0},
		{"transport failure", errors.New("dial tcp: connection refused"), domain.ErrorKindTransient, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := classifyDiscordError(tt.err)
			require.NotNil(t, res.Error)
			assert.Equal(t, tt.wantKind, res.Error.Kind)
			assert.Equal(t, tt.wantRetry, res.Error.RetryAfter)
		})
	}
}

func TestDiscordAdapter_RoutesDirectMessages(t *testing.T) {
	sink := new(MockInboundSink)
	a, _ := newTestDiscord(sink)
	sent := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sink.On("Route", mock.Anything, mock.MatchedBy(func(msg domain.InboundMessage) bool {
		return msg.ID == "m9" &&
			msg.Channel == domain.ChannelDiscord &&
			msg.CampaignID == "c1" &&
			msg.Identity == "BOT_1" &&
			msg.Recipient == "DM_1" &&
			msg.Text == "hi there" &&
			msg.ReceivedAt.Equal(sent)
	})).Return(nil).Once()

	a.handleMessage(context.Background(), "BOT_1", &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "m9", ChannelID: "DM_1", Content: "  hi there ", Timestamp: sent,
		Author: &discordgo.User{ID: "USER_1"},
	}})
	// guild message, own message and bot message are ignored
	a.handleMessage(context.Background(), "BOT_1", &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "g1", ChannelID: "GUILD_CH", GuildID: "G", Content: "x", Author: &discordgo.User{ID: "USER_1"},
	}})
	a.handleMessage(context.Background(), "BOT_1", &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "o1", ChannelID: "DM_1", Content: "x", Author: &discordgo.User{ID: "BOT_1"},
	}})
	a.handleMessage(context.Background(), "BOT_1", &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "b1", ChannelID: "DM_1", Content: "x", Author: &discordgo.User{ID: "OTHER_BOT", Bot: true},
	}})

	sink.AssertExpectations(t)
}

func TestDiscordAdapter_FailoverBotUsesItsOwnDMChannel(t *testing.T) {
	sink := new(MockInboundSink)
	sink.On("Route", mock.Anything, mock.Anything).Return(nil)
	a, first := newTestDiscord(sink)
	second := new(MockDiscordSession)
	a.addSession("BOT_2", second)

	// USER_1 wrote to BOT_1, so DM_1 belongs to BOT_1
	a.handleMessage(context.Background(), "BOT_1", &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "m1", ChannelID: "DM_1", Content: "hi", Author: &discordgo.User{ID: "USER_1"},
	}})

	second.On("UserChannelCreate", "USER_1").Return(&discordgo.Channel{ID: "DM_2"}, nil).Once()
	second.On("ChannelMessageSend", "DM_2", "hello").Return(&discordgo.Message{ID: "m2"}, nil).Twice()
	first.On("ChannelMessageSend", "DM_1", "hello").Return(&discordgo.Message{ID: "m3"}, nil).Once()

	res, err := a.Send(context.Background(), domain.SendRequest{Identity: "BOT_2", Recipient: "DM_1", Payload: "hello"})
	require.NoError(t, err)
	assert.True(t, res.Success)

	// the opened channel is remembered as BOT_2's own
	res, err = a.Send(context.Background(), domain.SendRequest{Identity: "BOT_2", Recipient: "DM_2", Payload: "hello"})
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = a.Send(context.Background(), domain.SendRequest{Identity: "BOT_1", Recipient: "DM_1", Payload: "hello"})
	require.NoError(t, err)
	assert.True(t, res.Success)

	first.AssertExpectations(t)
	second.AssertExpectations(t)
}

func TestDiscordAdapter_FailoverChannelErrorIsClassified(t *testing.T) {
	a, _ := newTestDiscord(nil)
	second := new(MockDiscordSession)
	a.addSession("BOT_2", second)
	a.dms["DM_1"] = dmChannel{bot: "BOT_1", user: "USER_1"}
	second.On("UserChannelCreate", "USER_1").Return(nil, restError(http.StatusForbidden, 50007)).Once()

	res, err := a.Send(context.Background(), domain.SendRequest{Identity: "BOT_2", Recipient: "DM_1", Payload: "hello"})

	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.ErrorKindPermanent, res.Error.Kind)
	second.AssertNotCalled(t, "ChannelMessageSend", mock.Anything, mock.Anything)
}

func TestDiscordAdapter_IsTypingWindow(t *testing.T) {
	a, _ := newTestDiscord(nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	a.handleTyping(&discordgo.TypingStart{ChannelID: "DM_1", UserID: "USER_1"})
	typing, err := a.IsTyping(context.Background(), "BOT_1", "DM_1")
	require.NoError(t, err)
	assert.True(t, typing)

	now = now.Add(11 * time.Second)
	typing, _ = a.IsTyping(context.Background(), "BOT_1", "DM_1")
	assert.False(t, typing, "typing event expired")

	typing, _ = a.IsTyping(context.Background(), "BOT_1", "DM_OTHER")
	assert.False(t, typing)
}

func TestDiscordAdapter_SetTyping(t *testing.T) {
	a, s := newTestDiscord(nil)
	s.On("ChannelTyping", "DM_1").Return(nil).Once()

	require.NoError(t, a.SetTyping(context.Background(), "BOT_1", "DM_1", true))
	require.NoError(t, a.SetTyping(context.Background(), "BOT_1", "DM_1", false))
	assert.Error(t, a.SetTyping(context.Background(), "BOT_X", "DM_1", true))
	assert.NoError(t, a.MarkRead(context.Background(), "BOT_1", "DM_1"))

	s.AssertExpectations(t)
}

func TestDiscordAdapter_Stop(t *testing.T) {
	a, s := newTestDiscord(nil)
	s.On("Close").Return(nil).Once()

	a.Stop()

	s.AssertExpectations(t)
	_, ok := a.session("BOT_1")
	assert.False(t, ok)
}
