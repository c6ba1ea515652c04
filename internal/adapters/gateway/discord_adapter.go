package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"immortal-outreach/internal/core/domain"
	"immortal-outreach/internal/core/ports"
)

var _ ports.ChannelAdapter = (*DiscordAdapter)(nil)

// typingWindow is how long a Discord typing event stays valid
const typingWindow = 10 * time.Second

// discordSession is the subset of *discordgo.Session the adapter calls
type discordSession interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	Close() error
}

// InboundSink receives inbound direct messages
type InboundSink interface {
	Route(ctx context.Context, msg domain.InboundMessage) error
}

// DiscordConfig configures the Discord adapter
type DiscordConfig struct {
	Tokens     []string // one bot token per sending identity
	CampaignID string   // campaign inbound DMs are attributed to
}

// dmChannel records who a DM channel connects
type dmChannel struct {
	bot  string
	user string
}

// DiscordAdapter is the Discord channel adapter.
// Identity = bot user ID, recipient = DM channel ID.
// A DM channel belongs to one bot; another bot reaches the same user through its own channel.
type DiscordAdapter struct {
	cfg  DiscordConfig
	sink InboundSink

	mu       sync.RWMutex
	sessions map[string]discordSession // bot user ID -> session
	typing   map[string]time.Time      // channel ID -> last typing event
	dms      map[string]dmChannel      // channel ID -> bot and user it connects
	now      func() time.Time
}

// NewDiscordAdapter creates an adapter; Start opens the bot sessions
func NewDiscordAdapter(cfg DiscordConfig, sink InboundSink) *DiscordAdapter {
	return &DiscordAdapter{
		cfg:      cfg,
		sink:     sink,
		sessions: make(map[string]discordSession),
		typing:   make(map[string]time.Time),
		dms:      make(map[string]dmChannel),
		now:      time.Now,
	}
}

// Name returns the channel name
func (a *DiscordAdapter) Name() string { return domain.ChannelDiscord }

// Start opens one gateway session per bot token
func (a *DiscordAdapter) Start(ctx context.Context) error {
	for i, token := range a.cfg.Tokens {
		dg, err := discordgo.New("Bot " + token)
		if err != nil {
			return fmt.Errorf("create discord session %d: %w", i, err)
		}
		dg.Identify.Intents = discordgo.IntentsDirectMessages | discordgo.IntentsDirectMessageTyping | discordgo.IntentMessageContent
		// rate limits are reported to the coordinator instead of slept on
		dg.ShouldRetryOnRateLimit = false

		if err := dg.Open(); err != nil {
			return fmt.Errorf("open discord session %d: %w", i, err)
		}
		me, err := dg.User("@me")
		if err != nil {
			dg.Close()
			return fmt.Errorf("resolve discord bot user: %w", err)
		}

		botID := me.ID
		dg.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
			a.handleMessage(ctx, botID, m)
		})
		dg.AddHandler(func(s *discordgo.Session, t *discordgo.TypingStart) {
			a.handleTyping(t)
		})
		a.addSession(botID, dg)

		slog.Info("Discord bot connected",
			"bot_id", botID,
			"username", me.Username,
		)
	}
	return nil
}

// Stop closes every session
func (a *DiscordAdapter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, s := range a.sessions {
		if err := s.Close(); err != nil {
			slog.Warn("Failed to close discord session", "bot_id", id, "error", err)
		}
	}
	a.sessions = make(map[string]discordSession)
}

func (a *DiscordAdapter) addSession(botID string, s discordSession) {
	a.mu.Lock()
	a.sessions[botID] = s
	a.mu.Unlock()
}

func (a *DiscordAdapter) session(botID string) (discordSession, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.sessions[botID]
	return s, ok
}

// handleMessage forwards user DMs; guild traffic and bot messages are ignored
func (a *DiscordAdapter) handleMessage(ctx context.Context, botID string, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == botID || m.GuildID != "" {
		return
	}
	text := strings.TrimSpace(m.Content)
	if text == "" {
		return
	}

	a.mu.Lock()
	delete(a.typing, m.ChannelID)
	a.dms[m.ChannelID] = dmChannel{bot: botID, user: m.Author.ID}
	a.mu.Unlock()

	msg := domain.InboundMessage{
		ID:         m.ID,
		Channel:    domain.ChannelDiscord,
		CampaignID: a.cfg.CampaignID,
		Identity:   botID,
		Recipient:  m.ChannelID,
		Text:       text,
		ReceivedAt: m.Timestamp,
	}
	if err := a.sink.Route(ctx, msg); err != nil {
		slog.Error("Failed to route discord message",
			"error", err,
			"message_id", m.ID,
			"channel_id", m.ChannelID,
		)
	}
}

func (a *DiscordAdapter) handleTyping(t *discordgo.TypingStart) {
	if t.GuildID != "" {
		return
	}
	a.mu.Lock()
	a.typing[t.ChannelID] = a.now()
	a.mu.Unlock()
}

// Send posts the payload into the DM channel as the bot identity
func (a *DiscordAdapter) Send(ctx context.Context, req domain.SendRequest) (domain.SendResult, error) {
	s, ok := a.session(req.Identity)
	if !ok {
		return domain.Failed(domain.ErrorKindAccountRestricted, 0, "no session for bot "+req.Identity), nil
	}

	channelID, err := a.channelFor(ctx, s, req.Identity, req.Recipient)
	if err != nil {
		res := classifyDiscordError(err)
		slog.Warn("Failed to open discord DM channel",
			"error", err,
			"job_id", req.JobID,
			"bot_id", req.Identity,
			"kind", res.Error.Kind,
		)
		return res, nil
	}

	msg, err := s.ChannelMessageSend(channelID, req.Payload, discordgo.WithContext(ctx))
	if err != nil {
		res := classifyDiscordError(err)
		slog.Warn("Discord send failed",
			"error", err,
			"job_id", req.JobID,
			"bot_id", req.Identity,
			"kind", res.Error.Kind,
		)
		return res, nil
	}

	slog.Info("Message sent to Discord",
		"job_id", req.JobID,
		"bot_id", req.Identity,
		"message_id", msg.ID,
	)
	return domain.Sent(msg.ID), nil
}

// channelFor returns the DM channel the bot should post into. A channel opened
// by a different bot is swapped for the bot's own DM with the same user.
func (a *DiscordAdapter) channelFor(ctx context.Context, s discordSession, botID, recipient string) (string, error) {
	a.mu.RLock()
	dm, known := a.dms[recipient]
	a.mu.RUnlock()
	if !known || dm.bot == botID {
		return recipient, nil
	}

	ch, err := s.UserChannelCreate(dm.user, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.dms[ch.ID] = dmChannel{bot: botID, user: dm.user}
	a.mu.Unlock()

	slog.Debug("Opened DM channel for failover bot",
		"bot_id", botID,
		"from_channel", recipient,
		"channel_id", ch.ID,
	)
	return ch.ID, nil
}

// MarkRead is a no-op: bots have no read receipts
func (a *DiscordAdapter) MarkRead(ctx context.Context, identity, recipient string) error {
	return nil
}

// SetTyping starts the typing indicator; Discord clears it on the next message
func (a *DiscordAdapter) SetTyping(ctx context.Context, identity, recipient string, on bool) error {
	if !on {
		return nil
	}
	s, ok := a.session(identity)
	if !ok {
		return fmt.Errorf("set typing: no session for bot %s", identity)
	}
	if err := s.ChannelTyping(recipient, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

// IsTyping reports a typing event from the remote party within the last typingWindow
func (a *DiscordAdapter) IsTyping(ctx context.Context, identity, recipient string) (bool, error) {
	a.mu.RLock()
	at, ok := a.typing[recipient]
	a.mu.RUnlock()
	return ok && a.now().Sub(at) < typingWindow, nil
}

// classifyDiscordError maps discordgo errors to delivery error kinds
// Ref: https://discord.com/developers/docs/topics/opcodes-and-status-codes#json
func classifyDiscordError(err error) domain.SendResult {
	var rlErr *discordgo.RateLimitError
	if errors.As(err, &rlErr) && rlErr.RateLimit != nil && rlErr.TooManyRequests != nil {
		return domain.Failed(domain.ErrorKindRateLimited, rlErr.RetryAfter, rlErr.Message)
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) {
		code := 0
		if restErr.Message != nil {
			code = restErr.Message.Code
		}
		status := 0
		if restErr.Response != nil {
			status = restErr.Response.StatusCode
		}

		switch {
		case status == http.StatusTooManyRequests:
			return domain.Failed(domain.ErrorKindRateLimited, 0, err.Error())
		case code == 40001 || code == 40002 || code == 20026 || status == http.StatusUnauthorized:
			// unauthorized, account verification required, bot flagged as spam
			return domain.Failed(domain.ErrorKindAccountRestricted, 0, err.Error())
		case code == 50001 || code == 50013 || code == 50007 || code == 10003 || code == 10013:
			// missing access, missing permissions, cannot DM user, unknown channel, unknown user
			return domain.Failed(domain.ErrorKindPermanent, 0, err.Error())
		case status == http.StatusForbidden:
			// other 403s concern the target, not the bot account
			return domain.Failed(domain.ErrorKindPermanent, 0, err.Error())
		case status >= 500:
			return domain.Failed(domain.ErrorKindTransient, 0, err.Error())
		default:
			return domain.Failed(domain.ErrorKindPermanent, 0, err.Error())
		}
	}

	// transport failures carry no REST response
	return domain.Failed(domain.ErrorKindTransient, 0, err.Error())
}
