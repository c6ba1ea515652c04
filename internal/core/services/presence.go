package services

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"immortal-outreach/internal/core/domain"
	"immortal-outreach/internal/core/ports"
	"immortal-outreach/internal/metrics"
)

// PresenceConfig holds the human-behaviour timings of the presence state machine
type PresenceConfig struct {
	Debounce            time.Duration // quiet period that closes an inbound burst
	PreOnlineMin        time.Duration
	PreOnlineMax        time.Duration
	TypingLead          time.Duration // typing shown before the buffer is considered settled
	SettleMax           time.Duration // upper bound on waiting for the burst to end
	RemoteTypingPoll    time.Duration
	RemoteTypingMaxWait time.Duration
	OfflineMin          time.Duration
	OfflineMax          time.Duration
	GenerateTimeout     time.Duration
}

// DefaultPresenceConfig returns production timings
func DefaultPresenceConfig() PresenceConfig {
	return PresenceConfig{
		Debounce:            1500 * time.Millisecond,
		PreOnlineMin:        2 * time.Second,
		PreOnlineMax:        6 * time.Second,
		TypingLead:          time.Second,
		SettleMax:           15 * time.Second,
		RemoteTypingPoll:    time.Second,
		RemoteTypingMaxWait: 20 * time.Second,
		OfflineMin:          time.Minute,
		OfflineMax:          5 * time.Minute,
		GenerateTimeout:     60 * time.Second,
	}
}

// ReplyTarget addresses a reply: our identity talking to a remote party
type ReplyTarget struct {
	Channel    string
	CampaignID string
	Identity   string
	Recipient  string
}

// ReplySender delivers a generated reply fragment by fragment.
// interrupted is polled between fragments; when it reports true the sender
// stops and returns ErrReplyInterrupted with the count already sent.
type ReplySender interface {
	SendReply(ctx context.Context, target ReplyTarget, reply string, interrupted func() bool) (int, error)
}

// AdapterLookup resolves the channel adapter for a channel name
type AdapterLookup func(channel string) (ports.ChannelAdapter, bool)

// conversation owns the state of one (channel, recipient) pair.
// Every field is guarded by mu; processing is the single-writer flag.
type conversation struct {
	key domain.ConversationKey

	mu         sync.Mutex
	target     ReplyTarget
	state      domain.ConversationState
	processing bool
	debounce   *time.Timer
	offline    *time.Timer
	offlineGen uint64
}

// PresenceRegistry owns every live conversation and runs their presence cycles
type PresenceRegistry struct {
	cfg       PresenceConfig
	adapters  AdapterLookup
	generator ports.ResponseGenerator
	sender    ReplySender
	kill      *KillSwitch
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	convs map[domain.ConversationKey]*conversation

	now func() time.Time
}

// NewPresenceRegistry creates an empty registry. Close stops pending cycles.
func NewPresenceRegistry(
	cfg PresenceConfig,
	adapters AdapterLookup,
	generator ports.ResponseGenerator,
	sender ReplySender,
	kill *KillSwitch,
	m *metrics.Metrics,
) *PresenceRegistry {
	ctx, cancel := context.WithCancel(context.Background())
	return &PresenceRegistry{
		cfg:       cfg,
		adapters:  adapters,
		generator: generator,
		sender:    sender,
		kill:      kill,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		convs:     make(map[domain.ConversationKey]*conversation),
		now:       time.Now,
	}
}

// HandleInbound buffers one inbound fragment. Outside a cycle it (re)arms the
// debounce timer; during a cycle it flags the cycle to re-evaluate.
func (r *PresenceRegistry) HandleInbound(msg domain.InboundMessage) error {
	if _, ok := r.adapters(msg.Channel); !ok {
		return domain.ErrUnsupportedChannel
	}
	if r.ctx.Err() != nil {
		return domain.ErrQueueClosed
	}

	now := r.now()
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = now
	}

	conv := r.conversation(msg.Key())
	conv.mu.Lock()
	defer conv.mu.Unlock()

	conv.target = ReplyTarget{
		Channel:    msg.Channel,
		CampaignID: msg.CampaignID,
		Identity:   msg.Identity,
		Recipient:  msg.Recipient,
	}
	conv.state.MessageBuffer = append(conv.state.MessageBuffer, msg)
	conv.state.LastActivityAt = now

	conv.cancelOffline()

	if conv.processing {
		conv.state.HasNewMessage = true
		conv.state.InterruptRequested = true
		slog.Debug("Inbound during active cycle",
			"conversation", conv.key.String(),
			"buffered", len(conv.state.MessageBuffer),
		)
		return nil
	}

	if conv.debounce != nil {
		conv.debounce.Stop()
	}
	conv.debounce = time.AfterFunc(r.cfg.Debounce, func() { r.runCycle(conv) })
	return nil
}

func (r *PresenceRegistry) conversation(key domain.ConversationKey) *conversation {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.convs[key]
	if !ok {
		conv = &conversation{
			key:   key,
			state: domain.ConversationState{Phase: domain.PhaseOffline},
		}
		r.convs[key] = conv
		r.metrics.SetConversations(len(r.convs))
	}
	return conv
}

// runCycle drains and answers the buffer until no new input is pending
func (r *PresenceRegistry) runCycle(conv *conversation) {
	conv.mu.Lock()
	conv.debounce = nil
	if conv.processing || len(conv.state.MessageBuffer) == 0 {
		conv.mu.Unlock()
		return
	}
	conv.processing = true
	conv.mu.Unlock()

	for {
		r.metrics.Cycle(conv.key.Channel)
		if !r.cyclePass(conv) {
			r.recoverCycle(conv)
			return
		}
		if r.finish(conv) {
			return
		}
	}
}

// cyclePass runs one pass and reports false when it panicked
func (r *PresenceRegistry) cyclePass(conv *conversation) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("PANIC recovered in presence cycle",
				"panic", rec,
				"conversation", conv.key.String(),
			)
			ok = false
		}
	}()
	r.cycleOnce(conv)
	return true
}

// recoverCycle ends a cycle that panicked. The conversation shows online again
// and input still buffered gets a fresh debounce rather than an immediate retry.
func (r *PresenceRegistry) recoverCycle(conv *conversation) {
	conv.mu.Lock()
	target := conv.target
	conv.processing = false
	conv.state.HasNewMessage = false
	conv.state.InterruptRequested = false
	pending := len(conv.state.MessageBuffer)
	if pending > 0 && r.ctx.Err() == nil {
		if conv.state.Phase != domain.PhaseOffline {
			conv.state.Phase = domain.PhaseOnline
		}
		conv.debounce = time.AfterFunc(r.cfg.Debounce, func() { r.runCycle(conv) })
	} else if conv.state.Phase != domain.PhaseOffline {
		r.armOffline(conv)
	}
	conv.mu.Unlock()

	slog.Warn("Presence cycle aborted",
		"conversation", conv.key.String(),
		"pending", pending,
	)
	r.clearTyping(conv, target)
}

func (r *PresenceRegistry) clearTyping(conv *conversation, target ReplyTarget) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("PANIC recovered clearing typing indicator",
				"panic", rec,
				"conversation", conv.key.String(),
			)
		}
	}()
	if adapter, ok := r.adapters(target.Channel); ok {
		r.bestEffort(conv, "typing off", adapter.SetTyping(r.ctx, target.Identity, target.Recipient, false))
	}
}

// cycleOnce runs one presence pass: wake up, read, type, settle, drain, answer
func (r *PresenceRegistry) cycleOnce(conv *conversation) {
	ctx := r.ctx
	conv.mu.Lock()
	target := conv.target
	conv.mu.Unlock()

	adapter, ok := r.adapters(target.Channel)
	if !ok {
		dropped := conv.drain()
		slog.Error("No adapter for conversation channel, dropping buffer",
			"conversation", conv.key.String(),
			"fragments", len(dropped),
		)
		return
	}

	// An inbound message is itself evidence that the remote party is active
	if conv.phase() == domain.PhaseOffline {
		conv.setPhase(domain.PhasePreOnline)
		if !sleepCtx(ctx, randBetween(r.cfg.PreOnlineMin, r.cfg.PreOnlineMax)) {
			return
		}
		conv.setPhase(domain.PhaseOnline)
	}

	r.bestEffort(conv, "mark read", adapter.MarkRead(ctx, target.Identity, target.Recipient))

	if !r.waitRemoteTyping(ctx, conv, adapter, target) {
		return
	}

	conv.setPhase(domain.PhaseTyping)
	r.bestEffort(conv, "typing on", adapter.SetTyping(ctx, target.Identity, target.Recipient, true))

	if !r.settle(ctx, conv) {
		return
	}

	drained := conv.drain()
	if len(drained) == 0 {
		return
	}
	text := domain.CombinedText(drained)
	if text == "" {
		return
	}

	if r.kill != nil && r.kill.IsActive() {
		slog.Info("Auto-reply paused, buffer consumed without reply",
			"conversation", conv.key.String(),
			"fragments", len(drained),
		)
		r.bestEffort(conv, "typing off", adapter.SetTyping(ctx, target.Identity, target.Recipient, false))
		return
	}

	genCtx, cancel := ctx, context.CancelFunc(func() {})
	if r.cfg.GenerateTimeout > 0 {
		genCtx, cancel = context.WithTimeout(ctx, r.cfg.GenerateTimeout)
	}
	reply, err := r.generator.Generate(genCtx, ports.GenerateRequest{
		Conversation: conv.key,
		CampaignID:   target.CampaignID,
		Identity:     target.Identity,
		Text:         text,
	})
	cancel()
	if err != nil {
		r.metrics.GeneratorFailed(target.Channel)
		slog.Error("Response generation failed",
			"error", err,
			"conversation", conv.key.String(),
		)
		return
	}

	// Input arrived while generating: the reply is already stale
	if conv.superseded() {
		r.metrics.Interrupted(target.Channel)
		conv.requeue(drained)
		slog.Info("Reply superseded before sending",
			"conversation", conv.key.String(),
		)
		return
	}

	sent, err := r.sender.SendReply(ctx, target, reply, conv.interrupted)
	switch {
	case errors.Is(err, domain.ErrReplyInterrupted):
		r.metrics.Interrupted(target.Channel)
		if sent == 0 {
			conv.requeue(drained)
		}
		slog.Info("Reply interrupted by new inbound message",
			"conversation", conv.key.String(),
			"fragments_sent", sent,
		)
	case err != nil:
		slog.Error("Reply delivery failed",
			"error", err,
			"conversation", conv.key.String(),
			"fragments_sent", sent,
		)
	default:
		slog.Debug("Reply sent",
			"conversation", conv.key.String(),
			"fragments", sent,
		)
	}
}

// waitRemoteTyping holds the reply while the remote party is still typing
func (r *PresenceRegistry) waitRemoteTyping(ctx context.Context, conv *conversation, adapter ports.ChannelAdapter, target ReplyTarget) bool {
	deadline := r.now().Add(r.cfg.RemoteTypingMaxWait)
	for r.now().Before(deadline) {
		typing, err := adapter.IsTyping(ctx, target.Identity, target.Recipient)
		if err != nil {
			r.bestEffort(conv, "is typing", err)
			return ctx.Err() == nil
		}
		if !typing {
			return true
		}
		if !sleepCtx(ctx, r.cfg.RemoteTypingPoll) {
			return false
		}
	}
	return ctx.Err() == nil
}

// settle keeps typing while fragments keep arriving, bounded by SettleMax
func (r *PresenceRegistry) settle(ctx context.Context, conv *conversation) bool {
	if !sleepCtx(ctx, r.cfg.TypingLead) {
		return false
	}
	deadline := r.now().Add(r.cfg.SettleMax)
	for {
		conv.mu.Lock()
		quiet := r.now().Sub(conv.state.LastActivityAt)
		conv.mu.Unlock()

		remaining := deadline.Sub(r.now())
		if quiet >= r.cfg.Debounce || remaining <= 0 {
			return true
		}
		wait := r.cfg.Debounce - quiet
		if wait > remaining {
			wait = remaining
		}
		if !sleepCtx(ctx, wait) {
			return false
		}
	}
}

// finish ends the cycle unless input arrived meanwhile. The check and the
// release of the processing flag happen under one lock so nothing slips between.
func (r *PresenceRegistry) finish(conv *conversation) bool {
	conv.mu.Lock()
	defer conv.mu.Unlock()

	if r.ctx.Err() == nil && (conv.state.HasNewMessage || len(conv.state.MessageBuffer) > 0) {
		conv.state.HasNewMessage = false
		conv.state.InterruptRequested = false
		return false
	}

	conv.processing = false
	if conv.state.Phase != domain.PhaseOffline {
		r.armOffline(conv)
	}
	return true
}

// armOffline shows the conversation online until a random offline deadline.
// Caller holds conv.mu.
func (r *PresenceRegistry) armOffline(conv *conversation) {
	conv.state.Phase = domain.PhaseOnline
	window := randBetween(r.cfg.OfflineMin, r.cfg.OfflineMax)
	deadline := r.now().Add(window)
	conv.state.OfflineDeadline = &deadline
	conv.offlineGen++
	gen := conv.offlineGen
	conv.offline = time.AfterFunc(window, func() { r.goOffline(conv, gen) })
}

func (r *PresenceRegistry) goOffline(conv *conversation, gen uint64) {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	if conv.offlineGen != gen || conv.offline == nil || conv.processing {
		return
	}
	conv.offline = nil
	conv.state.OfflineDeadline = nil
	conv.state.Phase = domain.PhaseOffline
	slog.Debug("Conversation went offline", "conversation", conv.key.String())
}

func (r *PresenceRegistry) bestEffort(conv *conversation, action string, err error) {
	if err == nil {
		return
	}
	slog.Warn("Presence update failed",
		"action", action,
		"error", err,
		"conversation", conv.key.String(),
	)
}

// historyForgetter is implemented by generators that keep per-conversation history
type historyForgetter interface {
	Forget(key domain.ConversationKey)
}

// Evict drops offline conversations idle for longer than idle
func (r *PresenceRegistry) Evict(idle time.Duration) int {
	cutoff := r.now().Add(-idle)

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for key, conv := range r.convs {
		conv.mu.Lock()
		stale := !conv.processing &&
			conv.debounce == nil &&
			conv.state.Phase == domain.PhaseOffline &&
			len(conv.state.MessageBuffer) == 0 &&
			conv.state.LastActivityAt.Before(cutoff)
		conv.mu.Unlock()
		if stale {
			delete(r.convs, key)
			if f, ok := r.generator.(historyForgetter); ok {
				f.Forget(key)
			}
			evicted++
		}
	}
	r.metrics.SetConversations(len(r.convs))
	return evicted
}

// Count returns the number of live conversations
func (r *PresenceRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.convs)
}

// State returns a copy of the conversation state
func (r *PresenceRegistry) State(key domain.ConversationKey) (domain.ConversationState, bool) {
	r.mu.Lock()
	conv, ok := r.convs[key]
	r.mu.Unlock()
	if !ok {
		return domain.ConversationState{}, false
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()
	st := conv.state
	st.MessageBuffer = append([]domain.InboundMessage(nil), conv.state.MessageBuffer...)
	return st, true
}

// Processing reports whether a cycle is running for the conversation
func (r *PresenceRegistry) Processing(key domain.ConversationKey) bool {
	r.mu.Lock()
	conv, ok := r.convs[key]
	r.mu.Unlock()
	if !ok {
		return false
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return conv.processing
}

// Close cancels running cycles and stops every timer
func (r *PresenceRegistry) Close() {
	r.cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conv := range r.convs {
		conv.mu.Lock()
		if conv.debounce != nil {
			conv.debounce.Stop()
		}
		if conv.offline != nil {
			conv.offline.Stop()
		}
		conv.mu.Unlock()
	}
}

// cancelOffline stops a pending offline transition; caller holds mu
func (c *conversation) cancelOffline() {
	if c.offline != nil {
		c.offline.Stop()
		c.offline = nil
	}
	c.offlineGen++
	c.state.OfflineDeadline = nil
}

func (c *conversation) phase() domain.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Phase
}

func (c *conversation) setPhase(p domain.Phase) {
	c.mu.Lock()
	c.state.Phase = p
	c.mu.Unlock()
	slog.Debug("Presence phase", "conversation", c.key.String(), "phase", p)
}

// drain takes the whole buffer and clears the new-input flags
func (c *conversation) drain() []domain.InboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	drained := c.state.MessageBuffer
	c.state.MessageBuffer = nil
	c.state.HasNewMessage = false
	c.state.InterruptRequested = false
	return drained
}

// requeue puts unanswered fragments back ahead of anything that arrived since
func (c *conversation) requeue(msgs []domain.InboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.MessageBuffer = append(append([]domain.InboundMessage(nil), msgs...), c.state.MessageBuffer...)
}

func (c *conversation) superseded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.HasNewMessage
}

func (c *conversation) interrupted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.InterruptRequested
}

// randBetween returns a uniformly jittered duration in [min, max]
func randBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)+1))
}
