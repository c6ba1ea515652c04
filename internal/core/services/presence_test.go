package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"immortal-outreach/internal/core/domain"
	"immortal-outreach/internal/core/ports"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// scriptedGenerator records every request and answers from reply
type scriptedGenerator struct {
	mu        sync.Mutex
	texts     []string
	forgotten []domain.ConversationKey
	reply     func(call int, text string) (string, error)
}

func (g *scriptedGenerator) Forget(key domain.ConversationKey) {
	g.mu.Lock()
	g.forgotten = append(g.forgotten, key)
	g.mu.Unlock()
}

func (g *scriptedGenerator) Generate(ctx context.Context, req ports.GenerateRequest) (string, error) {
	g.mu.Lock()
	g.texts = append(g.texts, req.Text)
	call := len(g.texts)
	g.mu.Unlock()
	return g.reply(call, req.Text)
}

func (g *scriptedGenerator) calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.texts...)
}

// recordingDispatcher completes every job immediately
type recordingDispatcher struct {
	mu        sync.Mutex
	payloads  []string
	onEnqueue func(n int, job *domain.SendJob)
}

func (d *recordingDispatcher) Enqueue(ctx context.Context, job *domain.SendJob) error {
	d.mu.Lock()
	d.payloads = append(d.payloads, job.Payload)
	n := len(d.payloads)
	hook := d.onEnqueue
	d.mu.Unlock()
	if hook != nil {
		hook(n, job)
	}
	return nil
}

func (d *recordingDispatcher) EnqueueChain(ctx context.Context, jobs []*domain.SendJob) error {
	for _, job := range jobs {
		if err := d.Enqueue(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func (d *recordingDispatcher) Await(ctx context.Context, jobID string) (domain.JobStatus, error) {
	return domain.JobStatusCompleted, nil
}

func (d *recordingDispatcher) sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.payloads...)
}

func fastPresenceConfig() PresenceConfig {
	return PresenceConfig{
		Debounce:            100 * time.Millisecond,
		PreOnlineMin:        5 * time.Millisecond,
		PreOnlineMax:        10 * time.Millisecond,
		TypingLead:          20 * time.Millisecond,
		SettleMax:           time.Second,
		RemoteTypingPoll:    10 * time.Millisecond,
		RemoteTypingMaxWait: 100 * time.Millisecond,
		OfflineMin:          time.Hour,
		OfflineMax:          time.Hour,
		GenerateTimeout:     time.Second,
	}
}

func presenceAdapter() *MockChannelAdapter {
	a := &MockChannelAdapter{name: domain.ChannelFacebook}
	a.On("MarkRead", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	a.On("SetTyping", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	a.On("IsTyping", mock.Anything, mock.Anything, mock.Anything).Return(false, nil).Maybe()
	return a
}

type presenceFixture struct {
	registry   *PresenceRegistry
	adapter    *MockChannelAdapter
	generator  *scriptedGenerator
	dispatcher *recordingDispatcher
	kill       *KillSwitch
}

func newPresenceFixture(t *testing.T, cfg PresenceConfig, reply func(call int, text string) (string, error)) *presenceFixture {
	f := &presenceFixture{
		adapter:    presenceAdapter(),
		generator:  &scriptedGenerator{reply: reply},
		dispatcher: &recordingDispatcher{},
		kill:       NewKillSwitch(),
	}
	lookup := func(channel string) (ports.ChannelAdapter, bool) {
		if channel == domain.ChannelFacebook {
			return f.adapter, true
		}
		return nil, false
	}
	sender := NewOutboundSender(SenderConfig{MaxFragmentLen: 320}, f.dispatcher, nil, lookup)
	f.registry = NewPresenceRegistry(cfg, lookup, f.generator, sender, f.kill, nil)
	t.Cleanup(f.registry.Close)
	return f
}

var testConversation = domain.ConversationKey{Channel: domain.ChannelFacebook, Recipient: "PSID_1"}

func inbound(id, text string) domain.InboundMessage {
	return domain.InboundMessage{
		ID:         id,
		Channel:    domain.ChannelFacebook,
		CampaignID: "c1",
		Identity:   "PAGE_1",
		Recipient:  "PSID_1",
		Text:       text,
	}
}

func (f *presenceFixture) phase() domain.Phase {
	st, _ := f.registry.State(testConversation)
	return st.Phase
}

func (f *presenceFixture) idle() bool {
	return !f.registry.Processing(testConversation)
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestPresence_BurstIsCoalescedIntoOneGeneration(t *testing.T) {
	cfg := fastPresenceConfig()
	cfg.Debounce = 300 * time.Millisecond
	f := newPresenceFixture(t, cfg, func(int, string) (string, error) { return "Hi!", nil })

	require.NoError(t, f.registry.HandleInbound(inbound("m1", "hello")))
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, f.registry.HandleInbound(inbound("m2", "are you there?")))

	assert.Eventually(t, func() bool { return len(f.dispatcher.sent()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, f.idle, time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"hello\nare you there?"}, f.generator.calls())
	assert.Equal(t, []string{"Hi!"}, f.dispatcher.sent())
	assert.Equal(t, domain.PhaseOnline, f.phase())
}

func TestPresence_FragmentsWhileTypingJoinTheSameBuffer(t *testing.T) {
	cfg := fastPresenceConfig()
	cfg.Debounce = 300 * time.Millisecond
	cfg.TypingLead = 400 * time.Millisecond
	f := newPresenceFixture(t, cfg, func(int, string) (string, error) { return "Sure.", nil })

	require.NoError(t, f.registry.HandleInbound(inbound("m1", "hi")))
	require.Eventually(t, func() bool { return f.phase() == domain.PhaseTyping }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.registry.HandleInbound(inbound("m2", "one thing")))
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, f.registry.HandleInbound(inbound("m3", "another thing")))

	assert.Eventually(t, func() bool { return len(f.dispatcher.sent()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, f.idle, time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"hi\none thing\nanother thing"}, f.generator.calls())
}

func TestPresence_InterruptStopsRemainingFragments(t *testing.T) {
	f := newPresenceFixture(t, fastPresenceConfig(), func(call int, text string) (string, error) {
		if call == 1 {
			return "First part.\n\nSecond part.\n\nThird part.", nil
		}
		return "Got it.", nil
	})
	f.dispatcher.onEnqueue = func(n int, job *domain.SendJob) {
		if n == 1 {
			// new input lands right after fragment 1 went out
			_ = f.registry.HandleInbound(inbound("m2", "wait, new question"))
		}
	}

	require.NoError(t, f.registry.HandleInbound(inbound("m1", "question")))

	assert.Eventually(t, func() bool { return len(f.generator.calls()) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, f.idle, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"question", "wait, new question"}, f.generator.calls())
	assert.Equal(t, []string{"First part.", "Got it."}, f.dispatcher.sent())
}

func TestPresence_InputDuringGenerationTriggersOneMoreCycle(t *testing.T) {
	release := make(chan struct{})
	f := newPresenceFixture(t, fastPresenceConfig(), func(call int, text string) (string, error) {
		if call == 1 {
			<-release
			return "Stale answer.", nil
		}
		return "Fresh answer.", nil
	})

	require.NoError(t, f.registry.HandleInbound(inbound("m1", "first")))
	require.Eventually(t, func() bool { return len(f.generator.calls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.registry.HandleInbound(inbound("m2", "second")))
	close(release)

	assert.Eventually(t, func() bool { return len(f.dispatcher.sent()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, f.idle, time.Second, 10*time.Millisecond)

	// nothing from the stale reply was sent, so its input is answered together with the new one
	assert.Equal(t, []string{"first", "first\nsecond"}, f.generator.calls())
	assert.Equal(t, []string{"Fresh answer."}, f.dispatcher.sent())

	st, ok := f.registry.State(testConversation)
	require.True(t, ok)
	assert.Empty(t, st.MessageBuffer)
	assert.False(t, st.HasNewMessage)
}

func TestPresence_PanicDuringGenerationKeepsNewInput(t *testing.T) {
	release := make(chan struct{})
	f := newPresenceFixture(t, fastPresenceConfig(), func(call int, text string) (string, error) {
		if call == 1 {
			<-release
			panic("generator blew up")
		}
		return "Answer.", nil
	})

	require.NoError(t, f.registry.HandleInbound(inbound("m1", "first")))
	require.Eventually(t, func() bool { return len(f.generator.calls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.registry.HandleInbound(inbound("m2", "second")))
	close(release)

	assert.Eventually(t, func() bool { return len(f.dispatcher.sent()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, f.idle, time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"first", "second"}, f.generator.calls())
	assert.Equal(t, []string{"Answer."}, f.dispatcher.sent())
	st, _ := f.registry.State(testConversation)
	assert.Empty(t, st.MessageBuffer)
	assert.Equal(t, domain.PhaseOnline, st.Phase)
}

func TestPresence_PanicWithEmptyBufferLeavesConversationOnline(t *testing.T) {
	f := newPresenceFixture(t, fastPresenceConfig(), func(int, string) (string, error) {
		panic("generator blew up")
	})

	require.NoError(t, f.registry.HandleInbound(inbound("m1", "hello")))

	assert.Eventually(t, func() bool { return len(f.generator.calls()) == 1 && f.idle() }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return f.phase() == domain.PhaseOnline }, time.Second, 10*time.Millisecond)
	f.adapter.AssertCalled(t, "SetTyping", mock.Anything, "PAGE_1", "PSID_1", false)

	// the conversation keeps answering afterwards
	require.NoError(t, f.registry.HandleInbound(inbound("m2", "still there?")))
	assert.Eventually(t, func() bool { return len(f.generator.calls()) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestPresence_KillSwitchSuppressesReplies(t *testing.T) {
	f := newPresenceFixture(t, fastPresenceConfig(), func(int, string) (string, error) { return "nope", nil })
	f.kill.Enable("maintenance", "test")

	require.NoError(t, f.registry.HandleInbound(inbound("m1", "hello")))

	assert.Eventually(t, func() bool {
		st, _ := f.registry.State(testConversation)
		return f.idle() && len(st.MessageBuffer) == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Empty(t, f.generator.calls())
	assert.Empty(t, f.dispatcher.sent())
	f.adapter.AssertCalled(t, "MarkRead", mock.Anything, "PAGE_1", "PSID_1")
}

func TestPresence_GeneratorErrorSendsNothing(t *testing.T) {
	f := newPresenceFixture(t, fastPresenceConfig(), func(int, string) (string, error) {
		return "", errors.New("model overloaded")
	})

	require.NoError(t, f.registry.HandleInbound(inbound("m1", "hello")))

	assert.Eventually(t, func() bool { return len(f.generator.calls()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, f.idle, time.Second, 10*time.Millisecond)
	assert.Empty(t, f.dispatcher.sent())
}

func TestPresence_PresenceFailuresAreBestEffort(t *testing.T) {
	f := newPresenceFixture(t, fastPresenceConfig(), func(int, string) (string, error) { return "Hello!", nil })
	f.adapter = &MockChannelAdapter{name: domain.ChannelFacebook}
	f.adapter.On("MarkRead", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("graph down"))
	f.adapter.On("SetTyping", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("graph down"))
	f.adapter.On("IsTyping", mock.Anything, mock.Anything, mock.Anything).Return(false, errors.New("graph down"))

	require.NoError(t, f.registry.HandleInbound(inbound("m1", "hello")))

	assert.Eventually(t, func() bool { return len(f.dispatcher.sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestPresence_WaitsWhileRemotePartyTypes(t *testing.T) {
	f := newPresenceFixture(t, fastPresenceConfig(), func(int, string) (string, error) { return "Ok.", nil })
	f.adapter = &MockChannelAdapter{name: domain.ChannelFacebook}
	f.adapter.On("MarkRead", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.adapter.On("SetTyping", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.adapter.On("IsTyping", mock.Anything, mock.Anything, mock.Anything).Return(true, nil).Times(3)
	f.adapter.On("IsTyping", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)

	require.NoError(t, f.registry.HandleInbound(inbound("m1", "hello")))

	assert.Eventually(t, func() bool { return len(f.dispatcher.sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	f.adapter.AssertNumberOfCalls(t, "IsTyping", 4)
}

func TestPresence_GoesOfflineAndIsEvicted(t *testing.T) {
	cfg := fastPresenceConfig()
	cfg.OfflineMin = 50 * time.Millisecond
	cfg.OfflineMax = 60 * time.Millisecond
	f := newPresenceFixture(t, cfg, func(int, string) (string, error) { return "Bye.", nil })

	require.NoError(t, f.registry.HandleInbound(inbound("m1", "hello")))

	assert.Eventually(t, func() bool { return f.phase() == domain.PhaseOffline && len(f.dispatcher.sent()) == 1 },
		3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.registry.Count())

	assert.Equal(t, 0, f.registry.Evict(time.Hour), "recent activity is kept")
	assert.Equal(t, 1, f.registry.Evict(0))
	assert.Equal(t, 0, f.registry.Count())
	assert.Equal(t, []domain.ConversationKey{inbound("m1", "hello").Key()}, f.generator.forgotten)
}

func TestPresence_UnsupportedChannelIsRejected(t *testing.T) {
	f := newPresenceFixture(t, fastPresenceConfig(), func(int, string) (string, error) { return "", nil })
	msg := inbound("m1", "hello")
	msg.Channel = "sms"

	assert.ErrorIs(t, f.registry.HandleInbound(msg), domain.ErrUnsupportedChannel)
	assert.Equal(t, 0, f.registry.Count())
}
