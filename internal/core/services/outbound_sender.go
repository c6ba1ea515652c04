package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"immortal-outreach/internal/core/domain"
)

// SenderConfig controls fragmenting and simulated typing speed
type SenderConfig struct {
	MaxFragmentLen    int
	TypingCharsPerSec float64
	TypingMin         time.Duration
	TypingMax         time.Duration
}

// DefaultSenderConfig returns production defaults
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		MaxFragmentLen:    320,
		TypingCharsPerSec: 12,
		TypingMin:         800 * time.Millisecond,
		TypingMax:         8 * time.Second,
	}
}

// JobDispatcher is the part of the delivery coordinator the sender needs
type JobDispatcher interface {
	Enqueue(ctx context.Context, job *domain.SendJob) error
	EnqueueChain(ctx context.Context, jobs []*domain.SendJob) error
	Await(ctx context.Context, jobID string) (domain.JobStatus, error)
}

// OutboundSender turns generated text into send jobs
type OutboundSender struct {
	cfg      SenderConfig
	jobs     JobDispatcher
	pool     *IdentityPool
	adapters AdapterLookup
}

var _ ReplySender = (*OutboundSender)(nil)

// NewOutboundSender creates a sender
func NewOutboundSender(cfg SenderConfig, jobs JobDispatcher, pool *IdentityPool, adapters AdapterLookup) *OutboundSender {
	if cfg.MaxFragmentLen <= 0 {
		cfg.MaxFragmentLen = 320
	}
	return &OutboundSender{
		cfg:      cfg,
		jobs:     jobs,
		pool:     pool,
		adapters: adapters,
	}
}

// SendReply sends a reply in generation order, one fragment at a time. Before
// each fragment it checks interrupted; a superseded reply stops there and
// returns ErrReplyInterrupted with the number of fragments already delivered.
func (s *OutboundSender) SendReply(ctx context.Context, target ReplyTarget, reply string, interrupted func() bool) (int, error) {
	fragments := SplitReply(reply, s.cfg.MaxFragmentLen)
	if len(fragments) == 0 {
		return 0, nil
	}

	adapter, ok := s.adapters(target.Channel)
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrUnsupportedChannel, target.Channel)
	}
	stale := func() bool { return interrupted != nil && interrupted() }

	sent := 0
	for i, frag := range fragments {
		if stale() {
			return sent, domain.ErrReplyInterrupted
		}

		if i > 0 {
			if err := adapter.SetTyping(ctx, target.Identity, target.Recipient, true); err != nil {
				slog.Warn("Presence update failed", "action", "typing on", "error", err, "recipient", target.Recipient)
			}
		}
		if !sleepCtx(ctx, s.typingDelay(frag)) {
			return sent, ctx.Err()
		}
		if stale() {
			return sent, domain.ErrReplyInterrupted
		}

		job := domain.NewSendJob(target.CampaignID, target.Channel, target.Identity, target.Recipient, frag)
		if err := s.jobs.Enqueue(ctx, job); err != nil {
			return sent, fmt.Errorf("enqueue fragment %d/%d: %w", i+1, len(fragments), err)
		}
		status, err := s.jobs.Await(ctx, job.ID)
		if err != nil {
			return sent, fmt.Errorf("await fragment %d/%d: %w", i+1, len(fragments), err)
		}
		if status != domain.JobStatusCompleted {
			return sent, fmt.Errorf("fragment %d/%d ended %s", i+1, len(fragments), status)
		}
		sent++

		slog.Debug("Reply fragment delivered",
			"job_id", job.ID,
			"recipient", target.Recipient,
			"fragment", i+1,
			"of", len(fragments),
		)
	}

	if err := adapter.SetTyping(ctx, target.Identity, target.Recipient, false); err != nil {
		slog.Warn("Presence update failed", "action", "typing off", "error", err, "recipient", target.Recipient)
	}
	return sent, nil
}

// SendCampaignMessage picks the campaign's next identity and enqueues the fragments
// as a chain: each one is released only after the one before it is delivered.
func (s *OutboundSender) SendCampaignMessage(ctx context.Context, campaignID, channel, recipient, text string) ([]*domain.SendJob, error) {
	fragments := SplitReply(text, s.cfg.MaxFragmentLen)
	if len(fragments) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	if _, ok := s.adapters(channel); !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedChannel, channel)
	}

	identity, err := s.pool.Next(ctx, domain.PoolKey{CampaignID: campaignID, Channel: channel})
	if err != nil {
		return nil, err
	}

	jobs := make([]*domain.SendJob, 0, len(fragments))
	for _, frag := range fragments {
		jobs = append(jobs, domain.NewSendJob(campaignID, channel, identity.Address, recipient, frag))
	}
	if err := s.jobs.EnqueueChain(ctx, jobs); err != nil {
		return nil, fmt.Errorf("enqueue campaign message: %w", err)
	}

	slog.Info("Campaign message enqueued",
		"campaign_id", campaignID,
		"channel", channel,
		"identity", identity.Address,
		"fragments", len(jobs),
	)
	return jobs, nil
}

// typingDelay is proportional to fragment length, clamped and jittered
func (s *OutboundSender) typingDelay(frag string) time.Duration {
	if s.cfg.TypingCharsPerSec <= 0 {
		return s.cfg.TypingMin
	}
	n := utf8.RuneCountInString(frag)
	d := time.Duration(float64(n) / s.cfg.TypingCharsPerSec * float64(time.Second))
	d = randBetween(d*8/10, d*12/10)
	if d < s.cfg.TypingMin {
		d = s.cfg.TypingMin
	}
	if s.cfg.TypingMax > 0 && d > s.cfg.TypingMax {
		d = s.cfg.TypingMax
	}
	return d
}

// SplitReply breaks text into deliverable fragments: each paragraph on its
// own, long paragraphs cut at sentence ends and merged up to max runes.
// Words are never split unless a single word exceeds max.
func SplitReply(text string, max int) []string {
	var out []string
	for _, para := range splitParagraphs(text) {
		if utf8.RuneCountInString(para) <= max {
			out = append(out, para)
			continue
		}
		var pieces []string
		for _, sentence := range splitSentences(para) {
			if utf8.RuneCountInString(sentence) <= max {
				pieces = append(pieces, sentence)
				continue
			}
			pieces = append(pieces, splitWords(sentence, max)...)
		}
		out = append(out, merge(pieces, max)...)
	}
	return out
}

func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.Join(strings.Fields(p), " ")
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitSentences(para string) []string {
	var out []string
	runes := []rune(para)
	start := 0
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' && r != '…' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

func splitWords(sentence string, max int) []string {
	var words []string
	for _, w := range strings.Fields(sentence) {
		for utf8.RuneCountInString(w) > max {
			r := []rune(w)
			words = append(words, string(r[:max]))
			w = string(r[max:])
		}
		if w != "" {
			words = append(words, w)
		}
	}
	return merge(words, max)
}

// merge joins consecutive pieces with a space while they fit in max runes
func merge(pieces []string, max int) []string {
	var out []string
	cur := ""
	for _, p := range pieces {
		switch {
		case cur == "":
			cur = p
		case utf8.RuneCountInString(cur)+1+utf8.RuneCountInString(p) <= max:
			cur += " " + p
		default:
			out = append(out, cur)
			cur = p
		}
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}
