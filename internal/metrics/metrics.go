// Package metrics exposes Prometheus instruments for delivery and presence
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every instrument the core records.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	DispatchOutcomes    *prometheus.CounterVec
	IdentityRotations   *prometheus.CounterVec
	PoolExhausted       *prometheus.CounterVec
	PresenceCycles      *prometheus.CounterVec
	RepliesInterrupted  *prometheus.CounterVec
	GeneratorFailures   *prometheus.CounterVec
	CampaignFailures    *prometheus.CounterVec
	ActiveConversations prometheus.Gauge
}

// New creates the instruments and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DispatchOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_dispatch_outcomes_total",
				Help: "Dispatch decisions by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		IdentityRotations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_identity_rotations_total",
				Help: "Identities handed out by the rotation cursor",
			},
			[]string{"channel"},
		),
		PoolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_identity_pool_exhausted_total",
				Help: "Selections that found no eligible identity",
			},
			[]string{"channel"},
		),
		PresenceCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_presence_cycles_total",
				Help: "Buffer processing cycles run per channel",
			},
			[]string{"channel"},
		),
		RepliesInterrupted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_replies_interrupted_total",
				Help: "Replies superseded by new inbound input",
			},
			[]string{"channel"},
		),
		GeneratorFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_generator_failures_total",
				Help: "Response generation errors",
			},
			[]string{"channel"},
		),
		CampaignFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_campaign_failed_jobs_total",
				Help: "Jobs that ended in failed state per campaign",
			},
			[]string{"campaign"},
		),
		ActiveConversations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_active_conversations",
				Help: "Conversations currently held by the presence registry",
			},
		),
	}

	reg.MustRegister(
		m.DispatchOutcomes,
		m.IdentityRotations,
		m.PoolExhausted,
		m.PresenceCycles,
		m.RepliesInterrupted,
		m.GeneratorFailures,
		m.CampaignFailures,
		m.ActiveConversations,
	)
	return m
}

func (m *Metrics) Outcome(channel, outcome string) {
	if m == nil {
		return
	}
	m.DispatchOutcomes.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) Rotated(channel string) {
	if m == nil {
		return
	}
	m.IdentityRotations.WithLabelValues(channel).Inc()
}

func (m *Metrics) Exhausted(channel string) {
	if m == nil {
		return
	}
	m.PoolExhausted.WithLabelValues(channel).Inc()
}

func (m *Metrics) Cycle(channel string) {
	if m == nil {
		return
	}
	m.PresenceCycles.WithLabelValues(channel).Inc()
}

func (m *Metrics) Interrupted(channel string) {
	if m == nil {
		return
	}
	m.RepliesInterrupted.WithLabelValues(channel).Inc()
}

func (m *Metrics) GeneratorFailed(channel string) {
	if m == nil {
		return
	}
	m.GeneratorFailures.WithLabelValues(channel).Inc()
}

func (m *Metrics) CampaignFailed(campaignID string) {
	if m == nil {
		return
	}
	m.CampaignFailures.WithLabelValues(campaignID).Inc()
}

func (m *Metrics) SetConversations(n int) {
	if m == nil {
		return
	}
	m.ActiveConversations.Set(float64(n))
}
