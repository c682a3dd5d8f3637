// Package metrics exposes prometheus counters for the chat synchronization core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Sync counts timeline and listener activity. A nil *Sync is valid and
// records nothing, so components can take one unconditionally.
type Sync struct {
	sends         prometheus.Counter
	sendFailures  prometheus.Counter
	applied       prometheus.Counter
	stale         prometheus.Counter
	readsMarked   prometheus.Counter
	subscriptions prometheus.Gauge
}

// NewSync creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewSync(reg prometheus.Registerer) *Sync {
	s := &Sync{
		sends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medlink",
			Subsystem: "chat",
			Name:      "messages_sent_total",
			Help:      "Messages confirmed by the backend after an optimistic send.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medlink",
			Subsystem: "chat",
			Name:      "send_failures_total",
			Help:      "Optimistic sends left in the failed state.",
		}),
		applied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medlink",
			Subsystem: "chat",
			Name:      "inbound_applied_total",
			Help:      "Live insert events applied to the open timeline.",
		}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medlink",
			Subsystem: "chat",
			Name:      "inbound_stale_total",
			Help:      "Live insert events dropped because they did not match the open conversation.",
		}),
		readsMarked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medlink",
			Subsystem: "chat",
			Name:      "messages_marked_read_total",
			Help:      "Messages flipped to read by mark-as-read calls.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "medlink",
			Subsystem: "chat",
			Name:      "active_subscriptions",
			Help:      "Live feed subscriptions currently attached.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.sends, s.sendFailures, s.applied, s.stale, s.readsMarked, s.subscriptions)
	}
	return s
}

func (s *Sync) MessageSent() {
	if s != nil {
		s.sends.Inc()
	}
}

func (s *Sync) SendFailed() {
	if s != nil {
		s.sendFailures.Inc()
	}
}

func (s *Sync) InboundApplied() {
	if s != nil {
		s.applied.Inc()
	}
}

func (s *Sync) StaleDropped() {
	if s != nil {
		s.stale.Inc()
	}
}

// ReadsMarked adds n flipped messages.
func (s *Sync) ReadsMarked(n int) {
	if s != nil && n > 0 {
		s.readsMarked.Add(float64(n))
	}
}

func (s *Sync) SubscriptionOpened() {
	if s != nil {
		s.subscriptions.Inc()
	}
}

func (s *Sync) SubscriptionClosed() {
	if s != nil {
		s.subscriptions.Dec()
	}
}
