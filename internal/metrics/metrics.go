package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "progression"

type Metrics struct {
	registry *prometheus.Registry

	LedgerTransactions *prometheus.CounterVec
	LedgerConflicts    prometheus.Counter
	GachaPulls         *prometheus.CounterVec
	Violations         *prometheus.CounterVec
	TierChanges        *prometheus.CounterVec
	Purchases          *prometheus.CounterVec
	ChallengesDone     *prometheus.CounterVec
	DecayApplied       prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		LedgerTransactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_transactions_total",
			Help:      "Ledger Apply calls by outcome.",
		}, []string{"outcome"}),
		LedgerConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_write_conflicts_total",
			Help:      "Optimistic write conflicts that triggered a retry.",
		}),
		GachaPulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gacha_pulls_total",
			Help:      "Committed gacha pulls by pool and rarity.",
		}, []string{"pool", "rarity"}),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_violations_total",
			Help:      "Persisted integrity violations by type and severity.",
		}, []string{"type", "severity"}),
		TierChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rank_tier_changes_total",
			Help:      "Rank tier transitions by direction and reason.",
		}, []string{"direction", "reason"}),
		Purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchases_total",
			Help:      "Purchase validations by product and outcome.",
		}, []string{"product", "outcome"}),
		ChallengesDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_challenges_completed_total",
			Help:      "Live-event challenge completions.",
		}, []string{"event_type", "challenge"}),
		DecayApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rank_decay_applied_total",
			Help:      "Season records decayed for inactivity.",
		}),
	}
	reg.MustRegister(
		m.LedgerTransactions,
		m.LedgerConflicts,
		m.GachaPulls,
		m.Violations,
		m.TierChanges,
		m.Purchases,
		m.ChallengesDone,
		m.DecayApplied,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
