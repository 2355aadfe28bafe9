package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config labels every instrument with the emitting service.
type Config struct {
	ServiceName string
	Environment string
}

// LedgerMetrics tracks posting throughput and snapshot health.
type LedgerMetrics struct {
	postingsTotal     *prometheus.CounterVec
	postingDuration   prometheus.Histogram
	postingConflicts  prometheus.Counter
	snapshotsTaken    *prometheus.CounterVec
	snapshotBacklog   prometheus.Gauge
	attributionsTotal *prometheus.CounterVec
}

var (
	ledgerMetricsOnce sync.Once
	ledgerMetrics     *LedgerMetrics
)

// Ledger returns the process-wide ledger metrics, registering them on
// first use.
func Ledger() *LedgerMetrics {
	return LedgerWithConfig(Config{})
}

func LedgerWithConfig(cfg Config) *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerMetrics = newLedgerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return ledgerMetrics
}

func ResetLedgerMetricsForTest() {
	ledgerMetricsOnce = sync.Once{}
	ledgerMetrics = nil
}

func newLedgerMetrics(registerer prometheus.Registerer, cfg Config) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "tally"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}

	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	postingsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "tally_ledger_postings_total",
			Help:        "Ledger posting attempts by result.",
			ConstLabels: constLabels,
		},
		[]string{"result"}, // committed | duplicate | rejected | conflict | failed
	)

	postingDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:        "tally_ledger_posting_duration_seconds",
			Help:        "Wall time of a full posting unit of work.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		},
	)

	postingConflicts := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:        "tally_ledger_posting_conflict_retries_total",
			Help:        "Optimistic-lock conflicts that triggered an internal retry.",
			ConstLabels: constLabels,
		},
	)

	snapshotsTaken := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "tally_balance_snapshots_total",
			Help:        "Balance snapshots written, by reason.",
			ConstLabels: constLabels,
		},
		[]string{"reason"}, // scheduled | on_demand | historical
	)

	snapshotBacklog := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:        "tally_balance_snapshot_backlog_total",
			Help:        "Accounts whose scheduled snapshot is overdue.",
			ConstLabels: constLabels,
		},
	)

	attributionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "tally_revenue_attributions_total",
			Help:        "Revenue attribution rows written, by recipient type.",
			ConstLabels: constLabels,
		},
		[]string{"recipient_type"},
	)

	registerer.MustRegister(
		postingsTotal,
		postingDuration,
		postingConflicts,
		snapshotsTaken,
		snapshotBacklog,
		attributionsTotal,
	)

	return &LedgerMetrics{
		postingsTotal:     postingsTotal,
		postingDuration:   postingDuration,
		postingConflicts:  postingConflicts,
		snapshotsTaken:    snapshotsTaken,
		snapshotBacklog:   snapshotBacklog,
		attributionsTotal: attributionsTotal,
	}
}

func (m *LedgerMetrics) IncPosting(result string) {
	if m == nil {
		return
	}
	m.postingsTotal.WithLabelValues(result).Inc()
}

func (m *LedgerMetrics) ObservePostingDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.postingDuration.Observe(d.Seconds())
}

func (m *LedgerMetrics) IncConflictRetry() {
	if m == nil {
		return
	}
	m.postingConflicts.Inc()
}

func (m *LedgerMetrics) IncSnapshot(reason string) {
	if m == nil {
		return
	}
	m.snapshotsTaken.WithLabelValues(reason).Inc()
}

func (m *LedgerMetrics) SetSnapshotBacklog(value int) {
	if m == nil {
		return
	}
	m.snapshotBacklog.Set(float64(value))
}

func (m *LedgerMetrics) IncAttribution(recipientType string) {
	if m == nil {
		return
	}
	m.attributionsTotal.WithLabelValues(recipientType).Inc()
}
