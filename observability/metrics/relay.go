package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// RelayMetrics exposes the relay's monotonic counters for external scraping.
// Only counters: rates and averages belong to the collector that ingests them.
type RelayMetrics struct {
	eventsProcessed   *prometheus.CounterVec
	mints             prometheus.Counter
	salesRecorded     prometheus.Counter
	paymentsRecorded  prometheus.Counter
	metadataRefreshes prometheus.Counter
	errors            *prometheus.CounterVec
	reconnects        *prometheus.CounterVec
	stalePending      prometheus.Counter
	manualReview      prometheus.Counter
}

var (
	relayOnce     sync.Once
	relayRegistry *RelayMetrics
)

// Relay returns the process-wide relay metrics registry.
func Relay() *RelayMetrics {
	relayOnce.Do(func() {
		relayRegistry = &RelayMetrics{
			eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "relay_events_processed_total",
				Help: "Count of chain events processed by chain and kind.",
			}, []string{"chain", "kind"}),
			mints: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "relay_nft_mints_total",
				Help: "Count of loan NFTs minted on the public chain.",
			}),
			salesRecorded: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "relay_sales_recorded_total",
				Help: "Count of marketplace sales mirrored to the source ledger.",
			}),
			paymentsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "relay_payments_recorded_total",
				Help: "Count of payments distributed across both ledgers.",
			}),
			metadataRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "relay_metadata_refreshes_total",
				Help: "Count of token metadata updates issued after drift detection.",
			}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "relay_errors_total",
				Help: "Count of orchestration errors by stage.",
			}, []string{"stage"}),
			reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "relay_stream_reconnects_total",
				Help: "Count of event stream reconnections by chain.",
			}, []string{"chain"}),
			stalePending: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "relay_stale_pending_total",
				Help: "Count of unconfirmed transactions escalated past the age threshold.",
			}),
			manualReview: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "relay_manual_review_total",
				Help: "Count of loans flagged for operator review after exhausted retries.",
			}),
		}
		prometheus.MustRegister(
			relayRegistry.eventsProcessed,
			relayRegistry.mints,
			relayRegistry.salesRecorded,
			relayRegistry.paymentsRecorded,
			relayRegistry.metadataRefreshes,
			relayRegistry.errors,
			relayRegistry.reconnects,
			relayRegistry.stalePending,
			relayRegistry.manualReview,
		)
	})
	return relayRegistry
}

func (m *RelayMetrics) ObserveEvent(chain, kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.eventsProcessed.WithLabelValues(chain, kind).Inc()
}

func (m *RelayMetrics) ObserveMint() {
	if m == nil {
		return
	}
	m.mints.Inc()
}

func (m *RelayMetrics) ObserveSaleRecorded() {
	if m == nil {
		return
	}
	m.salesRecorded.Inc()
}

func (m *RelayMetrics) ObservePaymentRecorded() {
	if m == nil {
		return
	}
	m.paymentsRecorded.Inc()
}

func (m *RelayMetrics) ObserveMetadataRefresh() {
	if m == nil {
		return
	}
	m.metadataRefreshes.Inc()
}

func (m *RelayMetrics) ObserveError(stage string) {
	if m == nil {
		return
	}
	if stage == "" {
		stage = "unknown"
	}
	m.errors.WithLabelValues(stage).Inc()
}

func (m *RelayMetrics) ObserveReconnect(chain string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(chain).Inc()
}

func (m *RelayMetrics) ObserveStalePending() {
	if m == nil {
		return
	}
	m.stalePending.Inc()
}

func (m *RelayMetrics) ObserveManualReview() {
	if m == nil {
		return
	}
	m.manualReview.Inc()
}
