package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Datagram counters
	datagramsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stgen_datagrams_sent_total",
		Help: "Datagrams transmitted by the sender",
	}, []string{"client"})

	injectedFaultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stgen_injected_faults_total",
		Help: "Failures injected by the sender, by kind",
	}, []string{"client", "fault"})

	datagramsReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stgen_datagrams_received_total",
		Help: "Valid datagrams accepted by the receiver",
	})

	datagramsLostTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stgen_datagrams_lost_total",
		Help: "Datagrams detected as lost from sequence gaps",
	})

	datagramsRecoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stgen_datagrams_reordered_total",
		Help: "Datagrams that arrived after being counted as lost",
	})

	datagramsDuplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stgen_datagrams_duplicate_total",
		Help: "Datagrams whose sequence number was already seen",
	})

	bytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stgen_bytes_total",
		Help: "Datagram bytes on the wire, header included",
	}, []string{"direction"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stgen_errors_total",
		Help: "Errors by type",
	}, []string{"error_type"})

	// Timing
	oneWayLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stgen_latency_seconds",
		Help:    "One-way latency from send timestamp to receive time",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 16), // 50us to ~1.6s
	})

	roundTripTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stgen_rtt_seconds",
		Help:    "Round trip time measured from echoed datagrams",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 16),
	})

	sessionJitter = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stgen_session_jitter_seconds",
		Help: "Interarrival jitter per receiver session",
	}, []string{"session"})

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stgen_sessions_active",
		Help: "Receiver sessions currently tracked",
	})

	clientsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stgen_clients_active",
		Help: "Sender clients currently transmitting",
	})

	// Debug metrics
	goroutinesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debug_goroutines_created_total",
		Help: "Total number of goroutines created",
	}, []string{"component"})

	goroutinesDestroyed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debug_goroutines_destroyed_total",
		Help: "Total number of goroutines destroyed",
	}, []string{"component"})

	activeGoroutines = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "debug_goroutines_active",
		Help: "Number of active goroutines",
	}, []string{"component"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordSent(client string, bytes int) {
	datagramsSentTotal.WithLabelValues(client).Inc()
	bytesTotal.WithLabelValues("tx").Add(float64(bytes))
}

// RecordInjectedFault counts one injected failure (drop, partition, crash,
// corrupt, latency_spike).
func RecordInjectedFault(client, fault string) {
	injectedFaultsTotal.WithLabelValues(client, fault).Inc()
}

func RecordReceived(bytes int) {
	datagramsReceivedTotal.Inc()
	bytesTotal.WithLabelValues("rx").Add(float64(bytes))
}

func RecordLost(n uint64) {
	datagramsLostTotal.Add(float64(n))
}

func RecordRecovered() {
	datagramsRecoveredTotal.Inc()
}

func RecordDuplicate() {
	datagramsDuplicateTotal.Inc()
}

// IncrementError counts an error of the given type (short_datagram, clock_skew, ...).
func IncrementError(errorType string) {
	errorsTotal.WithLabelValues(errorType).Inc()
}

func ObserveLatency(d time.Duration) {
	oneWayLatency.Observe(d.Seconds())
}

func ObserveRTT(d time.Duration) {
	roundTripTime.Observe(d.Seconds())
}

func SetSessionJitter(session string, d time.Duration) {
	sessionJitter.WithLabelValues(session).Set(d.Seconds())
}

// RemoveSession drops per-session series once the session is evicted.
func RemoveSession(session string) {
	sessionJitter.DeleteLabelValues(session)
}

func SetActiveSessions(count int) {
	sessionsActive.Set(float64(count))
}

func IncrementActiveClients() {
	clientsActive.Inc()
}

func DecrementActiveClients() {
	clientsActive.Dec()
}

// Debug metrics functions

func IncrementGoroutineCreated(component string) {
	goroutinesCreated.WithLabelValues(component).Inc()
	activeGoroutines.WithLabelValues(component).Inc()
}

func IncrementGoroutineDestroyed(component string) {
	goroutinesDestroyed.WithLabelValues(component).Inc()
	activeGoroutines.WithLabelValues(component).Dec()
}
