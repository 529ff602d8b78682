// Package metrics provides Prometheus metrics for the karaoke client.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	connectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karaoke_client_connect_attempts_total",
			Help: "Total connection attempts to the karaoke server",
		},
		[]string{"result"},
	)

	reconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "karaoke_client_reconnects_total",
			Help: "Total automatic reconnects after an unexpected close",
		},
	)

	connectionUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "karaoke_client_connection_up",
			Help: "Whether the websocket connection is currently open (1) or not (0)",
		},
	)

	// Message metrics
	messagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karaoke_client_messages_received_total",
			Help: "Total inbound messages by wire type",
		},
		[]string{"type"},
	)

	messagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karaoke_client_messages_sent_total",
			Help: "Total outbound messages by wire type",
		},
		[]string{"type"},
	)

	// Auth metrics
	loginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karaoke_client_login_attempts_total",
			Help: "Total login attempts",
		},
		[]string{"result"},
	)

	// Playlist metrics
	playlistLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "karaoke_client_playlist_length",
			Help: "Number of entries in the local playlist view",
		},
	)

	snapshotsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "karaoke_client_snapshots_total",
			Help: "Total full playlist snapshots applied",
		},
	)

	deltasTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karaoke_client_deltas_total",
			Help: "Total playlist deltas applied by operation",
		},
		[]string{"op"},
	)

	mutationOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karaoke_client_mutation_outcomes_total",
			Help: "Outcomes of requested playlist mutations",
		},
		[]string{"outcome"},
	)

	// Song cache metrics
	cacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "karaoke_client_song_cache_hits_total",
			Help: "Song cache lookups answered from memory",
		},
	)

	cacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "karaoke_client_song_cache_misses_total",
			Help: "Song cache lookups that triggered a fetch",
		},
	)

	cacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "karaoke_client_song_cache_evictions_total",
			Help: "Songs evicted from the cache",
		},
	)

	cacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "karaoke_client_song_cache_size",
			Help: "Number of songs currently cached",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes the metrics handler on addr. It blocks until the
// server stops, so callers usually run it in a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}

// RecordConnectAttempt records a dial attempt.
func RecordConnectAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	connectAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordReconnect records an automatic reconnect.
func RecordReconnect() {
	reconnectsTotal.Inc()
}

// SetConnectionUp sets the connection gauge.
func SetConnectionUp(up bool) {
	if up {
		connectionUp.Set(1)
	} else {
		connectionUp.Set(0)
	}
}

// RecordMessageReceived counts an inbound message by wire type.
func RecordMessageReceived(msgType string) {
	messagesReceivedTotal.WithLabelValues(msgType).Inc()
}

// RecordMessageSent counts an outbound message by wire type.
func RecordMessageSent(msgType string) {
	messagesSentTotal.WithLabelValues(msgType).Inc()
}

// RecordLoginAttempt records a login attempt.
func RecordLoginAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	loginAttemptsTotal.WithLabelValues(result).Inc()
}

// SetPlaylistLength sets the current playlist length.
func SetPlaylistLength(n int) {
	playlistLength.Set(float64(n))
}

// RecordSnapshot counts an applied full snapshot.
func RecordSnapshot() {
	snapshotsTotal.Inc()
}

// RecordDelta counts an applied delta by operation.
func RecordDelta(op string) {
	deltasTotal.WithLabelValues(op).Inc()
}

// RecordMutationOutcome counts a finished mutation by outcome.
func RecordMutationOutcome(outcome string) {
	mutationOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordCacheHit counts a cache hit.
func RecordCacheHit() {
	cacheHitsTotal.Inc()
}

// RecordCacheMiss counts a cache miss.
func RecordCacheMiss() {
	cacheMissesTotal.Inc()
}

// RecordCacheEviction counts a cache eviction.
func RecordCacheEviction() {
	cacheEvictionsTotal.Inc()
}

// SetCacheSize sets the current cache size.
func SetCacheSize(n int) {
	cacheSize.Set(float64(n))
}
