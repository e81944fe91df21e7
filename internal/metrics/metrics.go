// Package metrics holds the prometheus collectors shared by cinechat
// components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive is the number of sessions currently held by the registry.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cinechat_sessions_active",
		Help: "Sessions currently registered",
	})

	// SessionEventsTotal counts registry lifecycle events.
	SessionEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cinechat_session_events_total",
		Help: "Session lifecycle events by kind",
	}, []string{"event"})

	// ProcTerminateTotal counts termination signals by signal and outcome.
	ProcTerminateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cinechat_proc_terminate_total",
		Help: "Process termination attempts by signal and outcome",
	}, []string{"signal", "outcome"})

	// RemoteTerminateTotal counts remote kill attempts by outcome.
	RemoteTerminateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cinechat_remote_terminate_total",
		Help: "Remote process termination attempts by outcome",
	}, []string{"outcome"})

	// RPCCallsTotal counts tool RPC calls by method and result.
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cinechat_rpc_calls_total",
		Help: "Tool RPC calls by method and result",
	}, []string{"method", "result"})

	// RPCCallDuration observes round-trip time of completed calls.
	RPCCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cinechat_rpc_call_duration_seconds",
		Help:    "Tool RPC round-trip time",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	// RPCStaleResponsesTotal counts responses discarded because their id did
	// not match the in-flight request.
	RPCStaleResponsesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cinechat_rpc_stale_responses_total",
		Help: "Worker responses dropped for id mismatch",
	})

	// PlaybackStartsTotal counts player launches by mode and result.
	PlaybackStartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cinechat_playback_starts_total",
		Help: "Player process launches by mode and result",
	}, []string{"mode", "result"})

	// PlaybackMode is 1 for the current mode label and 0 for the others.
	PlaybackMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cinechat_playback_mode",
		Help: "Current playback mode",
	}, []string{"mode"})

	// DialogueEventsTotal counts dialogue controller events by kind and state.
	DialogueEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cinechat_dialogue_events_total",
		Help: "Dialogue events by kind and state",
	}, []string{"kind", "state"})

	// ProtocolViolationsTotal counts protocol violations by reason.
	ProtocolViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cinechat_protocol_violations_total",
		Help: "Protocol violations detected by the dialogue controller",
	}, []string{"reason"})

	// HTTPRequestDuration observes session API latency by route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cinechat_http_request_duration_seconds",
		Help:    "HTTP request latencies in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	// StatusEntriesTotal counts status log appends.
	StatusEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cinechat_status_entries_total",
		Help: "Status log entries appended",
	})
)

var playbackModes = []string{"idle", "playing", "stopped"}

// SetPlaybackMode flips the PlaybackMode gauge to the given mode.
func SetPlaybackMode(mode string) {
	for _, m := range playbackModes {
		v := 0.0
		if m == mode {
			v = 1
		}
		PlaybackMode.WithLabelValues(m).Set(v)
	}
}
