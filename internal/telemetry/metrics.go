package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vimeo/spellingbee/wire"
)

const namespace = "spellingbee"

// Metrics holds the collectors for one peer. All methods are no-ops on a nil
// *Metrics so components can be used without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	decodeErrors     prometheus.Counter
	sendErrors       prometheus.Counter
	peers            *prometheus.GaugeVec
	elections        prometheus.Counter
	isLeader         prometheus.Gauge
	roundsStarted    prometheus.Counter
	answers          *prometheus.CounterVec

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inFlight        *prometheus.GaugeVec
	buildInfo       *prometheus.GaugeVec
}

// New creates a Metrics instance with all collectors registered on a fresh
// registry.
func New() *Metrics {
	startTime := time.Now()
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages handed to the broadcast socket, by kind.",
		}, []string{"kind"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages decoded from the broadcast socket, by kind.",
		}, []string{"kind"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Datagrams dropped because they could not be decoded.",
		}),
		sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Datagrams that failed to be written to the socket.",
		}),
		peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Known peers, by membership status.",
		}, []string{"status"}),
		elections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "elections_total",
			Help:      "Elections run by this peer.",
		}),
		isLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "is_leader",
			Help:      "1 while this peer is the leader.",
		}),
		roundsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_started_total",
			Help:      "Tournament rounds started while leading.",
		}),
		answers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Answers processed while leading, by outcome.",
		}, []string{"outcome"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of admin HTTP requests.",
		}, []string{"op", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Latency of admin HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		}, []string{"op"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight admin HTTP requests.",
		}, []string{"op"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		}, []string{"version", "git_sha"}),
	}
	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Process uptime in seconds.",
	}, func() float64 { return time.Since(startTime).Seconds() })

	m.registry.MustRegister(
		m.messagesSent, m.messagesReceived, m.decodeErrors, m.sendErrors,
		m.peers, m.elections, m.isLeader, m.roundsStarted, m.answers,
		m.requestsTotal, m.requestDuration, m.inFlight, m.buildInfo, uptime,
	)
	return m
}

// Registry exposes the underlying registry (for tests and extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func (m *Metrics) SetBuildInfo(version, gitSHA string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// MessageSent counts a datagram written to the socket.
func (m *Metrics) MessageSent(k wire.Kind) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(string(k)).Inc()
}

// MessageReceived counts a successfully decoded datagram.
func (m *Metrics) MessageReceived(k wire.Kind) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(string(k)).Inc()
}

// DecodeError counts a dropped datagram.
func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

// SendError counts a failed socket write.
func (m *Metrics) SendError() {
	if m == nil {
		return
	}
	m.sendErrors.Inc()
}

// SetPeers replaces the per-status peer gauges.
func (m *Metrics) SetPeers(byStatus map[string]int) {
	if m == nil {
		return
	}
	m.peers.Reset()
	for status, n := range byStatus {
		m.peers.WithLabelValues(status).Set(float64(n))
	}
}

// ElectionRun counts an election.
func (m *Metrics) ElectionRun() {
	if m == nil {
		return
	}
	m.elections.Inc()
}

// SetLeader records whether this peer currently leads.
func (m *Metrics) SetLeader(leading bool) {
	if m == nil {
		return
	}
	if leading {
		m.isLeader.Set(1)
		return
	}
	m.isLeader.Set(0)
}

// RoundStarted counts a round started by this peer.
func (m *Metrics) RoundStarted() {
	if m == nil {
		return
	}
	m.roundsStarted.Inc()
}

// Answer counts an answer processed by the leader; outcome is one of
// "correct", "incorrect", "duplicate" or "late".
func (m *Metrics) Answer(outcome string) {
	if m == nil {
		return
	}
	m.answers.WithLabelValues(outcome).Inc()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument is a gorilla/mux middleware recording request metrics under the
// matched route's name (or "other").
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}
		op := "other"
		if route := mux.CurrentRoute(r); route != nil && route.GetName() != "" {
			op = route.GetName()
		}
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		m.inFlight.WithLabelValues(op).Inc()
		defer m.inFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		m.requestsTotal.WithLabelValues(op, class).Inc()
		m.requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
