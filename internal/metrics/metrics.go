package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder records server metrics.
type Recorder interface {
	// Record records one HTTP request.
	Record(resTime time.Duration, hasErr bool)
	// RecordPacket records one packet exchanged with a client.
	RecordPacket(rx bool, bytes, msgs int)
	// RecordLatency records a client round trip.
	RecordLatency(d time.Duration)
	// SetClients sets the number of connected clients.
	SetClients(n int)
}

type dummy struct{}

// NewDummy constructs a new dummy metrics recorder.
func NewDummy() Recorder {
	return &dummy{}
}

func (m *dummy) Record(time.Duration, bool)  {}
func (m *dummy) RecordPacket(bool, int, int) {}
func (m *dummy) RecordLatency(time.Duration) {}
func (m *dummy) SetClients(int)              {}

type prom struct {
	reqCount prometheus.Counter
	errCount prometheus.Counter
	resTime  prometheus.Summary
	packets  *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	msgs     *prometheus.CounterVec
	latency  prometheus.Summary
	clients  prometheus.Gauge
}

// NewPrometheus constructs a new Prometheus metrics recorder and registers
// its collectors with reg. A nil reg selects the default registerer.
func NewPrometheus(service string, reg prometheus.Registerer) Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	dir := []string{"direction"}
	m := &prom{
		reqCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: service + "_request_total",
			Help: "The total number of processed HTTP requests",
		}),
		errCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: service + "_errors_total",
			Help: "The total number of 500 responses",
		}),
		resTime: prometheus.NewSummary(prometheus.SummaryOpts{
			Name: service + "_response_time",
			Help: "HTTP response times",
		}),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_packets_total",
			Help: "Packets exchanged with clients",
		}, dir),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_bytes_total",
			Help: "Bytes exchanged with clients",
		}, dir),
		msgs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_messages_total",
			Help: "Messages exchanged with clients",
		}, dir),
		latency: prometheus.NewSummary(prometheus.SummaryOpts{
			Name: service + "_client_latency_seconds",
			Help: "Round trip latency reported by clients",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: service + "_clients",
			Help: "Connected clients",
		}),
	}
	reg.MustRegister(m.reqCount, m.errCount, m.resTime, m.packets, m.bytes, m.msgs, m.latency, m.clients)
	return m
}

func (m *prom) Record(resTime time.Duration, hasErr bool) {
	m.reqCount.Inc()
	m.resTime.Observe(resTime.Seconds())
	if hasErr {
		m.errCount.Inc()
	}
}

func (m *prom) RecordPacket(rx bool, bytes, msgs int) {
	dir := "tx"
	if rx {
		dir = "rx"
	}
	m.packets.WithLabelValues(dir).Inc()
	m.bytes.WithLabelValues(dir).Add(float64(bytes))
	m.msgs.WithLabelValues(dir).Add(float64(msgs))
}

func (m *prom) RecordLatency(d time.Duration) {
	m.latency.Observe(d.Seconds())
}

func (m *prom) SetClients(n int) {
	m.clients.Set(float64(n))
}

// Handler provides metrics middleware.
func Handler(m Recorder, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if m == nil {
			next.ServeHTTP(w, req)
			return
		}

		wrapW := &wrapResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		startTime := time.Now()
		next.ServeHTTP(wrapW, req)
		m.Record(time.Since(startTime), wrapW.statusCode == http.StatusInternalServerError)
	})
}

type wrapResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *wrapResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
