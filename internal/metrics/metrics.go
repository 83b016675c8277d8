// Package metrics exposes runtime counters in the Prometheus text format.
//
// Component counters are kept by the components themselves (atomic Stats
// snapshots) and read at scrape time, so nothing here sits on the send or
// job path. HTTP traffic and live-update events are counted directly.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/followup"
	"dispatchd/internal/queue"
	"dispatchd/internal/ratelimit"
)

const namespace = "dispatchd"

// Sources are the stats snapshots read on every scrape. Nil fields are
// skipped.
type Sources struct {
	Queue    func() queue.Stats
	Jobs     func(ctx context.Context) (map[queue.State]int, error)
	Send     func() queue.SendStats
	Gate     func() ratelimit.Stats
	FollowUp func() followup.Stats
}

type Metrics struct {
	reg *prometheus.Registry

	httpReqs *prometheus.CounterVec
	httpLat  *prometheus.HistogramVec
	events   *prometheus.CounterVec
	inbound  *prometheus.CounterVec
}

func New(src Sources) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		httpReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpLat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Live-update events published, by type.",
		}, []string{"type"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound messages by platform and resulting intent.",
		}, []string{"platform", "intent"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpReqs, m.httpLat, m.events, m.inbound,
		&statsCollector{src: src},
	)
	return m
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveInbound counts one processed inbound message.
func (m *Metrics) ObserveInbound(platform, intent string) {
	m.inbound.WithLabelValues(platform, intent).Inc()
}

// WatchEvents counts bus events until ctx is done.
func (m *Metrics) WatchEvents(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.events.WithLabelValues(ev.Type).Inc()
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency labelled with the chi route
// pattern, falling back to the raw path for unmatched requests.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		m.httpReqs.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.httpLat.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

var (
	descQueue = prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", "jobs_total"),
		"Cumulative job queue counters.", []string{"event"}, nil)
	descInFlight = prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", "in_flight"),
		"Jobs currently executing.", nil, nil)
	descJobs = prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", "jobs"),
		"Stored jobs by state.", []string{"state"}, nil)
	descSend = prometheus.NewDesc(prometheus.BuildFQName(namespace, "send", "total"),
		"Rate-limited send outcomes.", []string{"outcome"}, nil)
	descGate = prometheus.NewDesc(prometheus.BuildFQName(namespace, "ratelimit", "decisions_total"),
		"Rate gate decisions.", []string{"decision"}, nil)
	descFollowUp = prometheus.NewDesc(prometheus.BuildFQName(namespace, "followup", "total"),
		"Delayed job scheduler counters.", []string{"event"}, nil)
	descPending = prometheus.NewDesc(prometheus.BuildFQName(namespace, "followup", "pending"),
		"Delayed jobs waiting to fire.", nil, nil)
)

type statsCollector struct {
	src Sources
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{descQueue, descInFlight, descJobs, descSend, descGate, descFollowUp, descPending} {
		ch <- d
	}
}

func counter(ch chan<- prometheus.Metric, d *prometheus.Desc, v uint64, label string) {
	ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), label)
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	if f := c.src.Queue; f != nil {
		s := f()
		counter(ch, descQueue, s.Enqueued, "enqueued")
		counter(ch, descQueue, s.Duplicates, "duplicate")
		counter(ch, descQueue, s.Started, "started")
		counter(ch, descQueue, s.Completed, "completed")
		counter(ch, descQueue, s.Failed, "failed")
		counter(ch, descQueue, s.Retried, "retried")
		ch <- prometheus.MustNewConstMetric(descInFlight, prometheus.GaugeValue, float64(s.InFlight))
	}
	if f := c.src.Jobs; f != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		counts, err := f(ctx)
		cancel()
		if err == nil {
			for st, n := range counts {
				ch <- prometheus.MustNewConstMetric(descJobs, prometheus.GaugeValue, float64(n), string(st))
			}
		}
	}
	if f := c.src.Send; f != nil {
		s := f()
		counter(ch, descSend, s.Immediate, "immediate")
		counter(ch, descSend, s.Deferred, "deferred")
		counter(ch, descSend, s.Retried, "retried")
		counter(ch, descSend, s.Delivered, "delivered")
		counter(ch, descSend, s.Failed, "failed")
	}
	if f := c.src.Gate; f != nil {
		s := f()
		counter(ch, descGate, s.Admitted, "admitted")
		counter(ch, descGate, s.Throttled, "throttled")
		counter(ch, descGate, s.FailOpen, "fail_open")
		counter(ch, descGate, s.Local, "local")
		counter(ch, descGate, s.Trips, "breaker_trip")
	}
	if f := c.src.FollowUp; f != nil {
		s := f()
		counter(ch, descFollowUp, s.Scheduled, "scheduled")
		counter(ch, descFollowUp, s.Duplicates, "duplicate")
		counter(ch, descFollowUp, s.Fired, "fired")
		counter(ch, descFollowUp, s.Failed, "failed")
		counter(ch, descFollowUp, s.Flushed, "flushed")
		ch <- prometheus.MustNewConstMetric(descPending, prometheus.GaugeValue, float64(s.Pending))
	}
}
