// Package metrics exposes Prometheus collectors for the pipeline and the
// real-time hub. Collectors register against an injected registry so tests
// can run isolated instances side by side.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline tracks job lifecycle counters and latency.
type Pipeline struct {
	jobsSubmitted prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsCancelled prometheus.Counter
	stageRetries  prometheus.Counter
	jobLatency    prometheus.Histogram
	queueDepth    prometheus.Gauge
}

// NewPipeline builds and registers the pipeline collectors.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conduit_jobs_submitted_total",
			Help: "Total number of jobs accepted by the gateway",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conduit_jobs_completed_total",
			Help: "Total number of jobs that succeeded",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conduit_jobs_failed_total",
			Help: "Total number of jobs that exhausted retries or hit a permanent error",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conduit_jobs_cancelled_total",
			Help: "Total number of jobs cancelled at a stage boundary",
		}),
		stageRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conduit_stage_retries_total",
			Help: "Total number of stage retries after transient failures",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "conduit_job_latency_seconds",
			Help:    "End-to-end job processing latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conduit_queue_depth",
			Help: "Current number of items in the work queue",
		}),
	}

	reg.MustRegister(p.jobsSubmitted, p.jobsCompleted, p.jobsFailed,
		p.jobsCancelled, p.stageRetries, p.jobLatency, p.queueDepth)
	return p
}

func (p *Pipeline) RecordSubmitted() { p.jobsSubmitted.Inc() }

func (p *Pipeline) RecordCompleted(latencySec float64) {
	p.jobsCompleted.Inc()
	p.jobLatency.Observe(latencySec)
}

func (p *Pipeline) RecordFailed() { p.jobsFailed.Inc() }

func (p *Pipeline) RecordCancelled() { p.jobsCancelled.Inc() }

func (p *Pipeline) RecordStageRetry() { p.stageRetries.Inc() }

func (p *Pipeline) SetQueueDepth(n int) { p.queueDepth.Set(float64(n)) }

// Hub tracks connection pool state and message flow.
type Hub struct {
	connsTotal   prometheus.Gauge
	connsActive  prometheus.Gauge
	connsHealthy prometheus.Gauge
	messagesSent prometheus.Counter
	sendErrors   prometheus.Counter
	dialErrors   prometheus.Counter
	outQueueLen  prometheus.Gauge
}

// NewHub builds and registers the hub collectors.
func NewHub(reg prometheus.Registerer) *Hub {
	h := &Hub{
		connsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conduit_hub_connections_total",
			Help: "Connections currently owned by the pool",
		}),
		connsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conduit_hub_connections_active",
			Help: "Connections in the connected state",
		}),
		connsHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conduit_hub_connections_healthy",
			Help: "Connections currently considered healthy",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conduit_hub_messages_sent_total",
			Help: "Messages successfully written to a connection",
		}),
		sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conduit_hub_send_errors_total",
			Help: "Message writes that failed and were requeued",
		}),
		dialErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conduit_hub_dial_errors_total",
			Help: "Connection attempts that failed or timed out",
		}),
		outQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conduit_hub_outgoing_queue_length",
			Help: "Messages waiting in the outgoing priority queue",
		}),
	}

	reg.MustRegister(h.connsTotal, h.connsActive, h.connsHealthy,
		h.messagesSent, h.sendErrors, h.dialErrors, h.outQueueLen)
	return h
}

func (h *Hub) SetConnections(total, active, healthy int) {
	h.connsTotal.Set(float64(total))
	h.connsActive.Set(float64(active))
	h.connsHealthy.Set(float64(healthy))
}
func (h *Hub) RecordSent() { h.messagesSent.Inc() }

func (h *Hub) RecordSendError() { h.sendErrors.Inc() }

func (h *Hub) RecordDialError() { h.dialErrors.Inc() }

func (h *Hub) SetOutQueueLen(n int) { h.outQueueLen.Set(float64(n)) }

// Handler returns an HTTP handler serving the given registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
