// Package metrics records dispatcher telemetry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "notification"

// Recorder captures accept, send and dispatch-run telemetry.
type Recorder interface {
	// ObserveAccept counts one producer submission by channel and result
	// ("accepted", "invalid_payload", "duplicate").
	ObserveAccept(channel, result string)
	// ObserveSend records one provider call.
	ObserveSend(channel, outcome string, d time.Duration)
	// ObserveRun records the duration of one dispatch run.
	ObserveRun(d time.Duration)
	// AddDequeued counts messages claimed from the queue.
	AddDequeued(channel string, n int)
	// AddResolved counts messages by how their attempt was resolved
	// ("delivered", "retried", "dead_lettered", "error").
	AddResolved(channel, resolution string, n int)
}

// Nop is a Recorder that does nothing.
type Nop struct{}

func (Nop) ObserveAccept(string, string)              {}
func (Nop) ObserveSend(string, string, time.Duration) {}
func (Nop) ObserveRun(time.Duration)                  {}
func (Nop) AddDequeued(string, int)                   {}
func (Nop) AddResolved(string, string, int)           {}

// Prometheus is a Recorder backed by client_golang collectors.
type Prometheus struct {
	accepted     *prometheus.CounterVec
	sendDuration *prometheus.HistogramVec
	sendTotal    *prometheus.CounterVec
	runDuration  prometheus.Histogram
	dequeued     *prometheus.CounterVec
	resolved     *prometheus.CounterVec
}

var _ Recorder = (*Prometheus)(nil)

// NewPrometheus creates the collectors and registers them on reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Producer submissions by channel and result.",
		}, []string{"channel", "result"}),
		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Provider send latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel", "outcome"}),
		sendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Provider sends by channel and outcome.",
		}, []string{"channel", "outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_run_duration_seconds",
			Help:      "Duration of one dispatch run in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		dequeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dequeued_total",
			Help:      "Messages claimed from the queue.",
		}, []string{"channel"}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolved_total",
			Help:      "Delivery attempts by resolution.",
		}, []string{"channel", "resolution"}),
	}

	for _, c := range []prometheus.Collector{
		p.accepted, p.sendDuration, p.sendTotal, p.runDuration, p.dequeued, p.resolved,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) ObserveAccept(channel, result string) {
	p.accepted.WithLabelValues(channel, result).Inc()
}

func (p *Prometheus) ObserveSend(channel, outcome string, d time.Duration) {
	p.sendTotal.WithLabelValues(channel, outcome).Inc()
	p.sendDuration.WithLabelValues(channel, outcome).Observe(d.Seconds())
}

func (p *Prometheus) ObserveRun(d time.Duration) {
	p.runDuration.Observe(d.Seconds())
}

func (p *Prometheus) AddDequeued(channel string, n int) {
	if n > 0 {
		p.dequeued.WithLabelValues(channel).Add(float64(n))
	}
}

func (p *Prometheus) AddResolved(channel, resolution string, n int) {
	if n > 0 {
		p.resolved.WithLabelValues(channel, resolution).Add(float64(n))
	}
}
