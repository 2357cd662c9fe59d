// Package prometheus exports task and agent lifecycle metrics. The
// coordinator owns these counters; node-level resource metrics stay
// with the agents themselves.
package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskmesh/coordinator/internal/core/port"
)

type Metrics struct {
	registry *prometheus.Registry

	submitted prometheus.Counter
	assigned  prometheus.Counter
	completed prometheus.Counter
	failed    prometheus.Counter
	expired   prometheus.Counter
	reclaimed prometheus.Counter

	agentsConnected prometheus.Gauge
	tasksPending    prometheus.Gauge
}

var _ port.Metrics = (*Metrics)(nil)

// New registers the coordinator's metric set on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_tasks_submitted_total",
			Help: "Tasks accepted into the store.",
		}),
		assigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_tasks_assigned_total",
			Help: "Successful PENDING to ASSIGNED transitions.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_tasks_completed_total",
			Help: "Tasks reported COMPLETED by an agent.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_tasks_failed_total",
			Help: "Tasks reported FAILED or cancelled.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_tasks_expired_total",
			Help: "Tasks expired after exhausting assignment retries.",
		}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_tasks_reclaimed_total",
			Help: "Assignments reclaimed after a deadline or agent loss.",
		}),
		agentsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_agents_connected",
			Help: "Agents currently CONNECTED in the registry.",
		}),
		tasksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_tasks_pending",
			Help: "Tasks in PENDING at the last scheduling pass.",
		}),
	}

	m.registry.MustRegister(
		m.submitted, m.assigned, m.completed, m.failed, m.expired, m.reclaimed,
		m.agentsConnected, m.tasksPending,
	)
	return m
}

func (m *Metrics) TaskSubmitted()       { m.submitted.Inc() }
func (m *Metrics) TaskAssigned()        { m.assigned.Inc() }
func (m *Metrics) TaskCompleted()       { m.completed.Inc() }
func (m *Metrics) TaskFailed()          { m.failed.Inc() }
func (m *Metrics) TaskExpired()         { m.expired.Inc() }
func (m *Metrics) TaskReclaimed()       { m.reclaimed.Inc() }
func (m *Metrics) AgentsConnected(n int) { m.agentsConnected.Set(float64(n)) }
func (m *Metrics) TasksPending(n int)    { m.tasksPending.Set(float64(n)) }

// Handler serves the exposition endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Nop is a no-op metrics sink for tests and tooling.
type Nop struct{}

var _ port.Metrics = Nop{}

func (Nop) TaskSubmitted()        {}
func (Nop) TaskAssigned()         {}
func (Nop) TaskCompleted()        {}
func (Nop) TaskFailed()           {}
func (Nop) TaskExpired()          {}
func (Nop) TaskReclaimed()        {}
func (Nop) AgentsConnected(n int) {}
func (Nop) TasksPending(n int)    {}
