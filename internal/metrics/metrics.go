// Package metrics exposes router activity as Prometheus metrics. Counters are
// fed from the event bus; gauges are sampled at scrape time.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nergal-perm/github-webhooks-router/internal/events"
	"github.com/nergal-perm/github-webhooks-router/internal/model"
)

const namespace = "webhooks_router"

// Sources are the live values sampled on every scrape.
type Sources struct {
	ActiveRepos func() int
	StageDepth  func(model.Stage) (int, error)
}

type Collector struct {
	reg *prometheus.Registry

	transitions   *prometheus.CounterVec
	agentRuns     *prometheus.CounterVec
	agentDuration prometheus.Histogram
	records       *prometheus.CounterVec
	cycles        *prometheus.CounterVec
}

func New(src Sources) *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task stage transitions.",
		}, []string{"from", "to"}),
		agentRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_runs_total",
			Help:      "Agent invocations by outcome.",
		}, []string{"outcome"}),
		agentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_duration_seconds",
			Help:      "Wall-clock duration of agent invocations.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 180, 240, 300},
		}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_records_total",
			Help:      "Remote records seen by ingestion, by result.",
		}, []string{"result"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed dispatch and ingest cycles.",
		}, []string{"kind"}),
	}
	c.reg.MustRegister(
		c.transitions, c.agentRuns, c.agentDuration, c.records, c.cycles,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if src.ActiveRepos != nil {
		c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_repositories",
			Help:      "Repositories with an agent run in flight.",
		}, func() float64 { return float64(src.ActiveRepos()) }))
	}
	if src.StageDepth != nil {
		for _, st := range model.Stages {
			c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "stage_depth",
				Help:        "Task files currently in a stage.",
				ConstLabels: prometheus.Labels{"stage": string(st)},
			}, func() float64 {
				n, err := src.StageDepth(st)
				if err != nil {
					return -1
				}
				return float64(n)
			}))
		}
	}
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Observe updates counters from one bus event.
func (c *Collector) Observe(e events.Event) {
	switch e.Type {
	case events.EventTaskTransitioned:
		c.transitions.WithLabelValues(e.String("from"), e.String("to")).Inc()
	case events.EventAgentFinished:
		outcome := "failure"
		if ok, _ := e.Data["success"].(bool); ok {
			outcome = "success"
		}
		c.agentRuns.WithLabelValues(outcome).Inc()
		if secs, ok := e.Data["duration_seconds"].(float64); ok {
			c.agentDuration.Observe(secs)
		}
	case events.EventRecordIngested:
		c.records.WithLabelValues("written").Inc()
	case events.EventRecordDuplicate:
		c.records.WithLabelValues("duplicate").Inc()
	case events.EventRecordSkipped:
		c.records.WithLabelValues("skipped").Inc()
	case events.EventCycleCompleted:
		c.cycles.WithLabelValues(e.String("kind")).Inc()
	}
}

func (c *Collector) Attach(bus *events.Bus) func() {
	return bus.SubscribeAll(c.Observe)
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}
