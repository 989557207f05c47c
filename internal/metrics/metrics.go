// Registers:
//
//	#futflow_cycles_total{mode}
//	#futflow_signals_total{kind}
//	#futflow_degraded_sources_total
//	#futflow_deliveries_total{result}
//	#futflow_cycle_duration_seconds
//	#go_* and process_* system metrics
//
// Served by the HTTP server on /metrics.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"futflow/logger"
	"futflow/processor"
)

const namespace = "futflow"

// Recorder observes cycles and deliveries. It satisfies the scheduler's
// observer contract and fans out to an optional CloudWatch publisher.
type Recorder struct {
	reg        *prometheus.Registry
	cycles     *prometheus.CounterVec
	signals    *prometheus.CounterVec
	degraded   prometheus.Counter
	deliveries *prometheus.CounterVec
	duration   prometheus.Histogram
	cloudWatch *CloudWatch
	log        *logger.Log
}

func NewRecorder(cw *CloudWatch) *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Number of analysis cycles run",
		}, []string{"mode"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Number of signals emitted",
		}, []string{"kind"}),
		degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_sources_total",
			Help:      "Number of source fetches that failed or returned nothing",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Number of outbound chat messages by result",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one analysis cycle",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		cloudWatch: cw,
		log:        logger.GetLogger(),
	}

	r.reg.MustRegister(r.cycles, r.signals, r.degraded, r.deliveries, r.duration)
	r.reg.MustRegister(collectors.NewGoCollector())
	r.reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return r
}

// RegisterGauge exposes a value sampled at scrape time.
func (r *Recorder) RegisterGauge(name, help string, fn func() float64) error {
	return r.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (r *Recorder) ObserveCycle(rep processor.Report) {
	r.cycles.WithLabelValues(rep.Mode.String()).Inc()
	for _, s := range rep.Signals {
		r.signals.WithLabelValues(strings.ToLower(string(s.Kind))).Inc()
	}
	r.degraded.Add(float64(len(rep.Diagnostics)))
	if !rep.FinishedAt.IsZero() && rep.FinishedAt.After(rep.StartedAt) {
		r.duration.Observe(rep.FinishedAt.Sub(rep.StartedAt).Seconds())
	}

	r.log.WithComponent("metrics").WithFields(logger.Fields{
		"cycle_id": rep.CycleID,
		"signals":  len(rep.Signals),
		"degraded": len(rep.Diagnostics),
	}).Debug("cycle observed")

	if r.cloudWatch != nil {
		r.cloudWatch.ObserveCycle(rep)
	}
}

func (r *Recorder) ObserveDelivery(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	r.deliveries.WithLabelValues(result).Inc()
	if r.cloudWatch != nil {
		r.cloudWatch.ObserveDelivery(ok)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
