// Package metrics exports copyset measurements to prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zztaki/curve/pkg/copyset"
)

const (
	namespace = "curve"
	subsystem = "copyset"

	resultOK    = "ok"
	resultError = "error"
)

// Metrics holds the per-copyset vectors. Every series carries a "copyset"
// label with the copyset name.
type Metrics struct {
	opApply     *prometheus.CounterVec
	opLatency   *prometheus.HistogramVec
	opQueueWait *prometheus.HistogramVec

	decodeErrors *prometheus.CounterVec
	fatalErrors  *prometheus.CounterVec

	snapshots       *prometheus.CounterVec
	snapshotLatency *prometheus.HistogramVec

	leaderChanges *prometheus.CounterVec

	appliedIndex      *prometheus.GaugeVec
	lastSnapshotIndex *prometheus.GaugeVec
	epoch             *prometheus.GaugeVec
	leaderTerm        *prometheus.GaugeVec
	queueDepth        *prometheus.GaugeVec
	degraded          *prometheus.GaugeVec
}

// New creates the vectors and registers them on reg, the default registerer
// when nil. Vectors registered before are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		opApply: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "op_apply_total",
			Help:      "Operations applied to the meta store by result.",
		}, []string{"copyset", "op", "result"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "op_apply_latency_seconds",
			Help:      "Time spent applying one operation to the meta store.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"copyset", "op"}),
		opQueueWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "op_queue_wait_seconds",
			Help:      "Time a committed operation waited in the apply queue.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"copyset"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "apply_decode_errors_total",
			Help:      "Committed entries the meta store could not decode.",
		}, []string{"copyset"}),
		fatalErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fatal_errors_total",
			Help:      "Errors that degraded the copyset.",
		}, []string{"copyset"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "snapshots_total",
			Help:      "Snapshot saves and loads by result.",
		}, []string{"copyset", "kind", "result"}),
		snapshotLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "snapshot_latency_seconds",
			Help:      "Snapshot save and load duration.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"copyset", "kind"}),
		leaderChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "leader_changes_total",
			Help:      "Times this replica became leader.",
		}, []string{"copyset"}),
		appliedIndex:      gaugeVec("applied_index", "Last log index applied by the copyset."),
		lastSnapshotIndex: gaugeVec("last_snapshot_index", "Applied index of the last snapshot saved or loaded."),
		epoch:             gaugeVec("conf_epoch", "Configuration epoch of the copyset."),
		leaderTerm:        gaugeVec("leader_term", "Term this replica leads, -1 when not leader."),
		queueDepth:        gaugeVec("apply_queue_depth", "Operations waiting in the apply queue."),
		degraded:          gaugeVec("degraded", "1 when the copyset was marked degraded."),
	}

	if err := m.register(reg); err != nil {
		return nil, err
	}
	return m, nil
}

func gaugeVec(name, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, []string{"copyset"})
}

func (m *Metrics) register(reg prometheus.Registerer) error {
	var errs []error
	registerOrReuse(reg, &m.opApply, &errs)
	registerOrReuse(reg, &m.opLatency, &errs)
	registerOrReuse(reg, &m.opQueueWait, &errs)
	registerOrReuse(reg, &m.decodeErrors, &errs)
	registerOrReuse(reg, &m.fatalErrors, &errs)
	registerOrReuse(reg, &m.snapshots, &errs)
	registerOrReuse(reg, &m.snapshotLatency, &errs)
	registerOrReuse(reg, &m.leaderChanges, &errs)
	registerOrReuse(reg, &m.appliedIndex, &errs)
	registerOrReuse(reg, &m.lastSnapshotIndex, &errs)
	registerOrReuse(reg, &m.epoch, &errs)
	registerOrReuse(reg, &m.leaderTerm, &errs)
	registerOrReuse(reg, &m.queueDepth, &errs)
	registerOrReuse(reg, &m.degraded, &errs)
	return errors.Join(errs...)
}

// registerOrReuse swaps *c for the collector already registered under its name.
func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, c *T, errs *[]error) {
	err := reg.Register(*c)
	if err == nil {
		return
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			*c = existing
			return
		}
	}
	*errs = append(*errs, err)
}

// Factory returns a copyset MetricFactory backed by m.
func (m *Metrics) Factory() func(name string) copyset.Metric {
	return func(name string) copyset.Metric {
		return m.ForCopyset(name)
	}
}

// ForCopyset returns the copyset.Metric of one copyset.
func (m *Metrics) ForCopyset(name string) *CopysetMetric {
	return &CopysetMetric{m: m, name: name}
}

// ObserveStatus updates the gauges from a status sample.
func (m *Metrics) ObserveStatus(st copyset.NodeStatus) {
	m.appliedIndex.WithLabelValues(st.Name).Set(float64(st.AppliedIndex))
	m.lastSnapshotIndex.WithLabelValues(st.Name).Set(float64(st.LastSnapshotIndex))
	m.epoch.WithLabelValues(st.Name).Set(float64(st.Epoch))
	m.leaderTerm.WithLabelValues(st.Name).Set(float64(st.LeaderTerm))
	m.queueDepth.WithLabelValues(st.Name).Set(float64(st.QueueDepth))
	degraded := 0.0
	if st.Degraded {
		degraded = 1
	}
	m.degraded.WithLabelValues(st.Name).Set(degraded)
}

// Forget drops every series of a removed copyset.
func (m *Metrics) Forget(name string) {
	labels := prometheus.Labels{"copyset": name}
	for _, v := range []*prometheus.MetricVec{
		m.opApply.MetricVec, m.opLatency.MetricVec, m.opQueueWait.MetricVec,
		m.decodeErrors.MetricVec, m.fatalErrors.MetricVec,
		m.snapshots.MetricVec, m.snapshotLatency.MetricVec, m.leaderChanges.MetricVec,
		m.appliedIndex.MetricVec, m.lastSnapshotIndex.MetricVec, m.epoch.MetricVec,
		m.leaderTerm.MetricVec, m.queueDepth.MetricVec, m.degraded.MetricVec,
	} {
		v.DeletePartialMatch(labels)
	}
}

// CopysetMetric implements copyset.Metric for one copyset.
type CopysetMetric struct {
	m    *Metrics
	name string
}

func result(err error) string {
	if err != nil {
		return resultError
	}
	return resultOK
}

func (c *CopysetMetric) OnOperatorApply(op string, queueWait, latency time.Duration, err error) {
	c.m.opApply.WithLabelValues(c.name, op, result(err)).Inc()
	c.m.opLatency.WithLabelValues(c.name, op).Observe(latency.Seconds())
	c.m.opQueueWait.WithLabelValues(c.name).Observe(queueWait.Seconds())
}

func (c *CopysetMetric) OnApplyDecodeError() {
	c.m.decodeErrors.WithLabelValues(c.name).Inc()
}

func (c *CopysetMetric) OnSnapshotSave(latency time.Duration, err error) {
	c.m.snapshots.WithLabelValues(c.name, "save", result(err)).Inc()
	c.m.snapshotLatency.WithLabelValues(c.name, "save").Observe(latency.Seconds())
}

func (c *CopysetMetric) OnSnapshotLoad(latency time.Duration, err error) {
	c.m.snapshots.WithLabelValues(c.name, "load", result(err)).Inc()
	c.m.snapshotLatency.WithLabelValues(c.name, "load").Observe(latency.Seconds())
}

func (c *CopysetMetric) OnLeaderStart(term int64) {
	c.m.leaderChanges.WithLabelValues(c.name).Inc()
	c.m.leaderTerm.WithLabelValues(c.name).Set(float64(term))
}

func (c *CopysetMetric) OnFatalError(error) {
	c.m.fatalErrors.WithLabelValues(c.name).Inc()
	c.m.degraded.WithLabelValues(c.name).Set(1)
}

var _ copyset.Metric = (*CopysetMetric)(nil)
