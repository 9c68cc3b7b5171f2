package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zztaki/curve/pkg/copyset"
)

// NodeSource lists the copysets to report on. copyset.Manager implements it.
type NodeSource interface {
	List() []*copyset.Node
}

// ReporterConfig configures the status reporter.
type ReporterConfig struct {
	Interval time.Duration
	// StallThreshold is how many reports a leader's apply queue may stay
	// non-empty without the applied index moving before it is logged.
	StallThreshold int
	Logger         *slog.Logger
}

// DefaultReporterConfig returns sensible defaults.
func DefaultReporterConfig() ReporterConfig {
	return ReporterConfig{
		Interval:       10 * time.Second,
		StallThreshold: 3,
	}
}

// StatusReporter periodically samples every copyset's status into the
// gauges and logs copysets that are degraded or whose apply path stalls.
type StatusReporter struct {
	config  ReporterConfig
	metrics *Metrics
	source  NodeSource
	logger  *slog.Logger

	// only touched by the report loop
	stalls map[string]stallState

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type stallState struct {
	applied uint64
	reports int
}

// NewStatusReporter creates a reporter. Start begins the loop.
func NewStatusReporter(m *Metrics, source NodeSource, config ReporterConfig) *StatusReporter {
	if config.Interval == 0 {
		config.Interval = 10 * time.Second
	}
	if config.StallThreshold == 0 {
		config.StallThreshold = 3
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &StatusReporter{
		config:  config,
		metrics: m,
		source:  source,
		logger:  config.Logger.With("component", "status-reporter"),
		stalls:  make(map[string]stallState),
		stopCh:  make(chan struct{}),
	}
}

func (r *StatusReporter) Start() {
	r.wg.Add(1)
	go r.run()
}

func (r *StatusReporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}

func (r *StatusReporter) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.report()
		case <-r.stopCh:
			return
		}
	}
}

func (r *StatusReporter) report() {
	seen := make(map[string]struct{})
	for _, n := range r.source.List() {
		st := n.GetStatus()
		seen[st.Name] = struct{}{}
		r.metrics.ObserveStatus(st)

		if st.Degraded {
			r.logger.Warn("copyset degraded",
				"copyset", st.Name,
				"applied_index", st.AppliedIndex,
				"epoch", st.Epoch)
		}
		r.checkStall(st)
	}

	// copysets removed since the last report
	for name := range r.stalls {
		if _, ok := seen[name]; !ok {
			delete(r.stalls, name)
			r.metrics.Forget(name)
		}
	}
}

func (r *StatusReporter) checkStall(st copyset.NodeStatus) {
	prev := r.stalls[st.Name]
	if !st.IsLeader || st.QueueDepth == 0 || st.AppliedIndex != prev.applied {
		r.stalls[st.Name] = stallState{applied: st.AppliedIndex}
		return
	}

	prev.reports++
	r.stalls[st.Name] = prev
	if prev.reports == r.config.StallThreshold {
		r.logger.Error("apply queue stalled",
			"copyset", st.Name,
			"applied_index", st.AppliedIndex,
			"queue_depth", st.QueueDepth,
			"stalled_for", time.Duration(prev.reports)*r.config.Interval)
	}
}

// ForceReport samples once outside the loop. It must not run concurrently
// with a started reporter.
func (r *StatusReporter) ForceReport(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	default:
		r.report()
	}
}

// Stalled reports whether a copyset crossed the stall threshold.
func (r *StatusReporter) Stalled(name string) bool {
	return r.stalls[name].reports >= r.config.StallThreshold
}
