package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/clinsync/internal/model"
)

const namespace = "clinsync"

// StatusSource reports the current queue summary.
type StatusSource interface {
	QueueStatus(ctx context.Context) (model.QueueStatus, error)
}

// QueueCollector exports the sync queue summary as gauges, read at scrape
// time.
type QueueCollector struct {
	src     StatusSource
	timeout time.Duration

	items      *prometheus.Desc
	exhausted  *prometheus.Desc
	oldest     *prometheus.Desc
	lastSync   *prometheus.Desc
	scrapeErrs prometheus.Counter
}

// NewQueueCollector returns a collector over src.
func NewQueueCollector(src StatusSource) *QueueCollector {
	return &QueueCollector{
		src:     src,
		timeout: 5 * time.Second,
		items: prometheus.NewDesc(namespace+"_queue_items",
			"Queue items by status.", []string{"status"}, nil),
		exhausted: prometheus.NewDesc(namespace+"_queue_exhausted_items",
			"Failed queue items with no retries left.", nil, nil),
		oldest: prometheus.NewDesc(namespace+"_queue_oldest_pending_seconds",
			"Unix time of the oldest pending item, 0 when none.", nil, nil),
		lastSync: prometheus.NewDesc(namespace+"_last_sync_seconds",
			"Unix time of the last completed sync, 0 when never.", nil, nil),
		scrapeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_scrape_errors_total",
			Help:      "Queue status reads that failed during a scrape.",
		}),
	}
}

// Describe implements prometheus.Collector.
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.items
	ch <- c.exhausted
	ch <- c.oldest
	ch <- c.lastSync
	c.scrapeErrs.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	st, err := c.src.QueueStatus(ctx)
	if err != nil {
		c.scrapeErrs.Inc()
		c.scrapeErrs.Collect(ch)
		return
	}
	for status, n := range map[model.ItemStatus]int{
		model.StatusPending:    st.PendingCount,
		model.StatusProcessing: st.ProcessingCount,
		model.StatusFailed:     st.FailedCount,
		model.StatusCompleted:  st.CompletedCount,
		model.StatusConflict:   st.ConflictCount,
	} {
		ch <- prometheus.MustNewConstMetric(c.items, prometheus.GaugeValue, float64(n), string(status))
	}
	ch <- prometheus.MustNewConstMetric(c.exhausted, prometheus.GaugeValue, float64(st.ExhaustedCount))
	ch <- prometheus.MustNewConstMetric(c.oldest, prometheus.GaugeValue, unixSeconds(st.OldestPendingAt))
	ch <- prometheus.MustNewConstMetric(c.lastSync, prometheus.GaugeValue, unixSeconds(st.LastSyncAt))
	c.scrapeErrs.Collect(ch)
}

func unixSeconds(t *time.Time) float64 {
	if t == nil {
		return 0
	}
	return float64(t.UnixMicro()) / 1e6
}

// SyncMetrics counts sync runs and per-item outcomes.
type SyncMetrics struct {
	Runs     *prometheus.CounterVec
	Items    *prometheus.CounterVec
	Duration prometheus.Histogram
}

// NewSyncMetrics creates the sync counters and registers them with reg.
func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	m := &SyncMetrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Sync runs by result.",
		}, []string{"result"}),
		Items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_items_total",
			Help:      "Items handled by phase and outcome.",
		}, []string{"phase", "outcome"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of full sync runs.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.Runs, m.Items, m.Duration)
	return m
}

// ObserveItem counts one item. A nil receiver is a no-op.
func (m *SyncMetrics) ObserveItem(phase, outcome string) {
	if m == nil {
		return
	}
	m.Items.WithLabelValues(phase, outcome).Inc()
}

// ObserveRun records a finished sync run. A nil receiver is a no-op.
func (m *SyncMetrics) ObserveRun(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(result).Inc()
	m.Duration.Observe(d.Seconds())
}

// NewRegistry returns a registry with the Go and process collectors plus a
// queue collector over src.
func NewRegistry(src StatusSource) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		NewQueueCollector(src),
	)
	return reg
}

// Handler serves reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
