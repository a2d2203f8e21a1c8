// Package metrics exports estimator telemetry as Prometheus collectors.
//
// Collectors read the lock-free statistics at scrape time; they keep no
// state of their own and can be registered with any registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/thesyncim/rbe/pkg/bwe/remote"
	"github.com/thesyncim/rbe/pkg/stats"
)

const namespace = "rbe"

type delayCollector struct {
	delay *stats.DelayStats
	desc  *prometheus.Desc
	max   *prometheus.Desc
}

// NewDelayCollector exports d as a histogram named name, with one bucket
// per threshold in milliseconds, and a companion name_max gauge.
func NewDelayCollector(name, help string, d *stats.DelayStats, constLabels prometheus.Labels) prometheus.Collector {
	return &delayCollector{
		delay: d,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", name),
			help, nil, constLabels),
		max: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", name+"_max"),
			"Largest delay recorded, in milliseconds.", nil, constLabels),
	}
}

func (c *delayCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
	ch <- c.max
}

func (c *delayCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.delay.Snapshot()

	// DelayStats buckets are disjoint, Prometheus buckets are cumulative.
	buckets := make(map[float64]uint64, len(snap.Buckets))
	var cumulative uint64
	for _, b := range snap.Buckets {
		cumulative += uint64(b.Count)
		if b.Overflow {
			continue
		}
		buckets[float64(b.Threshold)] = cumulative
	}

	var sum float64
	if snap.TotalCount > 0 {
		sum = snap.AverageDelayMs * float64(snap.TotalCount)
	}

	ch <- prometheus.MustNewConstHistogram(c.desc, cumulative, sum, buckets)
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(snap.MaxDelayMs))
}

type estimatorCollector struct {
	node *remote.Estimator

	enabledDesc  *prometheus.Desc
	estimateDesc *prometheus.Desc
	feedbackDesc *prometheus.Desc
	missingDesc  *prometheus.Desc
	ssrcsDesc    *prometheus.Desc
}

// NewEstimatorCollector exports the state and counters of an estimation
// node. constLabels typically identifies the endpoint the node serves.
func NewEstimatorCollector(node *remote.Estimator, constLabels prometheus.Labels) prometheus.Collector {
	return &estimatorCollector{
		node: node,
		enabledDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "estimator", "enabled"),
			"Whether the node is processing packets (1) or not (0).",
			nil, constLabels),
		estimateDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "estimator", "bitrate_bps"),
			"Current bandwidth estimate in bits per second, -1 when there is none.",
			nil, constLabels),
		feedbackDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "estimator", "remb_created_total"),
			"Total REMB packets created.",
			nil, constLabels),
		missingDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "estimator", "packets_without_extension_total"),
			"Total packets observed while enabled that carried no usable abs-send-time.",
			nil, constLabels),
		ssrcsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "estimator", "ssrcs"),
			"Number of SSRCs reported in REMB.",
			nil, constLabels),
	}
}

func (c *estimatorCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.enabledDesc
	ch <- c.estimateDesc
	ch <- c.feedbackDesc
	ch <- c.missingDesc
	ch <- c.ssrcsDesc
}

func (c *estimatorCollector) Collect(ch chan<- prometheus.Metric) {
	enabled := 0.0
	if c.node.Enabled() {
		enabled = 1
	}

	ch <- prometheus.MustNewConstMetric(c.enabledDesc, prometheus.GaugeValue, enabled)
	ch <- prometheus.MustNewConstMetric(c.estimateDesc, prometheus.GaugeValue, float64(c.node.Estimate()))
	ch <- prometheus.MustNewConstMetric(c.feedbackDesc, prometheus.CounterValue, float64(c.node.NumFeedbackCreated()))
	ch <- prometheus.MustNewConstMetric(c.missingDesc, prometheus.CounterValue, float64(c.node.NumPacketsWithoutExtension()))
	ch <- prometheus.MustNewConstMetric(c.ssrcsDesc, prometheus.GaugeValue, float64(len(c.node.SSRCs())))
}
