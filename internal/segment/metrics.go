package segment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fusionseg",
		Name:      "merges_total",
		Help:      "Group merges applied, by merge pass.",
	}, []string{"pass"})

	rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fusionseg",
		Name:      "merges_rejected_total",
		Help:      "Merge candidates rejected, by merge pass and reason.",
	}, []string{"pass", "reason"})

	scalarDuplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fusionseg",
		Name:      "scalar_duplicates_total",
		Help:      "Scalar ops cloned into consuming groups.",
	})

	finalGroups = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fusionseg",
		Name:      "final_groups",
		Help:      "Number of groups per segmented fusion.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	segmentDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fusionseg",
		Name:      "segment_duration_seconds",
		Help:      "Time spent segmenting one fusion.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
)

func observeRun(sf *SegmentedFusion) {
	finalGroups.Observe(float64(len(sf.groups)))
	segmentDuration.Observe(sf.stats.Duration.Seconds())
	scalarDuplicatesTotal.Add(float64(sf.stats.ScalarDuplicates))
}
