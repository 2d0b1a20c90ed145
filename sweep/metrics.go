package sweep

import (
	"sync"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dmsweep",
			Subsystem: "sweep",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each teardown stage.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)
	reclaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dmsweep",
			Subsystem: "sweep",
			Name:      "resources_reclaimed_total",
			Help:      "Resources removed by sweeps, by kind.",
		},
		[]string{"kind"},
	)
	devicePasses = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dmsweep",
			Subsystem: "sweep",
			Name:      "device_passes",
			Help:      "Passes the device loop needed to converge.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		},
	)
	leftoverDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dmsweep",
			Subsystem: "sweep",
			Name:      "leftover_devices",
			Help:      "Marked devices left after the most recent sweep.",
		},
	)
)

// RegisterMetrics registers the sweep metrics with the default registry.
// Safe to call more than once; embedding processes that scrape should call
// it at startup.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(stageDuration, reclaimedTotal, devicePasses, leftoverDevices)
	})
}

func recordStage(stage string, d time.Duration) {
	RegisterMetrics()
	stageDuration.WithLabelValues(strcase.ToSnake(stage)).Observe(d.Seconds())
}

func recordReclaimed(kind string, n int) {
	RegisterMetrics()
	reclaimedTotal.WithLabelValues(kind).Add(float64(n))
}

func recordDevicePasses(n int) {
	RegisterMetrics()
	devicePasses.Observe(float64(n))
}

func recordLeftover(n int) {
	RegisterMetrics()
	leftoverDevices.Set(float64(n))
}
