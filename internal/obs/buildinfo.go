package obs

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "posterstore_build_info",
			Help: "Build of the running posterstore binary; always 1.",
		},
		[]string{"version", "commit", "go_version"},
	)
	startedAt = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "posterstore_started_at_seconds",
		Help: "Unix time the process finished booting.",
	})
)

// InitBuildInfo publishes the build labels and the boot time. Safe to call
// more than once; later calls only add label sets.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo, startedAt)
		startedAt.Set(float64(time.Now().Unix()))
	})
	goVersion := "unknown"
	if bi, ok := debug.ReadBuildInfo(); ok {
		goVersion = bi.GoVersion
	}
	buildInfo.WithLabelValues(version, commit, goVersion).Set(1)
}
