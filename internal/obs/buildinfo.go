package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	versionMu sync.RWMutex
	version   = "dev"

	// buildInfo is a constant 1 gauge labelled with version and commit.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "jirasync build information.",
		},
		[]string{"version", "commit"},
	)
)

// InitBuildInfo registers build_info once and sets it for the running binary.
func InitBuildInfo(v, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	if v != "" {
		versionMu.Lock()
		version = v
		versionMu.Unlock()
	}
	buildInfo.WithLabelValues(v, commit).Set(1)
}

// Version returns the version passed to InitBuildInfo, or "dev".
func Version() string {
	versionMu.RLock()
	defer versionMu.RUnlock()
	return version
}
