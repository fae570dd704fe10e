package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	procCPU = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Subsystem: "process", Name: "cpu_percent", Help: "Server process CPU percent"},
	)
	procRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Subsystem: "process", Name: "memory_rss_bytes", Help: "Server process RSS bytes"},
	)
	diskUsed = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Subsystem: "server", Name: "data_bytes", Help: "Size of the server data directory"},
	)
)

func init() {
	prometheus.MustRegister(procCPU, procRSS, diskUsed)
}

// SetProcessSample records the latest CPU and RSS sample.
func SetProcessSample(cpuPercent float64, rssBytes uint64) {
	procCPU.Set(cpuPercent)
	procRSS.Set(float64(rssBytes))
}

// ResetProcess zeroes process gauges once the server is down.
func ResetProcess() {
	procCPU.Set(0)
	procRSS.Set(0)
	playersOnline.Set(0)
	serverTPS.Set(0)
}

func SetDataBytes(n uint64) { diskUsed.Set(float64(n)) }
