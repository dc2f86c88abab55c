package utils

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/cpu"
)

// GetCPUUsage returns the current CPU usage as a percentage, or 0 when the
// host cannot be sampled.
func GetCPUUsage() float64 {
	percentage, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil || len(percentage) == 0 {
		return 0
	}
	return percentage[0]
}

// RegisterSystemMetrics exposes host CPU usage on the given registerer.
func RegisterSystemMetrics(reg prometheus.Registerer) error {
	return reg.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "system_cpu_usage_percent",
			Help: "Host CPU usage sampled at scrape time",
		},
		GetCPUUsage,
	))
}
