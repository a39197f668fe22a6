package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the supervisor's prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	running  prometheus.Gauge
	cpu      *prometheus.GaugeVec
	memory   *prometheus.GaugeVec
	restarts *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sphere_modules_running",
			Help: "Number of module processes currently running.",
		}),
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sphere_module_cpu_percent",
			Help: "CPU usage of a module process at the last sample.",
		}, []string{"module"}),
		memory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sphere_module_memory_bytes",
			Help: "Resident memory of a module process at the last sample.",
		}, []string{"module"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sphere_module_restarts_total",
			Help: "Restarts scheduled after a module terminated unexpectedly.",
		}, []string{"module"}),
	}
	if reg != nil {
		reg.MustRegister(m.running, m.cpu, m.memory, m.restarts)
	}
	return m
}

func (m *Metrics) setRunning(n int) {
	if m != nil {
		m.running.Set(float64(n))
	}
}

func (m *Metrics) observe(name string, u Usage) {
	if m != nil {
		m.cpu.WithLabelValues(name).Set(u.CPU)
		m.memory.WithLabelValues(name).Set(float64(u.Memory))
	}
}

func (m *Metrics) forget(name string) {
	if m != nil {
		m.cpu.DeleteLabelValues(name)
		m.memory.DeleteLabelValues(name)
	}
}

func (m *Metrics) restart(name string) {
	if m != nil {
		m.restarts.WithLabelValues(name).Inc()
	}
}
