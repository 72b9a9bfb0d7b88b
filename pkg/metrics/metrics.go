package metrics

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devbus/devbus-go/pkg/bus"
	"github.com/devbus/devbus-go/pkg/supervisor"
	"github.com/devbus/devbus-go/pkg/timer"
)

// Namespace prefixes every metric name.
const Namespace = "devbus"

// Registry owns a Prometheus registry and the bus collectors.
type Registry struct {
	reg *prometheus.Registry

	devices    prometheus.Gauge
	clients    prometheus.Gauge
	dispatched *prometheus.CounterVec
	rejected   *prometheus.CounterVec

	mu       sync.Mutex
	attached map[string]bool
}

var _ bus.Metrics = (*Registry)(nil)

// New creates a registry with the bus collectors and the Go runtime and
// process collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "devices",
			Help:      "Number of devices attached to the bus",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "clients",
			Help:      "Number of clients attached to the bus",
		}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "dispatched_total",
			Help:      "Property events dispatched, by verb",
		}, []string{"verb"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "rejected_total",
			Help:      "Change requests rejected by the dispatcher, by reason",
		}, []string{"reason"}),
		attached: make(map[string]bool),
	}
	r.reg.MustRegister(
		r.devices,
		r.clients,
		r.dispatched,
		r.rejected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Prometheus returns the underlying registry.
func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// SetDevices implements bus.Metrics.
func (r *Registry) SetDevices(n int) { r.devices.Set(float64(n)) }

// SetClients implements bus.Metrics.
func (r *Registry) SetClients(n int) { r.clients.Set(float64(n)) }

// Dispatched implements bus.Metrics.
func (r *Registry) Dispatched(verb string) { r.dispatched.WithLabelValues(verb).Inc() }

// Rejected implements bus.Metrics.
func (r *Registry) Rejected(reason string) { r.rejected.WithLabelValues(reason).Inc() }

// AttachTimers exports the pool statistics of e.
func (r *Registry) AttachTimers(e *timer.Engine) error {
	gauge := func(name, help string, value func(timer.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "timer",
			Name:      name,
			Help:      help,
		}, func() float64 { return value(e.Stats()) })
	}
	return r.register("timers",
		gauge("workers", "Live timer worker goroutines", func(s timer.Stats) float64 { return float64(s.Workers) }),
		gauge("idle_workers", "Parked timer workers", func(s timer.Stats) float64 { return float64(s.Idle) }),
		gauge("armed", "Timers waiting to fire", func(s timer.Stats) float64 { return float64(s.Armed) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "timer",
			Name:      "fired_total",
			Help:      "Timer callbacks invoked",
		}, func() float64 { return float64(e.Stats().Fired) }),
	)
}

// AttachSupervisor exports the slot table sizes of s.
func (r *Registry) AttachSupervisor(s *supervisor.Supervisor) error {
	gauge := func(name, help string, value func() int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "supervisor",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value()) })
	}
	return r.register("supervisor",
		gauge("drivers", "Drivers in the driver table", func() int { return len(s.Drivers.List()) }),
		gauge("subprocesses", "Subprocess drivers being supervised", func() int { return len(s.Subprocesses.List()) }),
		gauge("servers", "Remote servers being connected", func() int { return len(s.Servers.List()) }),
		gauge("servers_connected", "Remote servers currently connected", func() int {
			n := 0
			for _, st := range s.Servers.List() {
				if st.Connected {
					n++
				}
			}
			return n
		}),
	)
}

// register adds a named group of collectors once.
func (r *Registry) register(group string, cs ...prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attached[group] {
		return fmt.Errorf("%w: %s metrics", bus.ErrDuplicated, group)
	}
	for i, c := range cs {
		if err := r.reg.Register(c); err != nil {
			for _, prev := range cs[:i] {
				r.reg.Unregister(prev)
			}
			return fmt.Errorf("registering %s metrics: %w", group, err)
		}
	}
	r.attached[group] = true
	return nil
}
