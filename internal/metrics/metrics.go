// Package metrics records node activity as Prometheus metrics.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hydro_node"

// Recorder holds the node's collectors
type Recorder struct {
	relayOps     *prometheus.CounterVec
	relayBusy    *prometheus.CounterVec
	publishes    *prometheus.CounterVec
	reconnects   prometheus.Counter
	commands     *prometheus.CounterVec
	samples      *prometheus.CounterVec
	connectivity prometheus.Gauge
	interval     prometheus.Gauge
	gatherer     prometheus.Gatherer
}

// NewRecorder creates and registers the collectors on reg
func NewRecorder(reg *prometheus.Registry) *Recorder {
	r := &Recorder{
		relayOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_operations_total",
			Help:      "Relay state changes by relay and command",
		}, []string{"relay", "command"}),
		relayBusy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_busy_total",
			Help:      "Relay commands rejected because the relay was locked",
		}, []string{"relay"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Broker publishes by result",
		}, []string{"result"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_reconnects_total",
			Help:      "Broker session reconnect attempts",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Inbound commands by kind and result",
		}, []string{"kind", "result"}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sample_cycles_total",
			Help:      "Sample-and-publish cycles by result",
		}, []string{"result"}),
		connectivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connectivity_state",
			Help:      "0 disconnected, 1 station connected, 2 broker connected",
		}),
		interval: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sample_interval_seconds",
			Help:      "Active sampling interval",
		}),
		gatherer: reg,
	}
	reg.MustRegister(r.relayOps, r.relayBusy, r.publishes, r.reconnects,
		r.commands, r.samples, r.connectivity, r.interval)
	return r
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// RelayOperation counts one relay state change
func (r *Recorder) RelayOperation(relay, command string) {
	if r == nil {
		return
	}
	r.relayOps.WithLabelValues(relay, command).Inc()
}

// RelayBusy counts a command rejected by the relay lock
func (r *Recorder) RelayBusy(relay string) {
	if r == nil {
		return
	}
	r.relayBusy.WithLabelValues(relay).Inc()
}

// Publish counts one publish outcome
func (r *Recorder) Publish(ok bool) {
	if r == nil {
		return
	}
	r.publishes.WithLabelValues(result(ok)).Inc()
}

// Reconnect counts one broker reconnect attempt
func (r *Recorder) Reconnect() {
	if r == nil {
		return
	}
	r.reconnects.Inc()
}

// Command counts one dispatched command
func (r *Recorder) Command(kind string, ok bool) {
	if r == nil {
		return
	}
	r.commands.WithLabelValues(kind, result(ok)).Inc()
}

// Sample counts one sample cycle
func (r *Recorder) Sample(ok bool) {
	if r == nil {
		return
	}
	r.samples.WithLabelValues(result(ok)).Inc()
}

// Connectivity records the connectivity state ordinal
func (r *Recorder) Connectivity(state int) {
	if r == nil {
		return
	}
	r.connectivity.Set(float64(state))
}

// Interval records the active sampling interval
func (r *Recorder) Interval(seconds int) {
	if r == nil {
		return
	}
	r.interval.Set(float64(seconds))
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
