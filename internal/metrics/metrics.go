package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var TailerLinesRead = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "logtail_lines_read_total",
		Help: "Total lines read from tailed files.",
	},
	[]string{"server", "source"},
)

var TailerBytesRead = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "logtail_bytes_read_total",
		Help: "Total bytes consumed from tailed files, line terminators included.",
	},
	[]string{"server", "source"},
)

var TailerRotations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "logtail_rotations_total",
		Help: "Detected file rotations or truncations.",
	},
	[]string{"server", "source"},
)

var TailerErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "logtail_errors_total",
		Help: "Recoverable errors reported by tailers.",
	},
	[]string{"server", "op"},
)

var TailerDrainTimeouts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "logtail_drain_timeouts_total",
		Help: "Line buffer drains that hit the timeout and discarded lines.",
	},
	[]string{"server", "source"},
)

var EntriesEmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "logtail_entries_total",
		Help: "Assembled log entries handed to the pipeline.",
	},
	[]string{"server", "tag"},
)

var ActiveTailers = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "logtail_active_tailers",
		Help: "Tailers currently running.",
	},
)

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		TailerLinesRead,
		TailerBytesRead,
		TailerRotations,
		TailerErrors,
		TailerDrainTimeouts,
		EntriesEmitted,
		ActiveTailers,
	}
}

// Register adds all collectors to reg, ignoring ones already registered.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// NewServer exposes reg on /metrics.
func NewServer(addr string, reg prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux}
}
