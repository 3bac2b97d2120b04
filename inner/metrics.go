// Package inner serves the internal endpoints of a server: metrics, health and
// profiling.
package inner

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/slog"
)

// Metrics is the Prometheus registry of the process. Components register their
// collectors with Registerer and the registry is exposed under /metrics.
type Metrics struct {
	log      *slog.Logger
	registry *prometheus.Registry
}

// NewMetrics creates a registry with the process, Go runtime and build info
// collectors.
func NewMetrics(logger *slog.Logger) (*Metrics, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reg := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: "kvinsights"}),
		collectors.NewGoCollector(),
		collectors.NewBuildInfoCollector(),
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("NewMetrics: error registering collector: %w", err)
		}
	}

	return &Metrics{log: logger.With(slog.String("module", "Metrics")), registry: reg}, nil
}

// Registerer returns the registerer for the collectors of other components.
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}

// AttachMetrics mounts the registry under /metrics.
func (m *Metrics) AttachMetrics(sm *http.ServeMux) {
	sm.Handle("GET /metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorLog:          slog.NewLogLogger(m.log.Handler(), slog.LevelError),
	}))
}
