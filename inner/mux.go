package inner

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/exp/slog"
)

const defaultHealthTimeout = 2 * time.Second

// HealthCheck returns an error if the server cannot serve requests, typically
// because its store is unreachable.
type HealthCheck func(ctx context.Context) error

// MuxOptions contains the options for NewServeMux.
type MuxOptions struct {
	// PProf mounts the profiling endpoints.
	PProf bool
	// Health backs /healthz. If it is nil /healthz always succeeds.
	Health HealthCheck
	// HealthTimeout bounds every health check.
	HealthTimeout time.Duration
}

// NewServeMux returns the mux of the internal server.
func NewServeMux(m *Metrics, opts MuxOptions) *http.ServeMux {
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = defaultHealthTimeout
	}

	sm := http.NewServeMux()
	m.AttachMetrics(sm)
	sm.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if opts.Health == nil {
			w.WriteHeader(http.StatusOK)
			return
		}

		ctx, cc := context.WithTimeout(r.Context(), opts.HealthTimeout)
		defer cc()
		if err := opts.Health(ctx); err != nil {
			m.log.Warn("health check failed", slog.Any("error", err))
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if opts.PProf {
		AttachPProf(sm)
	}
	return sm
}
