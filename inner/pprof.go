package inner

import (
	"net/http"
	"net/http/pprof"
)

// Named profiles (heap, goroutine, ...) are served by pprof.Index.
var pprofHandlers = map[string]http.HandlerFunc{
	"cmdline": pprof.Cmdline,
	"symbol":  pprof.Symbol,
	"trace":   pprof.Trace,
	"profile": pprof.Profile,
}

// AttachPProf mounts the profiling endpoints under /debug/pprof/.
func AttachPProf(sm *http.ServeMux) {
	for name, handler := range pprofHandlers {
		sm.HandleFunc("/debug/pprof/"+name, handler)
	}
	sm.HandleFunc("/debug/pprof/", pprof.Index)
}
