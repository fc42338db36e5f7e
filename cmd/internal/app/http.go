package app

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shopsync/cmd/internal/lists"
	listsapi "shopsync/cmd/internal/lists/api"
	"shopsync/cmd/internal/realtime"
)

type routes struct {
	log       Logger
	cfg       Config
	store     lists.Store
	storeKind storeKind
	registry  *prometheus.Registry
	ws        *realtime.Gateway
	lists     *listsapi.Handler
}

// registerHTTP builds the root handler. The websocket route bypasses CORS because the
// gateway enforces its own origin policy before upgrading.
func registerHTTP(rt routes) http.Handler {
	api := http.NewServeMux()

	api.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	api.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if rt.cfg.ReadinessRequireDB && rt.storeKind == storeMemory {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		if err := pingStore(r, rt.store, 2*time.Second); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			rt.log.Info("readyz.db.not_ready", "store", string(rt.storeKind), "err", err)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if rt.registry != nil {
		api.Handle("GET /metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{
			Registry:          rt.registry,
			EnableOpenMetrics: true,
		}))
	}

	if rt.lists != nil {
		rt.lists.Register(api)
	}

	root := http.NewServeMux()
	root.Handle("/ws", rt.ws)
	root.Handle("/", WithCORS(api, rt.cfg, rt.log))

	return WithTracing(WithRequestLogging(WithSecurityHeaders(root), rt.log))
}

func pingStore(r *http.Request, st lists.Store, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	return st.Ping(ctx)
}
