package app

import (
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"taskchat/cmd/internal/httpapi"
	"taskchat/cmd/internal/metrics"
	"taskchat/cmd/internal/realtime"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	ws *realtime.WSGateway,
	api *httpapi.Handler,
	m *metrics.Metrics,
) {
	dbEnabled := dbPool != nil

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && !dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if dbEnabled {
			if err := PingDB(r.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	if api != nil {
		v1 := http.NewServeMux()
		api.Register(v1)
		mux.Handle("/v1/", WithCORS(v1, cfg, log))
	}

	mux.HandleFunc("/ws", ws.HandleWS)
}
