package mainboilerplate

import (
	_ "expvar" // Import for /debug/vars
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import for /debug/pprof
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// DiagnosticsConfig configures pull-based application metrics, debugging and
// diagnostics.
type DiagnosticsConfig struct {
	Port uint16 `long:"port" env:"PORT" default:"0" description:"Port of the diagnostics HTTP server. If zero, no server is started"`
}

// InitDiagnostics registers debugging and diagnostics services on the default
// HTTPMux and, if configured, serves them.
func InitDiagnostics(cfg DiagnosticsConfig) {
	// Package "net/http/pprof" serves /debug/pprof/.
	// Package "expvar" serves /debug/vars.

	// Serve a liveness check at /debug/ready.
	http.HandleFunc("/debug/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	// Serve Prometheus metrics at /debug/metrics.
	http.Handle("/debug/metrics", promhttp.Handler())

	if cfg.Port == 0 {
		return
	}
	var srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.WithField("err", err).Error("diagnostics server failed")
		}
	}()
}
