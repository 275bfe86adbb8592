// Package metrics holds the Prometheus collectors for the message cache.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "chatvault"

var (
	// SearchFallbacks counts ranked searches that fell back to substring search.
	SearchFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "search_fallbacks_total",
		Help:      "Ranked searches that failed and were served by the substring path.",
	})

	// IntegrityChecks counts health checks by outcome (healthy, unhealthy).
	IntegrityChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "integrity_checks_total",
		Help:      "Integrity checks run, by outcome.",
	}, []string{"result"})

	// IndexDrift is the last observed difference between active messages and index rows.
	IndexDrift = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "search_index_drift_rows",
		Help:      "Active message count minus search index row count at the last check.",
	})

	// Repairs counts repair runs by outcome (success, failure).
	Repairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "repairs_total",
		Help:      "Repair runs, by outcome.",
	}, []string{"result"})

	// Recoveries counts emergency recoveries by outcome (success, failure).
	Recoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "emergency_recoveries_total",
		Help:      "Emergency recoveries, by outcome.",
	}, []string{"result"})

	// Backups counts exports by kind (encrypted, plain).
	Backups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backups_total",
		Help:      "Backups created, by kind.",
	}, []string{"kind"})

	// Restores counts restore attempts by outcome.
	Restores = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "restores_total",
		Help:      "Restore attempts, by outcome.",
	}, []string{"result"})

	// IngestedMessages counts messages written by the sync ingestion engine.
	IngestedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingested_messages_total",
		Help:      "Messages upserted from remote sync batches.",
	})

	// RPCs counts control socket calls by method and status code.
	RPCs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_requests_total",
		Help:      "Control socket calls, by method and gRPC code.",
	}, []string{"method", "code"})
)

// Outcome maps a success flag to the label value used by the outcome vectors.
func Outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// Server exposes /metrics over HTTP.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer creates a metrics server listening on addr.
func NewServer(addr string, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics server starting", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
