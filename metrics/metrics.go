// Package metrics holds the worker's Prometheus collectors and the HTTP
// server exposing them.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ruteri/tee-sidechain-worker/common"
)

var (
	SealedWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.PackageName,
		Name:      "sealed_writes_total",
		Help:      "Sealed blob writes by outcome",
	}, []string{"outcome"})

	BackupFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: common.PackageName,
		Name:      "sealed_backup_failures_total",
		Help:      "Failed backup copies before a sealed overwrite",
	})

	MirrorRestores = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.PackageName,
		Name:      "mirror_restores_total",
		Help:      "Sealed blobs restored from a mirror by outcome",
	}, []string{"outcome"})

	VaultDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.PackageName,
		Name:      "keyvault_denied_total",
		Help:      "Key vault requests answered with the denied outcome, by operation",
	}, []string{"op"})

	SyncedHeaders = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: common.PackageName,
		Name:      "chainsync_imported_headers_total",
		Help:      "Parentchain headers imported into the light client",
	})

	HeadNumber = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: common.PackageName,
		Name:      "chainsync_head_number",
		Help:      "Number of the last synced parentchain header",
	})

	DispatchedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.PackageName,
		Name:      "events_dispatched_total",
		Help:      "Parentchain events handled by kind",
	}, []string{"kind"})
)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		SealedWrites,
		BackupFailures,
		MirrorRestores,
		VaultDenials,
		SyncedHeaders,
		HeadNumber,
		DispatchedEvents,
	)
}

// MetricsServer serves /metrics.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server on addr.
func New(addr string) (*MetricsServer, error) {
	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// ListenAndServe blocks serving metrics.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
