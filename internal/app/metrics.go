package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qbmcp/internal/tokencache"
	"qbmcp/pkg/logging"
)

// NewRegistry builds the registry served on /metrics: the token cache
// collector, a build_info gauge and the Go runtime collectors.
func NewRegistry(cache *tokencache.Cache, version string) *prometheus.Registry {
	reg := prometheus.NewRegistry()

	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qbmcp_build_info",
		Help: "qbmcp build information.",
	}, []string{"version"})
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)

	reg.MustRegister(
		buildInfo,
		tokencache.NewCollector(cache),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// MetricsServer serves the registry over HTTP.
type MetricsServer struct {
	server   *http.Server
	listener net.Listener
}

// StartMetricsServer listens on addr and serves /metrics until ctx ends or
// Stop is called.
func StartMetricsServer(ctx context.Context, addr string, reg *prometheus.Registry) (*MetricsServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	m := &MetricsServer{
		server:   &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		listener: listener,
	}

	go func() {
		if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Metrics", err, "Metrics server stopped unexpectedly")
		}
	}()
	go func() {
		<-ctx.Done()
		m.Stop()
	}()

	logging.Info("Metrics", "Serving metrics on http://%s/metrics", listener.Addr())
	return m, nil
}

// Addr returns the bound address.
func (m *MetricsServer) Addr() string {
	return m.listener.Addr().String()
}

// Stop shuts the server down.
func (m *MetricsServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = m.server.Shutdown(ctx)
}
