// Prometheus metrics exporter
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter serves Prometheus metrics over HTTP
type Exporter struct {
	port   int
	path   string
	server *http.Server
}

// NewExporter creates a new Prometheus exporter
func NewExporter(port int, path string) *Exporter {
	return &Exporter{port: port, path: path}
}

// Start starts the metrics HTTP server
func (e *Exporter) Start() error {
	mux := http.NewServeMux()
	mux.Handle(e.path, promhttp.Handler())

	e.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", e.port),
		Handler: mux,
	}

	return e.server.ListenAndServe()
}

// Shutdown gracefully shuts down the metrics server
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e.server != nil {
		return e.server.Shutdown(ctx)
	}
	return nil
}
