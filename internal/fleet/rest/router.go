package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewRouter builds the fleet dashboard's HTTP route tree.
//
// /healthz is unauthenticated. Everything under /api/v1 requires a valid
// RS256-signed bearer token verified against pubKey. Every route is wrapped
// with otelhttp for distributed tracing of dashboard requests.
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(JWTMiddleware(pubKey))
		r.Get("/crashes", srv.handleGetCrashes)
		r.Get("/hosts", srv.handleGetHosts)
	})

	return otelhttp.NewHandler(r, "fleet-dashboard")
}

// NewStdoutTracerProvider returns a trace provider that exports spans to
// stdout. cmd/fleetserver always installs it via otel.SetTracerProvider at
// startup; there is no OTLP exporter option.
func NewStdoutTracerProvider() (*trace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, err
	}
	return trace.NewTracerProvider(trace.WithBatcher(exporter)), nil
}
