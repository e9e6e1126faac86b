// Package observability provides logging, metrics, health checks, and
// distributed tracing for the federation service.
//
// # Components
//
//   - Logger: structured JSON logging over stdlib slog
//   - Metrics: Prometheus metrics for HTTP traffic, SSO flow outcomes,
//     single-use token consumption, outbound IdP calls, and the JWKS cache
//   - HealthChecker: liveness/readiness probes over the SQL store and the
//     optional Redis handoff backend
//   - InitOTel: OTLP gRPC trace export; InstrumentHTTPClient traces
//     outbound identity provider calls
package observability
