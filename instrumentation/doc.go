// Package instrumentation provides OpenTelemetry metrics and tracing for the
// OAuth2 server.
//
// Instruments are grouped by scope: "http" for the request adapter, "server"
// for the token lifecycle engine, "storage" for backend operations, "cache"
// for the key-value tier, "cleanup" for the expiry sweep and "security" for
// rate limiting, login and audit events.
//
// # Prometheus
//
// Pass a registerer to export every metric through the OpenTelemetry
// Prometheus exporter:
//
//	reg := prometheus.NewRegistry()
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:    true,
//		Registerer: reg,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
//
// With Enabled false every provider is a no-op.
//
// # Security
//
// Spans and metrics carry client and user identifiers only. Authorization
// codes, tokens and secrets are never recorded.
package instrumentation
