// Package telemetry provides logging, tracing, metrics and event publishing
// for the experiment engine.
//
// Logging uses zerolog through the Logger wrapper, which adds experiment
// fields (exp_id, guid, rtype, task_id) and supports component loggers:
//
//	logger := tel.Logger.NewComponentLogger("controller").WithExperiment(expID)
//	logger.WithResource(guid, rtype).Info("Resource deployed")
//
// Tracing uses the OpenTelemetry SDK with an OTLP gRPC or stdout exporter.
// Every resource lifecycle action runs inside a "resource.<action>" span and
// every scheduled callback inside a "task.execute" span.
//
// Metrics are Prometheus collectors on a private registry, exposed with
// Metrics.Handler or StartMetricsServer. A Metrics built from a disabled
// config accepts every Record call and does nothing.
//
// Events are delivered to subscribers in publish order. The result store
// subscribes to persist the experiment timeline.
//
// Always shut telemetry down to flush pending events and spans:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
//	defer cancel()
//	_ = tel.Shutdown(ctx)
package telemetry
