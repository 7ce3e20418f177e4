// Package telemetry provides observability for minerlink clients: zerolog
// structured logging, OpenTelemetry tracing, Prometheus metrics and a small
// publisher for job lifecycle events.
//
// # Quick Start
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx := tel.WithContext(context.Background())
//	telemetry.FromContext(ctx).Info("ready")
//
// Library components take a *Telemetry in their options and fall back to
// NewNop when none is given, so nothing is logged or exported unless the
// caller asks for it.
//
// # Logging
//
// Logger wraps zerolog with helpers for the fields used across the module:
// job_id, backend, locator, project and connection. Output is console or
// JSON, to stdout, stderr or a file.
//
// # Tracing
//
// Spans are created per job run (job.run), per backend operation
// (backend.<operation>) and per connection field resolution
// (connection.resolve). Exporters: otlp (gRPC), stdout (written to stderr)
// or none.
//
// # Metrics
//
// With the default namespace the following series are exposed:
//
//   - minerlink_jobs_started_total{backend,queue}
//   - minerlink_jobs_completed_total{backend,status}
//   - minerlink_job_duration_seconds{backend,status}
//   - minerlink_active_jobs
//   - minerlink_backend_calls_total{backend,operation}
//   - minerlink_backend_call_duration_seconds{backend,operation}
//   - minerlink_backend_errors_total{backend,operation}
//   - minerlink_bytes_transferred_total{backend,direction}
//   - minerlink_temp_resources_created_total{backend}
//   - minerlink_temp_resources_deleted_total{backend}
//   - minerlink_cleanup_failures_total{backend}
//   - minerlink_errors_by_kind_total{kind}
//
// # Events
//
// EventPublisher delivers job.submitted, job.state_changed, job.completed,
// job.failed, job.input_staged and job.cleanup_failed events to subscribers,
// synchronously by default.
package telemetry
