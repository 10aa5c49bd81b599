/*
Package metrics exposes berth's Prometheus metrics and the health endpoints
served by "berth serve".

All collectors are registered with the default Prometheus registry in init,
so importing the package is enough to make them visible on Handler():

	berth_operations_total{type,status}
	berth_operation_duration_seconds{type}
	berth_compensations_total{result}
	berth_retained_instances
	berth_registry_requests_total{op,outcome}
	berth_installability_probes_total{result}
	berth_pull_bytes_total

Timer wraps the usual start/observe pattern:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OperationDuration, string(op.Type))

A Collector samples the orchestrator every interval and feeds both the
runtime component health (for /ready) and the retained-instances gauge.
*/
package metrics
