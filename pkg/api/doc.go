/*
Package api serves the read-only HTTP endpoint of a long-running berth
process.

	GET /health            liveness, component health from pkg/metrics
	GET /ready             readiness: runtime and store registered and healthy
	GET /metrics           Prometheus exposition
	GET /state             current State snapshot (JSON)
	GET /operations/{id}   last snapshot of an operation (JSON)

Errors are returned as the normalized {message, code} payload. Mutating
operations are not exposed here; they run through the CLI in the process
that owns the orchestrator.
*/
package api
