/*
Package reconciler keeps the published state fresh while berth runs as a
long-lived process.

Every cycle it asks the orchestrator for a non-forced Refresh, which
re-reads the release catalog, lists local images and instances, and
re-probes stale installability verdicts. It then runs Warmup, which
prefetches layer sizes for installable versions so a later download can
report byte-accurate progress from its first event.

	┌──────────────┐   Refresh(force=false)   ┌──────────────┐
	│  Reconciler  │ ───────────────────────▶ │ Orchestrator │
	│ (every 5min) │   Warmup                 │              │
	└──────────────┘ ───────────────────────▶ └──────────────┘

A cycle never blocks an operation. Warm-up yields as soon as an operation
starts, and refreshes only read runtime state.

The registry component of /health follows the last cycle: it is reported
unhealthy while the release catalog is offline. Readiness does not depend
on it.
*/
package reconciler
