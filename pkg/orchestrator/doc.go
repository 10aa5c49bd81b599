/*
Package orchestrator manages the versions of one backend service running in
a container runtime: exactly one active instance plus a bounded set of
retained instances kept as rollback targets.

# Operations

Every mutating request runs as an operation. At most one operation runs at
a time; a second request fails fast with operation_already_running. Request
validation (tags, acknowledgments, ids, policy values) happens before the
operation is created and is returned synchronously. Everything else ends up
in the operation's terminal Error.

	install          pull a tag (local builds are never pulled)
	update           resolve the latest release, pull it, transition
	activate         transition to an installed tag
	rollback         transition to a retained instance
	start / stop     act on the active instance
	delete_instance  remove a retained instance

Progress and state snapshots are published on the events broker after every
step. Only the download phase of install and update can be canceled, and the
cancellation is client-side: the runtime may keep fetching layers.

# Transitions

A transition stops the active instance, renames it to

	<prefix>_retained_<tag>_<unix-millis>

creates and starts the new active instance (or renames a retained one back
to <prefix>) and waits for the UI port to answer. Every step pushes a
compensation; when a later step fails the compensations run newest first
and the operation fails with the original error. A successful transition
prunes retained instances down to max(1, keepCount).

# Installability

Candidate tags are probed with a manifest HEAD. A missing tag is cached as
not_yet_available for 15 minutes, a present one as installable for 24 hours.
A rate limit halts probing and the layer-size warm-up until Retry-After.
*/
package orchestrator
