/*
Package types defines the data model shared by every berth package.

Versions are derived views joining local images, the release catalog, the
installability cache and the in-flight operation; they are never persisted.
Instances are containers created by the orchestrator, exactly one active and
zero or more retained rollback targets. Operation is the snapshot of the
single unit of work that may run at a time.

State and Operation are also the payloads pushed to consumers. Both carry
SchemaVersion, and DecodeState / DecodeOperation reject anything that does not
match the current schema exactly, so a consumer on the other side of a process
boundary never receives fields it did not ask for.
*/
package types
