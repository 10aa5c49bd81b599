/*
Package storage persists berth's small amount of durable state in a BoltDB
file (berth.db) under the per-user data directory.

Three buckets are used:

	settings        one JSON record: retention policy + port preferences
	installability  "<repository>@<tag>" -> InstallabilityEntry
	releases        "<owner>/<name>"     -> ReleaseCache

Values are JSON so the file stays readable with any bbolt browser. Lookups of
absent keys return an error wrapping ErrNotFound; settings fall back to
types.DefaultSettings instead.

Every write is a single bbolt transaction, so a rejected settings update never
leaves a half-written record behind.
*/
package storage
