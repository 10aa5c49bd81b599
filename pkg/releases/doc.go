/*
Package releases reads the published release list of the backend's source
repository from the GitHub REST API.

Only non-draft, non-prerelease releases tagged exactly vMAJOR.MINOR.PATCH are
kept, ordered by semantic version (golang.org/x/mod/semver), newest first.

Successful fetches are persisted in the storage.Store and trusted for
DefaultTTL. When the API cannot be reached the persisted list is returned
with Result.Online set to false, so the lifecycle manager keeps working from
the last known catalog while offline.
*/
package releases
