/*
Package registry is a small Docker Registry HTTP API v2 client covering the
three calls the lifecycle manager needs: tag listing, a HEAD digest probe and
per-platform layer sizes.

Authorization is go-containerregistry's transport: the first request for a
repository pings /v2/, answers the challenge with keychain credentials and
keeps the pull-scoped token. A later challenge refreshes the token and the
request is retried once. Beneath it a small round tripper turns 429 answers
into *RateLimitError, so rate limits surface from the handshake too.

Tag listing follows `Link: <...>; rel="next"` headers and gives up with
registry_pagination_stalled when a cursor repeats or MaxPages is exceeded.

Failures are typed: ErrTagNotFound and ErrRepositoryNotFound for 404,
*RateLimitError (with Retry-After and RateLimit-* metadata) for 429, and
errdefs-coded errors for auth and transport problems. Every call increments
berth_registry_requests_total with its outcome.
*/
package registry
