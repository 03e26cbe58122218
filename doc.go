// Package classauth provides a session-security engine built around
// rotating opaque refresh tokens, stateless JWT access tokens, and
// Redis-backed single-use and invite tokens.
//
// The package is designed for concurrent server workloads: Engine
// methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// classauth is the public surface. It exposes [Engine], [Builder],
// [Config], and value types (TokenPair, AuthResult, InviteView,
// MetricsSnapshot). Store implementations and token encoding live
// under internal/ and token/ and are never part of the public
// contract beyond what the root package re-exposes.
//
// # What this package must NOT do
//
//   - Persist raw token secrets; only SHA-256 digests reach Redis.
//   - Perform I/O outside of Engine methods (construction via Builder
//     is allocation-only until Build).
//   - Store user accounts; those stay behind the [UserProvider]
//     interface supplied by the application.
//
// # Performance contract
//
// ValidateAccess is the hot path. It verifies the JWT signature and
// claims without any Redis round-trip. Refresh, Login, and the
// single-use flows are allowed one Redis round-trip per call.
package classauth
