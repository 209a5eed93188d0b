// Package stepup provides a step-up authentication challenge engine: it gates
// sensitive operations (permission grants, role changes, data-access requests)
// behind an additional, policy-selected set of authentication factors on top of
// the caller's primary login session.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// stepup is the public surface. It exposes [Engine], [Builder], [Config], and
// value types (ChallengeGrant, RespondResult, AuthMethodInfo, etc.). Challenge
// state lives in Redis behind unexported stores; factor secrets live behind the
// caller-supplied [SecretStore]; SMS delivery goes through the caller-supplied
// [SMSGateway]. Token and code generation lives under internal/ and is never
// exported.
//
// # What this package must NOT do
//
//   - Expose Redis clients, store encodings, or raw secret material in its
//     public API.
//   - Manage primary credentials or sessions; it receives a user id and gates a
//     single operation.
//   - Perform I/O outside of Engine methods (construction via Builder is
//     allocation-only until Build).
//
// # Security contract
//
// Every challenge id is paired with an independent bearer token; only the
// token's hash is stored, and both are required to query or complete a
// challenge. All randomness flows through one crypto/rand-backed generator.
// Rejections at the boundary are deliberately uninformative: a missing,
// completed, expired, or exhausted challenge is the same error to the caller.
package stepup
