// Package auth authenticates callers before their requests reach the
// coalescer.
//
// Authenticators form a chain with three-outcome voting: each returns Yes
// (identity found), No (credentials invalid) or Abstain (cannot handle).
// The first Yes or No wins; a configurable default decides when all abstain.
//
// The HTTP middleware runs the chain, applies per-subject rate limits and
// stores the identity and tenant in the request context. Credentials never
// travel further than this package, so they cannot leak into batching keys.
package auth
