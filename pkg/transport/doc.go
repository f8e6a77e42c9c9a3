// Package transport defines the handler interfaces and middleware chain
// between the HTTP layer and the completion engine.
//
// # Handler Interfaces
//
//   - CompletionCreator handles POST /v1/completions. Every call may be
//     coalesced with concurrent compatible calls before it reaches the
//     backend, so implementations block until the shared batch returns.
//   - ModelCatalog lists the models a deployment serves.
//   - UsageReader exposes the caller's usage log.
//
// # Middleware
//
// The middleware chain wraps CompletionCreator with cross-cutting concerns.
// Built-in middleware provides panic recovery, request ID assignment
// (X-Request-ID) and structured logging via log/slog.
//
// # Cancellation
//
// InFlightRegistry maps request IDs to cancel functions, so a waiting
// caller can be abandoned explicitly as well as by disconnecting.
package transport
