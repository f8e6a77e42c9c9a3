// Package api defines the wire types for the batchgate completions gateway.
//
// The types mirror the OpenAI legacy Completions API (/v1/completions) so
// that existing client libraries can talk to the gateway unchanged. A
// request is split into its prompt and the remaining generation parameters;
// the parameters are kept as a generic map because the gateway forwards
// them to the backend verbatim and only inspects a handful of them.
//
// Core types:
//   - [CompletionRequest]: prompt plus opaque generation parameters
//   - [CompletionResponse]: the choices produced for a single prompt
//   - [Choice]: one generated candidate
//   - [APIError]: structured error with type, code, param, and message
//
// The package has no external dependencies and performs no I/O.
package api
