// Package usage records one audit event per completed request and defines
// the Sink interface implemented by the memory, postgres and redis
// adapters.
//
// Sinks are written to after the caller has its result. A failing sink is
// logged and counted but never fails the request.
package usage
