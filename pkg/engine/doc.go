// Package engine turns validated completion requests into coalesced
// backend calls. The Engine implements transport.CompletionCreator: it
// resolves the model, hands the request to the coalescer, maps coalescing
// errors onto API errors and records every served request in the usage log.
package engine
