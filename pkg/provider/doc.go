// Package provider defines the interface between the coalescing core and
// the backend that performs batched text completion. Adapters (see
// openaicompat) own the wire protocol; the core only sees parameters,
// prompts, and a flat list of choices.
package provider
