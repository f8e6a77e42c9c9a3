// Package coalesce merges concurrent completion requests that share the
// same generation parameters into a single batched backend call.
//
// Callers submit a request and block. Requests whose parameters (everything
// except the prompt) are equal land in the same [Group]. A single
// [Dispatcher] pulls the oldest open group, sends all of its prompts to the
// backend in one call, splits the flat choice list back into per-prompt
// chunks, and wakes every caller with its own slice of the result.
//
// Group lifecycle:
//
//	OPEN -> DISPATCHED -> COOLING -> evicted
//
// Callers only append to OPEN groups. The dispatcher claims a group
// (OPEN -> DISPATCHED), publishes results (DISPATCHED -> COOLING), and arms
// an eviction timer measured from the moment of dispatch. Eviction targets
// the exact group instance, never just its key, so a newer group for the
// same parameters is never removed by a stale timer. A compatible request
// arriving after its group was claimed immediately opens a new group.
package coalesce
