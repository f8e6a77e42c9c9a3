// Package openaicompat implements provider.BatchCompleter for any backend
// that speaks the OpenAI legacy Completions API (/v1/completions), such as
// vLLM, LiteLLM or llama.cpp server.
//
// All prompts of a batch are sent in a single request as a prompt array.
// The backend's choices are reordered by index into the prompt-major order
// the coalescer expects.
package openaicompat
