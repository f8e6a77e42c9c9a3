package openaicompat

// Completions API response types. The request body is built from the
// caller's parameter map directly so that unknown backend-specific
// parameters pass through untouched.

// CompletionsResponse is the response body of /v1/completions.
type CompletionsResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *CompletionsUsage  `json:"usage,omitempty"`
}

// CompletionChoice is one generated candidate. For a request with P prompts
// and n choices each, index runs from 0 to P*n-1 in prompt-major order.
type CompletionChoice struct {
	Text         string `json:"text"`
	Index        int    `json:"index"`
	Logprobs     any    `json:"logprobs"`
	FinishReason string `json:"finish_reason"`
}

// CompletionsUsage reports token consumption for the whole batch.
type CompletionsUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ErrorResponse is the error format returned by OpenAI-compatible backends.
type ErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// ModelsResponse is the response from /v1/models.
type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// Model represents a model in the /v1/models response.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}
