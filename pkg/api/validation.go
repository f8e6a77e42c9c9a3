package api

import (
	"fmt"
	"unicode/utf8"
)

// ValidationConfig holds configurable limits for request validation.
type ValidationConfig struct {
	MaxPromptSize int
	MaxChoices    int
}

// DefaultValidationConfig returns a ValidationConfig with sensible defaults.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxPromptSize: 1024 * 1024, // 1MB
		MaxChoices:    128,
	}
}

// ValidateCompletionRequest checks a CompletionRequest for validity. It
// returns an *APIError describing the first validation failure, or nil if
// the request is valid.
func ValidateCompletionRequest(req *CompletionRequest, cfg ValidationConfig) *APIError {
	if req.Prompt == "" {
		return NewInvalidRequestError("prompt", "prompt is required")
	}

	if !utf8.ValidString(req.Prompt) {
		return NewInvalidRequestError("prompt", "prompt must be valid UTF-8")
	}

	if cfg.MaxPromptSize > 0 && len(req.Prompt) > cfg.MaxPromptSize {
		return NewInvalidRequestError("prompt",
			fmt.Sprintf("prompt exceeds maximum of %d bytes", cfg.MaxPromptSize))
	}

	if req.Stream() {
		return NewInvalidRequestError("stream", "streaming is not supported for batched completions")
	}

	n, err := ChoiceCount(req.Params)
	if err != nil {
		return NewInvalidRequestError("n", err.Error())
	}
	if cfg.MaxChoices > 0 && n > cfg.MaxChoices {
		return NewInvalidRequestError("n",
			fmt.Sprintf("n exceeds maximum of %d", cfg.MaxChoices))
	}

	if v, ok := req.Params["model"]; ok {
		if s, isString := v.(string); !isString || s == "" {
			return NewInvalidRequestError("model", "model must be a non-empty string")
		}
	}

	return nil
}
