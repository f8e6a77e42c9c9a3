package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"math"
)

// CompletionRequest is a client request for text completion. The prompt is
// kept apart from the remaining fields, which are forwarded to the backend
// unchanged. Numbers in Params are decoded as json.Number so that values
// survive the round trip without float rounding.
type CompletionRequest struct {
	Prompt string
	Params map[string]any
}

// UnmarshalJSON splits the prompt from the generation parameters. The prompt
// may be a string or a single-element array of strings; batching several
// prompts into one client request is not supported.
func (r *CompletionRequest) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("request body must be a JSON object")
	}

	r.Prompt = ""
	if p, ok := raw["prompt"]; ok {
		prompt, err := promptString(p)
		if err != nil {
			return err
		}
		r.Prompt = prompt
		delete(raw, "prompt")
	}
	r.Params = raw
	return nil
}

// MarshalJSON renders the request in wire format with the prompt merged
// back into the parameter object.
func (r CompletionRequest) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Params)+1)
	maps.Copy(out, r.Params)
	out["prompt"] = r.Prompt
	return json.Marshal(out)
}

func promptString(v any) (string, error) {
	switch p := v.(type) {
	case string:
		return p, nil
	case []any:
		if len(p) != 1 {
			return "", fmt.Errorf("prompt array must contain exactly one string, got %d elements", len(p))
		}
		s, ok := p[0].(string)
		if !ok {
			return "", fmt.Errorf("prompt array must contain a string")
		}
		return s, nil
	default:
		return "", fmt.Errorf("prompt must be a string")
	}
}

// Model returns the "model" parameter, or empty string if absent.
func (r *CompletionRequest) Model() string {
	s, _ := r.Params["model"].(string)
	return s
}

// SetParam sets a parameter, allocating the map if needed.
func (r *CompletionRequest) SetParam(name string, value any) {
	if r.Params == nil {
		r.Params = make(map[string]any)
	}
	r.Params[name] = value
}

// Stream reports whether the client asked for a streamed response.
func (r *CompletionRequest) Stream() bool {
	b, _ := r.Params["stream"].(bool)
	return b
}

// ChoiceCount returns the number of choices requested per prompt (the "n"
// parameter). It defaults to 1 when the parameter is absent and returns an
// error if the value is not a positive integer.
func ChoiceCount(params map[string]any) (int, error) {
	v, ok := params["n"]
	if !ok || v == nil {
		return 1, nil
	}

	var f float64
	switch n := v.(type) {
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("n must be an integer, got %q", n.String())
		}
		f = parsed
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	default:
		return 0, fmt.Errorf("n must be an integer, got %T", v)
	}

	if f != math.Trunc(f) || f < 1 || f > math.MaxInt32 {
		return 0, fmt.Errorf("n must be a positive integer, got %v", v)
	}
	return int(f), nil
}

// Choice is one generated candidate for a prompt.
type Choice struct {
	Text         string `json:"text"`
	Index        int    `json:"index"`
	Logprobs     any    `json:"logprobs"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// CompletionResponse is the response returned to a single caller. Its
// choices are the slice of the batched backend result that belongs to the
// caller's prompt, re-indexed from zero.
type CompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}
