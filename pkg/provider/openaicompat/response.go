package openaicompat

import (
	"fmt"
	"slices"

	"github.com/rhuss/batchgate/pkg/api"
)

// TranslateChoices converts backend choices into api.Choice values ordered
// by their batch index. Backends are free to return choices in completion
// order; the index is the only reliable position. After sorting, the
// indices must run 0..len-1 without gaps or duplicates, otherwise a
// backend_malformed error is returned.
func TranslateChoices(in []CompletionChoice) ([]api.Choice, error) {
	sorted := slices.Clone(in)
	slices.SortStableFunc(sorted, func(a, b CompletionChoice) int {
		return a.Index - b.Index
	})

	out := make([]api.Choice, len(sorted))
	for i, c := range sorted {
		if c.Index != i {
			return nil, api.NewDownstreamError("backend_malformed",
				fmt.Sprintf("backend returned choice index %d at position %d of %d", c.Index, i, len(sorted)))
		}
		out[i] = api.Choice{
			Text:         c.Text,
			Index:        c.Index,
			Logprobs:     c.Logprobs,
			FinishReason: c.FinishReason,
		}
	}
	return out, nil
}
