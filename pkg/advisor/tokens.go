package advisor

import (
	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts prompt tokens. Claude and Gemini tokenize similarly
// enough to GPT-4 that one encoding serves all providers here.
type TokenCounter struct {
	codec tokenizer.Codec
}

func NewTokenCounter() *TokenCounter {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		// Counting falls back to character estimation.
		return &TokenCounter{}
	}
	return &TokenCounter{codec: codec}
}

// CountTokens returns the token count, estimating 4 chars per token when no
// codec is available.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// TruncateToTokenLimit trims text to roughly fit the limit. Truncation is by
// characters in proportion to the overage, not exact token boundaries.
func (tc *TokenCounter) TruncateToTokenLimit(text string, limit int) string {
	current := tc.CountTokens(text)
	if current <= limit {
		return text
	}
	ratio := float64(limit) / float64(current)
	charLimit := int(float64(len(text)) * ratio * 0.9)
	if charLimit >= len(text) {
		return text
	}
	return text[:charLimit] + "..."
}
