package spend

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates token counts for spend projections. All supported
// models approximate with the GPT-4 encoding; Claude tokenization is close
// enough for budgeting purposes.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a token counter.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in the given text, falling back to
// character-based estimation (4 chars per token) when the codec fails.
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

// EstimateTokens counts tokens without holding a TokenCounter. Falls back to
// the character estimate when the tokenizer cannot be constructed.
func EstimateTokens(text string) int {
	counter, err := NewTokenCounter()
	if err != nil {
		return len(text) / 4
	}
	return counter.CountTokens(text)
}
