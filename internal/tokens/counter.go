// Package tokens counts relayed content tokens for usage accounting.
package tokens

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/tiktoken-go/tokenizer"
)

// Counter counts tokens in a piece of text.
type Counter interface {
	Count(text string) int
}

// TiktokenCounter counts tokens with a tiktoken BPE encoding.
type TiktokenCounter struct {
	codec tokenizer.Codec
}

// NewTiktokenCounter loads the named encoding, e.g. "cl100k_base".
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	codec, err := tokenizer.Get(tokenizer.Encoding(encoding))
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}
	return &TiktokenCounter{codec: codec}, nil
}

// Count returns the number of tokens in text.
func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return defaultEstimator.Count(text)
	}
	return len(ids)
}

// Estimator provides token count estimation based on character count.
// This is a fallback when no encoding is available.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

var defaultEstimator = NewEstimator()

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: 4.0, // Reasonable default for most models
	}
}

// Count estimates the token count of text.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / e.CharsPerToken))
}

// New returns a tiktoken counter for encoding, or the estimator if the
// encoding cannot be loaded.
func New(encoding string, logger *slog.Logger) Counter {
	counter, err := NewTiktokenCounter(encoding)
	if err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("falling back to estimated token counts",
			slog.String("encoding", encoding),
			slog.String("error", err.Error()),
		)
		return NewEstimator()
	}
	return counter
}
