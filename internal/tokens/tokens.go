// Package tokens provides token counting for conversation turn text.
package tokens

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Counter counts tokens in a piece of text.
type Counter interface {
	Count(text string) (int, error)
}

// NewCounter returns the default counter: exact tiktoken counts, falling
// back to the character estimator when the codec cannot be loaded.
func NewCounter() Counter {
	return &fallbackCounter{
		exact:  NewTiktokenCounter(""),
		approx: NewEstimator(),
	}
}

type fallbackCounter struct {
	exact  Counter
	approx Counter
}

func (c *fallbackCounter) Count(text string) (int, error) {
	if n, err := c.exact.Count(text); err == nil {
		return n, nil
	}
	return c.approx.Count(text)
}

// TiktokenCounter counts tokens with a tiktoken codec. The zero model
// uses the cl100k_base encoding, which is a reasonable default for
// modern chat models.
type TiktokenCounter struct {
	encoding tokenizer.Encoding

	mu    sync.Mutex
	codec tokenizer.Codec
}

// NewTiktokenCounter creates a counter for the given encoding.
func NewTiktokenCounter(encoding tokenizer.Encoding) *TiktokenCounter {
	if encoding == "" {
		encoding = tokenizer.Cl100kBase
	}
	return &TiktokenCounter{encoding: encoding}
}

// Count returns the exact token count of text under the configured encoding.
func (c *TiktokenCounter) Count(text string) (int, error) {
	codec, err := c.getCodec()
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("failed to encode text: %w", err)
	}
	return len(ids), nil
}

// getCodec lazily initializes and caches the codec.
func (c *TiktokenCounter) getCodec() (tokenizer.Codec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.codec != nil {
		return c.codec, nil
	}
	codec, err := tokenizer.Get(c.encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}
	c.codec = codec
	return codec, nil
}

// Estimator approximates token counts from character length. It is the
// fallback when exact tokenization is unavailable or too heavy.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: 4.0, // Reasonable default for most models
	}
}

// Count estimates the token count of text.
func (e *Estimator) Count(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	charsPerToken := e.CharsPerToken
	if charsPerToken <= 0 {
		charsPerToken = 4.0
	}
	n := int(float64(len(text)) / charsPerToken)
	if n == 0 {
		n = 1
	}
	return n, nil
}
