package tokens

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Counter estimates token counts. It uses the cl100k_base tokenizer when the
// encoding can be loaded and falls back to a conservative heuristic
// otherwise, so counting never fails a turn.
type Counter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewCounter returns a counter. The tokenizer is initialized lazily on first
// use.
func NewCounter() *Counter {
	return &Counter{}
}

// NewHeuristicCounter returns a counter that never loads a tokenizer. Used in
// tests and anywhere deterministic offline counting matters.
func NewHeuristicCounter() *Counter {
	c := &Counter{}
	c.once.Do(func() {})
	return c
}

// Count estimates the number of tokens in text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err == nil {
			c.enc = enc
		}
	})
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	return Estimate(text)
}

// Estimate is a conservative token estimate that overestimates so budget
// checks never admit more than a real tokenizer would.
func Estimate(text string) int {
	if text == "" {
		return 0
	}

	// ~4 chars per token is typical; divide by 3 to stay on the high side.
	charEstimate := utf8.RuneCountInString(text) / 3
	wordEstimate := len(strings.Fields(text)) * 2

	if charEstimate > wordEstimate {
		return charEstimate
	}
	return wordEstimate
}
