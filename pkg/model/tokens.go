package model

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates how many tokens a text occupies in a prompt.
type TokenCounter interface {
	Count(text string) int
}

// CountFunc adapts a function to TokenCounter.
type CountFunc func(text string) int

func (f CountFunc) Count(text string) int { return f(text) }

// EstimateTokens approximates the token count at four characters per token.
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// Estimator counts tokens with EstimateTokens.
var Estimator TokenCounter = CountFunc(EstimateTokens)

// DefaultEncoding is the BPE encoding used by NewTokenCounter.
const DefaultEncoding = "cl100k_base"

// TiktokenCounter counts tokens with a tiktoken encoding. Until the
// encoding is loaded it estimates, so counting never waits on the network.
type TiktokenCounter struct {
	encoding string
	once     sync.Once
	loaded   chan struct{}
	enc      atomic.Pointer[tiktoken.Tiktoken]
}

// NewTokenCounter returns a counter backed by the named tiktoken encoding.
// The first Count starts loading the encoding in the background; call Load
// to wait for it. If it cannot be loaded the counter keeps estimating.
// Counts are approximate for non-OpenAI models either way.
func NewTokenCounter(encoding string) *TiktokenCounter {
	return &TiktokenCounter{encoding: encoding, loaded: make(chan struct{})}
}

func (c *TiktokenCounter) start() {
	c.once.Do(func() {
		go func() {
			defer close(c.loaded)
			enc, err := tiktoken.GetEncoding(c.encoding)
			if err != nil {
				slog.Warn("tiktoken encoding unavailable, estimating tokens", "encoding", c.encoding, "error", err)
				return
			}
			c.enc.Store(enc)
			slog.Debug("tiktoken encoding loaded", "encoding", c.encoding)
		}()
	})
}

// Load waits until the encoding is loaded or has failed to load, or until
// ctx is done. It reports whether exact counting is available.
func (c *TiktokenCounter) Load(ctx context.Context) bool {
	c.start()
	select {
	case <-c.loaded:
	case <-ctx.Done():
	}
	return c.enc.Load() != nil
}

func (c *TiktokenCounter) Count(text string) int {
	c.start()
	enc := c.enc.Load()
	if enc == nil {
		return EstimateTokens(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// RequestTokens estimates the prompt tokens of req plus its completion budget.
func RequestTokens(c TokenCounter, req Request) int {
	n := c.Count(req.SystemPrompt)
	for _, t := range req.Messages {
		// Per-message framing overhead.
		n += c.Count(t.Content) + 4
	}
	if req.Params.MaxTokens != nil {
		n += *req.Params.MaxTokens
	}
	return n
}
