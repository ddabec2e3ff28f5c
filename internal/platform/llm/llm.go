// Package llm is the text-completion boundary. Callers see a single
// Complete(prompt) -> text capability and must treat every error as
// recoverable at their own stage.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrEmptyCompletion = errors.New("llm: empty completion")
	ErrNoJSON          = errors.New("llm: no JSON object in completion")
)

// Completer turns a prompt into text. Implementations may fail for any
// reason (timeout, quota, transport).
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// ExtractJSON pulls the JSON object out of a completion that may wrap it in a
// markdown fence or surround it with prose.
func ExtractJSON(text string) (string, error) {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```json"); i >= 0 {
		s = s[i+len("```json"):]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	} else if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	s = strings.TrimSpace(s)

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return "", ErrNoJSON
	}
	return s[start : end+1], nil
}

// DecodeJSON extracts and unmarshals the JSON object in a completion.
func DecodeJSON(text string, v any) error {
	raw, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("llm: decode completion: %w", err)
	}
	return nil
}

// Logged wraps a Completer and records one log line per call. Prompts and
// completions carry patient text, so only sizes and timings are logged.
func Logged(next Completer, logger zerolog.Logger, stage string) Completer {
	return CompleterFunc(func(ctx context.Context, prompt string) (string, error) {
		start := time.Now()
		out, err := next.Complete(ctx, prompt)
		evt := logger.Debug()
		if err != nil {
			evt = logger.Warn().Err(err)
		}
		evt.
			Str("stage", stage).
			Int("prompt_bytes", len(prompt)).
			Int("completion_bytes", len(out)).
			Dur("latency", time.Since(start)).
			Msg("llm completion")
		return out, err
	})
}
