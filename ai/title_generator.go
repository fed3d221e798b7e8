package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	titleTimeout      = 15 * time.Second
	titleInputMaxLen  = 500
	titleMaxRuneCount = 100
)

const titleSystemPrompt = `Generate a very short title (3-6 words) for this conversation. Return only the title, no quotes or punctuation.`

// TitleGenerator produces short thread titles from the first exchange.
// Title generation is best-effort everywhere it is used: callers log and
// swallow failures.
type TitleGenerator struct {
	llm Service
}

// NewTitleGenerator creates a title generator on top of an LLM service.
func NewTitleGenerator(llm Service) *TitleGenerator {
	return &TitleGenerator{llm: llm}
}

// Generate generates a title from the first user message of a thread.
func (tg *TitleGenerator) Generate(ctx context.Context, firstMessage string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	if len(firstMessage) > titleInputMaxLen {
		firstMessage = firstMessage[:titleInputMaxLen] + "..."
	}

	start := time.Now()
	text, err := tg.llm.Chat(ctx, []Message{
		SystemPrompt(titleSystemPrompt),
		UserMessage(firstMessage),
	})
	latency := time.Since(start)

	if err != nil {
		slog.Error("title_generation_failed", "error", err, "latency_ms", latency.Milliseconds())
		return "", fmt.Errorf("LLM request failed: %w", err)
	}

	title := strings.TrimSpace(strings.Trim(strings.TrimSpace(text), `"`))
	if title == "" {
		return "", fmt.Errorf("empty title in response")
	}

	// Truncate to max length (rune-aware for UTF-8).
	runes := []rune(title)
	if len(runes) > titleMaxRuneCount {
		title = string(runes[:titleMaxRuneCount])
	}

	slog.Debug("title_generation_success", "title", title, "latency_ms", latency.Milliseconds())
	return title, nil
}
