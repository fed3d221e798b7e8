// Package chat drives assistant response generation: it streams model
// output to the caller, queues model-initiated side effects, and commits
// the finished turn to the thread store exactly once.
package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/ratherhq/rather/ai"
	"github.com/ratherhq/rather/metrics"
	"github.com/ratherhq/rather/store"
)

// ErrStreamInProgress is returned when a second generation is attempted
// against a thread that already has one in flight.
var ErrStreamInProgress = errors.New("a response stream is already in progress for this thread")

// Sink receives incremental response text as it is generated. Write
// errors stop delivery but never abort generation or its commit.
type Sink interface {
	Write(chunk string) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(chunk string) error

func (f SinkFunc) Write(chunk string) error { return f(chunk) }

// Engine produces assistant responses for threads. One streaming
// operation per thread runs at a time; appends to different threads are
// independent.
type Engine struct {
	store   *store.Store
	llm     ai.Service
	titles  *ai.TitleGenerator
	metrics *metrics.Exporter

	// titleSem bounds concurrent background title/summary generations.
	titleSem *semaphore.Weighted

	active sync.Map // thread id -> struct{}
}

// NewEngine creates a response engine. titles and exporter may be nil;
// title generation and metrics are then skipped.
func NewEngine(st *store.Store, llm ai.Service, titles *ai.TitleGenerator, exporter *metrics.Exporter) *Engine {
	return &Engine{
		store:    st,
		llm:      llm,
		titles:   titles,
		metrics:  exporter,
		titleSem: semaphore.NewWeighted(3),
	}
}

// Respond runs one full turn against the thread: it persists the user
// message, streams the assistant response into sink, and commits the
// final message plus any queued subthread effects as one logical unit.
//
// The caller disconnecting only stops sink delivery; generation and the
// commit continue on a detached context, and side effects that already
// executed stay committed.
func (e *Engine) Respond(ctx context.Context, thread *store.Thread, content string, sink Sink) (*store.Message, error) {
	if _, loaded := e.active.LoadOrStore(thread.ID, struct{}{}); loaded {
		return nil, ErrStreamInProgress
	}
	defer e.active.Delete(thread.ID)

	streamID := shortuuid.New()
	started := time.Now()
	if e.metrics != nil {
		e.metrics.StreamStarted()
	}
	finish := func(status string) {
		if e.metrics != nil {
			e.metrics.StreamFinished(status, time.Since(started).Seconds())
		}
	}

	// Generation and commit survive caller disconnect.
	genCtx := context.WithoutCancel(ctx)

	priorCount, err := e.store.CountMessages(genCtx, thread.ID)
	if err != nil {
		finish("failed")
		return nil, err
	}
	firstExchange := priorCount == 0

	userMsg, err := e.store.AppendMessage(genCtx, thread.ID, store.RoleUser, content)
	if err != nil {
		finish("failed")
		return nil, err
	}

	history, err := e.store.ListMessages(genCtx, thread.ID)
	if err != nil {
		finish("failed")
		return nil, err
	}

	var parent *store.Thread
	if thread.ParentThreadID != nil {
		if view, err := e.store.GetThread(genCtx, thread.UserID, *thread.ParentThreadID); err == nil {
			parent = view.Thread
		} else {
			slog.Warn("chat.parent_lookup_failed", "thread_id", thread.ID, "error", err)
		}
	}

	messages := make([]ai.Message, 0, len(history)+1)
	messages = append(messages, ai.SystemPrompt(systemPrompt(thread, parent)))
	for _, m := range history {
		messages = append(messages, ai.Message{Role: string(m.Role), Content: m.Content})
	}

	slog.Info("chat.user_message",
		"stream_id", streamID,
		"thread_id", thread.ID,
		"user_id", thread.UserID,
		"position", userMsg.Position,
	)

	contentChan, toolChan, errChan := e.llm.ChatStream(genCtx, messages, []ai.ToolDescriptor{subthreadTool})

	var (
		builder   []byte
		effects   []*subthreadEffect
		sinkErr   error
		streamErr error
	)

	for contentChan != nil || toolChan != nil {
		select {
		case delta, ok := <-contentChan:
			if !ok {
				contentChan = nil
				continue
			}
			builder = append(builder, delta...)
			if e.metrics != nil {
				e.metrics.ChunkStreamed()
			}
			if sinkErr == nil {
				if sinkErr = sink.Write(delta); sinkErr != nil {
					slog.Warn("chat.sink_closed",
						"stream_id", streamID,
						"thread_id", thread.ID,
						"error", sinkErr,
					)
				}
			}
		case call, ok := <-toolChan:
			if !ok {
				toolChan = nil
				continue
			}
			effect, err := parseSubthreadCall(call)
			if err != nil {
				slog.Warn("chat.tool_call_rejected", "stream_id", streamID, "error", err)
				continue
			}
			effects = append(effects, effect)
		}
	}
	if err, ok := <-errChan; ok && err != nil {
		streamErr = err
	}

	finalText := string(builder)
	if streamErr != nil {
		if finalText == "" {
			// Hard failure before any output: nothing is committed.
			slog.Error("chat.stream_failed", "stream_id", streamID, "thread_id", thread.ID, "error", streamErr)
			finish("failed")
			return nil, errors.Wrap(streamErr, "generation failed")
		}
		// Salvage: keep the user-visible partial answer.
		slog.Warn("chat.stream_salvaged",
			"stream_id", streamID,
			"thread_id", thread.ID,
			"bytes", len(finalText),
			"error", streamErr,
		)
		if e.metrics != nil {
			e.metrics.SalvagedCommit()
		}
	}

	assistantMsg, err := e.store.AppendMessage(genCtx, thread.ID, store.RoleAssistant, finalText)
	if err != nil {
		finish("failed")
		return nil, errors.Wrap(err, "failed to commit assistant message")
	}

	e.applyEffects(genCtx, thread, assistantMsg, effects)

	if err := e.store.TouchThread(genCtx, thread.ID); err != nil {
		slog.Warn("chat.touch_failed", "thread_id", thread.ID, "error", err)
	}

	if firstExchange {
		e.generateTitleAsync(genCtx, thread, content)
	}
	if parent != nil && (parent.Summary == nil || *parent.Summary == "") {
		e.generateSummaryAsync(genCtx, parent)
	}

	status := "completed"
	if streamErr != nil {
		status = "salvaged"
	}
	finish(status)

	slog.Info("chat.assistant_message",
		"stream_id", streamID,
		"thread_id", thread.ID,
		"position", assistantMsg.Position,
		"bytes", len(finalText),
		"effects", len(effects),
		"status", status,
	)

	return assistantMsg, nil
}

// generateTitleAsync rewrites the thread title from the first user
// message. Best-effort: failures are logged and swallowed, and the
// stream's termination is never blocked on it.
func (e *Engine) generateTitleAsync(ctx context.Context, thread *store.Thread, firstMessage string) {
	if e.titles == nil {
		return
	}
	bgCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("chat.title_goroutine_panic", "thread_id", thread.ID, "panic", r)
			}
		}()

		if err := e.titleSem.Acquire(bgCtx, 1); err != nil {
			return
		}
		defer e.titleSem.Release(1)

		titleCtx, cancel := context.WithTimeout(bgCtx, 30*time.Second)
		defer cancel()

		title, err := e.titles.Generate(titleCtx, firstMessage)
		if err != nil {
			if e.metrics != nil {
				e.metrics.TitleGeneration("failed")
			}
			slog.Warn("chat.title_generation_failed", "thread_id", thread.ID, "error", err)
			return
		}

		if _, err := e.store.UpdateThread(titleCtx, thread.UserID, &store.UpdateThread{ID: thread.ID, Title: &title}); err != nil {
			if e.metrics != nil {
				e.metrics.TitleGeneration("failed")
			}
			slog.Warn("chat.title_update_failed", "thread_id", thread.ID, "error", err)
			return
		}
		if e.metrics != nil {
			e.metrics.TitleGeneration("ok")
		}
	}()
}

// generateSummaryAsync writes a short summary onto a parent thread the
// first time one of its subthreads completes a turn. The summary grounds
// subsequent subthread prompts. Best-effort.
func (e *Engine) generateSummaryAsync(ctx context.Context, parent *store.Thread) {
	bgCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("chat.summary_goroutine_panic", "thread_id", parent.ID, "panic", r)
			}
		}()

		if err := e.titleSem.Acquire(bgCtx, 1); err != nil {
			return
		}
		defer e.titleSem.Release(1)

		sumCtx, cancel := context.WithTimeout(bgCtx, 30*time.Second)
		defer cancel()

		history, err := e.store.ListMessages(sumCtx, parent.ID)
		if err != nil || len(history) == 0 {
			return
		}
		if len(history) > 4 {
			history = history[:4]
		}

		messages := []ai.Message{ai.SystemPrompt(summaryPrompt)}
		for _, m := range history {
			messages = append(messages, ai.Message{Role: string(m.Role), Content: m.Content})
		}

		summary, err := e.llm.Chat(sumCtx, messages)
		if err != nil || summary == "" {
			slog.Warn("chat.summary_generation_failed", "thread_id", parent.ID, "error", err)
			return
		}

		if _, err := e.store.UpdateThread(sumCtx, parent.UserID, &store.UpdateThread{ID: parent.ID, Summary: &summary}); err != nil {
			slog.Warn("chat.summary_update_failed", "thread_id", parent.ID, "error", err)
		}
	}()
}
