package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ratherhq/rather/ai"
	"github.com/ratherhq/rather/anchor"
	"github.com/ratherhq/rather/store"
)

const subthreadToolName = "create_subthread"

// subthreadTool declares the model's capability to spawn a subthread
// inline during generation. The anchor phrase is resolved against the
// final response text once streaming completes.
var subthreadTool = ai.ToolDescriptor{
	Name:        subthreadToolName,
	Description: "Create a subthread exploring a tangent of the current response. anchor_phrase must be an exact quote from your response text; the subthread will be attached to its first occurrence.",
	Parameters: `{
		"type": "object",
		"properties": {
			"anchor_phrase": {"type": "string", "description": "Exact phrase from the response to anchor the subthread to"},
			"title": {"type": "string", "description": "Short subthread title"},
			"content": {"type": "string", "description": "Opening assistant message for the subthread"}
		},
		"required": ["anchor_phrase", "title", "content"],
		"additionalProperties": false
	}`,
}

// subthreadEffect is a pending model-initiated subthread creation,
// collected during generation and applied only at stream completion.
type subthreadEffect struct {
	AnchorPhrase string `json:"anchor_phrase"`
	Title        string `json:"title"`
	Content      string `json:"content"`
}

func parseSubthreadCall(call ai.ToolCall) (*subthreadEffect, error) {
	if call.Name != subthreadToolName {
		return nil, fmt.Errorf("unknown tool %q", call.Name)
	}
	effect := &subthreadEffect{}
	if err := json.Unmarshal([]byte(call.Arguments), effect); err != nil {
		return nil, fmt.Errorf("failed to parse %s arguments: %w", subthreadToolName, err)
	}
	if effect.Title == "" {
		effect.Title = store.DefaultThreadTitle
	}
	return effect, nil
}

// applyEffects commits the queued subthread creations against the final
// response text. Each anchor phrase resolves to its first literal
// occurrence in the display representation; a missing phrase produces an
// anchorless subthread rather than failing the batch.
func (e *Engine) applyEffects(ctx context.Context, thread *store.Thread, assistantMsg *store.Message, effects []*subthreadEffect) {
	if len(effects) == 0 {
		return
	}

	display := anchor.DisplayText(assistantMsg.Content)
	for _, effect := range effects {
		create := &store.Thread{
			UserID:         thread.UserID,
			ParentThreadID: &thread.ID,
			Title:          effect.Title,
		}

		start, end, found := anchor.Locate(display, effect.AnchorPhrase)
		if found {
			s, en := int32(start), int32(end)
			create.AnchorMessageID = &assistantMsg.ID
			create.AnchorStart = &s
			create.AnchorEnd = &en
		} else {
			slog.Warn("chat.subthread_anchor_missing",
				"thread_id", thread.ID,
				"phrase", effect.AnchorPhrase,
			)
		}

		child, err := e.store.CreateThread(ctx, create)
		if err != nil {
			slog.Error("chat.subthread_create_failed",
				"thread_id", thread.ID,
				"title", effect.Title,
				"error", err,
			)
			continue
		}

		if effect.Content != "" {
			if _, err := e.store.AppendMessage(ctx, child.ID, store.RoleAssistant, effect.Content); err != nil {
				slog.Error("chat.subthread_seed_failed", "subthread_id", child.ID, "error", err)
			}
		}

		if e.metrics != nil {
			e.metrics.SubthreadCreated("tool", found)
		}
		slog.Info("chat.subthread_created",
			"thread_id", thread.ID,
			"subthread_id", child.ID,
			"anchored", found,
		)
	}
}
