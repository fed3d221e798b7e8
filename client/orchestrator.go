package client

import (
	"context"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/ratherhq/rather/anchor"
	"github.com/ratherhq/rather/client/state"
	apiv1 "github.com/ratherhq/rather/server/router/api/v1"
)

// subthreadTitleLimit is the rune budget for a title derived from the
// selected text; longer selections are truncated with an ellipsis.
const subthreadTitleLimit = 50

// Orchestrator composes the client and the view model into the
// selection-to-subthread flow: capture a span of an answer, open a
// subthread anchored to it, and stream the first exchange.
type Orchestrator struct {
	api   *Client
	state *state.AppState
}

func NewOrchestrator(api *Client, st *state.AppState) *Orchestrator {
	return &Orchestrator{api: api, state: st}
}

func (o *Orchestrator) State() *state.AppState {
	return o.state
}

// SubthreadTitle derives a thread title from the selected text.
func SubthreadTitle(selectedText string) string {
	runes := []rune(selectedText)
	if len(runes) <= subthreadTitleLimit {
		return selectedText
	}
	return string(runes[:subthreadTitleLimit]) + "…"
}

// CaptureSelection validates a selection against the message's display
// text and stores it as the pending selection. The offsets are rune
// offsets into displayText.
func (o *Orchestrator) CaptureSelection(messageID, displayText string, start, end int) (*anchor.Selection, error) {
	sel, err := anchor.Capture(messageID, displayText, start, end)
	if err != nil {
		return nil, err
	}
	o.state.SetSelection(sel)
	return sel, nil
}

// SubthreadResult is what the UI renders immediately after opening a
// subthread: the created thread and a locally-constructed placeholder
// for the user's first message. The placeholder's id is provisional;
// the committed message arrives with the thread on the next fetch.
type SubthreadResult struct {
	Thread      *apiv1.Thread
	UserMessage *apiv1.Message
}

// OpenSubthread consumes the pending selection and creates a subthread
// of parentThreadID anchored to it, seeded with firstMessage. The first
// exchange streams into the buffer named by target: StreamPanel keeps
// the parent in the main view, StreamMain navigates straight into the
// new subthread. Both variants converge on the same persisted state
// once the stream commits.
func (o *Orchestrator) OpenSubthread(ctx context.Context, parentThreadID, firstMessage string, target state.StreamTarget) (*SubthreadResult, error) {
	sel := o.state.TakeSelection()
	if sel == nil {
		return nil, errors.New("no selection captured")
	}

	start := int32(sel.Start)
	end := int32(sel.End)
	title := SubthreadTitle(sel.Text)
	thread, err := o.api.CreateThread(ctx, &apiv1.CreateThreadRequest{
		Title:           title,
		ParentThreadID:  &parentThreadID,
		AnchorMessageID: &sel.MessageID,
		AnchorStart:     &start,
		AnchorEnd:       &end,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create subthread")
	}

	placeholder := &apiv1.Message{
		ID:        shortuuid.New(),
		ThreadID:  thread.ID,
		Role:      "user",
		Content:   firstMessage,
		Position:  0,
		CreatedTs: time.Now().UnixMilli(),
	}

	if target == state.StreamMain {
		o.state.Activate(thread.ID)
	}
	o.state.ResetStream(target)
	go func() {
		_, err := o.api.SendMessage(ctx, thread.ID, firstMessage, func(chunk string) {
			o.state.AppendStream(target, chunk)
		})
		if err != nil {
			o.state.AppendStream(target, "\n[response interrupted]")
		}
	}()

	return &SubthreadResult{Thread: thread, UserMessage: placeholder}, nil
}

// Send streams a message into the active thread's main-view buffer and
// returns the full assistant response.
func (o *Orchestrator) Send(ctx context.Context, threadID, content string) (string, error) {
	o.state.ResetStream(state.StreamMain)
	return o.api.SendMessage(ctx, threadID, content, func(chunk string) {
		o.state.AppendStream(state.StreamMain, chunk)
	})
}

// Enter makes a thread the main view, fetching its detail payload.
func (o *Orchestrator) Enter(ctx context.Context, threadID string) (*apiv1.ThreadDetail, error) {
	detail, err := o.api.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	o.state.Activate(threadID)
	return detail, nil
}
