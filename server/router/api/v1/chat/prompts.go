package chat

import (
	"fmt"

	"github.com/ratherhq/rather/store"
)

// basePrompt grounds every assistant turn. Subthread suggestions matter:
// the model may either nudge the user toward creating one or request one
// itself through the create_subthread tool.
const basePrompt = `You are a helpful AI assistant in a fractal chat application called "Rather".
Users can create subthreads to explore topics in depth without losing the main conversation flow.

Guidelines:
- Be helpful, concise, and accurate
- If a topic deserves deeper exploration but would distract from the main conversation, suggest the user create a subthread
- Maintain focus on the current thread's topic`

// systemPrompt assembles the system message for a thread, injecting the
// parent's title and summary when responding inside a subthread.
func systemPrompt(thread *store.Thread, parent *store.Thread) string {
	prompt := basePrompt
	if thread.ParentThreadID == nil || parent == nil {
		return prompt
	}

	prompt += fmt.Sprintf(`

This is a subthread exploring a specific topic from the parent conversation.
Parent thread: %q`, parent.Title)
	if parent.Summary != nil && *parent.Summary != "" {
		prompt += fmt.Sprintf("\nParent summary: %s", *parent.Summary)
	}
	prompt += "\nPlease stay focused on this specific subtopic."
	return prompt
}

const summaryPrompt = `Summarize this conversation in one or two sentences. The summary grounds follow-up subthreads, so capture the main topic and any conclusions. Return only the summary.`
