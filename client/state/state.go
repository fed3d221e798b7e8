// Package state is the in-memory view model for a Rather frontend:
// which thread is active, navigation history, expanded and highlighted
// subthreads, the pending selection, and the streaming buffers.
package state

import (
	"strings"
	"sync"

	"github.com/ratherhq/rather/anchor"
)

// historyLimit caps the back stack; the oldest entries are dropped.
const historyLimit = 50

// StreamTarget identifies which streaming buffer a chunk belongs to.
type StreamTarget int

const (
	// StreamMain is the conversation occupying the main view.
	StreamMain StreamTarget = iota
	// StreamPanel is the side-panel subthread preview.
	StreamPanel
)

// AppState tracks presentation state only. It never talks to the
// network and is safe for concurrent use.
type AppState struct {
	mu sync.Mutex

	activeThreadID string
	history        []string

	expanded    map[string]struct{}
	highlighted string

	selection *anchor.Selection

	buffers [2]strings.Builder
}

func NewAppState() *AppState {
	return &AppState{
		expanded: make(map[string]struct{}),
	}
}

// ActiveThread returns the id of the thread in the main view, or ""
// when nothing has been activated yet.
func (s *AppState) ActiveThread() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeThreadID
}

// Activate makes the thread the main view. The previous active thread
// is pushed onto the history stack, and any subthread highlight is
// cleared. Consecutive identical entries are not deduplicated; only the
// cap bounds the stack.
func (s *AppState) Activate(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeThreadID != "" {
		s.history = append(s.history, s.activeThreadID)
		if len(s.history) > historyLimit {
			s.history = s.history[len(s.history)-historyLimit:]
		}
	}
	s.activeThreadID = threadID
	s.highlighted = ""
}

// CanGoBack reports whether the history stack is non-empty.
func (s *AppState) CanGoBack() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history) > 0
}

// GoBack pops the history stack and makes that thread active again.
// It returns the new active thread id, or "" when there is no history.
func (s *AppState) GoBack() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.history) == 0 {
		return ""
	}
	last := s.history[len(s.history)-1]
	s.history = s.history[:len(s.history)-1]
	s.activeThreadID = last
	s.highlighted = ""
	return last
}

// ToggleExpanded flips the inline-expansion flag for a subthread and
// returns the new value.
func (s *AppState) ToggleExpanded(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.expanded[threadID]; ok {
		delete(s.expanded, threadID)
		return false
	}
	s.expanded[threadID] = struct{}{}
	return true
}

func (s *AppState) IsExpanded(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.expanded[threadID]
	return ok
}

// Highlight marks one subthread's anchor as hovered. Pass "" to clear.
func (s *AppState) Highlight(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.highlighted = threadID
}

func (s *AppState) Highlighted() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highlighted
}

// SetSelection stores the captured selection that a subthread may be
// created from. Passing nil clears it.
func (s *AppState) SetSelection(sel *anchor.Selection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection = sel
}

// TakeSelection returns the pending selection and clears the slot.
func (s *AppState) TakeSelection() *anchor.Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	sel := s.selection
	s.selection = nil
	return sel
}

func (s *AppState) Selection() *anchor.Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection
}

// AppendStream adds a chunk to one of the streaming buffers.
func (s *AppState) AppendStream(target StreamTarget, chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers[target].WriteString(chunk)
}

// Stream returns the accumulated text for the target buffer.
func (s *AppState) Stream(target StreamTarget) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffers[target].String()
}

// ResetStream clears the target buffer, typically after the finished
// message has been committed and re-fetched.
func (s *AppState) ResetStream(target StreamTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers[target].Reset()
}
