package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratherhq/rather/ai"
	"github.com/ratherhq/rather/store"
)

// fakeLLM scripts one streaming exchange: chunks, then tool calls, then
// an optional terminal error. release, when set, gates the stream start.
type fakeLLM struct {
	chunks    []string
	toolCalls []ai.ToolCall
	streamErr error
	release   chan struct{}

	chatReply string
	chatErr   error
}

func (f *fakeLLM) Chat(_ context.Context, _ []ai.Message) (string, error) {
	return f.chatReply, f.chatErr
}

func (f *fakeLLM) ChatStream(_ context.Context, _ []ai.Message, _ []ai.ToolDescriptor) (<-chan string, <-chan ai.ToolCall, <-chan error) {
	contentChan := make(chan string)
	toolChan := make(chan ai.ToolCall)
	errChan := make(chan error, 1)

	go func() {
		defer close(contentChan)
		defer close(toolChan)
		defer close(errChan)

		if f.release != nil {
			<-f.release
		}
		for _, chunk := range f.chunks {
			contentChan <- chunk
		}
		for _, call := range f.toolCalls {
			toolChan <- call
		}
		if f.streamErr != nil {
			errChan <- f.streamErr
		}
	}()

	return contentChan, toolChan, errChan
}

// memDriver is a minimal in-memory store.Driver.
type memDriver struct {
	mu       sync.Mutex
	threads  map[string]*store.Thread
	order    []string
	messages map[string]*store.Message
}

func newMemDriver() *memDriver {
	return &memDriver{
		threads:  make(map[string]*store.Thread),
		messages: make(map[string]*store.Message),
	}
}

func (m *memDriver) GetDB() *sql.DB                  { return nil }
func (m *memDriver) Close() error                    { return nil }
func (m *memDriver) Migrate(_ context.Context) error { return nil }

func (m *memDriver) UpsertUser(_ context.Context, upsert *store.UpsertUser) (*store.User, error) {
	return &store.User{ID: upsert.ID}, nil
}

func (m *memDriver) GetUser(_ context.Context, _ string) (*store.User, error) {
	return nil, nil
}

func (m *memDriver) CreateThread(_ context.Context, create *store.Thread) (*store.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *create
	m.threads[copied.ID] = &copied
	m.order = append(m.order, copied.ID)
	return &copied, nil
}

func (m *memDriver) ListThreads(_ context.Context, find *store.FindThread) ([]*store.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Thread
	for _, id := range m.order {
		t, ok := m.threads[id]
		if !ok {
			continue
		}
		if find.ID != nil && t.ID != *find.ID {
			continue
		}
		if find.UserID != nil && t.UserID != *find.UserID {
			continue
		}
		if find.ParentThreadID != nil && (t.ParentThreadID == nil || *t.ParentThreadID != *find.ParentThreadID) {
			continue
		}
		if find.RootOnly && t.ParentThreadID != nil {
			continue
		}
		copied := *t
		out = append(out, &copied)
	}
	return out, nil
}

func (m *memDriver) UpdateThread(_ context.Context, update *store.UpdateThread) (*store.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[update.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if update.Title != nil {
		t.Title = *update.Title
	}
	if update.Summary != nil {
		t.Summary = update.Summary
	}
	if update.UpdatedTs != nil {
		t.UpdatedTs = *update.UpdatedTs
	}
	copied := *t
	return &copied, nil
}

func (m *memDriver) DeleteThreads(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.threads, id)
	}
	return nil
}

func (m *memDriver) CreateMessage(_ context.Context, create *store.Message) (*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *create
	for _, msg := range m.messages {
		if msg.ThreadID == copied.ThreadID {
			copied.Position++
		}
	}
	m.messages[copied.ID] = &copied
	return &copied, nil
}

func (m *memDriver) ListMessages(_ context.Context, find *store.FindMessage) ([]*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Message
	for _, msg := range m.messages {
		if find.ID != nil && msg.ID != *find.ID {
			continue
		}
		if find.ThreadID != nil && msg.ThreadID != *find.ThreadID {
			continue
		}
		copied := *msg
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *memDriver) CountMessages(_ context.Context, threadID string) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := int32(0)
	for _, msg := range m.messages {
		if msg.ThreadID == threadID {
			count++
		}
	}
	return count, nil
}

type collectSink struct {
	mu     sync.Mutex
	chunks []string
	err    error
}

func (s *collectSink) Write(chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *collectSink) text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.chunks, "")
}

func newTestEngine(llm ai.Service) (*Engine, *store.Store) {
	st := store.New(newMemDriver(), nil)
	return NewEngine(st, llm, nil, nil), st
}

func subthreadCall(t *testing.T, phrase, title, content string) ai.ToolCall {
	t.Helper()
	args, err := json.Marshal(map[string]string{
		"anchor_phrase": phrase,
		"title":         title,
		"content":       content,
	})
	require.NoError(t, err)
	return ai.ToolCall{ID: "call-1", Name: "create_subthread", Arguments: string(args)}
}

func TestRespondCommitsFullExchange(t *testing.T) {
	ctx := context.Background()
	llm := &fakeLLM{chunks: []string{"Kyoto has ", "temples and gardens."}}
	engine, st := newTestEngine(llm)

	thread, err := st.CreateThread(ctx, &store.Thread{UserID: "u1", Title: "Trip Planning"})
	require.NoError(t, err)

	sink := &collectSink{}
	msg, err := engine.Respond(ctx, thread, "What about Kyoto?", sink)
	require.NoError(t, err)

	assert.Equal(t, "Kyoto has temples and gardens.", msg.Content)
	assert.Equal(t, store.RoleAssistant, msg.Role)
	assert.Equal(t, int32(1), msg.Position)
	assert.Equal(t, "Kyoto has temples and gardens.", sink.text())

	messages, err := st.ListMessages(ctx, thread.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, store.RoleUser, messages[0].Role)
	assert.Equal(t, "What about Kyoto?", messages[0].Content)
}

func TestRespondNoCommitOnEarlyFailure(t *testing.T) {
	ctx := context.Background()
	llm := &fakeLLM{streamErr: errors.New("upstream unavailable")}
	engine, st := newTestEngine(llm)

	thread, err := st.CreateThread(ctx, &store.Thread{UserID: "u1"})
	require.NoError(t, err)

	_, err = engine.Respond(ctx, thread, "hello", &collectSink{})
	require.Error(t, err)

	// The user message is persisted; no assistant message is.
	messages, err := st.ListMessages(ctx, thread.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, store.RoleUser, messages[0].Role)
}

func TestRespondSalvagesPartialOutput(t *testing.T) {
	ctx := context.Background()
	llm := &fakeLLM{
		chunks:    []string{"Kyoto has temples", " and then the "},
		streamErr: errors.New("connection reset"),
	}
	engine, st := newTestEngine(llm)

	thread, err := st.CreateThread(ctx, &store.Thread{UserID: "u1"})
	require.NoError(t, err)

	msg, err := engine.Respond(ctx, thread, "tell me about Kyoto", &collectSink{})
	require.NoError(t, err)
	assert.Equal(t, "Kyoto has temples and then the ", msg.Content)

	messages, err := st.ListMessages(ctx, thread.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}

func TestRespondSinkFailureDoesNotAbortCommit(t *testing.T) {
	ctx := context.Background()
	llm := &fakeLLM{chunks: []string{"part one ", "part two"}}
	engine, st := newTestEngine(llm)

	thread, err := st.CreateThread(ctx, &store.Thread{UserID: "u1"})
	require.NoError(t, err)

	sink := &collectSink{err: errors.New("client went away")}
	msg, err := engine.Respond(ctx, thread, "hello", sink)
	require.NoError(t, err)

	// Nothing was delivered, but the full text is committed.
	assert.Empty(t, sink.text())
	assert.Equal(t, "part one part two", msg.Content)
}

func TestRespondRejectsConcurrentStream(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	llm := &fakeLLM{chunks: []string{"slow answer"}, release: release}
	engine, st := newTestEngine(llm)

	thread, err := st.CreateThread(ctx, &store.Thread{UserID: "u1"})
	require.NoError(t, err)

	firstDone := make(chan error, 1)
	go func() {
		_, err := engine.Respond(ctx, thread, "first", &collectSink{})
		firstDone <- err
	}()

	// Wait until the first stream holds the slot.
	require.Eventually(t, func() bool {
		_, busy := engine.active.Load(thread.ID)
		return busy
	}, time.Second, 5*time.Millisecond)

	_, err = engine.Respond(ctx, thread, "second", &collectSink{})
	assert.ErrorIs(t, err, ErrStreamInProgress)

	close(release)
	require.NoError(t, <-firstDone)
}

func TestRespondAppliesSubthreadEffects(t *testing.T) {
	ctx := context.Background()
	llm := &fakeLLM{
		chunks: []string{"If you visit Japan, then ", "Kyoto has temples you must see."},
		toolCalls: []ai.ToolCall{
			subthreadCall(t, "Kyoto has temples", "Temple Deep Dive", "Kinkaku-ji and Fushimi Inari are the highlights."),
		},
	}
	engine, st := newTestEngine(llm)

	thread, err := st.CreateThread(ctx, &store.Thread{UserID: "u1", Title: "Trip Planning"})
	require.NoError(t, err)

	msg, err := engine.Respond(ctx, thread, "plan my trip", &collectSink{})
	require.NoError(t, err)

	view, err := st.GetThread(ctx, "u1", thread.ID)
	require.NoError(t, err)
	require.Len(t, view.Subthreads, 1)

	child := view.Subthreads[0]
	assert.Equal(t, "Temple Deep Dive", child.Title)
	require.True(t, child.HasAnchor())
	assert.Equal(t, msg.ID, *child.AnchorMessageID)
	assert.Equal(t, int32(25), *child.AnchorStart)
	assert.Equal(t, int32(42), *child.AnchorEnd)

	seeded, err := st.ListMessages(ctx, child.ID)
	require.NoError(t, err)
	require.Len(t, seeded, 1)
	assert.Equal(t, store.RoleAssistant, seeded[0].Role)
	assert.Equal(t, "Kinkaku-ji and Fushimi Inari are the highlights.", seeded[0].Content)
}

func TestRespondAnchorlessFallbackOnMissingPhrase(t *testing.T) {
	ctx := context.Background()
	llm := &fakeLLM{
		chunks: []string{"Nothing about that city here."},
		toolCalls: []ai.ToolCall{
			subthreadCall(t, "Kyoto has temples", "Orphan", "context"),
		},
	}
	engine, st := newTestEngine(llm)

	thread, err := st.CreateThread(ctx, &store.Thread{UserID: "u1"})
	require.NoError(t, err)

	_, err = engine.Respond(ctx, thread, "hello", &collectSink{})
	require.NoError(t, err)

	view, err := st.GetThread(ctx, "u1", thread.ID)
	require.NoError(t, err)
	require.Len(t, view.Subthreads, 1)
	assert.False(t, view.Subthreads[0].HasAnchor())
	assert.Equal(t, "Orphan", view.Subthreads[0].Title)
}

func TestRespondIgnoresUnknownToolCalls(t *testing.T) {
	ctx := context.Background()
	llm := &fakeLLM{
		chunks:    []string{"answer"},
		toolCalls: []ai.ToolCall{{ID: "x", Name: "delete_everything", Arguments: "{}"}},
	}
	engine, st := newTestEngine(llm)

	thread, err := st.CreateThread(ctx, &store.Thread{UserID: "u1"})
	require.NoError(t, err)

	_, err = engine.Respond(ctx, thread, "hello", &collectSink{})
	require.NoError(t, err)

	view, err := st.GetThread(ctx, "u1", thread.ID)
	require.NoError(t, err)
	assert.Empty(t, view.Subthreads)
}

func TestRespondGeneratesTitleOnFirstExchange(t *testing.T) {
	ctx := context.Background()
	llm := &fakeLLM{chunks: []string{"an answer"}, chatReply: "Kyoto Trip Ideas"}
	st := store.New(newMemDriver(), nil)
	engine := NewEngine(st, llm, ai.NewTitleGenerator(llm), nil)

	thread, err := st.CreateThread(ctx, &store.Thread{UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, store.DefaultThreadTitle, thread.Title)

	_, err = engine.Respond(ctx, thread, "where should I go in Japan?", &collectSink{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view, err := st.GetThread(ctx, "u1", thread.ID)
		return err == nil && view.Thread.Title == "Kyoto Trip Ideas"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRespondKeepsTitleAfterFirstExchange(t *testing.T) {
	ctx := context.Background()
	llm := &fakeLLM{chunks: []string{"another answer"}, chatReply: "Should Not Appear"}
	st := store.New(newMemDriver(), nil)
	engine := NewEngine(st, llm, ai.NewTitleGenerator(llm), nil)

	thread, err := st.CreateThread(ctx, &store.Thread{UserID: "u1", Title: "Kept"})
	require.NoError(t, err)
	_, err = st.AppendMessage(ctx, thread.ID, store.RoleUser, "earlier message")
	require.NoError(t, err)

	_, err = engine.Respond(ctx, thread, "follow-up", &collectSink{})
	require.NoError(t, err)

	// Give any stray goroutine a moment, then confirm the title held.
	time.Sleep(50 * time.Millisecond)
	view, err := st.GetThread(ctx, "u1", thread.ID)
	require.NoError(t, err)
	assert.Equal(t, "Kept", view.Thread.Title)
}
