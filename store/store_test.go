package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDriver is an in-memory Driver for exercising Store semantics.
type mockDriver struct {
	mu sync.Mutex

	users    map[string]*User
	threads  map[string]*Thread
	threadID []string // insertion order
	messages map[string]*Message

	listThreadsErr error
	deleteErr      error
}

func newMockDriver() *mockDriver {
	return &mockDriver{
		users:    make(map[string]*User),
		threads:  make(map[string]*Thread),
		messages: make(map[string]*Message),
	}
}

func (m *mockDriver) GetDB() *sql.DB                  { return nil }
func (m *mockDriver) Close() error                    { return nil }
func (m *mockDriver) Migrate(_ context.Context) error { return nil }

func (m *mockDriver) UpsertUser(_ context.Context, upsert *UpsertUser) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[upsert.ID]
	if !ok {
		user = &User{ID: upsert.ID, CreatedTs: upsert.Ts}
		m.users[upsert.ID] = user
	}
	user.Email = upsert.Email
	user.Name = upsert.Name
	if upsert.ThemePreference != nil {
		user.ThemePreference = *upsert.ThemePreference
	}
	user.UpdatedTs = upsert.Ts
	return user, nil
}

func (m *mockDriver) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[id], nil
}

func (m *mockDriver) CreateThread(_ context.Context, create *Thread) (*Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *create
	m.threads[copied.ID] = &copied
	m.threadID = append(m.threadID, copied.ID)
	return &copied, nil
}

func (m *mockDriver) ListThreads(_ context.Context, find *FindThread) ([]*Thread, error) {
	if m.listThreadsErr != nil {
		return nil, m.listThreadsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Thread
	for _, id := range m.threadID {
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

func (m *mockDriver) UpdateThread(_ context.Context, update *UpdateThread) (*Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[update.ID]
	if !ok {
		return nil, ErrNotFound
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

func (m *mockDriver) DeleteThreads(_ context.Context, ids []string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		delete(m.threads, id)
		for msgID, msg := range m.messages {
			if msg.ThreadID == id {
				delete(m.messages, msgID)
			}
		}
	}
	return nil
}

// CreateMessage deliberately splits the count read from the insert so
// that racing appends to the same thread would collide without the
// store-level per-thread lock.
func (m *mockDriver) CreateMessage(_ context.Context, create *Message) (*Message, error) {
	m.mu.Lock()
	count := int32(0)
	for _, msg := range m.messages {
		if msg.ThreadID == create.ThreadID {
			count++
		}
	}
	m.mu.Unlock()

	time.Sleep(time.Millisecond)

	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *create
	copied.Position = count
	for _, msg := range m.messages {
		if msg.ThreadID == copied.ThreadID && msg.Position == copied.Position {
			return nil, fmt.Errorf("duplicate position %d in thread %s", copied.Position, copied.ThreadID)
		}
	}
	m.messages[copied.ID] = &copied
	return &copied, nil
}

func (m *mockDriver) ListMessages(_ context.Context, find *FindMessage) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Message
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

func (m *mockDriver) CountMessages(_ context.Context, threadID string) (int32, error) {
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

func newTestStore() (*Store, *mockDriver) {
	driver := newMockDriver()
	return New(driver, nil), driver
}

func ptr[T any](v T) *T { return &v }

func TestCreateThreadDefaults(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	thread, err := s.CreateThread(ctx, &Thread{UserID: "u1"})
	require.NoError(t, err)

	assert.NotEmpty(t, thread.ID)
	assert.Equal(t, DefaultThreadTitle, thread.Title)
	assert.Nil(t, thread.ParentThreadID)
	assert.False(t, thread.HasAnchor())
	assert.NotZero(t, thread.CreatedTs)
	assert.Equal(t, thread.CreatedTs, thread.UpdatedTs)
}

func TestCreateThreadRejectsPartialAnchor(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	parent, err := s.CreateThread(ctx, &Thread{UserID: "u1", Title: "Trip Planning"})
	require.NoError(t, err)

	cases := []struct {
		name   string
		thread *Thread
	}{
		{
			name: "anchor message without offsets",
			thread: &Thread{
				UserID:          "u1",
				ParentThreadID:  &parent.ID,
				AnchorMessageID: ptr("m1"),
			},
		},
		{
			name: "offsets without anchor message",
			thread: &Thread{
				UserID:         "u1",
				ParentThreadID: &parent.ID,
				AnchorStart:    ptr(int32(0)),
				AnchorEnd:      ptr(int32(5)),
			},
		},
		{
			name: "missing end",
			thread: &Thread{
				UserID:          "u1",
				ParentThreadID:  &parent.ID,
				AnchorMessageID: ptr("m1"),
				AnchorStart:     ptr(int32(0)),
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.CreateThread(ctx, tc.thread)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestCreateThreadAnchorValidation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	parent, err := s.CreateThread(ctx, &Thread{UserID: "u1", Title: "Trip Planning"})
	require.NoError(t, err)
	msg, err := s.AppendMessage(ctx, parent.ID, RoleAssistant, "Kyoto has temples and gardens worth several days.")
	require.NoError(t, err)

	t.Run("anchor requires parent", func(t *testing.T) {
		_, err := s.CreateThread(ctx, &Thread{
			UserID:          "u1",
			AnchorMessageID: &msg.ID,
			AnchorStart:     ptr(int32(0)),
			AnchorEnd:       ptr(int32(5)),
		})
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("start must precede end", func(t *testing.T) {
		_, err := s.CreateThread(ctx, &Thread{
			UserID:          "u1",
			ParentThreadID:  &parent.ID,
			AnchorMessageID: &msg.ID,
			AnchorStart:     ptr(int32(10)),
			AnchorEnd:       ptr(int32(10)),
		})
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("negative start", func(t *testing.T) {
		_, err := s.CreateThread(ctx, &Thread{
			UserID:          "u1",
			ParentThreadID:  &parent.ID,
			AnchorMessageID: &msg.ID,
			AnchorStart:     ptr(int32(-1)),
			AnchorEnd:       ptr(int32(5)),
		})
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("anchor message must belong to parent", func(t *testing.T) {
		other, err := s.CreateThread(ctx, &Thread{UserID: "u1", Title: "Other"})
		require.NoError(t, err)
		otherMsg, err := s.AppendMessage(ctx, other.ID, RoleAssistant, "unrelated")
		require.NoError(t, err)

		_, err = s.CreateThread(ctx, &Thread{
			UserID:          "u1",
			ParentThreadID:  &parent.ID,
			AnchorMessageID: &otherMsg.ID,
			AnchorStart:     ptr(int32(0)),
			AnchorEnd:       ptr(int32(5)),
		})
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("end beyond message length", func(t *testing.T) {
		_, err := s.CreateThread(ctx, &Thread{
			UserID:          "u1",
			ParentThreadID:  &parent.ID,
			AnchorMessageID: &msg.ID,
			AnchorStart:     ptr(int32(2)),
			AnchorEnd:       ptr(int32(500000)),
		})
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("end at message length", func(t *testing.T) {
		child, err := s.CreateThread(ctx, &Thread{
			UserID:          "u1",
			ParentThreadID:  &parent.ID,
			Title:           "days.",
			AnchorMessageID: &msg.ID,
			AnchorStart:     ptr(int32(44)),
			AnchorEnd:       ptr(int32(49)),
		})
		require.NoError(t, err)
		assert.Equal(t, int32(49), *child.AnchorEnd)
	})

	t.Run("offsets index rendered text", func(t *testing.T) {
		mdMsg, err := s.AppendMessage(ctx, parent.ID, RoleAssistant, "**Kyoto** has temples")
		require.NoError(t, err)

		// The raw markdown is 21 characters but renders to 17; the raw
		// length is out of bounds.
		_, err = s.CreateThread(ctx, &Thread{
			UserID:          "u1",
			ParentThreadID:  &parent.ID,
			AnchorMessageID: &mdMsg.ID,
			AnchorStart:     ptr(int32(0)),
			AnchorEnd:       ptr(int32(21)),
		})
		assert.ErrorIs(t, err, ErrInvalid)

		_, err = s.CreateThread(ctx, &Thread{
			UserID:          "u1",
			ParentThreadID:  &parent.ID,
			Title:           "Kyoto has temples",
			AnchorMessageID: &mdMsg.ID,
			AnchorStart:     ptr(int32(0)),
			AnchorEnd:       ptr(int32(17)),
		})
		require.NoError(t, err)
	})

	t.Run("valid anchored subthread", func(t *testing.T) {
		child, err := s.CreateThread(ctx, &Thread{
			UserID:          "u1",
			ParentThreadID:  &parent.ID,
			Title:           "Kyoto has temples",
			AnchorMessageID: &msg.ID,
			AnchorStart:     ptr(int32(25)),
			AnchorEnd:       ptr(int32(43)),
		})
		require.NoError(t, err)
		assert.True(t, child.HasAnchor())
		assert.Equal(t, int32(25), *child.AnchorStart)
		assert.Equal(t, int32(43), *child.AnchorEnd)
	})
}

func TestCrossUserAccessCollapsesToNotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	thread, err := s.CreateThread(ctx, &Thread{UserID: "u1", Title: "Private"})
	require.NoError(t, err)

	_, err = s.GetThread(ctx, "u2", thread.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.UpdateThread(ctx, "u2", &UpdateThread{ID: thread.ID, Title: ptr("Stolen")})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.DeleteThread(ctx, "u2", thread.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Creating a subthread under someone else's parent also misses.
	_, err = s.CreateThread(ctx, &Thread{UserID: "u2", ParentThreadID: &thread.ID})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendMessagePositionsGapless(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	thread, err := s.CreateThread(ctx, &Thread{UserID: "u1"})
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	results := make([]*Message, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.AppendMessage(ctx, thread.ID, RoleUser, fmt.Sprintf("message %d", i))
		}(i)
	}
	wg.Wait()

	seen := make(map[int32]bool)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[results[i].Position], "duplicate position %d", results[i].Position)
		seen[results[i].Position] = true
	}
	for i := int32(0); i < n; i++ {
		assert.True(t, seen[i], "missing position %d", i)
	}
}

func TestAppendMessageRejectsUnknownRole(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	thread, err := s.CreateThread(ctx, &Thread{UserID: "u1"})
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, thread.ID, Role("system"), "nope")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestDeleteThreadCascadesToDescendants(t *testing.T) {
	ctx := context.Background()
	s, driver := newTestStore()

	root, err := s.CreateThread(ctx, &Thread{UserID: "u1", Title: "root"})
	require.NoError(t, err)
	child, err := s.CreateThread(ctx, &Thread{UserID: "u1", Title: "child", ParentThreadID: &root.ID})
	require.NoError(t, err)
	grandchildA, err := s.CreateThread(ctx, &Thread{UserID: "u1", Title: "gc-a", ParentThreadID: &child.ID})
	require.NoError(t, err)
	grandchildB, err := s.CreateThread(ctx, &Thread{UserID: "u1", Title: "gc-b", ParentThreadID: &child.ID})
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, grandchildA.ID, RoleUser, "leaf content")
	require.NoError(t, err)

	deleted, err := s.DeleteThread(ctx, "u1", root.ID)
	require.NoError(t, err)

	require.Len(t, deleted, 4)
	assert.Equal(t, root.ID, deleted[0])
	assert.ElementsMatch(t, []string{root.ID, child.ID, grandchildA.ID, grandchildB.ID}, deleted)

	for _, id := range []string{root.ID, child.ID, grandchildA.ID, grandchildB.ID} {
		_, err := s.GetThread(ctx, "u1", id)
		assert.ErrorIs(t, err, ErrNotFound)
	}
	count, err := driver.CountMessages(ctx, grandchildA.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDeleteThreadReleasesAppendLocks(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	root, err := s.CreateThread(ctx, &Thread{UserID: "u1", Title: "root"})
	require.NoError(t, err)
	child, err := s.CreateThread(ctx, &Thread{UserID: "u1", Title: "child", ParentThreadID: &root.ID})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, root.ID, RoleUser, "hello")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, child.ID, RoleUser, "branch")
	require.NoError(t, err)

	_, err = s.DeleteThread(ctx, "u1", root.ID)
	require.NoError(t, err)

	for _, id := range []string{root.ID, child.ID} {
		_, ok := s.threadLocks.Load(id)
		assert.False(t, ok, "lock entry lingers for deleted thread %s", id)
	}
}

func TestListThreadsRootOnly(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	root, err := s.CreateThread(ctx, &Thread{UserID: "u1", Title: "root"})
	require.NoError(t, err)
	_, err = s.CreateThread(ctx, &Thread{UserID: "u1", Title: "child", ParentThreadID: &root.ID})
	require.NoError(t, err)
	_, err = s.CreateThread(ctx, &Thread{UserID: "u2", Title: "foreign"})
	require.NoError(t, err)

	roots, err := s.ListThreads(ctx, "u1", false)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, root.ID, roots[0].ID)

	all, err := s.ListThreads(ctx, "u1", true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGetThreadView(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	root, err := s.CreateThread(ctx, &Thread{UserID: "u1", Title: "Trip Planning"})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, root.ID, RoleUser, "Where should I go in Japan?")
	require.NoError(t, err)
	msg, err := s.AppendMessage(ctx, root.ID, RoleAssistant, "Consider Kyoto. Kyoto has temples and gardens.")
	require.NoError(t, err)

	child, err := s.CreateThread(ctx, &Thread{
		UserID:          "u1",
		ParentThreadID:  &root.ID,
		Title:           "Kyoto has temples",
		AnchorMessageID: &msg.ID,
		AnchorStart:     ptr(int32(16)),
		AnchorEnd:       ptr(int32(33)),
	})
	require.NoError(t, err)

	view, err := s.GetThread(ctx, "u1", root.ID)
	require.NoError(t, err)

	assert.Equal(t, root.ID, view.Thread.ID)
	require.Len(t, view.Messages, 2)
	assert.Equal(t, int32(0), view.Messages[0].Position)
	assert.Equal(t, int32(1), view.Messages[1].Position)
	require.Len(t, view.Subthreads, 1)
	assert.Equal(t, child.ID, view.Subthreads[0].ID)
	require.Len(t, view.Breadcrumb, 1)
	assert.Equal(t, "Trip Planning", view.Breadcrumb[0].Title)
}

func TestBreadcrumbDepth(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	const depth = 5
	parent, err := s.CreateThread(ctx, &Thread{UserID: "u1", Title: "level-0"})
	require.NoError(t, err)
	chain := []*Thread{parent}
	for i := 1; i <= depth; i++ {
		child, err := s.CreateThread(ctx, &Thread{
			UserID:         "u1",
			Title:          fmt.Sprintf("level-%d", i),
			ParentThreadID: &chain[i-1].ID,
		})
		require.NoError(t, err)
		chain = append(chain, child)
	}

	view, err := s.GetThread(ctx, "u1", chain[depth].ID)
	require.NoError(t, err)

	require.Len(t, view.Breadcrumb, depth+1)
	assert.Equal(t, "level-0", view.Breadcrumb[0].Title)
	assert.Equal(t, fmt.Sprintf("level-%d", depth), view.Breadcrumb[depth].Title)
}

func TestGetMessageOwnership(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	thread, err := s.CreateThread(ctx, &Thread{UserID: "u1"})
	require.NoError(t, err)
	msg, err := s.AppendMessage(ctx, thread.ID, RoleUser, "hello")
	require.NoError(t, err)

	got, err := s.GetMessage(ctx, "u1", msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)

	_, err = s.GetMessage(ctx, "u2", msg.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertUserRequiresID(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	_, err := s.UpsertUser(ctx, &UpsertUser{Email: "a@b.c"})
	assert.ErrorIs(t, err, ErrInvalid)

	user, err := s.UpsertUser(ctx, &UpsertUser{ID: "u1", Email: "a@b.c", Name: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.NotZero(t, user.UpdatedTs)
}
