package store

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ratherhq/rather/anchor"
	"github.com/ratherhq/rather/internal/profile"
)

// ErrNotFound is returned when a requested row is absent or owned by a
// different user. Ownership misses are deliberately indistinguishable
// from absence so that cross-user probing leaks nothing.
var ErrNotFound = errors.New("not found")

// ErrInvalid is returned for malformed input rejected before any mutation.
var ErrInvalid = errors.New("invalid")

// maxTreeDepth bounds tree walks. The parent relation is a forest by
// construction, so the bound only matters if the invariant is violated.
const maxTreeDepth = 1000

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver

	// threadLocks serializes message appends per thread. Position
	// assignment is read-count-then-write; without per-thread mutual
	// exclusion concurrent appends could mint duplicate positions.
	threadLocks sync.Map // thread id -> *sync.Mutex
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) lockThread(id string) *sync.Mutex {
	mu, _ := s.threadLocks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// UpsertUser mirrors an identity from the external auth provider,
// creating the row on first sight and refreshing mutable fields after.
func (s *Store) UpsertUser(ctx context.Context, upsert *UpsertUser) (*User, error) {
	if upsert.ID == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalid)
	}
	if upsert.Ts == 0 {
		upsert.Ts = time.Now().UnixMilli()
	}
	return s.driver.UpsertUser(ctx, upsert)
}

func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	user, err := s.driver.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrNotFound
	}
	return user, nil
}

// CreateThread creates a thread owned by create.UserID. A partial anchor
// triple, an anchor without a parent, or an anchor message that does not
// belong to the immediate parent thread are all rejected before mutation.
func (s *Store) CreateThread(ctx context.Context, create *Thread) (*Thread, error) {
	if create.UserID == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalid)
	}
	if create.Title == "" {
		create.Title = DefaultThreadTitle
	}

	anchorFields := 0
	if create.AnchorMessageID != nil {
		anchorFields++
	}
	if create.AnchorStart != nil {
		anchorFields++
	}
	if create.AnchorEnd != nil {
		anchorFields++
	}
	if anchorFields != 0 && anchorFields != 3 {
		return nil, fmt.Errorf("%w: anchor triple must be fully specified or fully absent", ErrInvalid)
	}
	if anchorFields == 3 {
		if create.ParentThreadID == nil {
			return nil, fmt.Errorf("%w: anchor requires a parent thread", ErrInvalid)
		}
		if *create.AnchorStart < 0 || *create.AnchorStart >= *create.AnchorEnd {
			return nil, fmt.Errorf("%w: anchor offsets must satisfy 0 <= start < end", ErrInvalid)
		}
	}

	if create.ParentThreadID != nil {
		parent, err := s.getOwnedThread(ctx, create.UserID, *create.ParentThreadID)
		if err != nil {
			return nil, err
		}
		if anchorFields == 3 {
			// Anchors are restricted to the immediate parent's own messages.
			msg, err := s.driver.ListMessages(ctx, &FindMessage{ID: create.AnchorMessageID})
			if err != nil {
				return nil, err
			}
			if len(msg) == 0 || msg[0].ThreadID != parent.ID {
				return nil, fmt.Errorf("%w: anchor message does not belong to parent thread", ErrInvalid)
			}
			// Offsets index the rendered text of the message, not the raw
			// markdown.
			limit := int32(utf8.RuneCountInString(anchor.DisplayText(msg[0].Content)))
			if *create.AnchorEnd > limit {
				return nil, fmt.Errorf("%w: anchor end %d exceeds message length %d", ErrInvalid, *create.AnchorEnd, limit)
			}
		}
	}

	now := time.Now().UnixMilli()
	create.ID = uuid.NewString()
	create.CreatedTs = now
	create.UpdatedTs = now
	return s.driver.CreateThread(ctx, create)
}

// GetThread returns the thread with its ordered messages, direct
// subthreads, and breadcrumb path. Absent or cross-user ids collapse to
// ErrNotFound.
func (s *Store) GetThread(ctx context.Context, userID, id string) (*ThreadView, error) {
	thread, err := s.getOwnedThread(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	messages, err := s.driver.ListMessages(ctx, &FindMessage{ThreadID: &thread.ID})
	if err != nil {
		return nil, err
	}

	subthreads, err := s.driver.ListThreads(ctx, &FindThread{ParentThreadID: &thread.ID})
	if err != nil {
		return nil, err
	}

	breadcrumb, err := s.buildBreadcrumb(ctx, thread)
	if err != nil {
		return nil, err
	}

	return &ThreadView{
		Thread:     thread,
		Messages:   messages,
		Subthreads: subthreads,
		Breadcrumb: breadcrumb,
	}, nil
}

// ListThreads returns the user's root threads, or the full owned forest
// flattened when includeDescendants is set, ordered by updated_ts desc.
func (s *Store) ListThreads(ctx context.Context, userID string, includeDescendants bool) ([]*Thread, error) {
	find := &FindThread{UserID: &userID}
	if !includeDescendants {
		find.RootOnly = true
	}
	return s.driver.ListThreads(ctx, find)
}

// UpdateThread applies a partial update and bumps updated_ts.
func (s *Store) UpdateThread(ctx context.Context, userID string, update *UpdateThread) (*Thread, error) {
	if _, err := s.getOwnedThread(ctx, userID, update.ID); err != nil {
		return nil, err
	}
	if update.UpdatedTs == nil {
		now := time.Now().UnixMilli()
		update.UpdatedTs = &now
	}
	return s.driver.UpdateThread(ctx, update)
}

// TouchThread bumps a thread's updated_ts without other changes.
func (s *Store) TouchThread(ctx context.Context, id string) error {
	now := time.Now().UnixMilli()
	_, err := s.driver.UpdateThread(ctx, &UpdateThread{ID: id, UpdatedTs: &now})
	return err
}

// DeleteThread removes the thread and every descendant reachable over the
// parent relation, returning the ids of all deleted threads. Messages are
// removed by the cascading foreign key. The walk is an explicit worklist
// with a visited set rather than call recursion.
func (s *Store) DeleteThread(ctx context.Context, userID, id string) ([]string, error) {
	root, err := s.getOwnedThread(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{root.ID: true}
	deleted := []string{root.ID}
	worklist := []string{root.ID}

	for len(worklist) > 0 {
		if len(visited) > maxTreeDepth*1000 {
			return nil, errors.New("thread tree too large")
		}
		current := worklist[0]
		worklist = worklist[1:]

		children, err := s.driver.ListThreads(ctx, &FindThread{ParentThreadID: &current})
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if visited[child.ID] {
				continue
			}
			visited[child.ID] = true
			deleted = append(deleted, child.ID)
			worklist = append(worklist, child.ID)
		}
	}

	if err := s.driver.DeleteThreads(ctx, deleted); err != nil {
		return nil, err
	}
	for _, threadID := range deleted {
		s.threadLocks.Delete(threadID)
	}
	return deleted, nil
}

// AppendMessage inserts a message at position = current message count.
// Appends to the same thread are serialized; appends to different threads
// run independently.
func (s *Store) AppendMessage(ctx context.Context, threadID string, role Role, content string) (*Message, error) {
	if role != RoleUser && role != RoleAssistant {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalid, role)
	}

	mu := s.lockThread(threadID)
	mu.Lock()
	defer mu.Unlock()

	return s.driver.CreateMessage(ctx, &Message{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		CreatedTs: time.Now().UnixMilli(),
	})
}

// ListMessages returns a thread's messages in position order.
func (s *Store) ListMessages(ctx context.Context, threadID string) ([]*Message, error) {
	return s.driver.ListMessages(ctx, &FindMessage{ThreadID: &threadID})
}

// CountMessages returns the number of messages in a thread.
func (s *Store) CountMessages(ctx context.Context, threadID string) (int32, error) {
	return s.driver.CountMessages(ctx, threadID)
}

// GetMessage returns a message if its owning thread belongs to userID.
func (s *Store) GetMessage(ctx context.Context, userID, id string) (*Message, error) {
	messages, err := s.driver.ListMessages(ctx, &FindMessage{ID: &id})
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, ErrNotFound
	}
	msg := messages[0]
	if _, err := s.getOwnedThread(ctx, userID, msg.ThreadID); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *Store) getOwnedThread(ctx context.Context, userID, id string) (*Thread, error) {
	threads, err := s.driver.ListThreads(ctx, &FindThread{ID: &id, UserID: &userID})
	if err != nil {
		return nil, err
	}
	if len(threads) == 0 {
		return nil, ErrNotFound
	}
	return threads[0], nil
}

// buildBreadcrumb walks parent pointers up to the root, guarding against
// revisits, and returns the path root-first with the thread itself last.
func (s *Store) buildBreadcrumb(ctx context.Context, thread *Thread) ([]*BreadcrumbEntry, error) {
	path := []*BreadcrumbEntry{{ID: thread.ID, Title: thread.Title}}
	visited := map[string]bool{thread.ID: true}

	current := thread
	for current.ParentThreadID != nil {
		if len(path) > maxTreeDepth {
			return nil, errors.New("breadcrumb depth limit exceeded")
		}
		parentID := *current.ParentThreadID
		if visited[parentID] {
			return nil, errors.Errorf("cycle detected in thread ancestry at %s", parentID)
		}
		parents, err := s.driver.ListThreads(ctx, &FindThread{ID: &parentID, UserID: &thread.UserID})
		if err != nil {
			return nil, err
		}
		if len(parents) == 0 {
			break
		}
		current = parents[0]
		visited[current.ID] = true
		path = append([]*BreadcrumbEntry{{ID: current.ID, Title: current.Title}}, path...)
	}

	return path, nil
}
