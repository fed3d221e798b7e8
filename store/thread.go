package store

// DefaultThreadTitle is applied when a thread is created without a title.
const DefaultThreadTitle = "New Thread"

// Thread is a node in the conversation forest. A thread with a non-nil
// ParentThreadID is a subthread and carries a complete anchor triple
// pointing into one of the parent's messages.
type Thread struct {
	ID              string
	UserID          string
	ParentThreadID  *string
	AnchorMessageID *string
	AnchorStart     *int32
	AnchorEnd       *int32
	Title           string
	Summary         *string
	CreatedTs       int64
	UpdatedTs       int64
}

// HasAnchor reports whether the full anchor triple is present.
func (t *Thread) HasAnchor() bool {
	return t.AnchorMessageID != nil && t.AnchorStart != nil && t.AnchorEnd != nil
}

type FindThread struct {
	ID             *string
	UserID         *string
	ParentThreadID *string
	// RootOnly restricts the result to threads without a parent.
	RootOnly bool
}

type UpdateThread struct {
	ID        string
	Title     *string
	Summary   *string
	UpdatedTs *int64
}

// ThreadView is the detail payload for a single thread: the thread itself,
// its messages in position order, its direct children, and the breadcrumb
// path from the root down to the thread (the thread is the last entry).
type ThreadView struct {
	Thread     *Thread
	Messages   []*Message
	Subthreads []*Thread
	Breadcrumb []*BreadcrumbEntry
}

type BreadcrumbEntry struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}
