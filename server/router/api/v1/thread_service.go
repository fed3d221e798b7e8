package apiv1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ratherhq/rather/metrics"
	"github.com/ratherhq/rather/store"
)

type ThreadService struct {
	Store    *store.Store
	exporter *metrics.Exporter
}

// Thread is the wire representation of a conversation thread.
type Thread struct {
	ID              string  `json:"id"`
	ParentThreadID  *string `json:"parentThreadId,omitempty"`
	AnchorMessageID *string `json:"anchorMessageId,omitempty"`
	AnchorStart     *int32  `json:"anchorStart,omitempty"`
	AnchorEnd       *int32  `json:"anchorEnd,omitempty"`
	Title           string  `json:"title"`
	Summary         *string `json:"summary,omitempty"`
	CreatedTs       int64   `json:"createdTs"`
	UpdatedTs       int64   `json:"updatedTs"`
}

// Message is the wire representation of a single chat message.
type Message struct {
	ID        string `json:"id"`
	ThreadID  string `json:"threadId"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Position  int32  `json:"position"`
	CreatedTs int64  `json:"createdTs"`
}

// ThreadDetail is the GET /threads/:id payload.
type ThreadDetail struct {
	Thread     *Thread                  `json:"thread"`
	Messages   []*Message               `json:"messages"`
	Subthreads []*Thread                `json:"subthreads"`
	Breadcrumb []*store.BreadcrumbEntry `json:"breadcrumb"`
}

type CreateThreadRequest struct {
	Title           string  `json:"title"`
	ParentThreadID  *string `json:"parentThreadId"`
	AnchorMessageID *string `json:"anchorMessageId"`
	AnchorStart     *int32  `json:"anchorStart"`
	AnchorEnd       *int32  `json:"anchorEnd"`
}

type UpdateThreadRequest struct {
	Title   *string `json:"title"`
	Summary *string `json:"summary"`
}

type ListThreadsResponse struct {
	Threads []*Thread `json:"threads"`
}

type DeleteThreadResponse struct {
	Deleted []string `json:"deleted"`
}

func convertThread(t *store.Thread) *Thread {
	return &Thread{
		ID:              t.ID,
		ParentThreadID:  t.ParentThreadID,
		AnchorMessageID: t.AnchorMessageID,
		AnchorStart:     t.AnchorStart,
		AnchorEnd:       t.AnchorEnd,
		Title:           t.Title,
		Summary:         t.Summary,
		CreatedTs:       t.CreatedTs,
		UpdatedTs:       t.UpdatedTs,
	}
}

func convertThreads(threads []*store.Thread) []*Thread {
	out := make([]*Thread, 0, len(threads))
	for _, t := range threads {
		out = append(out, convertThread(t))
	}
	return out
}

func convertMessage(m *store.Message) *Message {
	return &Message{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		Role:      string(m.Role),
		Content:   m.Content,
		Position:  m.Position,
		CreatedTs: m.CreatedTs,
	}
}

func convertMessages(messages []*store.Message) []*Message {
	out := make([]*Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, convertMessage(m))
	}
	return out
}

// ListThreads returns the caller's threads. By default only root
// threads are listed; pass ?includeSubthreads=true for the full forest.
func (s *ThreadService) ListThreads(c echo.Context) error {
	includeSubthreads := c.QueryParam("includeSubthreads") == "true"
	threads, err := s.Store.ListThreads(c.Request().Context(), currentUserID(c), includeSubthreads)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, &ListThreadsResponse{Threads: convertThreads(threads)})
}

func (s *ThreadService) CreateThread(c echo.Context) error {
	req := &CreateThreadRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	thread, err := s.Store.CreateThread(c.Request().Context(), &store.Thread{
		UserID:          currentUserID(c),
		Title:           req.Title,
		ParentThreadID:  req.ParentThreadID,
		AnchorMessageID: req.AnchorMessageID,
		AnchorStart:     req.AnchorStart,
		AnchorEnd:       req.AnchorEnd,
	})
	if err != nil {
		return mapStoreError(err)
	}

	kind := "root"
	if thread.ParentThreadID != nil {
		kind = "subthread"
	}
	s.exporter.ThreadCreated(kind)

	return c.JSON(http.StatusCreated, convertThread(thread))
}

func (s *ThreadService) GetThread(c echo.Context) error {
	view, err := s.Store.GetThread(c.Request().Context(), currentUserID(c), c.Param("id"))
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, &ThreadDetail{
		Thread:     convertThread(view.Thread),
		Messages:   convertMessages(view.Messages),
		Subthreads: convertThreads(view.Subthreads),
		Breadcrumb: view.Breadcrumb,
	})
}

func (s *ThreadService) UpdateThread(c echo.Context) error {
	req := &UpdateThreadRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Title == nil && req.Summary == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "nothing to update")
	}
	if req.Title != nil && *req.Title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title cannot be empty")
	}

	thread, err := s.Store.UpdateThread(c.Request().Context(), currentUserID(c), &store.UpdateThread{
		ID:      c.Param("id"),
		Title:   req.Title,
		Summary: req.Summary,
	})
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, convertThread(thread))
}

// DeleteThread removes the thread and every descendant subthread. The
// response lists everything that was deleted, root first.
func (s *ThreadService) DeleteThread(c echo.Context) error {
	deleted, err := s.Store.DeleteThread(c.Request().Context(), currentUserID(c), c.Param("id"))
	if err != nil {
		return mapStoreError(err)
	}
	s.exporter.ThreadsDeleted(len(deleted))
	return c.JSON(http.StatusOK, &DeleteThreadResponse{Deleted: deleted})
}
