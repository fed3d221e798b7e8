package apiv1

import (
	"net/http"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/ratherhq/rather/server/router/api/v1/chat"
	"github.com/ratherhq/rather/store"
)

// Each user may start a burst of 5 streams, refilling at one every 2s.
const (
	streamRateLimit = rate.Limit(0.5)
	streamRateBurst = 5
)

type MessageService struct {
	Store  *store.Store
	engine *chat.Engine

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewMessageService(st *store.Store, engine *chat.Engine) *MessageService {
	return &MessageService{
		Store:    st,
		engine:   engine,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (s *MessageService) limiter(userID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[userID]
	if !ok {
		l = rate.NewLimiter(streamRateLimit, streamRateBurst)
		s.limiters[userID] = l
	}
	return l
}

type SendMessageRequest struct {
	Content string `json:"content"`
}

type ListMessagesResponse struct {
	Messages []*Message `json:"messages"`
}

func (s *MessageService) ListMessages(c echo.Context) error {
	ctx := c.Request().Context()
	userID := currentUserID(c)

	// Ownership check; the view already carries the messages.
	view, err := s.Store.GetThread(ctx, userID, c.Param("id"))
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, &ListMessagesResponse{Messages: convertMessages(view.Messages)})
}

// SendMessage appends the user's message to the thread and streams the
// assistant response back as chunked text/plain. The connection closing
// early does not abort generation; the finished response is committed
// regardless and can be re-fetched.
func (s *MessageService) SendMessage(c echo.Context) error {
	if s.engine == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no language model configured")
	}

	ctx := c.Request().Context()
	userID := currentUserID(c)

	req := &SendMessageRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if strings.TrimSpace(req.Content) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}

	if !s.limiter(userID).Allow() {
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many requests")
	}

	view, err := s.Store.GetThread(ctx, userID, c.Param("id"))
	if err != nil {
		return mapStoreError(err)
	}

	resp := c.Response()

	// The status line is held back until the first chunk so that
	// pre-stream failures can still produce a proper error response.
	wroteHeader := false
	sink := chat.SinkFunc(func(chunk string) error {
		if !wroteHeader {
			resp.Header().Set(echo.HeaderContentType, "text/plain; charset=utf-8")
			resp.Header().Set("X-Accel-Buffering", "no")
			resp.WriteHeader(http.StatusOK)
			wroteHeader = true
		}
		if _, err := resp.Write([]byte(chunk)); err != nil {
			return err
		}
		resp.Flush()
		return nil
	})

	if _, err := s.engine.Respond(ctx, view.Thread, req.Content, sink); err != nil {
		if wroteHeader {
			// Headers are gone; the client sees a truncated body.
			return err
		}
		if errors.Is(err, chat.ErrStreamInProgress) {
			return echo.NewHTTPError(http.StatusConflict, "a response is already being generated for this thread")
		}
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalid) {
			return mapStoreError(err)
		}
		return echo.NewHTTPError(http.StatusBadGateway, "generation failed").SetInternal(err)
	}

	if !wroteHeader {
		// Empty but successful completion.
		return c.NoContent(http.StatusOK)
	}
	return nil
}
