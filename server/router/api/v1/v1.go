// Package apiv1 exposes the REST API: thread CRUD, message streaming,
// and the metrics endpoint.
package apiv1

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/ratherhq/rather/ai"
	"github.com/ratherhq/rather/internal/profile"
	"github.com/ratherhq/rather/metrics"
	"github.com/ratherhq/rather/server/auth"
	"github.com/ratherhq/rather/server/router/api/v1/chat"
	"github.com/ratherhq/rather/store"
)

type APIV1Service struct {
	ThreadService  *ThreadService
	MessageService *MessageService

	Profile *profile.Profile
	Store   *store.Store
	Secret  string

	authenticator *auth.Authenticator
	exporter      *metrics.Exporter
}

func NewAPIV1Service(_ context.Context, secret string, profile *profile.Profile, store *store.Store) (*APIV1Service, error) {
	exporter := metrics.New()
	service := &APIV1Service{
		Profile:       profile,
		Store:         store,
		Secret:        secret,
		authenticator: auth.NewAuthenticator(store, secret),
		exporter:      exporter,
	}

	var llm ai.Service
	if profile.IsLLMEnabled() {
		var err error
		llm, err = ai.NewService(&ai.Config{
			Provider: profile.LLMProvider,
			Model:    profile.LLMModel,
			APIKey:   profile.LLMAPIKey,
			BaseURL:  profile.LLMBaseURL,
			Timeout:  profile.LLMTimeout,
		})
		if err != nil {
			slog.Warn("failed to initialize LLM service",
				"provider", profile.LLMProvider,
				"error", err,
				"note", "chat features will be disabled",
			)
		} else {
			slog.Info("LLM service initialized", "provider", profile.LLMProvider, "model", profile.LLMModel)
		}
	} else {
		slog.Info("chat features disabled", "note", "no language model configured")
	}

	var engine *chat.Engine
	if llm != nil {
		titleLLM := llm
		if profile.TitleModel != "" {
			tl, err := ai.NewService(&ai.Config{
				Provider: profile.LLMProvider,
				Model:    profile.TitleModel,
				APIKey:   profile.LLMAPIKey,
				BaseURL:  profile.LLMBaseURL,
				Timeout:  profile.LLMTimeout,
			})
			if err != nil {
				slog.Warn("failed to initialize title model, falling back to chat model", "error", err)
			} else {
				titleLLM = tl
			}
		}
		engine = chat.NewEngine(store, llm, ai.NewTitleGenerator(titleLLM), exporter)
	}

	service.ThreadService = &ThreadService{Store: store, exporter: exporter}
	service.MessageService = NewMessageService(store, engine)

	return service, nil
}

// RegisterRoutes attaches all API endpoints to the echo instance.
func (s *APIV1Service) RegisterRoutes(echoServer *echo.Echo) {
	echoServer.GET("/metrics", echo.WrapHandler(s.exporter.Handler()))

	g := echoServer.Group("/api/v1")
	g.Use(s.authMiddleware)

	g.GET("/threads", s.ThreadService.ListThreads)
	g.POST("/threads", s.ThreadService.CreateThread)
	g.GET("/threads/:id", s.ThreadService.GetThread)
	g.PATCH("/threads/:id", s.ThreadService.UpdateThread)
	g.DELETE("/threads/:id", s.ThreadService.DeleteThread)

	g.GET("/threads/:id/messages", s.MessageService.ListMessages)
	g.POST("/threads/:id/messages", s.MessageService.SendMessage)
}

func (s *APIV1Service) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := s.authenticator.Authenticate(c.Request().Context(), c.Request().Header.Get("Authorization"))
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
		}
		ctx := auth.SetClaimsInContext(c.Request().Context(), claims)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

// currentUserID returns the authenticated user id for the request. The
// auth middleware guarantees it is set on every /api/v1 route.
func currentUserID(c echo.Context) string {
	id, _ := auth.UserIDFromContext(c.Request().Context())
	return id
}

// mapStoreError converts store sentinels to HTTP errors.
func mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}
