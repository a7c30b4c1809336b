package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/docchat/internal/chat"
)

// ChatService is the orchestration surface the HTTP handlers depend on.
type ChatService interface {
	ProcessTurn(ctx context.Context, chatID, userID, documentID, message string) (*chat.TurnResult, error)
	IngestDocument(ctx context.Context, documentID, title, text string, pageCount int) (int, error)
}

type ChatsHandler struct {
	Service ChatService
}

func (h *ChatsHandler) Register(g *echo.Group) {
	g.POST("/chats/:chat_id/turns", h.turn)
	g.POST("/documents", h.ingest)
}

// userID trusts the upstream gateway's identity header; auth itself lives in
// front of this service.
func userID(c echo.Context) string {
	if id := c.Request().Header.Get("X-User-ID"); id != "" {
		return id
	}
	return "anonymous"
}

func (h *ChatsHandler) turn(c echo.Context) error {
	chatID := c.Param("chat_id")
	var req struct {
		Message    string `json:"message"`
		DocumentID string `json:"document_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message required")
	}

	res, err := h.Service.ProcessTurn(c.Request().Context(), chatID, userID(c), req.DocumentID, req.Message)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrDocumentNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, chat.ErrChatAccessDenied):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, chat.ErrProviderUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (h *ChatsHandler) ingest(c echo.Context) error {
	var req struct {
		ID        string `json:"id"`
		Title     string `json:"title"`
		Text      string `json:"text"`
		PageCount int    `json:"page_count"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text required")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	n, err := h.Service.IngestDocument(c.Request().Context(), req.ID, req.Title, req.Text, req.PageCount)
	switch {
	case errors.Is(err, chat.ErrEmptyDocument):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"id": req.ID, "chunks": n})
}
