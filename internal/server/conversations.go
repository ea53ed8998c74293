package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/comigor/lmchat/internal/history"
	"github.com/comigor/lmchat/internal/logger"
)

type conversationRequest struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Messages []history.Message `json:"messages"`
}

type idResponse struct {
	ID string `json:"id"`
}

type contentRequest struct {
	Content *string `json:"content"`
}

func (s *Server) listConversations(c echo.Context) error {
	list, err := s.store.List(c.Request().Context())
	if errors.Is(err, history.ErrStoreUnavailable) {
		logger.L.Warn("conversation store unavailable; returning empty list", "error", err)
		return c.JSON(http.StatusOK, []history.Summary{})
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) createConversation(c echo.Context) error {
	var req conversationRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	id, err := s.store.Upsert(c.Request().Context(), &history.Conversation{
		ID:       req.ID,
		Title:    req.Title,
		Messages: req.Messages,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, idResponse{ID: id})
}

func (s *Server) getConversation(c echo.Context) error {
	conv, err := s.store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conv)
}

// saveConversation replaces the transcript of :id, creating the record if needed.
func (s *Server) saveConversation(c echo.Context) error {
	var req conversationRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	_, err := s.store.Upsert(c.Request().Context(), &history.Conversation{
		ID:       c.Param("id"),
		Title:    req.Title,
		Messages: req.Messages,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ok)
}

func (s *Server) deleteConversation(c echo.Context) error {
	if err := s.store.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ok)
}

func (s *Server) updateMessage(c echo.Context) error {
	var req contentRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Content == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}
	if err := s.store.UpdateMessage(c.Request().Context(), c.Param("id"), c.Param("messageId"), *req.Content); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ok)
}

func (s *Server) deleteMessage(c echo.Context) error {
	if err := s.store.DeleteMessage(c.Request().Context(), c.Param("id"), c.Param("messageId")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ok)
}
