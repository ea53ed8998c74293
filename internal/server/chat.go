package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/comigor/lmchat/internal/conversation"
	"github.com/comigor/lmchat/internal/history"
	"github.com/comigor/lmchat/internal/logger"
)

type chatRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	Model          string `json:"model"`
	Stream         bool   `json:"stream"`
}

type chatResponse struct {
	ConversationID string            `json:"conversationId"`
	Title          string            `json:"title"`
	Model          string            `json:"model"`
	Content        string            `json:"content"`
	Failed         bool              `json:"failed"`
	Messages       []history.Message `json:"messages"`
}

func newChatResponse(res *conversation.SendResult) chatResponse {
	return chatResponse{
		ConversationID: res.ConversationID,
		Title:          res.Title,
		Model:          res.Model,
		Content:        res.Assistant.Content,
		Failed:         res.Failed(),
		Messages:       []history.Message{res.User, res.Assistant},
	}
}

func (s *Server) chat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	send := conversation.SendRequest{
		ConversationID: req.ConversationID,
		Content:        req.Content,
		Model:          req.Model,
		Stream:         req.Stream,
	}

	if !req.Stream {
		res, err := s.sender.Send(c.Request().Context(), send, nil)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, newChatResponse(res))
	}

	w := &eventWriter{c: c}
	res, err := s.sender.Send(c.Request().Context(), send, w)
	if err != nil {
		if !c.Response().Committed {
			return err
		}
		_, msg := statusFor(err)
		if werr := w.event("error", errorResponse{Error: msg}); werr != nil {
			logger.L.Debug("failed to write error event", "error", werr)
		}
		return nil
	}
	if err := w.event("done", newChatResponse(res)); err != nil {
		logger.L.Debug("failed to write done event", "error", err)
		return nil
	}
	if err := w.raw("[DONE]"); err != nil {
		logger.L.Debug("failed to write stream terminator", "error", err)
	}
	return nil
}

type fragmentDelta struct {
	Content string `json:"content"`
}

type fragmentChoice struct {
	Delta fragmentDelta `json:"delta"`
}

// fragmentChunk mirrors the shape of an upstream streaming chunk so a browser
// can decode our stream and LM Studio's with the same code.
type fragmentChunk struct {
	Choices []fragmentChoice `json:"choices"`
}

// eventWriter turns controller callbacks into server-sent events. Headers are
// written lazily so validation errors can still become JSON responses.
type eventWriter struct {
	c echo.Context
}

func (w *eventWriter) begin() {
	resp := w.c.Response()
	if resp.Committed {
		return
	}
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set(echo.HeaderConnection, "keep-alive")
	resp.WriteHeader(http.StatusOK)
}

func (w *eventWriter) UserMessage(conversationID string, msg history.Message) {
	payload := struct {
		ConversationID string          `json:"conversationId"`
		Message        history.Message `json:"message"`
	}{conversationID, msg}
	if err := w.event("user", payload); err != nil {
		logger.L.Debug("failed to write user event", "error", err)
	}
}

func (w *eventWriter) Fragment(text string) error {
	data, err := json.Marshal(fragmentChunk{Choices: []fragmentChoice{{Delta: fragmentDelta{Content: text}}}})
	if err != nil {
		return err
	}
	return w.raw(string(data))
}

func (w *eventWriter) event(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.begin()
	resp := w.c.Response()
	if _, err := fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	resp.Flush()
	return nil
}

func (w *eventWriter) raw(data string) error {
	w.begin()
	resp := w.c.Response()
	if _, err := fmt.Fprintf(resp, "data: %s\n\n", data); err != nil {
		return err
	}
	resp.Flush()
	return nil
}
