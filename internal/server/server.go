// Package server exposes the chat backend over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/comigor/lmchat/internal/conversation"
	"github.com/comigor/lmchat/internal/history"
	"github.com/comigor/lmchat/internal/llm"
	"github.com/comigor/lmchat/internal/logger"
	"github.com/comigor/lmchat/internal/models"
)

// ModelLister is satisfied by *models.Directory.
type ModelLister interface {
	List(ctx context.Context) ([]models.Model, error)
}

// ArtifactLister is satisfied by *models.Scanner.
type ArtifactLister interface {
	List(ctx context.Context) ([]models.Artifact, error)
}

// Sender is satisfied by *conversation.Controller.
type Sender interface {
	Send(ctx context.Context, req conversation.SendRequest, obs conversation.Observer) (*conversation.SendResult, error)
}

// Options wires the server's collaborators.
type Options struct {
	Store     history.Store
	Sender    Sender
	Models    ModelLister
	Artifacts ArtifactLister
	Upstream  *url.URL
	StaticDir string
}

// Server is the HTTP front of the application.
type Server struct {
	echo      *echo.Echo
	store     history.Store
	sender    Sender
	models    ModelLister
	artifacts ArtifactLister
}

// New builds the router.
func New(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		store:     opts.Store,
		sender:    opts.Sender,
		models:    opts.Models,
		artifacts: opts.Artifacts,
	}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				logger.L.Warn("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "error", v.Error)
				return nil
			}
			logger.L.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := e.Group("/api/v1")
	api.GET("/models", s.listModels)
	api.GET("/models/local", s.listLocalModels)
	api.POST("/chat", s.chat)

	conv := e.Group("/conversations")
	conv.GET("", s.listConversations)
	conv.POST("", s.createConversation)
	conv.GET("/:id", s.getConversation)
	conv.POST("/:id", s.saveConversation)
	conv.DELETE("/:id", s.deleteConversation)
	conv.PUT("/:id/messages/:messageId", s.updateMessage)
	conv.DELETE("/:id/messages/:messageId", s.deleteMessage)

	if opts.Upstream != nil {
		proxy := echo.WrapHandler(newUpstreamProxy(opts.Upstream))
		e.GET("/v1/models", proxy)
		e.POST("/v1/models/load", proxy)
		e.POST("/v1/models/unload", proxy)
		e.POST("/v1/chat/completions", proxy)
	}

	if opts.StaticDir != "" {
		e.Static("/", opts.StaticDir)
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	logger.L.Info("starting server", "address", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

type errorResponse struct {
	Error string `json:"error"`
}

type successResponse struct {
	Success bool `json:"success"`
}

var ok = successResponse{Success: true}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) (int, string) {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code, fmt.Sprint(he.Message)
	case errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, history.ErrInvalidID),
		errors.Is(err, history.ErrInvalidMessage),
		errors.Is(err, conversation.ErrEmptyMessage):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, conversation.ErrNoModelSelected):
		return http.StatusInternalServerError, "No model selected"
	case errors.Is(err, conversation.ErrSendInProgress):
		return http.StatusConflict, err.Error()
	case errors.Is(err, llm.ErrUpstreamUnavailable), errors.Is(err, models.ErrUpstreamUnavailable):
		return http.StatusBadGateway, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.L.Error("request failed", "method", c.Request().Method, "path", c.Path(), "status", status, "error", err)
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, errorResponse{Error: msg})
	}
	if err != nil {
		logger.L.Error("failed to write error response", "error", err)
	}
}
