package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/comigor/lmchat/internal/logger"
	"github.com/comigor/lmchat/internal/models"
)

// modelsUnavailable is the body sent when the upstream cannot list models:
// an empty list alongside the reason.
type modelsUnavailable struct {
	Models []models.Model `json:"models"`
	Error  string         `json:"error"`
}

func (s *Server) listModels(c echo.Context) error {
	list, err := s.models.List(c.Request().Context())
	if errors.Is(err, models.ErrUpstreamUnavailable) {
		logger.L.Warn("model listing failed", "error", err)
		return c.JSON(http.StatusBadGateway, modelsUnavailable{Models: []models.Model{}, Error: err.Error()})
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) listLocalModels(c echo.Context) error {
	list, err := s.artifacts.List(c.Request().Context())
	if err != nil {
		logger.L.Error("failed to scan local models", "error", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "Failed to load models"})
	}
	return c.JSON(http.StatusOK, list)
}
