// Package http provides the HTTP server for the webhook endpoint.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/botline/botline/internal/service"
)

// NewServer creates and configures the webhook HTTP server.
func NewServer(dispatcher *service.Dispatcher, maxBodyBytes int64) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// Handlers
	h := NewHandler(dispatcher, maxBodyBytes)

	// Register Routes
	h.RegisterRoutes(e)

	return e
}
