package http

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/botline/botline/internal/service"
)

// Signature headers carried on every webhook request.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// Handler handles HTTP requests.
type Handler struct {
	dispatcher   *service.Dispatcher
	maxBodyBytes int64
}

// NewHandler creates a new handler.
func NewHandler(dispatcher *service.Dispatcher, maxBodyBytes int64) *Handler {
	return &Handler{
		dispatcher:   dispatcher,
		maxBodyBytes: maxBodyBytes,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/webhook", h.Webhook)
	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// Webhook receives one platform event delivery.
// POST /webhook
func (h *Handler) Webhook(c echo.Context) error {
	req := c.Request()
	body, err := io.ReadAll(io.LimitReader(req.Body, h.maxBodyBytes+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable body"})
	}
	if int64(len(body)) > h.maxBodyBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
	}

	disp, _ := h.dispatcher.Handle(
		req.Context(),
		body,
		req.Header.Get(HeaderSignature),
		req.Header.Get(HeaderTimestamp),
	)

	switch disp {
	case service.DispositionProcessed, service.DispositionDuplicate, service.DispositionBlocked:
		// Acknowledged; the platform stops redelivering.
		return c.JSON(http.StatusOK, map[string]string{"status": string(disp)})
	case service.DispositionAuthFailed:
		// Generic body: no distinction leaked between bad signature,
		// stale timestamp, and missing headers.
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	case service.DispositionRejected:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
	default:
		// The platform will redeliver; the dedup ledger makes that safe.
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
