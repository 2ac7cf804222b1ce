package server

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FrontHandler answers same-origin page requests (everything outside /-/).
// Tests inject fakes through FrontHandlerFunc.
type FrontHandler interface {
	Handle(fiber.Ctx) error
}

// FrontHandlerFunc adapts a function to the FrontHandler interface.
type FrontHandlerFunc func(fiber.Ctx) error

// Handle makes FrontHandlerFunc satisfy FrontHandler.
func (f FrontHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls how the Fiber application is assembled.
type AppOptions struct {
	Logger *logrus.Logger
	Front  FrontHandler
	// ControlSecret enables HS256 bearer auth on /-/ routes when non-empty.
	ControlSecret string
}

const contextKeyRequestID = "_truvista_request_id"

// RequestIDHeader is echoed on every response and accepted from callers.
const RequestIDHeader = "X-Request-ID"

// NewApp builds a Fiber application with request-id, recovery and control
// auth middleware. Control routes are registered afterwards by package routes;
// every other path is handed to the front handler.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Front == nil {
		return nil, errors.New("front handler is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())
	app.Use(controlAuthMiddleware(opts.ControlSecret, opts.Logger))

	app.All("/*", func(c fiber.Ctx) error {
		if isControlPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return opts.Front.Handle(c)
	})

	return app, nil
}

// requestContextMiddleware 复用调用方传入的请求 ID，缺省时生成 uuid。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := strings.TrimSpace(c.Get(RequestIDHeader))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Locals(contextKeyRequestID, reqID)
		c.Set(RequestIDHeader, reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isControlPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
