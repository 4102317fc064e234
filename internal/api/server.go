package api

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/acme/outbound-voice-bridge/internal/api/handlers"
	"github.com/acme/outbound-voice-bridge/internal/config"
)

// Server wraps the Fiber application serving carrier callbacks, media
// streams and the queue API.
type Server struct {
	app *fiber.App
	cfg config.HTTPConfig
}

// NewServer constructs a new HTTP server.
func NewServer(cfg config.HTTPConfig, set *handlers.HandlerSet) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		IdleTimeout:           cfg.IdleTimeout,
		ErrorHandler:          set.ErrorHandler,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(otelfiber.Middleware())
	set.Register(app)

	return &Server{app: app, cfg: cfg}
}

// App exposes the fiber application.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.Shutdown()
	}()
	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.Port))
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.app.ShutdownWithContext(ctx)
}
