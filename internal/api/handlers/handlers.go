package handlers

import (
	"context"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/outbound-voice-bridge/internal/app"
	"github.com/acme/outbound-voice-bridge/internal/bridge"
	"github.com/acme/outbound-voice-bridge/internal/config"
	"github.com/acme/outbound-voice-bridge/internal/queue"
	"github.com/acme/outbound-voice-bridge/internal/repository"
	"github.com/acme/outbound-voice-bridge/internal/service/attempt"
	"github.com/acme/outbound-voice-bridge/internal/service/enqueue"
	"github.com/acme/outbound-voice-bridge/internal/telephony"
	"github.com/acme/outbound-voice-bridge/pkg/logger"
)

// Deps are the collaborators of the HTTP handlers.
type Deps struct {
	Enqueue   *enqueue.Service
	Attempts  repository.CallAttemptRepository
	Recorder  *attempt.Recorder
	Slots     bridge.SlotReleaser
	Bridge    *bridge.Manager
	Publisher queue.Publisher
	Routes    *telephony.Routes
	Telephony config.TelephonyConfig
	// Checks are run by /healthz, keyed by component name.
	Checks map[string]func(ctx context.Context) error
	Logger *logger.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	deps Deps
	now  func() time.Time
}

// NewHandlerSet creates a new handler bundle from the container.
func NewHandlerSet(container *app.Container) *HandlerSet {
	return New(Deps{
		Enqueue:   container.Enqueue(),
		Attempts:  container.Store().Attempts,
		Recorder:  container.Recorder(),
		Slots:     container.Limiter(),
		Bridge:    container.Bridge(),
		Publisher: container.Publisher(),
		Routes:    container.Routes(),
		Telephony: container.Config.Telephony,
		Checks: map[string]func(ctx context.Context) error{
			"postgres": container.Postgres.Ping,
			"redis":    container.Redis.Ping,
			"scylla":   container.Scylla.Ping,
		},
		Logger: container.Logger,
	})
}

// New creates a handler bundle from explicit dependencies.
func New(deps Deps) *HandlerSet {
	if deps.Publisher == nil {
		deps.Publisher = queue.NopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	return &HandlerSet{deps: deps, now: func() time.Time { return time.Now().UTC() }}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	// Carrier callbacks.
	app.All("/answer", h.answer)
	app.All("/transfer", h.transfer)
	app.Post("/status", h.status)
	app.Use("/voice/stream", h.requireUpgrade)
	app.Get("/voice/stream", websocket.New(h.stream))

	api := app.Group("/api")
	v1 := api.Group("/v1")

	q := v1.Group("/queue")
	q.Post("/", h.enqueueLead)
	q.Get("/:id", h.getQueueItem)

	v1.Get("/campaigns/:id/stats", h.campaignStats)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.deps.Logger.Error("request failed", zap.Error(err), zap.String("path", ctx.Path()))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.Context(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.deps.Checks {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
	}

	body := fiber.Map{"status": "ok", "errors": errs}
	if h.deps.Bridge != nil {
		body["active_calls"] = h.deps.Bridge.Active()
	}
	return ctx.Status(status).JSON(body)
}
