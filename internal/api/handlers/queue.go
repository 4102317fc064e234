package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/outbound-voice-bridge/internal/domain"
	"github.com/acme/outbound-voice-bridge/internal/service/enqueue"
	apperrors "github.com/acme/outbound-voice-bridge/pkg/errors"
)

type enqueueRequest struct {
	LeadID      string     `json:"lead_id"`
	CampaignID  string     `json:"campaign_id"`
	NextRetryAt *time.Time `json:"next_retry_at"`
}

type queueItemResponse struct {
	ID           uuid.UUID `json:"id"`
	LeadID       uuid.UUID `json:"lead_id"`
	CampaignID   uuid.UUID `json:"campaign_id"`
	Status       string    `json:"status"`
	AttemptCount int       `json:"attempt_count"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	LastError    string    `json:"last_error,omitempty"`
	CallSID      string    `json:"call_sid,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toQueueItemResponse(item *domain.QueueItem) queueItemResponse {
	return queueItemResponse{
		ID:           item.ID,
		LeadID:       item.LeadID,
		CampaignID:   item.CampaignID,
		Status:       string(item.Status),
		AttemptCount: item.AttemptCount,
		NextRetryAt:  item.NextRetryAt,
		LastError:    item.LastError,
		CallSID:      item.CallSID,
		CreatedAt:    item.CreatedAt,
		UpdatedAt:    item.UpdatedAt,
	}
}

func (h *HandlerSet) enqueueLead(ctx *fiber.Ctx) error {
	var req enqueueRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	leadID, err := parseID("lead_id", req.LeadID)
	if err != nil {
		return translateError(err)
	}
	campaignID, err := parseID("campaign_id", req.CampaignID)
	if err != nil {
		return translateError(err)
	}

	item, err := h.deps.Enqueue.Enqueue(ctx.UserContext(), enqueue.Input{
		LeadID:      leadID,
		CampaignID:  campaignID,
		NextRetryAt: req.NextRetryAt,
	})
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusCreated).JSON(toQueueItemResponse(item))
}

func (h *HandlerSet) getQueueItem(ctx *fiber.Ctx) error {
	id, err := parseID("id", ctx.Params("id"))
	if err != nil {
		return translateError(err)
	}
	item, err := h.deps.Enqueue.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toQueueItemResponse(item))
}

func (h *HandlerSet) campaignStats(ctx *fiber.Ctx) error {
	id, err := parseID("id", ctx.Params("id"))
	if err != nil {
		return translateError(err)
	}
	stats, err := h.deps.Enqueue.Stats(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(stats)
}

func parseID(field, raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%w: %s is required", apperrors.ErrValidation, field)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s must be a uuid", apperrors.ErrValidation, field)
	}
	return id, nil
}
