package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/outbound-voice-bridge/internal/queue"
	"github.com/acme/outbound-voice-bridge/internal/repository"
	"github.com/acme/outbound-voice-bridge/internal/telephony"
)

const contentTypeXML = "application/xml"

// answer returns the call-control document that connects an answered call
// to the media stream relay.
func (h *HandlerSet) answer(ctx *fiber.Ctx) error {
	ids := telephony.StreamIDs{
		LeadID:     ctx.Query("lead_id"),
		CampaignID: ctx.Query("campaign_id"),
		CallSID:    ctx.FormValue("CallSid"),
	}
	if ids.LeadID == "" || ids.CampaignID == "" {
		h.deps.Logger.Warn("answer callback without identifiers", zap.String("call_sid", ids.CallSID))
		return h.xml(ctx, telephony.HangupDocument)
	}

	return h.xml(ctx, func() (string, error) {
		return telephony.AnswerDocument(h.deps.Routes.StreamURL(ids), ids)
	})
}

// transfer returns the dial document for a human handoff. The caller id is
// the number the call was placed from so the agent sees the campaign line.
func (h *HandlerSet) transfer(ctx *fiber.Ctx) error {
	to := ctx.Query("to")
	if to == "" {
		to = h.deps.Telephony.DefaultTransferNumber
	}
	if to == "" {
		return h.xml(ctx, telephony.HangupDocument)
	}

	callerID := ctx.FormValue("From")
	if callerID == "" {
		callerID = h.deps.Telephony.DefaultCallerID
	}
	return h.xml(ctx, func() (string, error) {
		return telephony.TransferDocument(to, callerID, h.deps.Telephony.TimeLimit)
	})
}

// status concludes attempts for calls that ended before the relay saw them.
// Answered calls are concluded by the bridge, so every other status is
// acknowledged without action.
func (h *HandlerSet) status(ctx *fiber.Ctx) error {
	callSID := ctx.FormValue("CallSid")
	callStatus := ctx.FormValue("CallStatus")
	outcome, ok := telephony.UnansweredOutcome(callStatus)
	if !ok || callSID == "" {
		return ctx.SendStatus(http.StatusNoContent)
	}

	lg := h.deps.Logger.With(zap.String("call_sid", callSID), zap.String("call_status", callStatus))
	reqCtx := ctx.UserContext()

	a, err := h.deps.Attempts.FindByCallSID(reqCtx, callSID)
	if errors.Is(err, repository.ErrNotFound) {
		lg.Debug("status callback for unknown call")
		return ctx.SendStatus(http.StatusNoContent)
	}
	if err != nil {
		return translateError(err)
	}

	duration := time.Duration(0)
	if secs, err := strconv.Atoi(ctx.FormValue("CallDuration")); err == nil {
		duration = time.Duration(secs) * time.Second
	}

	conclusion, err := h.deps.Recorder.Conclude(reqCtx, a, outcome, duration)
	if errors.Is(err, repository.ErrAlreadyRecorded) {
		return ctx.SendStatus(http.StatusNoContent)
	}
	if err != nil {
		return translateError(err)
	}

	if h.deps.Slots != nil {
		if err := h.deps.Slots.Release(reqCtx, a.CampaignID); err != nil {
			lg.Warn("release campaign slot", zap.Error(err))
		}
	}
	if err := h.deps.Publisher.Publish(reqCtx, queue.CallEvent{
		Type:          queue.EventCallEnded,
		CallSID:       callSID,
		LeadID:        a.LeadID,
		CampaignID:    a.CampaignID,
		AttemptNumber: a.AttemptNumber,
		Outcome:       string(outcome),
		WillRetry:     conclusion.WillRetry,
		DurationSec:   int(duration / time.Second),
		OccurredAt:    h.now(),
	}); err != nil {
		lg.Warn("publish call ended", zap.Error(err))
	}

	lg.Info("unanswered call concluded",
		zap.String("outcome", string(outcome)),
		zap.Bool("will_retry", conclusion.WillRetry),
	)
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) requireUpgrade(ctx *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(ctx) {
		return ctx.Next()
	}
	return fiber.ErrUpgradeRequired
}

// stream bridges one carrier media stream until either side hangs up.
func (h *HandlerSet) stream(conn *websocket.Conn) {
	ids := telephony.StreamIDs{
		LeadID:     conn.Query("lead_id"),
		CampaignID: conn.Query("campaign_id"),
		CallSID:    conn.Query("call_sid"),
	}
	if err := h.deps.Bridge.Serve(context.Background(), conn, ids); err != nil {
		h.deps.Logger.Warn("media stream ended with error", zap.Error(err), zap.String("call_sid", ids.CallSID))
	}
}

func (h *HandlerSet) xml(ctx *fiber.Ctx, build func() (string, error)) error {
	doc, err := build()
	if err != nil {
		return err
	}
	ctx.Set(fiber.HeaderContentType, contentTypeXML)
	return ctx.SendString(doc)
}
