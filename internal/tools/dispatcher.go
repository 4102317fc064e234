// Package tools executes the intents the AI engine issues during a call.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/outbound-voice-bridge/internal/domain"
	"github.com/acme/outbound-voice-bridge/internal/realtime"
	"github.com/acme/outbound-voice-bridge/internal/repository"
	"github.com/acme/outbound-voice-bridge/internal/telephony"
	"github.com/acme/outbound-voice-bridge/pkg/logger"
)

// Control is the part of a live call the handlers drive. Handlers run off
// the call's event loop, so implementations must be safe for use from
// another goroutine and must apply effects in call order.
type Control interface {
	// Respond sends a function result to the AI engine.
	Respond(callID string, result Result)
	// Speak asks the model for a new response.
	Speak()
	// Silence clears buffered caller-side audio and cancels the in-flight response.
	Silence()
	// BeginTransfer marks the call as handed to a human.
	BeginTransfer()
	// BeginDisconnect marks the call as ending after the goodbye.
	BeginDisconnect()
	// CloseAfter closes both legs once d has elapsed, hanging up the carrier leg first when hangup is set.
	CloseAfter(d time.Duration, hangup bool)
}

// Call is the per-call context handed to every handler.
type Call struct {
	CallSID  string
	Lead     *domain.Lead
	Campaign *domain.Campaign
	// CallLogID resolves the call log id once its insert has finished.
	CallLogID func(ctx context.Context) (uuid.UUID, error)
	Control   Control
	Logger    *logger.Logger
}

// Result is the payload returned to the model.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(message string) Result     { return Result{Success: true, Message: message} }
func failed(message string) Result { return Result{Success: false, Error: message} }

// Options tune the dispatcher.
type Options struct {
	DefaultTransferNumber string
	TransferDelay         time.Duration
	HangupDelay           time.Duration
}

// Dispatcher maps tool calls to record-store mutations and telephony actions.
type Dispatcher struct {
	store   *repository.Store
	gateway telephony.Gateway
	routes  *telephony.Routes
	opts    Options
	now     func() time.Time
	pick    func(n int) int
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(store *repository.Store, gateway telephony.Gateway, routes *telephony.Routes, opts Options) *Dispatcher {
	return &Dispatcher{
		store:   store,
		gateway: gateway,
		routes:  routes,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
		pick:    rand.IntN,
	}
}

// Dispatch runs one tool call. A result frame is always sent, and it is sent
// before any leg is torn down.
func (d *Dispatcher) Dispatch(ctx context.Context, call *Call, fc realtime.FunctionCall) {
	ctx, span := otel.Tracer("outbound.tools").Start(ctx, "tools."+fc.Name)
	defer span.End()
	span.SetAttributes(attribute.String("call.sid", call.CallSID))

	var err error
	switch fc.Name {
	case NameTransferCall:
		err = d.transfer(ctx, call, fc)
	case NameDisconnectCall:
		err = d.disconnect(ctx, call, fc)
	case NameUpdateLeadStatus:
		err = d.updateLeadStatus(ctx, call, fc)
	case NameScheduleCallback:
		err = d.scheduleCallback(ctx, call, fc)
	default:
		err = fmt.Errorf("unknown tool %q", fc.Name)
		call.Control.Respond(fc.CallID, failed(err.Error()))
	}
	if err != nil {
		span.RecordError(err)
		call.Logger.Warn("tools: call failed", zap.String("tool", fc.Name), zap.Error(err))
	}
}

type transferArgs struct {
	Reason     string `json:"reason"`
	Department string `json:"department"`
}

func (d *Dispatcher) transfer(ctx context.Context, call *Call, fc realtime.FunctionCall) error {
	var args transferArgs
	if err := decodeArgs(fc.Arguments, &args); err != nil {
		call.Control.Respond(fc.CallID, failed("Invalid transfer arguments."))
		return err
	}
	if args.Department == "" {
		args.Department = "sales"
	}

	agent := d.selectAgent(ctx, call)
	call.Logger.Info("tools: transferring call",
		zap.String("reason", args.Reason),
		zap.String("department", args.Department),
		zap.String("agent", agent.FullName),
		zap.String("number", agent.Phone))

	if err := d.gateway.Transfer(ctx, call.CallSID, d.routes.TransferURL(agent.Phone)); err != nil {
		call.Control.Respond(fc.CallID, failed("Failed to transfer call."))
		call.Control.Speak()
		return fmt.Errorf("transfer: %w", err)
	}
	call.Control.BeginTransfer()

	now := d.now()
	var callLogID *uuid.UUID
	if id, err := call.CallLogID(ctx); err != nil {
		call.Logger.Warn("tools: call log unavailable for transfer", zap.Error(err))
	} else {
		callLogID = &id
		if err := d.store.CallLogs.Update(ctx, id, domain.CallLogPatch{
			CallStatus:         domain.Ptr(domain.CallStatusTransferred),
			Transferred:        domain.Ptr(true),
			TransferredAt:      &now,
			TransferReason:     domain.Ptr(args.Reason),
			TransferDepartment: domain.Ptr(args.Department),
		}); err != nil {
			call.Logger.Warn("tools: update call log for transfer", zap.Error(err))
		}
	}

	agentCall := &domain.AgentCall{
		ID:             uuid.New(),
		OrganizationID: call.Campaign.OrganizationID,
		CallLogID:      callLogID,
		LeadID:         call.Lead.ID,
		PhoneNumber:    agent.Phone,
		Reason:         args.Reason,
		Department:     args.Department,
		Outcome:        domain.AgentCallStatusPendingAcceptance,
		CreatedAt:      now,
	}
	if agent.ID != uuid.Nil {
		agentCall.AgentID = &agent.ID
	}
	if err := d.store.AgentCalls.Create(ctx, agentCall); err != nil {
		call.Logger.Warn("tools: record agent call", zap.Error(err))
	}

	patch := domain.LeadPatch{
		TransferredToHuman: domain.Ptr(true),
		LastContactedAt:    &now,
	}
	if stage := d.stageFor(ctx, call, domain.LeadOutcomeQualified); stage != nil {
		patch.StageID = &stage.ID
	}
	if err := d.store.Leads.Update(ctx, call.Lead.ID, patch); err != nil {
		call.Logger.Warn("tools: update lead for transfer", zap.Error(err))
	}

	call.Control.Respond(fc.CallID, ok("Transfer initiated. Closing AI session."))
	call.Control.Silence()
	call.Control.CloseAfter(d.opts.TransferDelay, false)
	return nil
}

// selectAgent picks a random employee with a phone number, falling back to
// the default transfer number.
func (d *Dispatcher) selectAgent(ctx context.Context, call *Call) domain.Agent {
	fallback := domain.Agent{FullName: "Support", Phone: d.opts.DefaultTransferNumber}

	personnel, err := d.store.Personnel.ListByOrganization(ctx, call.Campaign.OrganizationID)
	if err != nil {
		call.Logger.Warn("tools: agent lookup failed, using default number", zap.Error(err))
		return fallback
	}

	var eligible []domain.Agent
	for _, p := range personnel {
		if p.Role == domain.RoleEmployee && strings.TrimSpace(p.Phone) != "" {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		call.Logger.Info("tools: no agents with a phone number, using default number")
		return fallback
	}
	return eligible[d.pick(len(eligible))]
}

type disconnectArgs struct {
	Reason string `json:"reason"`
	Notes  string `json:"notes"`
}

// NormalizeReason lowercases the reason and joins words with underscores.
func NormalizeReason(reason string) string {
	reason = strings.ToLower(strings.TrimSpace(reason))
	if reason == "" {
		return ReasonOther
	}
	return strings.Join(strings.Fields(reason), "_")
}

func (d *Dispatcher) disconnect(ctx context.Context, call *Call, fc realtime.FunctionCall) error {
	var args disconnectArgs
	if err := decodeArgs(fc.Arguments, &args); err != nil {
		call.Control.Respond(fc.CallID, failed("Failed to disconnect properly."))
		return err
	}
	reason := NormalizeReason(args.Reason)
	abusive := strings.Contains(reason, "abusive")

	call.Control.BeginDisconnect()
	now := d.now()

	if id, err := call.CallLogID(ctx); err != nil {
		call.Logger.Warn("tools: call log unavailable for disconnect", zap.Error(err))
	} else if err := d.store.CallLogs.Update(ctx, id, domain.CallLogPatch{
		CallStatus:       domain.Ptr(domain.CallStatusDisconnected),
		DisconnectReason: domain.Ptr(reason),
		Notes:            domain.Ptr(args.Notes),
	}); err != nil {
		call.Logger.Warn("tools: update call log for disconnect", zap.Error(err))
	}

	outcome := domain.LeadOutcomeContacted
	if strings.Contains(reason, "not_interested") || abusive || strings.Contains(reason, "wrong") {
		outcome = domain.LeadOutcomeLost
	}
	notes := args.Notes
	if notes == "" {
		notes = "Call ended: " + reason
	}
	patch := domain.LeadPatch{
		RejectionReason: domain.Ptr(reason),
		Notes:           domain.Ptr(notes),
		LastContactedAt: &now,
	}
	if stage := d.stageFor(ctx, call, outcome); stage != nil {
		patch.StageID = &stage.ID
	}
	if abusive {
		details := args.Notes
		if details == "" {
			details = "Abusive language during call"
		}
		patch.AbuseFlag = domain.Ptr(true)
		patch.AbuseDetails = domain.Ptr(details)
	}
	if err := d.store.Leads.Update(ctx, call.Lead.ID, patch); err != nil {
		call.Logger.Warn("tools: update lead for disconnect", zap.Error(err))
	}

	call.Logger.Info("tools: disconnecting call", zap.String("reason", reason), zap.String("outcome", string(outcome)))
	call.Control.Respond(fc.CallID, ok("Database updated. Ending call now."))
	call.Control.Speak()
	call.Control.CloseAfter(d.opts.HangupDelay, true)
	return nil
}

type statusArgs struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
	Notes  string `json:"notes"`
}

func (d *Dispatcher) updateLeadStatus(ctx context.Context, call *Call, fc realtime.FunctionCall) error {
	var args statusArgs
	if err := decodeArgs(fc.Arguments, &args); err != nil {
		call.Control.Respond(fc.CallID, failed(err.Error()))
		return err
	}
	outcome := domain.ParseLeadOutcome(args.Status)

	patch := domain.LeadPatch{
		RejectionReason: domain.Ptr(args.Reason),
		Notes:           domain.Ptr(args.Notes),
		LastContactedAt: domain.Ptr(d.now()),
	}
	if stage := d.stageFor(ctx, call, outcome); stage != nil {
		patch.StageID = &stage.ID
	}
	if err := d.store.Leads.Update(ctx, call.Lead.ID, patch); err != nil {
		call.Control.Respond(fc.CallID, failed("Could not save lead status."))
		return fmt.Errorf("update lead status: %w", err)
	}

	if id, err := call.CallLogID(ctx); err == nil {
		notes := args.Notes
		if args.Reason != "" {
			notes += " | Reason: " + args.Reason
		}
		if err := d.store.CallLogs.Update(ctx, id, domain.CallLogPatch{Notes: &notes}); err != nil {
			call.Logger.Warn("tools: update call log notes", zap.Error(err))
		}
	}

	call.Logger.Info("tools: lead status updated", zap.String("outcome", string(outcome)))
	call.Control.Respond(fc.CallID, ok("Lead status and notes saved successfully."))
	return nil
}

type callbackArgs struct {
	Time string `json:"time"`
}

var callbackLayouts = []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02"}

// ParseCallbackTime reads an absolute callback time. Free-form phrases such
// as "tomorrow evening" are kept only as notes and resolve to now.
func ParseCallbackTime(text string, now time.Time) time.Time {
	text = strings.TrimSpace(text)
	for _, layout := range callbackLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t.UTC()
		}
	}
	return now
}

func (d *Dispatcher) scheduleCallback(ctx context.Context, call *Call, fc realtime.FunctionCall) error {
	var args callbackArgs
	if err := decodeArgs(fc.Arguments, &args); err != nil || strings.TrimSpace(args.Time) == "" {
		call.Control.Respond(fc.CallID, failed("A callback time is required."))
		if err == nil {
			err = errors.New("schedule callback: empty time")
		}
		return err
	}

	when := ParseCallbackTime(args.Time, d.now())
	if err := d.store.Leads.Update(ctx, call.Lead.ID, domain.LeadPatch{
		WaitingStatus: domain.Ptr(domain.WaitingStatusCallbackScheduled),
		CallbackTime:  &when,
		Notes:         domain.Ptr("Callback requested: " + args.Time),
	}); err != nil {
		call.Control.Respond(fc.CallID, failed("Could not schedule the callback."))
		return fmt.Errorf("schedule callback: %w", err)
	}

	call.Control.Respond(fc.CallID, ok("Callback set for "+args.Time))
	call.Control.Speak()
	return nil
}

// stageFor resolves the pipeline stage for an outcome within the lead's
// pipeline. Nil keeps the lead's current stage.
func (d *Dispatcher) stageFor(ctx context.Context, call *Call, outcome domain.LeadOutcome) *domain.PipelineStage {
	if call.Lead.PipelineID == nil {
		return nil
	}
	stages, err := d.store.Pipelines.ListStages(ctx, *call.Lead.PipelineID)
	if err != nil {
		call.Logger.Warn("tools: list pipeline stages", zap.Error(err))
		return nil
	}
	return domain.StageForOutcome(stages, outcome)
}

func decodeArgs(raw string, v any) error {
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}
