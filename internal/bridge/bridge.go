// Package bridge relays audio between the carrier media stream of an answered
// call and an AI realtime session, and drives the call through its states.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/outbound-voice-bridge/internal/config"
	"github.com/acme/outbound-voice-bridge/internal/domain"
	"github.com/acme/outbound-voice-bridge/internal/queue"
	"github.com/acme/outbound-voice-bridge/internal/realtime"
	"github.com/acme/outbound-voice-bridge/internal/repository"
	"github.com/acme/outbound-voice-bridge/internal/scoring"
	"github.com/acme/outbound-voice-bridge/internal/service/attempt"
	"github.com/acme/outbound-voice-bridge/internal/telephony"
	"github.com/acme/outbound-voice-bridge/internal/telephony/mediastream"
	"github.com/acme/outbound-voice-bridge/internal/tools"
	apperrors "github.com/acme/outbound-voice-bridge/pkg/errors"
	"github.com/acme/outbound-voice-bridge/pkg/logger"
)

// Leg is the carrier side of a call. Websocket connections from both the
// gorilla and fiber packages satisfy it.
type Leg interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// AISession is the engine side of a call.
type AISession interface {
	Events() <-chan realtime.ServerEvent
	Send(ev realtime.ClientEvent) error
	Close() error
	// Err is the error that closed Events, nil after a clean close.
	Err() error
}

// DialFunc opens an engine session.
type DialFunc func(ctx context.Context) (AISession, error)

// DialerFunc adapts a realtime dialer.
func DialerFunc(d *realtime.Dialer) DialFunc {
	return func(ctx context.Context) (AISession, error) {
		s, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// SessionClaimer binds a call_sid to a single relay across instances.
type SessionClaimer interface {
	Claim(ctx context.Context, callSID string) (bool, error)
	Unclaim(ctx context.Context, callSID string) error
}

// SlotReleaser returns a campaign concurrency slot.
type SlotReleaser interface {
	Release(ctx context.Context, campaignID uuid.UUID) error
}

// Analyzer scores a finished conversation.
type Analyzer interface {
	Analyze(ctx context.Context, req scoring.Request) (*domain.Insight, error)
}

// Deps are the collaborators of every bridged call. Transcripts, Scoring,
// Claims and Slots are optional.
type Deps struct {
	Store       *repository.Store
	Transcripts repository.TranscriptArchive
	Recorder    *attempt.Recorder
	Tools       *tools.Dispatcher
	Gateway     telephony.Gateway
	Dial        DialFunc
	Profiles    *realtime.Profiles
	Scoring     Analyzer
	Claims      SessionClaimer
	Slots       SlotReleaser
	Publisher   queue.Publisher
	Logger      *logger.Logger
}

// Manager accepts media streams and runs one call per stream.
type Manager struct {
	cfg   config.BridgeConfig
	deps  Deps
	now   func() time.Time
	after func(d time.Duration) <-chan time.Time

	mu     sync.Mutex
	active map[string]struct{}
}

// NewManager constructs a manager.
func NewManager(cfg config.BridgeConfig, deps Deps) *Manager {
	if cfg.ContextTimeout <= 0 {
		cfg.ContextTimeout = 5 * time.Second
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 30 * time.Second
	}
	if cfg.AnsweredMinChars <= 0 {
		cfg.AnsweredMinChars = 50
	}
	if cfg.AnalysisMinChars <= 0 {
		cfg.AnalysisMinChars = 100
	}
	if cfg.OtherProjects <= 0 {
		cfg.OtherProjects = 5
	}
	if deps.Publisher == nil {
		deps.Publisher = queue.NopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		deps:   deps,
		now:    func() time.Time { return time.Now().UTC() },
		after:  time.After,
		active: make(map[string]struct{}),
	}
}

// Active reports the number of calls relayed by this instance.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) register(callSID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[callSID]; ok {
		return false
	}
	m.active[callSID] = struct{}{}
	return true
}

func (m *Manager) unregister(callSID string) {
	m.mu.Lock()
	delete(m.active, callSID)
	m.mu.Unlock()
}

// Serve runs one media stream until either leg ends. query holds the
// identifiers found on the upgrade request; the start frame's custom
// parameters fill in whatever is missing.
func (m *Manager) Serve(ctx context.Context, leg Leg, query telephony.StreamIDs) error {
	start, err := awaitStart(leg)
	if err != nil {
		_ = leg.Close()
		return err
	}

	ids := query.Merge(telephony.StreamIDs{
		LeadID:     start.CustomParameters["lead_id"],
		CampaignID: start.CustomParameters["campaign_id"],
		CallSID:    start.CustomParameters["call_sid"],
	}).Merge(telephony.StreamIDs{CallSID: start.CallSID})

	if !ids.Complete() {
		closeLeg(leg, websocket.ClosePolicyViolation, "missing lead_id, campaign_id or call_sid")
		return fmt.Errorf("bridge: %w", apperrors.ErrMissingParameters)
	}
	leadID, campaignID, err := ids.Parse()
	if err != nil {
		closeLeg(leg, websocket.ClosePolicyViolation, "invalid call identifiers")
		return fmt.Errorf("bridge: %w: %v", apperrors.ErrValidation, err)
	}

	lg := m.deps.Logger.ForCall(ids.CallSID, ids.LeadID, ids.CampaignID)

	if !m.register(ids.CallSID) {
		closeLeg(leg, websocket.ClosePolicyViolation, "call already bridged")
		return fmt.Errorf("bridge: call %s: %w", ids.CallSID, apperrors.ErrConflict)
	}
	defer m.unregister(ids.CallSID)

	claimed := false
	if m.deps.Claims != nil {
		ok, err := m.deps.Claims.Claim(ctx, ids.CallSID)
		switch {
		case err != nil:
			lg.Warn("bridge: session claim unavailable", zap.Error(err))
		case !ok:
			closeLeg(leg, websocket.ClosePolicyViolation, "call already bridged")
			return fmt.Errorf("bridge: call %s: %w", ids.CallSID, apperrors.ErrConflict)
		default:
			claimed = true
		}
	}

	ctx, span := otel.Tracer("outbound.bridge").Start(ctx, "bridge.call")
	defer span.End()
	span.SetAttributes(
		attribute.String("call.sid", ids.CallSID),
		attribute.String("lead.id", ids.LeadID),
		attribute.String("campaign.id", ids.CampaignID),
	)

	c := newCall(m, leg, start.StreamSID, ids.CallSID, leadID, campaignID, lg)
	c.claimed = claimed
	defer c.cleanup()

	if err := c.initialize(ctx); err != nil {
		span.RecordError(err)
		lg.Error("bridge: initialization failed", zap.Error(err))
		c.fail(websocket.CloseInternalServerErr, "call initialization failed")
		return err
	}

	c.run(ctx)
	return nil
}

// initialize loads the call context and opens the engine session in
// parallel, then greets the lead.
func (c *call) initialize(ctx context.Context) error {
	m := c.m
	ictx, cancel := context.WithTimeout(ctx, m.cfg.ContextTimeout)
	defer cancel()

	var (
		lead     *domain.Lead
		campaign *domain.Campaign
		session  AISession
	)
	g, gctx := errgroup.WithContext(ictx)
	g.Go(func() error {
		l, err := m.deps.Store.Leads.Get(gctx, c.leadID)
		if err != nil {
			return fmt.Errorf("bridge: load lead: %w", err)
		}
		lead = l
		return nil
	})
	g.Go(func() error {
		cp, err := m.deps.Store.Campaigns.Get(gctx, c.campaignID)
		if err != nil {
			return fmt.Errorf("bridge: load campaign: %w", err)
		}
		campaign = cp
		return nil
	})
	g.Go(func() error {
		s, err := m.deps.Dial(gctx)
		if err != nil {
			return fmt.Errorf("bridge: dial engine: %w", err)
		}
		session = s
		return nil
	})
	err := g.Wait()
	if session != nil {
		c.ai = session
	}
	if err != nil {
		return err
	}
	c.lead, c.campaign = lead, campaign

	c.callLog = goFuture(func() (uuid.UUID, error) {
		return c.createCallLog(context.WithoutCancel(ctx))
	})
	c.toolCall = &tools.Call{
		CallSID:   c.callSID,
		Lead:      lead,
		Campaign:  campaign,
		CallLogID: c.callLog.Await,
		Control:   loopControl{c: c},
		Logger:    c.lg,
	}

	profile := m.deps.Profiles.Get(campaign.Profile)
	vars := realtime.PromptVars{
		Organization: campaign.Organization.Name,
		LeadName:     lead.Name,
		Campaign:     campaign.Name,
		Description:  campaign.Description,
		Location:     campaign.Location,
	}
	sessionCfg, err := profile.Session(vars, campaign.Script, campaign.Voice, tools.Definitions())
	if err != nil {
		return err
	}
	c.instructions = sessionCfg.Instructions
	c.turns = newTurns(profile)

	if err := c.ai.Send(realtime.SessionUpdate{Session: sessionCfg}); err != nil {
		return fmt.Errorf("bridge: configure session: %w", err)
	}
	if err := c.ai.Send(realtime.CreateResponse{}); err != nil {
		return fmt.Errorf("bridge: greet: %w", err)
	}
	c.state = StateActive
	c.startTools(ctx)
	c.lg.Info("bridge: call active", zap.String("profile", profile.Name))

	go c.fetchProjects(context.WithoutCancel(ctx))
	return nil
}

func (c *call) createCallLog(ctx context.Context) (uuid.UUID, error) {
	ctx, cancel := context.WithTimeout(ctx, c.m.cfg.CleanupTimeout)
	defer cancel()
	log := &domain.CallLog{
		ID:             uuid.New(),
		OrganizationID: c.campaign.OrganizationID,
		CallSID:        c.callSID,
		LeadID:         c.leadID,
		CampaignID:     c.campaignID,
		CallStatus:     domain.CallStatusInProgress,
		StartedAt:      c.startedAt,
	}
	if err := c.m.deps.Store.CallLogs.Create(ctx, log); err != nil {
		c.lg.Error("bridge: create call log", zap.Error(err))
		return uuid.Nil, fmt.Errorf("bridge: create call log: %w", err)
	}
	return log.ID, nil
}

// fetchProjects loads the organization's other active campaigns for the
// follow-up instructions. Failures only lose the extra context.
func (c *call) fetchProjects(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.m.cfg.ContextTimeout)
	defer cancel()
	others, err := c.m.deps.Store.Campaigns.ListActiveByOrganization(ctx, c.campaign.OrganizationID, c.campaignID, c.m.cfg.OtherProjects)
	if err != nil {
		c.lg.Debug("bridge: other projects unavailable", zap.Error(err))
		return
	}
	lines := make([]realtime.ProjectLine, 0, len(others))
	for _, o := range others {
		lines = append(lines, realtime.ProjectLine{Name: o.Name, Description: o.Description, Location: o.Location})
	}
	select {
	case c.projects <- lines:
	case <-c.done:
	}
}

// awaitStart reads frames until the stream's start frame.
func awaitStart(leg Leg) (mediastream.Start, error) {
	for {
		_, data, err := leg.ReadMessage()
		if err != nil {
			return mediastream.Start{}, fmt.Errorf("bridge: stream closed before start: %w", err)
		}
		frame, err := mediastream.Decode(data)
		if err != nil {
			continue
		}
		switch f := frame.(type) {
		case mediastream.Start:
			return f, nil
		case mediastream.Stop:
			return mediastream.Start{}, fmt.Errorf("bridge: stream stopped before start")
		}
	}
}

func closeLeg(leg Leg, code int, reason string) {
	_ = leg.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = leg.Close()
}
