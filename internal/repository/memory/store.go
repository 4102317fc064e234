// Package memory provides in-process repositories with the same guarded
// semantics as the PostgreSQL implementations. Tests and local runs use them.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-voice-bridge/internal/domain"
	"github.com/acme/outbound-voice-bridge/internal/repository"
)

// NewStore returns a repository.Store backed by fresh in-memory repositories.
func NewStore() (*repository.Store, *Data) {
	data := &Data{
		leads:      map[uuid.UUID]*domain.Lead{},
		campaigns:  map[uuid.UUID]*domain.Campaign{},
		callLogs:   map[uuid.UUID]*domain.CallLog{},
		attempts:   map[uuid.UUID]*domain.CallAttempt{},
		queue:      map[uuid.UUID]*domain.QueueItem{},
		agents:     map[uuid.UUID][]domain.Agent{},
		stages:     map[uuid.UUID][]domain.PipelineStage{},
		stats:      map[uuid.UUID]*repository.CampaignStats{},
		transcript: map[string][]domain.TranscriptLine{},
	}
	store := &repository.Store{
		Leads:      &LeadRepository{d: data},
		Campaigns:  &CampaignRepository{d: data},
		CallLogs:   &CallLogRepository{d: data},
		Attempts:   &CallAttemptRepository{d: data},
		Queue:      &QueueRepository{d: data},
		Personnel:  &PersonnelRepository{d: data},
		AgentCalls: &AgentCallRepository{d: data},
		Pipelines:  &PipelineRepository{d: data},
		Insights:   &InsightRepository{d: data},
		Stats:      &StatisticsRepository{d: data},
	}
	return store, data
}

// Data is the shared state behind the in-memory repositories. Its helpers seed
// fixtures and expose snapshots for assertions.
type Data struct {
	mu         sync.Mutex
	leads      map[uuid.UUID]*domain.Lead
	campaigns  map[uuid.UUID]*domain.Campaign
	callLogs   map[uuid.UUID]*domain.CallLog
	attempts   map[uuid.UUID]*domain.CallAttempt
	queue      map[uuid.UUID]*domain.QueueItem
	agents     map[uuid.UUID][]domain.Agent
	stages     map[uuid.UUID][]domain.PipelineStage
	agentCalls []domain.AgentCall
	insights   []domain.Insight
	stats      map[uuid.UUID]*repository.CampaignStats
	transcript map[string][]domain.TranscriptLine
	failures   map[string]error
}

// PutLead seeds a lead.
func (d *Data) PutLead(l domain.Lead) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.leads[l.ID] = &l
}

// PutCampaign seeds a campaign.
func (d *Data) PutCampaign(c domain.Campaign) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.campaigns[c.ID] = &c
}

// PutAgents seeds an organization's personnel.
func (d *Data) PutAgents(orgID uuid.UUID, agents ...domain.Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[orgID] = append(d.agents[orgID], agents...)
}

// PutStages seeds a pipeline's stages.
func (d *Data) PutStages(pipelineID uuid.UUID, stages ...domain.PipelineStage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stages[pipelineID] = append(d.stages[pipelineID], stages...)
}

// FailOn makes the named operation (e.g. "personnel.list") return err.
func (d *Data) FailOn(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures == nil {
		d.failures = map[string]error{}
	}
	d.failures[op] = err
}

func (d *Data) failure(op string) error {
	if d.failures == nil {
		return nil
	}
	return d.failures[op]
}

// Lead returns a copy of the stored lead.
func (d *Data) Lead(id uuid.UUID) domain.Lead {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.leads[id]; ok {
		return *l
	}
	return domain.Lead{}
}

// Campaign returns a copy of the stored campaign.
func (d *Data) Campaign(id uuid.UUID) domain.Campaign {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.campaigns[id]; ok {
		return *c
	}
	return domain.Campaign{}
}

// CallLogs returns copies of every stored call log.
func (d *Data) CallLogs() []domain.CallLog {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.CallLog, 0, len(d.callLogs))
	for _, l := range d.callLogs {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Attempts returns every stored attempt ordered by attempt number.
func (d *Data) Attempts() []domain.CallAttempt {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.CallAttempt, 0, len(d.attempts))
	for _, a := range d.attempts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out
}

// QueueItems returns every stored queue item ordered by creation.
func (d *Data) QueueItems() []domain.QueueItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.QueueItem, 0, len(d.queue))
	for _, q := range d.queue {
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// AgentCalls returns recorded transfers.
func (d *Data) AgentCalls() []domain.AgentCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.AgentCall(nil), d.agentCalls...)
}

// Insights returns recorded analyses.
func (d *Data) Insights() []domain.Insight {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.Insight(nil), d.insights...)
}

// Stats returns a campaign's counters.
func (d *Data) Stats(campaignID uuid.UUID) repository.CampaignStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.stats[campaignID]; ok {
		return *s
	}
	return repository.CampaignStats{}
}

// LeadRepository is the in-memory repository.LeadRepository.
type LeadRepository struct{ d *Data }

// Get returns a copy of the lead.
func (r *LeadRepository) Get(_ context.Context, id uuid.UUID) (*domain.Lead, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	if err := r.d.failure("leads.get"); err != nil {
		return nil, err
	}
	l, ok := r.d.leads[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

// Update applies the patch atomically.
func (r *LeadRepository) Update(_ context.Context, id uuid.UUID, patch domain.LeadPatch) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	if err := r.d.failure("leads.update"); err != nil {
		return err
	}
	l, ok := r.d.leads[id]
	if !ok {
		return repository.ErrNotFound
	}
	patch.Apply(l)
	l.UpdatedAt = time.Now().UTC()
	return nil
}

// CampaignRepository is the in-memory repository.CampaignRepository.
type CampaignRepository struct{ d *Data }

// Get returns a copy of the campaign.
func (r *CampaignRepository) Get(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	c, ok := r.d.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// IncrementTotalCalls bumps the campaign's dial counter.
func (r *CampaignRepository) IncrementTotalCalls(_ context.Context, id uuid.UUID) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	c, ok := r.d.campaigns[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.TotalCalls++
	return nil
}

// ListActiveByOrganization lists other active campaigns of an organization.
func (r *CampaignRepository) ListActiveByOrganization(_ context.Context, organizationID, excludeID uuid.UUID, limit int) ([]*domain.Campaign, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var out []*domain.Campaign
	for _, c := range r.d.campaigns {
		if c.OrganizationID != organizationID || c.ID == excludeID || c.Status != domain.CampaignStatusActive {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CallLogRepository is the in-memory repository.CallLogRepository.
type CallLogRepository struct{ d *Data }

// Create stores the log; call sids are unique.
func (r *CallLogRepository) Create(_ context.Context, log *domain.CallLog) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	if err := r.d.failure("call_logs.create"); err != nil {
		return err
	}
	for _, existing := range r.d.callLogs {
		if existing.CallSID == log.CallSID {
			return fmt.Errorf("call sid %s: %w", log.CallSID, repository.ErrConflict)
		}
	}
	cp := *log
	r.d.callLogs[log.ID] = &cp
	return nil
}

// Get returns a copy of the log.
func (r *CallLogRepository) Get(_ context.Context, id uuid.UUID) (*domain.CallLog, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	l, ok := r.d.callLogs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

// Update patches the log.
func (r *CallLogRepository) Update(_ context.Context, id uuid.UUID, patch domain.CallLogPatch) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	l, ok := r.d.callLogs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if l.EndedAt != nil {
		return repository.ErrAlreadyRecorded
	}
	if patch.CallStatus != nil {
		l.CallStatus = *patch.CallStatus
	}
	if patch.Transferred != nil {
		l.Transferred = *patch.Transferred
	}
	if patch.TransferredAt != nil {
		t := *patch.TransferredAt
		l.TransferredAt = &t
	}
	if patch.TransferReason != nil {
		l.TransferReason = *patch.TransferReason
	}
	if patch.TransferDepartment != nil {
		l.TransferDepartment = *patch.TransferDepartment
	}
	if patch.DisconnectReason != nil {
		l.DisconnectReason = *patch.DisconnectReason
	}
	if patch.Notes != nil {
		l.Notes = *patch.Notes
	}
	return nil
}

// Finalize writes the end of call once.
func (r *CallLogRepository) Finalize(_ context.Context, id uuid.UUID, final domain.CallLogFinal) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	l, ok := r.d.callLogs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if l.EndedAt != nil {
		return fmt.Errorf("call log %s: %w", id, repository.ErrAlreadyRecorded)
	}
	ended := final.EndedAt
	l.CallStatus = final.CallStatus
	l.Transcript = final.Transcript
	l.DurationSec = final.DurationSec
	l.EndedAt = &ended
	return nil
}

// CallAttemptRepository is the in-memory repository.CallAttemptRepository.
type CallAttemptRepository struct{ d *Data }

// Create stores the attempt, numbering it when AttemptNumber is zero.
func (r *CallAttemptRepository) Create(_ context.Context, attempt *domain.CallAttempt) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	if attempt.CallSID != "" {
		for _, a := range r.d.attempts {
			if a.CallSID == attempt.CallSID {
				return fmt.Errorf("call sid %s: %w", attempt.CallSID, repository.ErrConflict)
			}
		}
	}
	if attempt.AttemptNumber == 0 {
		attempt.AttemptNumber = r.countLocked(attempt.LeadID, attempt.CampaignID) + 1
	}
	cp := *attempt
	r.d.attempts[attempt.ID] = &cp
	return nil
}

func (r *CallAttemptRepository) countLocked(leadID, campaignID uuid.UUID) int {
	n := 0
	for _, a := range r.d.attempts {
		if a.LeadID == leadID && a.CampaignID == campaignID {
			n++
		}
	}
	return n
}

// FindByCallSID locates an attempt by carrier call id.
func (r *CallAttemptRepository) FindByCallSID(_ context.Context, callSID string) (*domain.CallAttempt, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	for _, a := range r.d.attempts {
		if a.CallSID == callSID && callSID != "" {
			cp := *a
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

// AttachCallLog links the attempt to a call log.
func (r *CallAttemptRepository) AttachCallLog(_ context.Context, id, callLogID uuid.UUID) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	a, ok := r.d.attempts[id]
	if !ok {
		return repository.ErrNotFound
	}
	logID := callLogID
	a.CallLogID = &logID
	return nil
}

// Conclude writes the outcome once.
func (r *CallAttemptRepository) Conclude(_ context.Context, id uuid.UUID, c domain.AttemptConclusion) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	a, ok := r.d.attempts[id]
	if !ok || a.Outcome != domain.AttemptOutcomeInProgress {
		return fmt.Errorf("attempt %s: %w", id, repository.ErrAlreadyRecorded)
	}
	a.Outcome = c.Outcome
	a.DurationSec = c.DurationSec
	a.WillRetry = c.WillRetry
	a.NextRetryAt = c.NextRetryAt
	a.RetryReason = c.RetryReason
	return nil
}

// ListDueRetries returns attempts whose retry is due.
func (r *CallAttemptRepository) ListDueRetries(_ context.Context, now time.Time, limit int) ([]*domain.CallAttempt, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var out []*domain.CallAttempt
	for _, a := range r.d.attempts {
		if a.WillRetry && a.NextRetryAt != nil && !a.NextRetryAt.After(now) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClearRetry drops the retry flag.
func (r *CallAttemptRepository) ClearRetry(_ context.Context, id uuid.UUID) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	a, ok := r.d.attempts[id]
	if !ok || !a.WillRetry {
		return fmt.Errorf("attempt %s: %w", id, repository.ErrConflict)
	}
	a.WillRetry = false
	return nil
}

// QueueRepository is the in-memory repository.QueueRepository.
type QueueRepository struct{ d *Data }

// Enqueue stores a new item.
func (r *QueueRepository) Enqueue(_ context.Context, item *domain.QueueItem) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	if _, ok := r.d.queue[item.ID]; ok {
		return repository.ErrConflict
	}
	cp := *item
	r.d.queue[item.ID] = &cp
	return nil
}

// Get returns a copy of the item.
func (r *QueueRepository) Get(_ context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	q, ok := r.d.queue[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *q
	return &cp, nil
}

// ListDue returns dialable items oldest-due first.
func (r *QueueRepository) ListDue(_ context.Context, now time.Time, maxAttempts, limit int) ([]*domain.QueueItem, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var out []*domain.QueueItem
	for _, q := range r.d.queue {
		if q.Dialable(now, maxAttempts) {
			cp := *q
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkProcessing claims a queued or failed item.
func (r *QueueRepository) MarkProcessing(_ context.Context, id uuid.UUID) error {
	return r.transition(id, func(q *domain.QueueItem) bool {
		if q.Status != domain.QueueStatusQueued && q.Status != domain.QueueStatusFailed {
			return false
		}
		q.Status = domain.QueueStatusProcessing
		return true
	})
}

// MarkCompleted records the carrier call id of a processing item.
func (r *QueueRepository) MarkCompleted(_ context.Context, id uuid.UUID, callSID string) error {
	return r.transition(id, func(q *domain.QueueItem) bool {
		if q.Status != domain.QueueStatusProcessing {
			return false
		}
		q.Status = domain.QueueStatusCompleted
		q.CallSID = callSID
		q.LastError = ""
		return true
	})
}

// MarkFailed records a failed origination of a processing item.
func (r *QueueRepository) MarkFailed(_ context.Context, id uuid.UUID, attemptCount int, nextRetryAt time.Time, lastError string) error {
	return r.transition(id, func(q *domain.QueueItem) bool {
		if q.Status != domain.QueueStatusProcessing || q.AttemptCount > attemptCount {
			return false
		}
		q.Status = domain.QueueStatusFailed
		q.AttemptCount = attemptCount
		q.NextRetryAt = nextRetryAt
		q.LastError = lastError
		return true
	})
}

func (r *QueueRepository) transition(id uuid.UUID, apply func(*domain.QueueItem) bool) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	q, ok := r.d.queue[id]
	if !ok || !apply(q) {
		return fmt.Errorf("queue item %s: %w", id, repository.ErrConflict)
	}
	q.UpdatedAt = time.Now().UTC()
	return nil
}

// PersonnelRepository is the in-memory repository.PersonnelRepository.
type PersonnelRepository struct{ d *Data }

// ListByOrganization returns seeded personnel.
func (r *PersonnelRepository) ListByOrganization(_ context.Context, organizationID uuid.UUID) ([]domain.Agent, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	if err := r.d.failure("personnel.list"); err != nil {
		return nil, err
	}
	return append([]domain.Agent(nil), r.d.agents[organizationID]...), nil
}

// AgentCallRepository is the in-memory repository.AgentCallRepository.
type AgentCallRepository struct{ d *Data }

// Create records the transfer.
func (r *AgentCallRepository) Create(_ context.Context, call *domain.AgentCall) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	r.d.agentCalls = append(r.d.agentCalls, *call)
	return nil
}

// PipelineRepository is the in-memory repository.PipelineRepository.
type PipelineRepository struct{ d *Data }

// ListStages returns seeded stages in position order.
func (r *PipelineRepository) ListStages(_ context.Context, pipelineID uuid.UUID) ([]domain.PipelineStage, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	stages := append([]domain.PipelineStage(nil), r.d.stages[pipelineID]...)
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].Position < stages[j].Position })
	return stages, nil
}

// InsightRepository is the in-memory repository.InsightRepository.
type InsightRepository struct{ d *Data }

// Create records the analysis.
func (r *InsightRepository) Create(_ context.Context, insight *domain.Insight) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	r.d.insights = append(r.d.insights, *insight)
	return nil
}

// StatisticsRepository is the in-memory repository.CampaignStatisticsRepository.
type StatisticsRepository struct{ d *Data }

// Ensure creates a zero row.
func (r *StatisticsRepository) Ensure(_ context.Context, campaignID uuid.UUID) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	if _, ok := r.d.stats[campaignID]; !ok {
		r.d.stats[campaignID] = &repository.CampaignStats{}
	}
	return nil
}

// Get returns the counters.
func (r *StatisticsRepository) Get(_ context.Context, campaignID uuid.UUID) (*repository.CampaignStats, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	s, ok := r.d.stats[campaignID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// ApplyDelta adds the delta.
func (r *StatisticsRepository) ApplyDelta(_ context.Context, campaignID uuid.UUID, delta repository.StatsDelta) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	s, ok := r.d.stats[campaignID]
	if !ok {
		s = &repository.CampaignStats{}
		r.d.stats[campaignID] = s
	}
	s.TotalCalls += delta.TotalCallsDelta
	s.FailedDials += delta.FailedDialsDelta
	s.Answered += delta.AnsweredDelta
	s.Transferred += delta.TransferredDelta
	s.Disconnected += delta.DisconnectedDelta
	s.Completed += delta.CompletedDelta
	s.Unanswered += delta.UnansweredDelta
	s.SMSSent += delta.SMSSentDelta
	s.Retries += delta.RetriesDelta
	return nil
}

// TranscriptArchive is an in-memory repository.TranscriptArchive.
type TranscriptArchive struct{ d *Data }

// NewTranscriptArchive shares state with the store's Data.
func NewTranscriptArchive(d *Data) *TranscriptArchive {
	return &TranscriptArchive{d: d}
}

// Append adds lines for a call.
func (a *TranscriptArchive) Append(_ context.Context, callSID string, lines []domain.TranscriptLine) error {
	if strings.TrimSpace(callSID) == "" {
		return fmt.Errorf("transcript archive: empty call sid")
	}
	a.d.mu.Lock()
	defer a.d.mu.Unlock()
	a.d.transcript[callSID] = append(a.d.transcript[callSID], lines...)
	return nil
}

// List returns the lines of a call in sequence order.
func (a *TranscriptArchive) List(_ context.Context, callSID string) ([]domain.TranscriptLine, error) {
	a.d.mu.Lock()
	defer a.d.mu.Unlock()
	lines := append([]domain.TranscriptLine(nil), a.d.transcript[callSID]...)
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].Seq < lines[j].Seq })
	return lines, nil
}
