package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-voice-bridge/internal/domain"
	apperrors "github.com/acme/outbound-voice-bridge/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a guarded transition lost its race or a unique constraint fired.
	ErrConflict = apperrors.ErrConflict
	// ErrAlreadyRecorded indicates a write-once field was already written.
	ErrAlreadyRecorded = apperrors.ErrAlreadyRecorded
)

// LeadRepository reads leads and applies atomic partial updates.
type LeadRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Lead, error)
	Update(ctx context.Context, id uuid.UUID, patch domain.LeadPatch) error
}

// CampaignRepository reads campaigns together with their organization.
type CampaignRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	IncrementTotalCalls(ctx context.Context, id uuid.UUID) error
	ListActiveByOrganization(ctx context.Context, organizationID, excludeID uuid.UUID, limit int) ([]*domain.Campaign, error)
}

// CallLogRepository persists per-call logs. Finalize is write-once.
type CallLogRepository interface {
	Create(ctx context.Context, log *domain.CallLog) error
	Get(ctx context.Context, id uuid.UUID) (*domain.CallLog, error)
	Update(ctx context.Context, id uuid.UUID, patch domain.CallLogPatch) error
	Finalize(ctx context.Context, id uuid.UUID, final domain.CallLogFinal) error
}

// CallAttemptRepository persists dial and SMS attempts.
type CallAttemptRepository interface {
	Create(ctx context.Context, attempt *domain.CallAttempt) error
	FindByCallSID(ctx context.Context, callSID string) (*domain.CallAttempt, error)
	AttachCallLog(ctx context.Context, id, callLogID uuid.UUID) error
	// Conclude writes the outcome once; a second call returns ErrAlreadyRecorded.
	Conclude(ctx context.Context, id uuid.UUID, conclusion domain.AttemptConclusion) error
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.CallAttempt, error)
	// ClearRetry drops the retry flag; it returns ErrConflict when already cleared.
	ClearRetry(ctx context.Context, id uuid.UUID) error
}

// QueueRepository persists the dial queue. Transitions are status-guarded and
// return ErrConflict when the item is not in the expected state.
type QueueRepository interface {
	Enqueue(ctx context.Context, item *domain.QueueItem) error
	Get(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error)
	ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*domain.QueueItem, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkCompleted(ctx context.Context, id uuid.UUID, callSID string) error
	MarkFailed(ctx context.Context, id uuid.UUID, attemptCount int, nextRetryAt time.Time, lastError string) error
}

// PersonnelRepository reads organization personnel.
type PersonnelRepository interface {
	ListByOrganization(ctx context.Context, organizationID uuid.UUID) ([]domain.Agent, error)
}

// AgentCallRepository records transfers handed to agents.
type AgentCallRepository interface {
	Create(ctx context.Context, call *domain.AgentCall) error
}

// PipelineRepository reads pipeline stages.
type PipelineRepository interface {
	ListStages(ctx context.Context, pipelineID uuid.UUID) ([]domain.PipelineStage, error)
}

// InsightRepository persists conversation insights.
type InsightRepository interface {
	Create(ctx context.Context, insight *domain.Insight) error
}

// CampaignStatisticsRepository keeps aggregate counters.
type CampaignStatisticsRepository interface {
	Ensure(ctx context.Context, campaignID uuid.UUID) error
	Get(ctx context.Context, campaignID uuid.UUID) (*CampaignStats, error)
	ApplyDelta(ctx context.Context, campaignID uuid.UUID, delta StatsDelta) error
}

// TranscriptArchive keeps the utterance-level transcript of each call.
type TranscriptArchive interface {
	Append(ctx context.Context, callSID string, lines []domain.TranscriptLine) error
	List(ctx context.Context, callSID string) ([]domain.TranscriptLine, error)
}

// Store groups the record store collaborators.
type Store struct {
	Leads      LeadRepository
	Campaigns  CampaignRepository
	CallLogs   CallLogRepository
	Attempts   CallAttemptRepository
	Queue      QueueRepository
	Personnel  PersonnelRepository
	AgentCalls AgentCallRepository
	Pipelines  PipelineRepository
	Insights   InsightRepository
	Stats      CampaignStatisticsRepository
}

// CampaignStats is the aggregate view of a campaign's calls.
type CampaignStats struct {
	TotalCalls   int64 `db:"total_calls" json:"total_calls"`
	FailedDials  int64 `db:"failed_dials" json:"failed_dials"`
	Answered     int64 `db:"answered_calls" json:"answered_calls"`
	Transferred  int64 `db:"transferred_calls" json:"transferred_calls"`
	Disconnected int64 `db:"disconnected_calls" json:"disconnected_calls"`
	Completed    int64 `db:"completed_calls" json:"completed_calls"`
	Unanswered   int64 `db:"unanswered_calls" json:"unanswered_calls"`
	SMSSent      int64 `db:"sms_sent" json:"sms_sent"`
	Retries      int64 `db:"retries_scheduled" json:"retries_scheduled"`
}

// StatsDelta captures atomic counter increments.
type StatsDelta struct {
	TotalCallsDelta   int64
	FailedDialsDelta  int64
	AnsweredDelta     int64
	TransferredDelta  int64
	DisconnectedDelta int64
	CompletedDelta    int64
	UnansweredDelta   int64
	SMSSentDelta      int64
	RetriesDelta      int64
}

// IsZero reports whether the delta changes nothing.
func (d StatsDelta) IsZero() bool {
	return d == StatsDelta{}
}
