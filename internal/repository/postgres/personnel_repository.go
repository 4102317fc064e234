package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-voice-bridge/internal/domain"
)

// PersonnelRepository reads the profiles table.
type PersonnelRepository struct {
	db *sqlx.DB
}

// NewPersonnelRepository constructs a new repository.
func NewPersonnelRepository(db *sqlx.DB) *PersonnelRepository {
	return &PersonnelRepository{db: db}
}

// ListByOrganization returns every profile of the organization.
func (r *PersonnelRepository) ListByOrganization(ctx context.Context, organizationID uuid.UUID) ([]domain.Agent, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT id, organization_id, full_name, phone, role
		FROM profiles WHERE organization_id = $1 ORDER BY created_at ASC`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("personnel repo: list: %w", err)
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		var record struct {
			ID             uuid.UUID      `db:"id"`
			OrganizationID uuid.UUID      `db:"organization_id"`
			FullName       string         `db:"full_name"`
			Phone          sql.NullString `db:"phone"`
			Role           string         `db:"role"`
		}
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("personnel repo: scan: %w", err)
		}
		agents = append(agents, domain.Agent{
			ID:             record.ID,
			OrganizationID: record.OrganizationID,
			FullName:       record.FullName,
			Phone:          record.Phone.String,
			Role:           record.Role,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("personnel repo: rows err: %w", err)
	}
	return agents, nil
}

// AgentCallRepository writes agent_calls rows.
type AgentCallRepository struct {
	db *sqlx.DB
}

// NewAgentCallRepository constructs a new repository.
func NewAgentCallRepository(db *sqlx.DB) *AgentCallRepository {
	return &AgentCallRepository{db: db}
}

// Create records a transfer handed to an agent.
func (r *AgentCallRepository) Create(ctx context.Context, call *domain.AgentCall) error {
	q := `INSERT INTO agent_calls (id, organization_id, call_log_id, lead_id, agent_id, phone_number, reason, department, outcome, created_at)
		VALUES (:id, :organization_id, :call_log_id, :lead_id, :agent_id, :phone_number, :reason, :department, :outcome, :created_at)`
	params := map[string]any{
		"id":              call.ID,
		"organization_id": nullUUID(call.OrganizationID),
		"call_log_id":     call.CallLogID,
		"lead_id":         call.LeadID,
		"agent_id":        call.AgentID,
		"phone_number":    call.PhoneNumber,
		"reason":          nullString(call.Reason),
		"department":      nullString(call.Department),
		"outcome":         call.Outcome,
		"created_at":      call.CreatedAt,
	}
	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("agent call repo: insert: %w", err)
	}
	return nil
}
