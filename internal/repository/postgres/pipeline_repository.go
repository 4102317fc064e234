package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-voice-bridge/internal/domain"
)

// PipelineRepository reads pipeline stages.
type PipelineRepository struct {
	db *sqlx.DB
}

// NewPipelineRepository constructs a new repository.
func NewPipelineRepository(db *sqlx.DB) *PipelineRepository {
	return &PipelineRepository{db: db}
}

// ListStages returns the pipeline's stages in board order.
func (r *PipelineRepository) ListStages(ctx context.Context, pipelineID uuid.UUID) ([]domain.PipelineStage, error) {
	var records []struct {
		ID         uuid.UUID `db:"id"`
		PipelineID uuid.UUID `db:"pipeline_id"`
		Name       string    `db:"name"`
		Position   int       `db:"position"`
	}
	if err := r.db.SelectContext(ctx, &records, `SELECT id, pipeline_id, name, position
		FROM pipeline_stages WHERE pipeline_id = $1 ORDER BY position ASC`, pipelineID); err != nil {
		return nil, fmt.Errorf("pipeline repo: list stages: %w", err)
	}

	stages := make([]domain.PipelineStage, 0, len(records))
	for _, rec := range records {
		stages = append(stages, domain.PipelineStage{ID: rec.ID, PipelineID: rec.PipelineID, Name: rec.Name, Position: rec.Position})
	}
	return stages, nil
}
