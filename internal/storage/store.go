package storage

import (
	"context"

	"reidcontinual/internal/model"
)

// Store persists checkpoints, run records and validation history. Every
// backend keys checkpoints by (run id, name); saving an existing name
// overwrites it.
type Store interface {
	Init(ctx context.Context) error
	SaveCheckpoint(ctx context.Context, record model.CheckpointRecord) error
	GetCheckpoint(ctx context.Context, runID, name string) (model.CheckpointRecord, bool, error)
	// ListCheckpoints returns the run's checkpoints in one slot, oldest
	// iteration first.
	ListCheckpoints(ctx context.Context, runID string, slot model.Slot) ([]model.CheckpointRecord, error)
	DeleteCheckpoint(ctx context.Context, runID, name string) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveValidationHistory(ctx context.Context, runID string, history []model.ValidationRecord) error
	GetValidationHistory(ctx context.Context, runID string) ([]model.ValidationRecord, bool, error)
}
