package model

import "time"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Slot is the logical checkpoint slot a record belongs to.
type Slot string

const (
	SlotPeriodic Slot = "periodic"
	SlotBest     Slot = "best"
)

// CheckpointRecord is one persisted checkpoint. Objects maps each saved
// component name (engine, model, optimizer, ...) to its serialized state.
type CheckpointRecord struct {
	VersionedRecord
	ID        string            `json:"id"`
	RunID     string            `json:"run_id"`
	Name      string            `json:"name"`
	Slot      Slot              `json:"slot"`
	Epoch     int               `json:"epoch"`
	Iteration int               `json:"iteration"`
	Score     float64           `json:"score"`
	CreatedAt time.Time         `json:"created_at"`
	Objects   map[string][]byte `json:"objects"`
}

// Size is the total payload size of the saved objects.
func (r CheckpointRecord) Size() int {
	n := 0
	for _, obj := range r.Objects {
		n += len(obj)
	}
	return n
}

const (
	StagePretrain  = "pretrain"
	StageContinual = "continual"
)

// RunRecord describes a training run. BestResult is nil until a validation
// pass has produced a best score.
type RunRecord struct {
	VersionedRecord
	ID          string    `json:"id"`
	Stage       string    `json:"stage"`
	Dataset     string    `json:"dataset"`
	SourceRunID string    `json:"source_run_id,omitempty"`
	BestResult  *float64  `json:"best_result,omitempty"`
	BestEpoch   int       `json:"best_epoch,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ValidationRecord is one validation pass.
type ValidationRecord struct {
	Epoch      int                `json:"epoch"`
	Iteration  int                `json:"iteration"`
	PerDataset map[string]float64 `json:"per_dataset"`
	Sum        float64            `json:"sum"`
	Best       bool               `json:"best"`
}
