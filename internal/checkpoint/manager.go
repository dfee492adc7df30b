package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"reidcontinual/internal/engine"
	"reidcontinual/internal/model"
	"reidcontinual/internal/report"
	"reidcontinual/internal/storage"
)

var (
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrObjectMissing      = errors.New("checkpoint object missing")
)

// Stateful is anything whose state goes into a checkpoint.
type Stateful interface {
	State() ([]byte, error)
	LoadState(data []byte) error
}

type Options struct {
	Prefix   string
	NSaved   int
	Reporter report.Reporter
	Now      func() time.Time
}

// Manager owns the best validation result of a run and writes the periodic
// and best checkpoint slots. The best result starts at -Inf and only ever
// increases.
type Manager struct {
	store  storage.Store
	runID  string
	opts   Options
	log    report.Reporter
	toSave map[string]Stateful
	best   float64
}

func New(store storage.Store, runID string, opts Options) *Manager {
	if opts.Prefix == "" {
		opts.Prefix = "checkpoint"
	}
	if opts.NSaved <= 0 {
		opts.NSaved = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store: store,
		runID: runID,
		opts:  opts,
		log:   report.OrNoOp(opts.Reporter),
		best:  math.Inf(-1),
	}
}

func (m *Manager) SetToSave(objects map[string]Stateful) {
	m.toSave = objects
}

func (m *Manager) RunID() string { return m.runID }

func (m *Manager) BestResult() float64 { return m.best }

func (m *Manager) HasBest() bool { return !math.IsInf(m.best, -1) }

func (m *Manager) BestName() string { return m.opts.Prefix + "_best" }

func (m *Manager) PeriodicName(iteration int) string {
	return m.opts.Prefix + "_checkpoint_" + strconv.Itoa(iteration)
}

// LoadCheckpoint restores every object in the to-save set from the best slot
// or from the newest periodic checkpoint.
func (m *Manager) LoadCheckpoint(ctx context.Context, isBest bool) (model.CheckpointRecord, error) {
	rec, err := Load(ctx, m.store, m.runID, isBest, m.toSave)
	if err != nil {
		return model.CheckpointRecord{}, err
	}
	m.log.Info("checkpoint loaded",
		"run_id", m.runID,
		"name", rec.Name,
		"epoch", rec.Epoch,
		"iteration", rec.Iteration,
		"size", report.Bytes(rec.Size()),
	)
	return rec, nil
}

// Load restores objects from a run's best slot or newest periodic
// checkpoint. Objects stored in the record but not asked for are ignored.
func Load(ctx context.Context, store storage.Store, runID string, isBest bool, objects map[string]Stateful) (model.CheckpointRecord, error) {
	rec, err := Find(ctx, store, runID, isBest)
	if err != nil {
		return model.CheckpointRecord{}, err
	}
	for _, name := range sortedKeys(objects) {
		data, ok := rec.Objects[name]
		if !ok {
			return model.CheckpointRecord{}, fmt.Errorf("%w: %s in %s", ErrObjectMissing, name, rec.Name)
		}
		if err := objects[name].LoadState(data); err != nil {
			return model.CheckpointRecord{}, fmt.Errorf("restore %s from %s: %w", name, rec.Name, err)
		}
	}
	return rec, nil
}

// Find returns the record a load would use without restoring anything.
func Find(ctx context.Context, store storage.Store, runID string, isBest bool) (model.CheckpointRecord, error) {
	slot := model.SlotPeriodic
	if isBest {
		slot = model.SlotBest
	}
	records, err := store.ListCheckpoints(ctx, runID, slot)
	if err != nil {
		return model.CheckpointRecord{}, err
	}
	if len(records) == 0 {
		return model.CheckpointRecord{}, fmt.Errorf("%w: run %s slot %s", ErrCheckpointNotFound, runID, slot)
	}
	return records[len(records)-1], nil
}

// PeriodicCheckpoint writes the rolling slot and keeps only the newest
// NSaved records.
func (m *Manager) PeriodicCheckpoint(ctx context.Context, st *engine.State) error {
	rec, err := m.write(ctx, m.PeriodicName(st.Iteration), model.SlotPeriodic, st, 0)
	if err != nil {
		return err
	}
	records, err := m.store.ListCheckpoints(ctx, m.runID, model.SlotPeriodic)
	if err != nil {
		return err
	}
	for len(records) > m.opts.NSaved {
		if err := m.store.DeleteCheckpoint(ctx, m.runID, records[0].Name); err != nil {
			return fmt.Errorf("prune %s: %w", records[0].Name, err)
		}
		m.log.Debug("checkpoint pruned", "name", records[0].Name)
		records = records[1:]
	}
	m.log.Info("checkpoint saved",
		"name", rec.Name,
		"slot", rec.Slot,
		"epoch", rec.Epoch,
		"iteration", rec.Iteration,
		"size", report.Bytes(rec.Size()),
	)
	return nil
}

// SaveBestValue raises the best result to score when score is strictly
// greater and persists it on the run record. Lower or equal scores leave it
// unchanged.
func (m *Manager) SaveBestValue(ctx context.Context, score float64) error {
	if math.IsNaN(score) || !(score > m.best) {
		return nil
	}
	m.best = score
	return m.updateRun(ctx, func(run *model.RunRecord) {
		best := score
		run.BestResult = &best
	})
}

// BestCheckpointer overwrites the best slot with the current state.
func (m *Manager) BestCheckpointer(ctx context.Context, st *engine.State) error {
	rec, err := m.write(ctx, m.BestName(), model.SlotBest, st, m.best)
	if err != nil {
		return err
	}
	if err := m.updateRun(ctx, func(run *model.RunRecord) { run.BestEpoch = st.Epoch }); err != nil {
		return err
	}
	m.log.Info("best checkpoint saved",
		"name", rec.Name,
		"epoch", rec.Epoch,
		"score", rec.Score,
		"size", report.Bytes(rec.Size()),
	)
	return nil
}

// ConsiderBest saves a new best value and checkpoint iff score > best. The
// best slot is written before the value is committed, so a failed write
// leaves both the manager and the run record at the previous best.
func (m *Manager) ConsiderBest(ctx context.Context, score float64, st *engine.State) (bool, error) {
	if math.IsNaN(score) || !(score > m.best) {
		return false, nil
	}
	rec, err := m.write(ctx, m.BestName(), model.SlotBest, st, score)
	if err != nil {
		return false, err
	}
	if err := m.updateRun(ctx, func(run *model.RunRecord) {
		best := score
		run.BestResult = &best
		run.BestEpoch = st.Epoch
	}); err != nil {
		return false, err
	}
	m.best = score
	m.log.Info("best checkpoint saved",
		"name", rec.Name,
		"epoch", rec.Epoch,
		"score", rec.Score,
		"size", report.Bytes(rec.Size()),
	)
	return true, nil
}

// RestoreBestValue reloads the persisted best result of the run, if any.
func (m *Manager) RestoreBestValue(ctx context.Context) error {
	run, ok, err := m.store.GetRun(ctx, m.runID)
	if err != nil {
		return err
	}
	if ok && run.BestResult != nil && *run.BestResult > m.best {
		m.best = *run.BestResult
	}
	return nil
}

func (m *Manager) write(ctx context.Context, name string, slot model.Slot, st *engine.State, score float64) (model.CheckpointRecord, error) {
	objects := make(map[string][]byte, len(m.toSave))
	for _, key := range sortedKeys(m.toSave) {
		data, err := m.toSave[key].State()
		if err != nil {
			return model.CheckpointRecord{}, fmt.Errorf("serialize %s: %w", key, err)
		}
		objects[key] = data
	}
	rec := model.CheckpointRecord{
		VersionedRecord: storage.Versioned(),
		ID:              uuid.NewString(),
		RunID:           m.runID,
		Name:            name,
		Slot:            slot,
		Epoch:           st.Epoch,
		Iteration:       st.Iteration,
		Score:           score,
		CreatedAt:       m.opts.Now().UTC(),
		Objects:         objects,
	}
	if err := m.store.SaveCheckpoint(ctx, rec); err != nil {
		return model.CheckpointRecord{}, fmt.Errorf("save %s: %w", name, err)
	}
	return rec, nil
}

func (m *Manager) updateRun(ctx context.Context, mutate func(*model.RunRecord)) error {
	run, ok, err := m.store.GetRun(ctx, m.runID)
	if err != nil {
		return err
	}
	now := m.opts.Now().UTC()
	if !ok {
		run = model.RunRecord{VersionedRecord: storage.Versioned(), ID: m.runID, CreatedAt: now}
	}
	mutate(&run)
	run.UpdatedAt = now
	return m.store.SaveRun(ctx, run)
}

func sortedKeys(objects map[string]Stateful) []string {
	keys := make([]string, 0, len(objects))
	for k := range objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
