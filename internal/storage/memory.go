package storage

import (
	"context"
	"errors"
	"sync"

	"reidcontinual/internal/model"
)

var errNotInitialized = errors.New("store is not initialized")

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	checkpoints map[string]map[string]model.CheckpointRecord
	runs        map[string]model.RunRecord
	validation  map[string][]model.ValidationRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.checkpoints = make(map[string]map[string]model.CheckpointRecord)
	s.runs = make(map[string]model.RunRecord)
	s.validation = make(map[string][]model.ValidationRecord)
	return nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, record model.CheckpointRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	byName, ok := s.checkpoints[record.RunID]
	if !ok {
		byName = make(map[string]model.CheckpointRecord)
		s.checkpoints[record.RunID] = byName
	}
	byName[record.Name] = cloneCheckpoint(record)
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, runID, name string) (model.CheckpointRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.checkpoints[runID][name]
	if !ok {
		return model.CheckpointRecord{}, false, nil
	}
	return cloneCheckpoint(record), true, nil
}

func (s *MemoryStore) ListCheckpoints(_ context.Context, runID string, slot model.Slot) ([]model.CheckpointRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.CheckpointRecord
	for _, record := range s.checkpoints[runID] {
		if record.Slot == slot {
			out = append(out, cloneCheckpoint(record))
		}
	}
	sortCheckpoints(out)
	return out, nil
}

func (s *MemoryStore) DeleteCheckpoint(_ context.Context, runID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checkpoints[runID], name)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	return run, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sortRuns(out)
	return out, nil
}

func (s *MemoryStore) SaveValidationHistory(_ context.Context, runID string, history []model.ValidationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.validation[runID] = append([]model.ValidationRecord(nil), history...)
	return nil
}

func (s *MemoryStore) GetValidationHistory(_ context.Context, runID string) ([]model.ValidationRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.validation[runID]
	if !ok {
		return nil, false, nil
	}
	return append([]model.ValidationRecord(nil), history...), true, nil
}
