package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"reidcontinual/internal/model"
)

const (
	runFile        = "run.json"
	validationFile = "validation.json"
	checkpointDir  = "checkpoints"
)

// FileStore keeps one directory per run:
//
//	<root>/<run id>/run.json
//	<root>/<run id>/validation.json
//	<root>/<run id>/checkpoints/<name>.json
//
// Files are written to a temporary name and renamed into place, so a killed
// process never leaves a truncated checkpoint behind.
type FileStore struct {
	root string

	mu          sync.RWMutex
	initialized bool
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.root == "" {
		return errors.New("file store root is required")
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return err
	}
	s.initialized = true
	return nil
}

func (s *FileStore) Root() string { return s.root }

func (s *FileStore) SaveCheckpoint(_ context.Context, record model.CheckpointRecord) error {
	path, err := s.checkpointPath(record.RunID, record.Name)
	if err != nil {
		return err
	}
	payload, err := EncodeCheckpoint(record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(path, payload)
}

func (s *FileStore) GetCheckpoint(_ context.Context, runID, name string) (model.CheckpointRecord, bool, error) {
	path, err := s.checkpointPath(runID, name)
	if err != nil {
		return model.CheckpointRecord{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	payload, ok, err := readOptional(path)
	if err != nil || !ok {
		return model.CheckpointRecord{}, false, err
	}
	record, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.CheckpointRecord{}, false, fmt.Errorf("decode checkpoint %s/%s: %w", runID, name, err)
	}
	return record, true, nil
}

func (s *FileStore) ListCheckpoints(_ context.Context, runID string, slot model.Slot) ([]model.CheckpointRecord, error) {
	dir, err := s.runDir(runID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(dir, checkpointDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []model.CheckpointRecord
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		payload, err := os.ReadFile(filepath.Join(dir, checkpointDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		record, err := DecodeCheckpoint(payload)
		if err != nil {
			return nil, fmt.Errorf("decode checkpoint %s/%s: %w", runID, entry.Name(), err)
		}
		if record.Slot == slot {
			out = append(out, record)
		}
	}
	sortCheckpoints(out)
	return out, nil
}

func (s *FileStore) DeleteCheckpoint(_ context.Context, runID, name string) error {
	path, err := s.checkpointPath(runID, name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) SaveRun(_ context.Context, run model.RunRecord) error {
	dir, err := s.runDir(run.ID)
	if err != nil {
		return err
	}
	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(filepath.Join(dir, runFile), payload)
}

func (s *FileStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	dir, err := s.runDir(id)
	if err != nil {
		return model.RunRecord{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	payload, ok, err := readOptional(filepath.Join(dir, runFile))
	if err != nil || !ok {
		return model.RunRecord{}, false, err
	}
	run, err := DecodeRun(payload)
	if err != nil {
		return model.RunRecord{}, false, fmt.Errorf("decode run %s: %w", id, err)
	}
	return run, true, nil
}

func (s *FileStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var out []model.RunRecord
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		payload, ok, err := readOptional(filepath.Join(s.root, entry.Name(), runFile))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		run, err := DecodeRun(payload)
		if err != nil {
			return nil, fmt.Errorf("decode run %s: %w", entry.Name(), err)
		}
		out = append(out, run)
	}
	sortRuns(out)
	return out, nil
}

func (s *FileStore) SaveValidationHistory(_ context.Context, runID string, history []model.ValidationRecord) error {
	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}
	payload, err := EncodeValidationHistory(history)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(filepath.Join(dir, validationFile), payload)
}

func (s *FileStore) GetValidationHistory(_ context.Context, runID string) ([]model.ValidationRecord, bool, error) {
	dir, err := s.runDir(runID)
	if err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	payload, ok, err := readOptional(filepath.Join(dir, validationFile))
	if err != nil || !ok {
		return nil, false, err
	}
	history, err := DecodeValidationHistory(payload)
	if err != nil {
		return nil, false, fmt.Errorf("decode validation history %s: %w", runID, err)
	}
	return history, true, nil
}

func (s *FileStore) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return errNotInitialized
	}
	return nil
}

func (s *FileStore) runDir(runID string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	if err := checkPathElement("run id", runID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, runID), nil
}

func (s *FileStore) checkpointPath(runID, name string) (string, error) {
	dir, err := s.runDir(runID)
	if err != nil {
		return "", err
	}
	if err := checkPathElement("checkpoint name", name); err != nil {
		return "", err
	}
	return filepath.Join(dir, checkpointDir, name+".json"), nil
}

func checkPathElement(kind, value string) error {
	if value == "" || value == "." || value == ".." || strings.ContainsAny(value, `/\`) {
		return fmt.Errorf("invalid %s %q", kind, value)
	}
	return nil
}

func readOptional(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
