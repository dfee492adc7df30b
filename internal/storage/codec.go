package storage

import (
	"encoding/json"
	"errors"
	"sort"

	"reidcontinual/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// Versioned is the version stamp every new record is written with.
func Versioned() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeCheckpoint(r model.CheckpointRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeCheckpoint(data []byte) (model.CheckpointRecord, error) {
	var record model.CheckpointRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.CheckpointRecord{}, err
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return model.CheckpointRecord{}, err
	}
	return record, nil
}

func EncodeRun(r model.RunRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func EncodeValidationHistory(history []model.ValidationRecord) ([]byte, error) {
	return json.Marshal(history)
}

func DecodeValidationHistory(data []byte) ([]model.ValidationRecord, error) {
	var history []model.ValidationRecord
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, err
	}
	return history, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}

func sortCheckpoints(records []model.CheckpointRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Iteration != records[j].Iteration {
			return records[i].Iteration < records[j].Iteration
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}

func sortRuns(runs []model.RunRecord) {
	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.Before(runs[j].CreatedAt)
		}
		return runs[i].ID < runs[j].ID
	})
}

func cloneCheckpoint(r model.CheckpointRecord) model.CheckpointRecord {
	out := r
	if r.Objects != nil {
		out.Objects = make(map[string][]byte, len(r.Objects))
		for k, v := range r.Objects {
			out.Objects[k] = append([]byte(nil), v...)
		}
	}
	return out
}
