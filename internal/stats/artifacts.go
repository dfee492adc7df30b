package stats

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"

	"reidcontinual/internal/model"
)

const (
	runIndexFile   = "run_index.json"
	dirTimeLayout  = "%Y%m%d-%H%M%S"
	configFile     = "config.json"
	configYAMLFile = "config.yaml"
	historyFile    = "validation_history.json"
	summaryFile    = "summary.json"
)

// RunConfig is the part of a run worth finding again later.
type RunConfig struct {
	RunID        string   `json:"run_id"`
	Stage        string   `json:"stage"`
	Dataset      string   `json:"dataset"`
	SourceRunID  string   `json:"source_run_id,omitempty"`
	MaxEpochs    int      `json:"max_epochs"`
	Losses       []string `json:"losses"`
	Store        string   `json:"store"`
	StartedAtUTC string   `json:"started_at_utc"`
}

type RunSummary struct {
	RunID          string   `json:"run_id"`
	Epochs         int      `json:"epochs"`
	Iterations     int      `json:"iterations"`
	BestResult     *float64 `json:"best_result,omitempty"`
	BestEpoch      int      `json:"best_epoch,omitempty"`
	CompletedAtUTC string   `json:"completed_at_utc"`
}

type RunArtifacts struct {
	Config     RunConfig
	ConfigYAML []byte
	History    []model.ValidationRecord
	Summary    RunSummary
}

type RunIndexEntry struct {
	RunID        string   `json:"run_id"`
	Stage        string   `json:"stage"`
	Dataset      string   `json:"dataset"`
	Dir          string   `json:"dir"`
	BestResult   *float64 `json:"best_result,omitempty"`
	CreatedAtUTC string   `json:"created_at_utc"`
}

// RunDirName names a run directory so a plain listing sorts by start time.
func RunDirName(runID string, startedAt time.Time) string {
	return strftime.Format(dirTimeLayout, startedAt.UTC()) + "_" + runID
}

// WriteRunArtifacts writes the config snapshot, validation history and
// summary of a run into runDir.
func WriteRunArtifacts(runDir string, artifacts RunArtifacts) error {
	if artifacts.Config.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return err
	}
	if len(artifacts.ConfigYAML) > 0 {
		if err := os.WriteFile(filepath.Join(runDir, configYAMLFile), artifacts.ConfigYAML, 0o644); err != nil {
			return err
		}
	}
	history := artifacts.History
	if history == nil {
		history = []model.ValidationRecord{}
	}
	if err := writeJSON(filepath.Join(runDir, historyFile), history); err != nil {
		return err
	}
	summary := artifacts.Summary
	if summary.RunID == "" {
		summary.RunID = artifacts.Config.RunID
	}
	return writeJSON(filepath.Join(runDir, summaryFile), summary)
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns the index newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAtUTC > entries[j].CreatedAtUTC
	})
	return entries, nil
}

// FindRunDir looks a run up in the index.
func FindRunDir(baseDir, runID string) (string, bool, error) {
	index, err := ListRunIndex(baseDir)
	if err != nil {
		return "", false, err
	}
	for _, e := range index {
		if e.RunID == runID {
			return filepath.Join(baseDir, e.Dir), true, nil
		}
	}
	return "", false, nil
}

// ExportRunArtifacts copies a run directory's files into outDir/<dir name>.
func ExportRunArtifacts(runDir, outDir string) (string, error) {
	if strings.TrimSpace(runDir) == "" {
		return "", fmt.Errorf("run dir is required")
	}
	if _, err := os.Stat(runDir); err != nil {
		return "", err
	}
	dst := filepath.Join(outDir, filepath.Base(runDir))
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}
	for _, file := range []string{configFile, historyFile, summaryFile} {
		if err := copyFile(filepath.Join(runDir, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	for _, file := range []string{configYAMLFile, seriesFile} {
		src := filepath.Join(runDir, file)
		if _, err := os.Stat(src); err == nil {
			if err := copyFile(src, filepath.Join(dst, file)); err != nil {
				return "", err
			}
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}
	return dst, nil
}

func ReadValidationHistory(runDir string) ([]model.ValidationRecord, bool, error) {
	var history []model.ValidationRecord
	ok, err := readJSON(filepath.Join(runDir, historyFile), &history)
	return history, ok, err
}

func ReadRunSummary(runDir string) (RunSummary, bool, error) {
	var summary RunSummary
	ok, err := readJSON(filepath.Join(runDir, summaryFile), &summary)
	return summary, ok, err
}

func readJSON(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
