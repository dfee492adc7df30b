package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"reidcontinual/internal/model"
	"reidcontinual/internal/stats"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	origWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	workdir := t.TempDir()
	if err := os.Chdir(workdir); err != nil {
		t.Fatalf("chdir tempdir: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(origWD)
	})
	return workdir
}

func TestPretrainThenContinualLifecycle(t *testing.T) {
	chdirTemp(t)
	ctx := context.Background()

	out, err := captureStdout(func() error {
		return run(ctx, []string{"init", "--config", "reid.yaml"})
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out, "initialized config=reid.yaml") {
		t.Fatalf("unexpected init output: %q", out)
	}
	if err := run(ctx, []string{"init", "--config", "reid.yaml"}); err == nil {
		t.Fatal("expected init to refuse overwriting without --force")
	}

	common := []string{"--config", "reid.yaml", "--epochs", "2", "--log-level", "error"}
	out, err = captureStdout(func() error {
		return run(ctx, append([]string{"pretrain", "--run-id", "src"}, common...))
	})
	if err != nil {
		t.Fatalf("pretrain: %v", err)
	}
	if !strings.Contains(out, "run_id=src stage=pretrain") || strings.Contains(out, "best=n/a") {
		t.Fatalf("unexpected pretrain output: %q", out)
	}

	out, err = captureStdout(func() error {
		return run(ctx, append([]string{"train", "--run-id", "tgt", "--source-run", "src"}, common...))
	})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if !strings.Contains(out, "run_id=tgt stage=continual") {
		t.Fatalf("unexpected train output: %q", out)
	}

	out, err = captureStdout(func() error {
		return run(ctx, []string{"checkpoints", "--config", "reid.yaml", "--run-id", "tgt", "--json"})
	})
	if err != nil {
		t.Fatalf("checkpoints: %v", err)
	}
	var items []struct {
		Name string     `json:"name"`
		Slot model.Slot `json:"slot"`
		Size int        `json:"size_bytes"`
	}
	if err := json.Unmarshal([]byte(out), &items); err != nil {
		t.Fatalf("decode checkpoints: %v", err)
	}
	var sawPeriodic, sawBest bool
	for _, item := range items {
		if item.Size <= 0 {
			t.Fatalf("expected non-empty checkpoint %+v", item)
		}
		switch item.Slot {
		case model.SlotPeriodic:
			sawPeriodic = true
		case model.SlotBest:
			sawBest = item.Name == "reid_best"
		}
	}
	if !sawPeriodic || !sawBest {
		t.Fatalf("expected periodic and best checkpoints, got %+v", items)
	}

	out, err = captureStdout(func() error {
		return run(ctx, []string{"best", "--config", "reid.yaml", "--run-id", "tgt"})
	})
	if err != nil {
		t.Fatalf("best: %v", err)
	}
	if !strings.Contains(out, "stage=continual") || !strings.Contains(out, "checkpoint=reid_best") {
		t.Fatalf("unexpected best output: %q", out)
	}

	out, err = captureStdout(func() error {
		return run(ctx, []string{"runs", "--config", "reid.yaml", "--json"})
	})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	var entries []stats.RunIndexEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 indexed runs, got %+v", entries)
	}
	for _, e := range entries {
		if e.BestResult == nil {
			t.Fatalf("expected best result for %s", e.RunID)
		}
	}

	runDir, ok, err := stats.FindRunDir("runs", "tgt")
	if err != nil || !ok {
		t.Fatalf("find run dir: ok=%v err=%v", ok, err)
	}
	history, ok, err := stats.ReadValidationHistory(runDir)
	if err != nil || !ok || len(history) != 1 {
		t.Fatalf("history: ok=%v err=%v len=%d", ok, err, len(history))
	}
	if len(history[0].PerDataset) != 2 {
		t.Fatalf("expected source and target results, got %+v", history[0].PerDataset)
	}
	series, ok, err := stats.ReadSeries(runDir)
	if err != nil || !ok || len(series["train/Loss"]) == 0 {
		t.Fatalf("series: ok=%v err=%v", ok, err)
	}

	out, err = captureStdout(func() error {
		return run(ctx, []string{"export", "--config", "reid.yaml", "--run-id", "tgt", "--out", "exports"})
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, "exported run_id=tgt") {
		t.Fatalf("unexpected export output: %q", out)
	}
	if _, err := os.Stat(filepath.Join("exports", filepath.Base(runDir), "summary.json")); err != nil {
		t.Fatalf("expected exported summary: %v", err)
	}
}

func TestPretrainWithSQLiteStore(t *testing.T) {
	workdir := chdirTemp(t)
	dbPath := filepath.Join(workdir, "reid.db")

	out, err := captureStdout(func() error {
		return run(context.Background(), []string{
			"pretrain",
			"--store", "sqlite",
			"--path", dbPath,
			"--run-id", "sq",
			"--epochs", "2",
			"--log-level", "error",
		})
	})
	if err != nil {
		t.Fatalf("pretrain: %v", err)
	}
	if !strings.Contains(out, "run_id=sq") {
		t.Fatalf("unexpected output: %q", out)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected sqlite db at %s: %v", dbPath, err)
	}

	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"checkpoints", "--store", "sqlite", "--path", dbPath, "--run-id", "sq"})
	})
	if err != nil {
		t.Fatalf("checkpoints: %v", err)
	}
	if !strings.Contains(out, "name=reid_best slot=best") {
		t.Fatalf("unexpected checkpoints output: %q", out)
	}
}

func TestResumeReusesArtifactDir(t *testing.T) {
	chdirTemp(t)
	ctx := context.Background()
	args := []string{"pretrain", "--run-id", "r1", "--epochs", "2", "--log-level", "error"}
	if _, err := captureStdout(func() error { return run(ctx, args) }); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, ok, err := stats.FindRunDir("runs", "r1")
	if err != nil || !ok {
		t.Fatalf("find first dir: ok=%v err=%v", ok, err)
	}

	rerun := []string{"pretrain", "--run-id", "r1", "--epochs", "2", "--log-level", "error"}
	if _, err := captureStdout(func() error { return run(ctx, rerun) }); err == nil {
		t.Fatal("expected reusing a run id without --resume to fail")
	}

	resumed := []string{"pretrain", "--run-id", "r1", "--epochs", "4", "--resume", "--log-level", "error"}
	if _, err := captureStdout(func() error { return run(ctx, resumed) }); err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	second, ok, err := stats.FindRunDir("runs", "r1")
	if err != nil || !ok {
		t.Fatalf("find second dir: ok=%v err=%v", ok, err)
	}
	if first != second {
		t.Fatalf("expected resumed run to reuse %s, got %s", first, second)
	}
	summary, ok, err := stats.ReadRunSummary(second)
	if err != nil || !ok {
		t.Fatalf("summary: ok=%v err=%v", ok, err)
	}
	if summary.Epochs != 4 {
		t.Fatalf("expected 4 epochs after resume, got %d", summary.Epochs)
	}
}

func TestCommandErrors(t *testing.T) {
	chdirTemp(t)
	ctx := context.Background()
	cases := [][]string{
		nil,
		{"nope"},
		{"pretrain", "--source-run", "x"},
		{"pretrain", "--resume"},
		{"train", "--run-id", "t", "--epochs", "1", "--log-level", "error"},
		{"checkpoints"},
		{"best"},
		{"runs", "--limit", "0"},
		{"export"},
		{"export", "--run-id", "a", "--latest"},
	}
	for _, args := range cases {
		if _, err := captureStdout(func() error { return run(ctx, args) }); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}

func captureStdout(fn func() error) (string, error) {
	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		return "", err
	}

	os.Stdout = w
	runErr := fn()
	_ = w.Close()
	os.Stdout = origStdout

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		_ = r.Close()
		return "", err
	}
	_ = r.Close()
	return buf.String(), runErr
}
